package nats

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"educhain-indexer/internal/models"
)

// Publisher fans persisted events out to NATS
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *logrus.Logger
	closed  chan struct{}
}

const drainTimeout = 10 * time.Second

// NewPublisher creates a new NATS publisher
func NewPublisher(url, subject string, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) (*Publisher, error) {
	closed := make(chan struct{})
	var closeOnce sync.Once
	opts := []nats.Option{
		nats.Name("educhain-indexer"),
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
			closeOnce.Do(func() { close(closed) })
		}),
		nats.DrainTimeout(drainTimeout),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", url)

	return &Publisher{
		conn:    conn,
		subject: subject,
		logger:  logger,
		closed:  closed,
	}, nil
}

// Publish sends an event on <subject>.<module>.<EventStruct>. The natural key is set as
// the message id so JetStream streams drop redeliveries within their dedup window.
func (p *Publisher) Publish(event *models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := nats.NewMsg(EventSubject(p.subject, event))
	msg.Data = data
	if key, ok := event.Key(); ok {
		msg.Header.Set(nats.MsgIdHdr, key.String())
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}

	p.logger.Debugf("Published %s event %s:%d", msg.Subject, event.TxDigest, derefSeq(event.EventSeq))
	return nil
}

// PublishRaw publishes arbitrary data, used by transform scripts
func (p *Publisher) PublishRaw(subject string, data []byte) error {
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	return nil
}

// Flush waits until the server has processed everything published so far
func (p *Publisher) Flush(timeout time.Duration) error {
	return p.conn.FlushTimeout(timeout)
}

// Close drains the connection and waits until everything buffered has been sent
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warnf("NATS drain failed: %v", err)
		p.conn.Close()
		return
	}
	select {
	case <-p.closed:
	case <-time.After(drainTimeout + time.Second):
		p.logger.Warn("NATS drain did not finish, closing")
		p.conn.Close()
	}
}

// EventSubject derives the subject for an event from its fully qualified Move type.
// Events without a parsable type go to <base>.unknown.
func EventSubject(base string, event *models.Event) string {
	parts := strings.Split(models.StringOrEmpty(event.EventType), "::")
	if len(parts) < 3 {
		return base + ".unknown"
	}
	module := sanitizeToken(parts[1])
	name := parts[2]
	// Generic instantiations: Wrapper<0x2::sui::SUI>
	if i := strings.IndexByte(name, '<'); i >= 0 {
		name = name[:i]
	}
	return base + "." + module + "." + sanitizeToken(name)
}

func sanitizeToken(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
	if s == "" {
		return "_"
	}
	return s
}

func derefSeq(seq *uint64) uint64 {
	if seq == nil {
		return 0
	}
	return *seq
}
