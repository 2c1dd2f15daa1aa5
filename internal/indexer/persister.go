package indexer

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"educhain-indexer/internal/models"
	"educhain-indexer/internal/processor"
	"educhain-indexer/internal/store"
)

// PersistOutcome says what happened to one event
type PersistOutcome int

const (
	OutcomePersisted PersistOutcome = iota
	OutcomeSkipped                  // Malformed, dropped
	OutcomeRejected                 // Filtered out by the transformer
)

func (o PersistOutcome) String() string {
	switch o {
	case OutcomePersisted:
		return "persisted"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Transform reshapes an event before it is written
type Transform interface {
	Transform(event *models.Event) (*models.Event, error)
}

// EventSink receives every event after it has been written. Publish may buffer; Flush
// returns once everything published so far has reached the sink.
type EventSink interface {
	Publish(event *models.Event) error
	Flush(timeout time.Duration) error
}

const sinkFlushTimeout = 5 * time.Second

// Persister writes single events idempotently
type Persister struct {
	writer    store.EventWriter
	transform Transform
	sink      EventSink
	logger    *logrus.Logger
}

// NewPersister creates a persister. transform and sink may be nil.
func NewPersister(writer store.EventWriter, transform Transform, sink EventSink, logger *logrus.Logger) *Persister {
	return &Persister{
		writer:    writer,
		transform: transform,
		sink:      sink,
		logger:    logger,
	}
}

// Persist upserts event keyed by (tx digest, event seq). Events without a full key are
// skipped, not failed. Store and sink failures come back as *store.PersistenceError.
func (p *Persister) Persist(ctx context.Context, event models.Event) (PersistOutcome, error) {
	key, ok := event.Key()
	if !ok {
		p.logger.WithFields(logrus.Fields{
			"tx_digest":  event.TxDigest,
			"event_type": models.StringOrEmpty(event.EventType),
		}).WithError(ErrMalformedEvent).Warn("Dropping event")
		return OutcomeSkipped, nil
	}

	e := &event
	if p.transform != nil {
		transformed, err := p.transform.Transform(e)
		switch {
		case errors.Is(err, processor.ErrEventRejected):
			p.logger.Debugf("Event %s rejected by transformer", key)
			return OutcomeRejected, nil
		case err != nil:
			// The raw event is stored rather than lost
			p.logger.Errorf("Error transforming event %s, storing it unchanged: %v", key, err)
		case transformed != nil:
			e = transformed
		}
	}

	if err := p.writer.UpsertEvent(ctx, *e); err != nil {
		return OutcomePersisted, &store.PersistenceError{Op: "upsert event " + key.String(), Err: err}
	}
	if p.sink != nil {
		if err := p.sink.Publish(e); err != nil {
			return OutcomePersisted, &store.PersistenceError{Op: "publish event " + key.String(), Err: err}
		}
	}
	return OutcomePersisted, nil
}

// Flush confirms every event published so far. The cursor must not move past an event
// whose fan-out is unconfirmed.
func (p *Persister) Flush(ctx context.Context) error {
	if p.sink == nil {
		return nil
	}
	timeout := sinkFlushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := p.sink.Flush(timeout); err != nil {
		return &store.PersistenceError{Op: "flush event sink", Err: err}
	}
	return nil
}
