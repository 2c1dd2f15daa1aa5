package sui

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/sirupsen/logrus"

	"educhain-indexer/internal/models"
)

const (
	methodQueryEvents = "suix_queryEvents"
	maxPageSize       = 1000
)

// FetchError is a retryable failure reaching the event source
type FetchError struct {
	Method string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to call %s: %v", e.Method, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// EventPage is one page of suix_queryEvents results
type EventPage struct {
	Data        []models.Event  `json:"data"`
	NextCursor  *models.EventID `json:"nextCursor"`
	HasNextPage bool            `json:"hasNextPage"`
}

// Client queries chain events over the fullnode JSON-RPC API. A jrpc2 client stops for
// good after a transport failure, so the connection is rebuilt after any failed call.
type Client struct {
	mu      sync.Mutex
	rpc     *jrpc2.Client // nil until the next call reconnects
	url     string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewClient creates a JSON-RPC client for the fullnode at url
func NewClient(url string, timeout time.Duration, logger *logrus.Logger) *Client {
	c := &Client{
		url:     url,
		timeout: timeout,
		logger:  logger,
	}
	c.rpc = c.dial()
	return c
}

func (c *Client) dial() *jrpc2.Client {
	ch := jhttp.NewChannel(c.url, &jhttp.ChannelOptions{
		Client: &http.Client{Timeout: c.timeout},
	})
	return jrpc2.NewClient(ch, nil)
}

// conn returns the live RPC client, reconnecting if the last one was discarded
func (c *Client) conn() *jrpc2.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc == nil {
		c.logger.Infof("Reconnecting to fullnode %s", c.url)
		c.rpc = c.dial()
	}
	return c.rpc
}

// discard drops rpc so the next call starts on a fresh channel
func (c *Client) discard(rpc *jrpc2.Client) {
	c.mu.Lock()
	if c.rpc == rpc {
		c.rpc = nil
	}
	c.mu.Unlock()
	rpc.Close()
}

// URL returns the endpoint the client talks to
func (c *Client) URL() string {
	return c.url
}

// QueryEvents fetches up to limit events matching filter. A non-nil cursor is exclusive:
// the first returned event comes strictly after it in the chain's event order.
// An empty page is not an error.
func (c *Client) QueryEvents(ctx context.Context, filter Filter, cursor *models.EventID, limit int, descending bool) (*EventPage, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var raw rawPage
	params := []any{filter, cursor, limit, descending}
	rpc := c.conn()
	if err := rpc.CallResult(ctx, methodQueryEvents, params, &raw); err != nil {
		c.discard(rpc)
		return nil, &FetchError{Method: methodQueryEvents, Err: err}
	}

	page := &EventPage{
		Data:        make([]models.Event, 0, len(raw.Data)),
		HasNextPage: raw.HasNextPage,
	}
	for i := range raw.Data {
		page.Data = append(page.Data, c.decodeEvent(&raw.Data[i]))
	}
	if raw.NextCursor != nil {
		if id, ok := raw.NextCursor.eventID(); ok {
			page.NextCursor = &id
		}
	}

	c.logger.Debugf("Fetched %d events (filter: %s, cursor: %v)", len(page.Data), filter, cursor)
	return page, nil
}

// Close releases the underlying RPC client
func (c *Client) Close() {
	c.mu.Lock()
	rpc := c.rpc
	c.rpc = nil
	c.mu.Unlock()
	if rpc != nil {
		rpc.Close()
	}
}

type rawEventID struct {
	TxDigest string  `json:"txDigest"`
	EventSeq *string `json:"eventSeq"`
}

func (r *rawEventID) eventID() (models.EventID, bool) {
	if r.TxDigest == "" || r.EventSeq == nil {
		return models.EventID{}, false
	}
	seq, err := strconv.ParseUint(*r.EventSeq, 10, 64)
	if err != nil {
		return models.EventID{}, false
	}
	return models.EventID{TxDigest: r.TxDigest, EventSeq: seq}, true
}

type rawEvent struct {
	ID                *rawEventID     `json:"id"`
	PackageID         *string         `json:"packageId"`
	TransactionModule *string         `json:"transactionModule"`
	Sender            *string         `json:"sender"`
	Type              *string         `json:"type"`
	ParsedJSON        json.RawMessage `json:"parsedJson"`
	BCSEncoding       string          `json:"bcsEncoding"`
	BCS               *string         `json:"bcs"`
	TimestampMs       *string         `json:"timestampMs"`
}

type rawPage struct {
	Data        []rawEvent  `json:"data"`
	NextCursor  *rawEventID `json:"nextCursor"`
	HasNextPage bool        `json:"hasNextPage"`
}

// decodeEvent maps the wire shape onto models.Event. Fields that fail to decode are left
// empty; a missing key half is handled by the persister, not here.
func (c *Client) decodeEvent(r *rawEvent) models.Event {
	e := models.Event{
		PackageID:         r.PackageID,
		TransactionModule: r.TransactionModule,
		Sender:            r.Sender,
		EventType:         r.Type,
		BCSEncoding:       r.BCSEncoding,
	}

	if r.ID != nil {
		e.TxDigest = r.ID.TxDigest
		if r.ID.EventSeq != nil {
			if seq, err := strconv.ParseUint(*r.ID.EventSeq, 10, 64); err == nil {
				e.EventSeq = &seq
			} else {
				c.logger.Warnf("Invalid eventSeq %q in tx %s: %v", *r.ID.EventSeq, r.ID.TxDigest, err)
			}
		}
	}

	if len(r.ParsedJSON) > 0 && string(r.ParsedJSON) != "null" {
		e.ParsedJSON = r.ParsedJSON
	}

	if r.TimestampMs != nil && *r.TimestampMs != "" {
		if ts, err := strconv.ParseInt(*r.TimestampMs, 10, 64); err == nil {
			e.TimestampMs = &ts
		}
	}

	if r.BCS != nil && *r.BCS != "" {
		if r.BCSEncoding == "base64" {
			if b, err := base64.StdEncoding.DecodeString(*r.BCS); err == nil {
				e.BCS = b
			} else {
				c.logger.Warnf("Invalid base64 bcs in tx %s: %v", e.TxDigest, err)
			}
		} else {
			// Legacy nodes send base58 without an encoding tag; keep the text as received
			e.BCS = []byte(*r.BCS)
			if e.BCSEncoding == "" {
				e.BCSEncoding = "base58"
			}
		}
	}

	return e
}
