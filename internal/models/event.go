package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventID is the natural identity of a chain event. The indexer cursor is an EventID too.
type EventID struct {
	TxDigest string `json:"txDigest"`
	EventSeq uint64 `json:"eventSeq,string"`
}

func (id EventID) String() string {
	return fmt.Sprintf("%s:%d", id.TxDigest, id.EventSeq)
}

// Event represents a decoded chain event as stored by the indexer
type Event struct {
	ID                int64           `json:"id,string,omitempty"` // Store-assigned, insertion order
	TxDigest          string          `json:"txDigest"`
	EventSeq          *uint64         `json:"eventSeq,string"`
	TimestampMs       *int64          `json:"timestampMs,string,omitempty"`
	PackageID         *string         `json:"packageId"`
	TransactionModule *string         `json:"transactionModule"`
	Sender            *string         `json:"sender"`
	EventType         *string         `json:"eventType"`
	ParsedJSON        json.RawMessage `json:"parsedJson"`
	BCS               []byte          `json:"bcs"`
	BCSEncoding       string          `json:"bcsEncoding,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Key returns the natural key, or false when either half is missing.
func (e *Event) Key() (EventID, bool) {
	if e.TxDigest == "" || e.EventSeq == nil {
		return EventID{}, false
	}
	return EventID{TxDigest: e.TxDigest, EventSeq: *e.EventSeq}, true
}

// StringOrEmpty dereferences an optional column value
func StringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
