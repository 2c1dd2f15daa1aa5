// Package store defines the persistence contracts of the indexer and the query API.
// Implementations live in the postgres, sqlstore and memory subpackages.
package store

import (
	"context"
	"fmt"
	"strings"

	"educhain-indexer/internal/models"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// CursorStore holds the single indexer resumption position
type CursorStore interface {
	// LoadCursor returns nil when no position has been saved yet
	LoadCursor(ctx context.Context) (*models.EventID, error)
	// SaveCursor overwrites the slot; saving the same value twice is harmless
	SaveCursor(ctx context.Context, cursor models.EventID) error
}

// EventWriter upserts events keyed by (tx digest, event seq)
type EventWriter interface {
	UpsertEvent(ctx context.Context, event models.Event) error
}

// EventReader serves the read side
type EventReader interface {
	ListEvents(ctx context.Context, q EventQuery) ([]models.Event, error)
	Ping(ctx context.Context) error
}

// Store is implemented by every backend
type Store interface {
	CursorStore
	EventWriter
	EventReader
	Close()
}

// EventQuery selects persisted events newest-first by store id
type EventQuery struct {
	Limit     int
	BeforeID  *int64 // Exclusive
	EventType string
	Sender    string
	PackageID string
	Module    string
}

// NormalizedLimit clamps Limit into [1, MaxListLimit], defaulting to DefaultListLimit
func (q EventQuery) NormalizedLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultListLimit
	case q.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return q.Limit
	}
}

// Matches applies the query predicates to an in-memory event
func (q EventQuery) Matches(e *models.Event) bool {
	if q.BeforeID != nil && e.ID >= *q.BeforeID {
		return false
	}
	if q.EventType != "" && models.StringOrEmpty(e.EventType) != q.EventType {
		return false
	}
	if q.Sender != "" && models.StringOrEmpty(e.Sender) != q.Sender {
		return false
	}
	if q.PackageID != "" && models.StringOrEmpty(e.PackageID) != q.PackageID {
		return false
	}
	if q.Module != "" && models.StringOrEmpty(e.TransactionModule) != q.Module {
		return false
	}
	return true
}

// WhereClause renders the query predicates for SQL backends. placeholder returns the
// bind marker for the n-th argument (1-based).
func (q EventQuery) WhereClause(placeholder func(n int) string) (string, []any) {
	var conds []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s %s", column, placeholder(len(args))))
	}
	if q.BeforeID != nil {
		add("id <", *q.BeforeID)
	}
	if q.EventType != "" {
		add("event_type =", q.EventType)
	}
	if q.Sender != "" {
		add("sender =", q.Sender)
	}
	if q.PackageID != "" {
		add("package_id =", q.PackageID)
	}
	if q.Module != "" {
		add("transaction_module =", q.Module)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// PersistenceError is a retryable store write failure
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
