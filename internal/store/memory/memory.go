// Package memory is a process-local store used for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"educhain-indexer/internal/models"
	"educhain-indexer/internal/store"
)

// Store keeps events in insertion order, indexed by natural key
type Store struct {
	mu     sync.RWMutex
	events []models.Event
	byKey  map[models.EventID]int
	cursor *models.EventID
	nextID int64
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		byKey:  make(map[models.EventID]int),
		nextID: 1,
		now:    time.Now,
	}
}

func (s *Store) LoadCursor(ctx context.Context) (*models.EventID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cursor == nil {
		return nil, nil
	}
	c := *s.cursor
	return &c, nil
}

func (s *Store) SaveCursor(ctx context.Context, cursor models.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = &cursor
	return nil
}

// UpsertEvent inserts a new event or overwrites every non-key field of an existing one.
// The store id and creation time of an existing row are kept.
func (s *Store) UpsertEvent(ctx context.Context, event models.Event) error {
	key, ok := event.Key()
	if !ok {
		return errMissingKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	event = clone(event)
	if i, exists := s.byKey[key]; exists {
		event.ID = s.events[i].ID
		event.CreatedAt = s.events[i].CreatedAt
		s.events[i] = event
		return nil
	}
	event.ID = s.nextID
	event.CreatedAt = s.now()
	s.nextID++
	s.byKey[key] = len(s.events)
	s.events = append(s.events, event)
	return nil
}

// ListEvents returns matching events newest-first
func (s *Store) ListEvents(ctx context.Context, q store.EventQuery) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.NormalizedLimit()
	out := make([]models.Event, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if q.Matches(&s.events[i]) {
			out = append(out, clone(s.events[i]))
		}
	}
	return out, nil
}

// Len returns the number of stored events
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Get returns the stored event for key
func (s *Store) Get(key models.EventID) (models.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byKey[key]
	if !ok {
		return models.Event{}, false
	}
	return clone(s.events[i]), true
}

// Keys returns the natural keys in insertion order
func (s *Store) Keys() []models.EventID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]models.EventID, 0, len(s.events))
	for i := range s.events {
		k, _ := s.events[i].Key()
		keys = append(keys, k)
	}
	return keys
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() {}

var errMissingKey = errors.New("event has no natural key")

func clone(e models.Event) models.Event {
	if e.EventSeq != nil {
		seq := *e.EventSeq
		e.EventSeq = &seq
	}
	if e.ParsedJSON != nil {
		e.ParsedJSON = append(json.RawMessage(nil), e.ParsedJSON...)
	}
	if e.BCS != nil {
		e.BCS = append([]byte(nil), e.BCS...)
	}
	return e
}
