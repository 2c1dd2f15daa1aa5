package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"educhain-indexer/internal/models"
	"educhain-indexer/internal/store/memory"
	"educhain-indexer/internal/sui"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func ev(tx string, seq uint64) models.Event {
	eventType := "0xpkg::educhain::CourseCreated"
	pkg := "0xpkg"
	module := "educhain"
	return models.Event{
		TxDigest:          tx,
		EventSeq:          &seq,
		PackageID:         &pkg,
		TransactionModule: &module,
		EventType:         &eventType,
		ParsedJSON:        []byte(fmt.Sprintf(`{"tx":%q,"seq":%d}`, tx, seq)),
	}
}

func key(tx string, seq uint64) models.EventID {
	return models.EventID{TxDigest: tx, EventSeq: seq}
}

// fakeSource serves a fixed, totally ordered event log with exclusive cursors
type fakeSource struct {
	mu      sync.Mutex
	events  []models.Event
	errs    []error
	cursors []*models.EventID
	limits  []int
	orders  []bool
	onFetch func()
}

func (s *fakeSource) append(events ...models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

func (s *fakeSource) QueryEvents(ctx context.Context, filter sui.Filter, cursor *models.EventID, limit int, descending bool) (*sui.EventPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onFetch != nil {
		s.onFetch()
	}
	if cursor != nil {
		c := *cursor
		s.cursors = append(s.cursors, &c)
	} else {
		s.cursors = append(s.cursors, nil)
	}
	s.limits = append(s.limits, limit)
	s.orders = append(s.orders, descending)

	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	start := 0
	if cursor != nil {
		start = -1
		for i := range s.events {
			if k, ok := s.events[i].Key(); ok && k == *cursor {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return nil, fmt.Errorf("unknown cursor %s", cursor)
		}
	}
	end := min(start+limit, len(s.events))
	return &sui.EventPage{Data: append([]models.Event(nil), s.events[start:end]...)}, nil
}

// flakyStore wraps the memory store with per-key upsert failures and save failures
type flakyStore struct {
	*memory.Store
	mu        sync.Mutex
	failOn    map[models.EventID]int
	failSaves int
	upserts   []models.EventID
	saves     []models.EventID
}

func newFlakyStore() *flakyStore {
	return &flakyStore{Store: memory.New(), failOn: make(map[models.EventID]int)}
}

var errConnReset = errors.New("connection reset by peer")

func (s *flakyStore) UpsertEvent(ctx context.Context, e models.Event) error {
	s.mu.Lock()
	k, _ := e.Key()
	if n := s.failOn[k]; n > 0 {
		s.failOn[k] = n - 1
		s.mu.Unlock()
		return errConnReset
	}
	s.upserts = append(s.upserts, k)
	s.mu.Unlock()
	return s.Store.UpsertEvent(ctx, e)
}

func (s *flakyStore) SaveCursor(ctx context.Context, c models.EventID) error {
	s.mu.Lock()
	if s.failSaves > 0 {
		s.failSaves--
		s.mu.Unlock()
		return errConnReset
	}
	s.saves = append(s.saves, c)
	s.mu.Unlock()
	return s.Store.SaveCursor(ctx, c)
}

func newTestIndexer(src Source, st *flakyStore) *Indexer {
	logger := testLogger()
	persister := NewPersister(st, nil, nil, logger)
	return New(src, st, persister, sui.PackageFilter{Package: "0xpkg"}, Options{
		BatchSize:    100,
		PollInterval: 2500 * time.Millisecond,
		MaxBackoff:   15 * time.Second,
	}, logger)
}
