// Package indexer mirrors chain events into the store. A single loop fetches ascending
// batches after the saved cursor, persists them in order and advances the cursor to
// the last event it handled, so delivery is at-least-once and order-preserving.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"educhain-indexer/internal/models"
	"educhain-indexer/internal/store"
	"educhain-indexer/internal/sui"
)

// State is the loop's position in its cycle
type State int32

const (
	StateIdle State = iota
	StateFetching
	StatePersisting
	StateAdvancingCursor
	StateSleeping
	StateErrorBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetching:
		return "FETCHING"
	case StatePersisting:
		return "PERSISTING"
	case StateAdvancingCursor:
		return "ADVANCING_CURSOR"
	case StateSleeping:
		return "SLEEPING"
	case StateErrorBackoff:
		return "ERROR_BACKOFF"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const cursorSaveTimeout = 5 * time.Second

// Source is the chain event feed
type Source interface {
	QueryEvents(ctx context.Context, filter sui.Filter, cursor *models.EventID, limit int, descending bool) (*sui.EventPage, error)
}

// EventPersister writes one event
type EventPersister interface {
	Persist(ctx context.Context, event models.Event) (PersistOutcome, error)
}

// batchFlusher is implemented by persisters whose side effects must be confirmed
// before the cursor moves
type batchFlusher interface {
	Flush(ctx context.Context) error
}

// BatchOutcome summarizes one iteration
type BatchOutcome struct {
	Fetched   int
	Persisted int
	Skipped   int
	Rejected  int
	// Cursor is the position after the iteration: the saved key when Advanced,
	// otherwise the position the batch was fetched from (nil = genesis)
	Cursor   *models.EventID
	Advanced bool
}

// Options tune the loop
type Options struct {
	BatchSize    int
	PollInterval time.Duration
	MaxBackoff   time.Duration
	Metrics      *Metrics
}

// Indexer owns the poll loop. Only one Indexer may run against a cursor slot.
type Indexer struct {
	source    Source
	cursors   store.CursorStore
	persister EventPersister
	filter    sui.Filter
	batchSize int
	interval  time.Duration
	backoff   *Backoff
	metrics   *Metrics
	logger    *logrus.Logger
	state     atomic.Int32

	sleep func(ctx context.Context, d time.Duration) bool
	now   func() time.Time
}

// New creates an indexer for filter
func New(source Source, cursors store.CursorStore, persister EventPersister, filter sui.Filter, opts Options, logger *logrus.Logger) *Indexer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2500 * time.Millisecond
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Indexer{
		source:    source,
		cursors:   cursors,
		persister: persister,
		filter:    filter,
		batchSize: opts.BatchSize,
		interval:  opts.PollInterval,
		backoff:   NewBackoff(opts.PollInterval, opts.MaxBackoff),
		metrics:   opts.Metrics,
		logger:    logger,
		sleep:     sleepContext,
		now:       time.Now,
	}
}

// State returns the current loop state
func (ix *Indexer) State() State {
	return State(ix.state.Load())
}

func (ix *Indexer) setState(s State) {
	if prev := State(ix.state.Swap(int32(s))); prev != s {
		ix.logger.Debugf("Indexer state %s -> %s", prev, s)
	}
	ix.metrics.state.Set(float64(s))
}

// Tick runs one iteration: load cursor, fetch the next ascending batch, persist it in
// order and save the last handled key. On a mid-batch failure the cursor still moves to
// the last event that made it into the store, and the error is returned.
func (ix *Indexer) Tick(ctx context.Context) (BatchOutcome, error) {
	var out BatchOutcome

	ix.setState(StateFetching)
	cursor, err := ix.cursors.LoadCursor(ctx)
	if err != nil {
		return out, &store.PersistenceError{Op: "load cursor", Err: err}
	}
	out.Cursor = cursor

	// Ascending order is required: the cursor may only ever cover a persisted prefix
	page, err := ix.source.QueryEvents(ctx, ix.filter, cursor, ix.batchSize, false)
	if err != nil {
		var fetchErr *sui.FetchError
		if !errors.As(err, &fetchErr) {
			err = &sui.FetchError{Method: "queryEvents", Err: err}
		}
		return out, err
	}
	out.Fetched = len(page.Data)
	if out.Fetched == 0 {
		return out, nil
	}

	ix.setState(StatePersisting)
	var last *models.EventID
	var batchErr error
	for i := range page.Data {
		// Stop between events on shutdown, never between an upsert and its bookkeeping
		if err := ctx.Err(); err != nil {
			batchErr = err
			break
		}
		event := page.Data[i]
		outcome, err := ix.persister.Persist(ctx, event)
		if err != nil {
			batchErr = err
			break
		}
		ix.metrics.events.WithLabelValues(outcome.String()).Inc()
		switch outcome {
		case OutcomeSkipped:
			out.Skipped++
			continue
		case OutcomeRejected:
			out.Rejected++
		default:
			out.Persisted++
		}
		key, _ := event.Key()
		last = &key
	}

	if last != nil {
		ix.setState(StateAdvancingCursor)
		// Progress made before a shutdown is still recorded
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cursorSaveTimeout)
		defer cancel()
		if f, ok := ix.persister.(batchFlusher); ok {
			if err := f.Flush(saveCtx); err != nil {
				ix.logger.Errorf("Fan-out not confirmed, cursor held before %s: %v", last, err)
				return out, errors.Join(batchErr, err)
			}
		}
		saveErr := ix.cursors.SaveCursor(saveCtx, *last)
		if saveErr != nil {
			saveErr = &store.PersistenceError{Op: "save cursor", Err: saveErr}
			ix.logger.Errorf("Cursor not advanced to %s, events will be reprocessed: %v", last, saveErr)
			return out, errors.Join(batchErr, saveErr)
		}
		out.Cursor = last
		out.Advanced = true
		ix.metrics.lastAdvance.Set(float64(ix.now().Unix()))
	}

	return out, batchErr
}

// Run loops until ctx is cancelled. Iteration errors are logged and turned into a
// backoff delay; they never stop the loop.
func (ix *Indexer) Run(ctx context.Context) error {
	ix.logger.Infof("Starting indexer (filter: %s, batch size: %d, poll interval: %s, max backoff: %s)",
		ix.filter, ix.batchSize, ix.interval, ix.backoff.Max())

	for {
		ix.setState(StateIdle)
		start := ix.now()
		out, err := ix.Tick(ctx)
		elapsed := ix.now().Sub(start).Seconds()

		if ctx.Err() != nil {
			ix.logger.Info("Context cancelled, stopping indexer")
			ix.setState(StateIdle)
			return nil
		}

		delay := ix.interval
		if err != nil {
			ix.metrics.ticks.WithLabelValues("error").Inc()
			ix.metrics.tickDuration.WithLabelValues("error").Observe(elapsed)
			delay = ix.backoff.Next()
			ix.metrics.backoff.Set(delay.Seconds())
			entry := ix.logger.WithError(err).WithField("retry_in", delay.String())
			if out.Advanced {
				entry = entry.WithField("cursor", out.Cursor.String())
			}
			if IsRetryable(err) {
				entry.Warn("Indexer iteration failed")
			} else {
				entry.Error("Indexer iteration failed with unexpected error")
			}
			ix.setState(StateErrorBackoff)
		} else {
			status := "ok"
			if out.Fetched == 0 {
				status = "empty"
			}
			ix.metrics.ticks.WithLabelValues(status).Inc()
			ix.metrics.tickDuration.WithLabelValues(status).Observe(elapsed)
			ix.backoff.Reset()
			ix.metrics.backoff.Set(0)
			if out.Fetched > 0 {
				ix.logger.Infof("Indexed batch: %d fetched, %d persisted, %d skipped, %d rejected, cursor %v",
					out.Fetched, out.Persisted, out.Skipped, out.Rejected, out.Cursor)
			}
			if out.Fetched > 0 && !out.Advanced {
				ix.logger.Warnf("Batch of %d events had no usable key, cursor unchanged", out.Fetched)
			}
			ix.setState(StateSleeping)
		}

		if !ix.sleep(ctx, delay) {
			ix.logger.Info("Context cancelled, stopping indexer")
			ix.setState(StateIdle)
			return nil
		}
	}
}

// sleepContext waits for d and reports false when ctx ended first
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
