package indexer

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"educhain-indexer/internal/models"
)

// After any mix of upsert failures, cursor-save failures and restarts, repeated ticks
// converge to the full log stored exactly once, in source order, with the cursor on the
// last event.
func TestConvergesDespiteFailures(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("store equals source log after recovery", prop.ForAll(
		func(n int, batchSize int, upsertFailures []int, saveFailures int) bool {
			var events []models.Event
			for i := 0; i < n; i++ {
				events = append(events, ev(fmt.Sprintf("tx%03d", i/3), uint64(i%3)))
			}
			src := &fakeSource{events: events}
			st := newFlakyStore()
			for _, idx := range upsertFailures {
				if n > 0 {
					k, _ := events[idx%n].Key()
					st.failOn[k]++
				}
			}
			st.failSaves = saveFailures

			logger := testLogger()
			newIx := func() *Indexer {
				return New(src, st, NewPersister(st, nil, nil, logger), nil, Options{BatchSize: batchSize}, logger)
			}
			ix := newIx()
			for i := 0; i < 4*(n+len(upsertFailures)+saveFailures)+2; i++ {
				if i%5 == 4 {
					ix = newIx() // restart
				}
				_, _ = ix.Tick(context.Background())
			}

			if st.Len() != n {
				return false
			}
			keys := st.Keys()
			for i := range events {
				want, _ := events[i].Key()
				if keys[i] != want {
					return false
				}
			}
			cursor, err := st.LoadCursor(context.Background())
			if err != nil {
				return false
			}
			if n == 0 {
				return cursor == nil
			}
			last, _ := events[n-1].Key()
			return cursor != nil && *cursor == last
		},
		gen.IntRange(0, 30),
		gen.IntRange(1, 7),
		gen.SliceOfN(4, gen.IntRange(0, 29)),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}
