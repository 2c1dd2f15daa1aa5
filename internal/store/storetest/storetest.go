// Package storetest holds the behavior every store.Store backend must share.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"educhain-indexer/internal/models"
	"educhain-indexer/internal/store"
)

// Event builds a fully populated event for tests
func Event(tx string, seq uint64, eventType, sender string) models.Event {
	pkg := "0xabc"
	module := "educhain"
	ts := int64(1700000000000) + int64(seq)
	return models.Event{
		TxDigest:          tx,
		EventSeq:          &seq,
		TimestampMs:       &ts,
		PackageID:         &pkg,
		TransactionModule: &module,
		Sender:            &sender,
		EventType:         &eventType,
		ParsedJSON:        []byte(fmt.Sprintf(`{"seq":%d}`, seq)),
		BCS:               []byte{1, 2, 3},
		BCSEncoding:       "base64",
	}
}

// Run exercises s, which must be empty
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CursorRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		cursor, err := s.LoadCursor(ctx)
		require.NoError(t, err)
		assert.Nil(t, cursor, "fresh store has no cursor")

		require.NoError(t, s.SaveCursor(ctx, models.EventID{TxDigest: "d1", EventSeq: 3}))
		require.NoError(t, s.SaveCursor(ctx, models.EventID{TxDigest: "d2", EventSeq: 0}))
		require.NoError(t, s.SaveCursor(ctx, models.EventID{TxDigest: "d2", EventSeq: 0}))

		cursor, err = s.LoadCursor(ctx)
		require.NoError(t, err)
		require.NotNil(t, cursor)
		assert.Equal(t, models.EventID{TxDigest: "d2", EventSeq: 0}, *cursor)
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		e := Event("d1", 0, "0xabc::educhain::CourseCreated", "0xs1")
		require.NoError(t, s.UpsertEvent(ctx, e))
		require.NoError(t, s.UpsertEvent(ctx, e))

		updated := Event("d1", 0, "0xabc::educhain::CourseCreated", "0xs1")
		updated.ParsedJSON = []byte(`{"seq":0,"title":"updated"}`)
		require.NoError(t, s.UpsertEvent(ctx, updated))

		events, err := s.ListEvents(ctx, store.EventQuery{})
		require.NoError(t, err)
		require.Len(t, events, 1)
		got := events[0]
		assert.Positive(t, got.ID)
		assert.Equal(t, "d1", got.TxDigest)
		require.NotNil(t, got.EventSeq)
		assert.Equal(t, uint64(0), *got.EventSeq)
		assert.JSONEq(t, `{"seq":0,"title":"updated"}`, string(got.ParsedJSON))
		assert.Equal(t, []byte{1, 2, 3}, got.BCS)
		assert.Equal(t, "base64", got.BCSEncoding)
		require.NotNil(t, got.TimestampMs)
		assert.Equal(t, int64(1700000000000), *got.TimestampMs)
		assert.Equal(t, "0xs1", models.StringOrEmpty(got.Sender))
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("OptionalFieldsStayEmpty", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		seq := uint64(5)
		require.NoError(t, s.UpsertEvent(ctx, models.Event{TxDigest: "bare", EventSeq: &seq}))

		events, err := s.ListEvents(ctx, store.EventQuery{})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Nil(t, events[0].Sender)
		assert.Nil(t, events[0].TimestampMs)
		assert.Empty(t, events[0].ParsedJSON)
		assert.Empty(t, events[0].BCS)
		assert.Empty(t, events[0].BCSEncoding)
	})

	t.Run("ListNewestFirstWithPaging", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := uint64(0); i < 5; i++ {
			require.NoError(t, s.UpsertEvent(ctx, Event(fmt.Sprintf("d%d", i), 0, "0xabc::educhain::CourseCreated", "0xs1")))
		}

		page, err := s.ListEvents(ctx, store.EventQuery{Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "d4", page[0].TxDigest)
		assert.Equal(t, "d3", page[1].TxDigest)

		before := page[1].ID
		page, err = s.ListEvents(ctx, store.EventQuery{Limit: 2, BeforeID: &before})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "d2", page[0].TxDigest)
		assert.Equal(t, "d1", page[1].TxDigest)

		before = page[1].ID
		page, err = s.ListEvents(ctx, store.EventQuery{Limit: 2, BeforeID: &before})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "d0", page[0].TxDigest)
	})

	t.Run("ListFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.UpsertEvent(ctx, Event("d1", 0, "0xabc::educhain::CourseCreated", "0xs1")))
		require.NoError(t, s.UpsertEvent(ctx, Event("d1", 1, "0xabc::educhain::Enrolled", "0xs1")))
		require.NoError(t, s.UpsertEvent(ctx, Event("d2", 0, "0xabc::educhain::Enrolled", "0xs2")))

		events, err := s.ListEvents(ctx, store.EventQuery{EventType: "0xabc::educhain::Enrolled"})
		require.NoError(t, err)
		assert.Len(t, events, 2)

		events, err = s.ListEvents(ctx, store.EventQuery{EventType: "0xabc::educhain::Enrolled", Sender: "0xs1"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, uint64(1), *events[0].EventSeq)

		events, err = s.ListEvents(ctx, store.EventQuery{PackageID: "0xabc", Module: "educhain"})
		require.NoError(t, err)
		assert.Len(t, events, 3)

		events, err = s.ListEvents(ctx, store.EventQuery{Module: "other"})
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}
