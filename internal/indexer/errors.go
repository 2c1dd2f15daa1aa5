package indexer

import (
	"errors"

	"educhain-indexer/internal/store"
	"educhain-indexer/internal/sui"
)

// ErrMalformedEvent marks an event without a transaction digest or event sequence.
// Such events cannot be deduplicated; they are logged and dropped.
var ErrMalformedEvent = errors.New("event is missing its natural key")

// IsRetryable reports whether err is a source fetch or store failure. The loop backs
// off and retries these; anything else is still retried but logged as unexpected.
func IsRetryable(err error) bool {
	var fetchErr *sui.FetchError
	var persistErr *store.PersistenceError
	return errors.As(err, &fetchErr) || errors.As(err, &persistErr)
}
