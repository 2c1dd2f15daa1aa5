// Package postgres stores indexed events in PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"educhain-indexer/internal/models"
	"educhain-indexer/internal/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sui_events (
		id BIGSERIAL PRIMARY KEY,
		tx_digest TEXT NOT NULL,
		event_seq BIGINT NOT NULL,
		timestamp_ms BIGINT,
		package_id TEXT,
		transaction_module TEXT,
		sender TEXT,
		event_type TEXT,
		parsed_json JSONB,
		bcs BYTEA,
		bcs_encoding TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (tx_digest, event_seq)
	)`,
	`CREATE INDEX IF NOT EXISTS sui_events_event_type_idx ON sui_events (event_type)`,
	`CREATE INDEX IF NOT EXISTS sui_events_sender_idx ON sui_events (sender)`,
	`CREATE INDEX IF NOT EXISTS sui_events_package_module_idx ON sui_events (package_id, transaction_module)`,
	`CREATE TABLE IF NOT EXISTS indexer_cursor (
		id INT PRIMARY KEY,
		tx_digest TEXT NOT NULL,
		event_seq BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

const upsertEventSQL = `
	INSERT INTO sui_events (tx_digest, event_seq, timestamp_ms, package_id, transaction_module,
		sender, event_type, parsed_json, bcs, bcs_encoding)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (tx_digest, event_seq) DO UPDATE SET
		timestamp_ms = EXCLUDED.timestamp_ms,
		package_id = EXCLUDED.package_id,
		transaction_module = EXCLUDED.transaction_module,
		sender = EXCLUDED.sender,
		event_type = EXCLUDED.event_type,
		parsed_json = EXCLUDED.parsed_json,
		bcs = EXCLUDED.bcs,
		bcs_encoding = EXCLUDED.bcs_encoding`

const upsertCursorSQL = `
	INSERT INTO indexer_cursor (id, tx_digest, event_seq, updated_at)
	VALUES (1, $1, $2, NOW())
	ON CONFLICT (id) DO UPDATE SET
		tx_digest = EXCLUDED.tx_digest,
		event_seq = EXCLUDED.event_seq,
		updated_at = EXCLUDED.updated_at`

const selectEventsSQL = `
	SELECT id, tx_digest, event_seq, timestamp_ms, package_id, transaction_module, sender,
		event_type, parsed_json, bcs, bcs_encoding, created_at
	FROM sui_events`

// Store is a PostgreSQL-backed store.Store
type Store struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects, pings and creates the schema if needed
func Open(ctx context.Context, connStr string, logger *logrus.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres connection string: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	var version string
	if err := pool.QueryRow(ctx, "SHOW server_version").Scan(&version); err == nil {
		logger.Infof("Connected to PostgreSQL %s", version)
	}

	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) LoadCursor(ctx context.Context) (*models.EventID, error) {
	var c models.EventID
	var seq int64
	err := s.pool.QueryRow(ctx, `SELECT tx_digest, event_seq FROM indexer_cursor WHERE id = 1`).Scan(&c.TxDigest, &seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	if c.TxDigest == "" {
		return nil, nil
	}
	c.EventSeq = uint64(seq)
	return &c, nil
}

func (s *Store) SaveCursor(ctx context.Context, cursor models.EventID) error {
	if _, err := s.pool.Exec(ctx, upsertCursorSQL, cursor.TxDigest, int64(cursor.EventSeq)); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func (s *Store) UpsertEvent(ctx context.Context, e models.Event) error {
	key, ok := e.Key()
	if !ok {
		return errors.New("event has no natural key")
	}
	var bcs, parsed any
	if len(e.ParsedJSON) > 0 {
		parsed = string(e.ParsedJSON)
	}
	if len(e.BCS) > 0 {
		bcs = e.BCS
	}
	var encoding *string
	if e.BCSEncoding != "" {
		encoding = &e.BCSEncoding
	}
	_, err := s.pool.Exec(ctx, upsertEventSQL,
		key.TxDigest, int64(key.EventSeq), e.TimestampMs, e.PackageID, e.TransactionModule,
		e.Sender, e.EventType, parsed, bcs, encoding,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert event %s: %w", key, err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, q store.EventQuery) ([]models.Event, error) {
	where, args := q.WhereClause(func(n int) string { return "$" + strconv.Itoa(n) })
	args = append(args, q.NormalizedLimit())
	query := selectEventsSQL + where + " ORDER BY id DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		var seq int64
		var parsed []byte
		var encoding *string
		if err := rows.Scan(&e.ID, &e.TxDigest, &seq, &e.TimestampMs, &e.PackageID, &e.TransactionModule,
			&e.Sender, &e.EventType, &parsed, &e.BCS, &encoding, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		useq := uint64(seq)
		e.EventSeq = &useq
		e.ParsedJSON = parsed
		e.BCSEncoding = models.StringOrEmpty(encoding)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}
