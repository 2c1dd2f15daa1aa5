// Package sqlstore stores indexed events through database/sql, on MySQL or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"educhain-indexer/internal/models"
	"educhain-indexer/internal/store"
)

const selectEventsSQL = `
	SELECT id, tx_digest, event_seq, timestamp_ms, package_id, transaction_module, sender,
		event_type, parsed_json, bcs, bcs_encoding, created_at
	FROM sui_events`

// Store is a database/sql backed store.Store
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  *logrus.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to the database selected by url, verifies the connection and
// creates the schema if needed
func Open(ctx context.Context, url string, logger *logrus.Logger) (*Store, error) {
	d, dsn, err := parseURL(url)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", d.name, err)
	}
	db.SetMaxOpenConns(d.maxOpenConns)
	db.SetMaxIdleConns(d.maxOpenConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, dialect: d, logger: logger}
	if err := s.checkServer(ctx); err != nil {
		db.Close()
		return nil, err
	}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return s, nil
}

// checkServer pings the server and logs its version
func (s *Store) checkServer(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.dialect.name, err)
	}
	var version string
	if err := s.db.QueryRowContext(ctx, s.dialect.versionQuery).Scan(&version); err != nil {
		s.logger.Warnf("Could not read %s server version: %v", s.dialect.name, err)
		return nil
	}
	s.logger.Infof("Connected to %s %s", s.dialect.name, version)
	return nil
}

// Dialect returns the engine name, mysql or sqlite
func (s *Store) Dialect() string {
	return s.dialect.name
}

func (s *Store) LoadCursor(ctx context.Context) (*models.EventID, error) {
	var c models.EventID
	err := s.db.QueryRowContext(ctx, `SELECT tx_digest, event_seq FROM indexer_cursor WHERE id = 1`).Scan(&c.TxDigest, &c.EventSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	if c.TxDigest == "" {
		return nil, nil
	}
	return &c, nil
}

func (s *Store) SaveCursor(ctx context.Context, cursor models.EventID) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertCursor, cursor.TxDigest, int64(cursor.EventSeq)); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func (s *Store) UpsertEvent(ctx context.Context, e models.Event) error {
	key, ok := e.Key()
	if !ok {
		return errors.New("event has no natural key")
	}
	var bcs, parsed, encoding any
	if len(e.ParsedJSON) > 0 {
		parsed = string(e.ParsedJSON)
	}
	if len(e.BCS) > 0 {
		bcs = e.BCS
	}
	if e.BCSEncoding != "" {
		encoding = e.BCSEncoding
	}
	_, err := s.db.ExecContext(ctx, s.dialect.upsertEvent,
		key.TxDigest, int64(key.EventSeq), e.TimestampMs, e.PackageID, e.TransactionModule,
		e.Sender, e.EventType, parsed, bcs, encoding,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert event %s: %w", key, err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, q store.EventQuery) ([]models.Event, error) {
	where, args := q.WhereClause(func(int) string { return "?" })
	args = append(args, q.NormalizedLimit())
	query := selectEventsSQL + where + " ORDER BY id DESC LIMIT ?"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		var seq uint64
		var parsed []byte
		var encoding sql.NullString
		if err := rows.Scan(&e.ID, &e.TxDigest, &seq, &e.TimestampMs, &e.PackageID, &e.TransactionModule,
			&e.Sender, &e.EventType, &parsed, &e.BCS, &encoding, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.EventSeq = &seq
		e.ParsedJSON = parsed
		e.BCSEncoding = encoding.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}
