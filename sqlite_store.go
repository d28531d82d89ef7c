package keri

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // sqlite driver for database/sql
)

// sqliteStore is a durable EventStore backed by a single-file SQLite
// database. It keys events and receipts by (prefix, sn), the same shape
// every other EventStore implementation uses, so a KELProcessor can be
// pointed at either without caring which one it got.
type sqliteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates a SQLite-backed EventStore at dsn and
// ensures schema and pragmas are in place.
func OpenSQLiteStore(dsn string) (EventStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	st := &sqliteStore{db: db}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS events (
  prefix   TEXT    NOT NULL,
  sn       INTEGER NOT NULL,
  digest   TEXT    NOT NULL,
  bytes    BLOB    NOT NULL,
  PRIMARY KEY (prefix, sn)
);
CREATE TABLE IF NOT EXISTS receipts (
  prefix     TEXT    NOT NULL,
  sn         INTEGER NOT NULL,
  digest     TEXT    NOT NULL,
  bytes      BLOB    NOT NULL,
  PRIMARY KEY (prefix, sn, digest)
);
CREATE INDEX IF NOT EXISTS receipts_by_event ON receipts(prefix, sn);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return st, nil
}

// Close releases the underlying database handle.
func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) Append(se SignedEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := EncodeSignedEvent(se)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	digest, err := se.Event.ComputeDigest()
	if err != nil {
		return fmt.Errorf("digest event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prefix := se.Event.Prefix.String()
	var existingDigest string
	err = tx.QueryRowContext(ctx,
		`SELECT digest FROM events WHERE prefix=? AND sn=?`, prefix, se.Event.Sn).Scan(&existingDigest)
	switch {
	case err == nil:
		if existingDigest == digest.String() {
			return nil // idempotent re-append
		}
		return ErrForkDetected
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return fmt.Errorf("check existing event: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events(prefix, sn, digest, bytes) VALUES(?, ?, ?, ?)`,
		prefix, se.Event.Sn, digest.String(), raw); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

func (s *sqliteStore) Slice(prefix Prefix, fromSn uint64) ([]SignedEvent, error) {
	rows, err := s.db.Query(
		`SELECT bytes FROM events WHERE prefix=? AND sn>=? ORDER BY sn ASC`,
		prefix.String(), fromSn)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []SignedEvent
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		decoded, err := decodeSingleSignedEvent(raw)
		if err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, decoded)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LastSn(prefix Prefix) (uint64, bool, error) {
	var sn sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(sn) FROM events WHERE prefix=?`, prefix.String()).Scan(&sn)
	if err != nil {
		return 0, false, fmt.Errorf("query last sn: %w", err)
	}
	if !sn.Valid {
		return 0, false, nil
	}
	return uint64(sn.Int64), true, nil
}

func (s *sqliteStore) AppendReceipt(prefix Prefix, sn uint64, receipt SignedEvent) error {
	raw, err := EncodeSignedEvent(receipt)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	digest, err := receipt.Event.ComputeDigest()
	if err != nil {
		return fmt.Errorf("digest receipt: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO receipts(prefix, sn, digest, bytes) VALUES(?, ?, ?, ?)
		 ON CONFLICT(prefix, sn, digest) DO NOTHING`,
		prefix.String(), sn, digest.String(), raw)
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (s *sqliteStore) Receipts(prefix Prefix, sn uint64) ([]SignedEvent, error) {
	rows, err := s.db.Query(
		`SELECT bytes FROM receipts WHERE prefix=? AND sn=?`, prefix.String(), sn)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	var out []SignedEvent
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		decoded, err := decodeSingleSignedEvent(raw)
		if err != nil {
			return nil, fmt.Errorf("decode receipt: %w", err)
		}
		out = append(out, decoded)
	}
	return out, rows.Err()
}

// Stats reports row counts and an approximate on-disk footprint; StoreStats'
// String method renders it for operator diagnostics.
func (s *sqliteStore) Stats() (StoreStats, error) {
	var stats StoreStats
	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT prefix) FROM events`).Scan(&stats.Identifiers); err != nil {
		return stats, fmt.Errorf("count identifiers: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&stats.Events); err != nil {
		return stats, fmt.Errorf("count events: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM receipts`).Scan(&stats.Receipts); err != nil {
		return stats, fmt.Errorf("count receipts: %w", err)
	}
	var eventBytes, receiptBytes sql.NullInt64
	if err := s.db.QueryRow(`SELECT SUM(LENGTH(bytes)) FROM events`).Scan(&eventBytes); err != nil {
		return stats, fmt.Errorf("sum event bytes: %w", err)
	}
	if err := s.db.QueryRow(`SELECT SUM(LENGTH(bytes)) FROM receipts`).Scan(&receiptBytes); err != nil {
		return stats, fmt.Errorf("sum receipt bytes: %w", err)
	}
	stats.Bytes = eventBytes.Int64 + receiptBytes.Int64
	return stats, nil
}

// decodeSingleSignedEvent decodes exactly one signed event from a byte slice
// produced by EncodeSignedEvent, erroring if trailing or missing bytes remain.
func decodeSingleSignedEvent(raw []byte) (SignedEvent, error) {
	events, err := DecodeSignedEventStream(bytes.NewReader(raw))
	if err != nil {
		return SignedEvent{}, err
	}
	if len(events) != 1 {
		return SignedEvent{}, fmt.Errorf("expected 1 event, got %d: %w", len(events), ErrMalformedEvent)
	}
	return events[0], nil
}
