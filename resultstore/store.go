// Package resultstore implements the persistent map from request
// fingerprint to CacheEntry, with an IN_PROGRESS gate strong enough to
// survive process restarts.
//
// It is built on encore.dev/storage/sqldb (Postgres via pgx): schema
// ensured on construction, parameterized queries, JSONB for the message
// payload, single-row conditional upserts for the claim.
package resultstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"

	"encore.app/internal/apperr"
	"encore.app/internal/wire"
)

// Status is the lifecycle state of a CacheEntry.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
)

// CacheEntry is one row: a fingerprint, the Message it resolved to (or is
// resolving), its status, and the time it was last written.
type CacheEntry struct {
	Key         string
	MessageJSON []byte
	Status      Status
	Date        time.Time
}

// Store is the ResultStore capability handle.
type Store struct {
	db *sqldb.Database
}

// New constructs a Store backed by db, ensuring the schema exists.
func New(ctx context.Context, db *sqldb.Database) (*Store, error) {
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("resultstore: ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS nsq_message_cache (
			key TEXT PRIMARY KEY,
			message_json JSONB NOT NULL,
			status TEXT NOT NULL,
			date TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_nsq_message_cache_date ON nsq_message_cache(date DESC);
	`)
	return err
}

// Find returns the CacheEntry for key, or (CacheEntry{}, false, nil) if
// none exists.
func (s *Store) Find(ctx context.Context, key string) (CacheEntry, bool, error) {
	var e CacheEntry
	var status string
	err := s.db.QueryRow(ctx,
		`SELECT key, message_json, status, date FROM nsq_message_cache WHERE key = $1`,
		key,
	).Scan(&e.Key, &e.MessageJSON, &status, &e.Date)
	if err == sql.ErrNoRows {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, apperr.Wrap(apperr.StoreUnavailable, "finding result cache entry", err)
	}
	e.Status = Status(status)
	return e, true, nil
}

// Upsert replaces-or-inserts an entry by key.
func (s *Store) Upsert(ctx context.Context, e CacheEntry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO nsq_message_cache (key, message_json, status, date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			message_json = EXCLUDED.message_json,
			status = EXCLUDED.status,
			date = EXCLUDED.date
	`, e.Key, e.MessageJSON, string(e.Status), e.Date)
	if err != nil {
		return apperr.Wrap(apperr.StoreUnavailable, "upserting result cache entry", err)
	}
	return nil
}

// IsInProgress reports the current status for key, if any row exists.
func (s *Store) IsInProgress(ctx context.Context, key string) (Status, bool, error) {
	e, found, err := s.Find(ctx, key)
	if err != nil || !found {
		return "", found, err
	}
	return e.Status, true, nil
}

// MarkInProgress performs a conditional upsert: it claims key as
// IN_PROGRESS only if no row exists, or the existing row is not currently
// IN_PROGRESS, or its IN_PROGRESS claim is older than staleAfter (a stuck
// claim from a crashed instance). claimed reports whether this call won
// the claim. Because the condition and the write are one statement, the
// at-most-one-in-flight property holds across dispatcher instances, not
// just within one process.
func (s *Store) MarkInProgress(ctx context.Context, key string, msg wire.Message, staleAfter time.Duration) (claimed bool, err error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return false, apperr.Wrap(apperr.DataShape, "marshaling message for in-progress claim", err)
	}
	now := time.Now()
	cutoff := now.Add(-staleAfter)

	tag, err := s.db.Exec(ctx, `
		INSERT INTO nsq_message_cache (key, message_json, status, date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			message_json = EXCLUDED.message_json,
			status = EXCLUDED.status,
			date = EXCLUDED.date
		WHERE nsq_message_cache.status != $3 OR nsq_message_cache.date < $5
	`, key, body, string(StatusInProgress), now, cutoff)
	if err != nil {
		return false, apperr.Wrap(apperr.StoreUnavailable, "marking result cache entry in-progress", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IsFreshHit reports whether e is a DONE entry younger than ttl.
func (e CacheEntry) IsFreshHit(ttl time.Duration) bool {
	return e.Status == StatusDone && time.Since(e.Date) < ttl
}
