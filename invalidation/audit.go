package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"
)

// AuditLog is one invalidation event: which pattern or key set was purged,
// by whom, and how long the purge took.
type AuditLog struct {
	ID          int64     `json:"id"`
	Pattern     string    `json:"pattern"`
	Keys        []string  `json:"keys"`
	TriggeredBy string    `json:"triggered_by"`
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
	Latency     int64     `json:"latency"`
}

// AuditLogger persists invalidation events. The log is append-only; rows
// are never updated or deleted.
type AuditLogger struct {
	db *sqldb.Database
}

// NewAuditLogger creates an audit logger, ensuring its table exists.
func NewAuditLogger(db *sqldb.Database) (*AuditLogger, error) {
	logger := &AuditLogger{db: db}
	if err := logger.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return logger, nil
}

func (al *AuditLogger) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS invalidation_audit (
			id BIGSERIAL PRIMARY KEY,
			pattern TEXT NOT NULL,
			keys JSONB,
			triggered_by TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			request_id TEXT NOT NULL,
			latency_ms BIGINT DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_timestamp
		ON invalidation_audit(timestamp DESC);

		CREATE INDEX IF NOT EXISTS idx_invalidation_audit_pattern
		ON invalidation_audit(pattern);
	`
	_, err := al.db.Exec(ctx, query)
	return err
}

// Insert appends one audit entry.
func (al *AuditLogger) Insert(ctx context.Context, log AuditLog) error {
	keysJSON, err := json.Marshal(log.Keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys: %w", err)
	}

	_, err = al.db.Exec(ctx, `
		INSERT INTO invalidation_audit
		(pattern, keys, triggered_by, timestamp, request_id, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, log.Pattern, keysJSON, log.TriggeredBy, log.Timestamp, log.RequestID, log.Latency)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// GetRecent retrieves recent audit entries, newest first, optionally
// filtered by pattern.
func (al *AuditLogger) GetRecent(ctx context.Context, limit, offset int, patternFilter string) ([]AuditLog, error) {
	query := `
		SELECT id, pattern, keys, triggered_by, timestamp, request_id, latency_ms
		FROM invalidation_audit
	`
	args := []interface{}{}
	if patternFilter != "" {
		query += ` WHERE pattern = $3`
		args = append(args, limit, offset, patternFilter)
	} else {
		args = append(args, limit, offset)
	}
	query += ` ORDER BY timestamp DESC LIMIT $1 OFFSET $2`

	rows, err := al.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var log AuditLog
		var keysJSON []byte
		if err := rows.Scan(&log.ID, &log.Pattern, &keysJSON, &log.TriggeredBy,
			&log.Timestamp, &log.RequestID, &log.Latency); err != nil {
			return nil, err
		}
		if len(keysJSON) > 0 {
			if err := json.Unmarshal(keysJSON, &log.Keys); err != nil {
				log.Keys = nil
			}
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// GetCount returns the number of audit entries, optionally filtered by
// pattern.
func (al *AuditLogger) GetCount(ctx context.Context, patternFilter string) (int, error) {
	var count int
	var err error
	if patternFilter != "" {
		err = al.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM invalidation_audit WHERE pattern = $1`,
			patternFilter).Scan(&count)
	} else {
		err = al.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM invalidation_audit`).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return count, nil
}
