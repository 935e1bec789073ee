// Package observability provides structured logging and counters for the
// analytics worker: JSON log lines via the stdlib log package, with
// google/uuid-generated correlation IDs threaded through context.Context.
package observability

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request-id"

// WithRequestID attaches a correlation ID to ctx, generating one if id is
// empty.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.New().String()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromCtx retrieves the correlation ID stored by WithRequestID, or
// "" if none was attached.
func RequestIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Log writes a structured JSON log line at the given level, tagged with
// the context's correlation ID when present.
func Log(ctx context.Context, level, message string, fields map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"message":   message,
	}
	if id := RequestIDFromCtx(ctx); id != "" {
		entry["request_id"] = id
	}
	for k, v := range fields {
		entry[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[ERROR] failed to marshal log entry: %v", err)
		return
	}
	log.Printf("[%s] %s", level, string(data))
}

func Info(ctx context.Context, message string, fields map[string]interface{}) {
	Log(ctx, "INFO", message, fields)
}

func Warn(ctx context.Context, message string, fields map[string]interface{}) {
	Log(ctx, "WARN", message, fields)
}

func Error(ctx context.Context, message string, fields map[string]interface{}) {
	Log(ctx, "ERROR", message, fields)
}

// Metrics tracks Dispatcher-level performance counters. Atomic counters
// only; increment-only fields need no locking.
type Metrics struct {
	CacheHits       atomic.Int64
	CacheMisses     atomic.Int64
	InProgressSkips atomic.Int64
	HandlerOK       atomic.Int64
	HandlerErr      atomic.Int64
	Acks            atomic.Int64
	Publishes       atomic.Int64
}

// Snapshot is a point-in-time read of Metrics for reporting.
type Snapshot struct {
	CacheHits       int64   `json:"cache_hits"`
	CacheMisses     int64   `json:"cache_misses"`
	InProgressSkips int64   `json:"in_progress_skips"`
	HandlerOK       int64   `json:"handler_ok"`
	HandlerErr      int64   `json:"handler_err"`
	Acks            int64   `json:"acks"`
	Publishes       int64   `json:"publishes"`
	HitRate         float64 `json:"hit_rate"`
}

func (m *Metrics) Snapshot() Snapshot {
	hits := m.CacheHits.Load()
	misses := m.CacheMisses.Load()
	total := hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Snapshot{
		CacheHits:       hits,
		CacheMisses:     misses,
		InProgressSkips: m.InProgressSkips.Load(),
		HandlerOK:       m.HandlerOK.Load(),
		HandlerErr:      m.HandlerErr.Load(),
		Acks:            m.Acks.Load(),
		Publishes:       m.Publishes.Load(),
		HitRate:         hitRate,
	}
}
