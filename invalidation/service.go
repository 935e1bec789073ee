// Package invalidation provides operator-triggered purging of cached
// analytics results. The dispatcher never deletes result-cache rows on its
// own (freshness is by timestamp); this service is the manual override for
// when a cached reply is known to be wrong (a bad historical blob, a
// revoked artifact, a handler bug) and must be recomputed on next request.
//
// Purges are audit-logged to Postgres so there is an immutable record of
// who invalidated what and when.
package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/storage/sqldb"

	"encore.app/internal/config"
	"encore.app/internal/wire"
	"encore.app/objectstore"
)

//encore:service
type Service struct {
	audit   AuditLoggerInterface
	objects ObjectStore
	cfg     config.AppConfig
	metrics *Metrics
}

// ObjectStore is the subset of objectstore.Store this service depends on:
// deleting the artifact a purged result points at.
type ObjectStore interface {
	Delete(ctx context.Context, bucket, key string) error
}

// AuditLoggerInterface defines the audit logging operations.
type AuditLoggerInterface interface {
	Insert(ctx context.Context, log AuditLog) error
	GetRecent(ctx context.Context, limit, offset int, patternFilter string) ([]AuditLog, error)
	GetCount(ctx context.Context, patternFilter string) (int, error)
}

// Metrics tracks invalidation counters.
type Metrics struct {
	TotalInvalidations atomic.Int64
	KeyInvalidations   atomic.Int64
	AssetInvalidations atomic.Int64
	ArtifactDeletes    atomic.Int64
	AuditWrites        atomic.Int64
	Errors             atomic.Int64
}

// Database holding both nsq_message_cache and the audit table.
var db = sqldb.Named("sravz")

var (
	svc     *Service
	once    sync.Once
	initErr error
)

func initService() (*Service, error) {
	once.Do(func() {
		cfg := config.Load()
		audit, err := NewAuditLogger(db)
		if err != nil {
			initErr = fmt.Errorf("failed to initialize audit logger: %w", err)
			return
		}

		var objects ObjectStore
		if store, err := objectstore.New(context.Background(), cfg); err == nil {
			objects = store
		}

		svc = &Service{
			audit:   audit,
			objects: objects,
			cfg:     cfg,
			metrics: &Metrics{},
		}
	})
	return svc, initErr
}

// Request and response types

type InvalidateKeysRequest struct {
	Keys            []string `json:"keys"`             // Exact fingerprints to purge
	DeleteArtifacts bool     `json:"delete_artifacts"` // Also remove the rendered PNGs
	TriggeredBy     string   `json:"triggered_by"`
	RequestID       string   `json:"request_id"`
}

type InvalidateKeysResponse struct {
	Success     bool      `json:"success"`
	PurgedCount int       `json:"purged_count"`
	Keys        []string  `json:"keys"`
	RequestID   string    `json:"request_id"`
	PurgedAt    time.Time `json:"purged_at"`
}

type InvalidateAssetRequest struct {
	Pattern         string `json:"pattern"` // Asset selector, e.g. "etf_us" or "stk_*_nvda"
	DeleteArtifacts bool   `json:"delete_artifacts"`
	TriggeredBy     string `json:"triggered_by"`
	RequestID       string `json:"request_id"`
}

type InvalidateAssetResponse struct {
	Success     bool      `json:"success"`
	Pattern     string    `json:"pattern"`
	MatchedKeys []string  `json:"matched_keys"`
	PurgedCount int       `json:"purged_count"`
	RequestID   string    `json:"request_id"`
	PurgedAt    time.Time `json:"purged_at"`
}

type GetAuditLogsRequest struct {
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	Pattern string `json:"pattern,omitempty"`
}

type GetAuditLogsResponse struct {
	Logs       []AuditLog `json:"logs"`
	TotalCount int        `json:"total_count"`
	HasMore    bool       `json:"has_more"`
}

type MetricsResponse struct {
	TotalInvalidations int64 `json:"total_invalidations"`
	KeyInvalidations   int64 `json:"key_invalidations"`
	AssetInvalidations int64 `json:"asset_invalidations"`
	ArtifactDeletes    int64 `json:"artifact_deletes"`
	AuditWrites        int64 `json:"audit_writes"`
	Errors             int64 `json:"errors"`
}

// InvalidateKeys purges the cache rows for the given fingerprints so the
// next request with the same fingerprint reprocesses from scratch.
//
//encore:api public method=POST path=/api/invalidation/keys
func InvalidateKeys(ctx context.Context, req *InvalidateKeysRequest) (*InvalidateKeysResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.InvalidateKeys(ctx, req)
}

func (s *Service) InvalidateKeys(ctx context.Context, req *InvalidateKeysRequest) (*InvalidateKeysResponse, error) {
	if len(req.Keys) == 0 {
		return nil, errors.New("keys cannot be empty")
	}

	start := time.Now()
	purged := 0
	for _, key := range req.Keys {
		n, err := s.purgeKey(ctx, key, req.DeleteArtifacts)
		if err != nil {
			s.metrics.Errors.Add(1)
			return nil, err
		}
		purged += n
	}

	s.metrics.TotalInvalidations.Add(1)
	s.metrics.KeyInvalidations.Add(int64(purged))
	s.writeAudit(ctx, AuditLog{
		Pattern:     "keys",
		Keys:        req.Keys,
		TriggeredBy: req.TriggeredBy,
		Timestamp:   start,
		RequestID:   req.RequestID,
		Latency:     time.Since(start).Milliseconds(),
	})

	return &InvalidateKeysResponse{
		Success:     true,
		PurgedCount: purged,
		Keys:        req.Keys,
		RequestID:   req.RequestID,
		PurgedAt:    time.Now(),
	}, nil
}

// InvalidateAsset purges every cached result whose request referenced an
// asset matching pattern: the recovery path when an asset's historical
// blob was republished and every derived plot is stale.
//
//encore:api public method=POST path=/api/invalidation/assets
func InvalidateAsset(ctx context.Context, req *InvalidateAssetRequest) (*InvalidateAssetResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.InvalidateAsset(ctx, req)
}

func (s *Service) InvalidateAsset(ctx context.Context, req *InvalidateAssetRequest) (*InvalidateAssetResponse, error) {
	sel, err := ParseSelector(req.Pattern)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	matched, err := s.matchingKeys(ctx, sel)
	if err != nil {
		s.metrics.Errors.Add(1)
		return nil, err
	}

	purged := 0
	for _, key := range matched {
		n, err := s.purgeKey(ctx, key, req.DeleteArtifacts)
		if err != nil {
			s.metrics.Errors.Add(1)
			return nil, err
		}
		purged += n
	}

	s.metrics.TotalInvalidations.Add(1)
	s.metrics.AssetInvalidations.Add(int64(purged))
	s.writeAudit(ctx, AuditLog{
		Pattern:     req.Pattern,
		Keys:        matched,
		TriggeredBy: req.TriggeredBy,
		Timestamp:   start,
		RequestID:   req.RequestID,
		Latency:     time.Since(start).Milliseconds(),
	})

	return &InvalidateAssetResponse{
		Success:     true,
		Pattern:     req.Pattern,
		MatchedKeys: matched,
		PurgedCount: purged,
		RequestID:   req.RequestID,
		PurgedAt:    time.Now(),
	}, nil
}

// GetAuditLogs retrieves the invalidation history with pagination.
//
//encore:api public method=GET path=/api/invalidation/audit
func GetAuditLogs(ctx context.Context, req *GetAuditLogsRequest) (*GetAuditLogsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetAuditLogs(ctx, req)
}

func (s *Service) GetAuditLogs(ctx context.Context, req *GetAuditLogsRequest) (*GetAuditLogsResponse, error) {
	limit := req.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	logs, err := s.audit.GetRecent(ctx, limit, req.Offset, req.Pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve audit logs: %w", err)
	}
	total, err := s.audit.GetCount(ctx, req.Pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit logs: %w", err)
	}

	return &GetAuditLogsResponse{
		Logs:       logs,
		TotalCount: total,
		HasMore:    req.Offset+len(logs) < total,
	}, nil
}

// GetMetrics reports invalidation counters.
//
//encore:api public method=GET path=/api/invalidation/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	m := svc.metrics
	return &MetricsResponse{
		TotalInvalidations: m.TotalInvalidations.Load(),
		KeyInvalidations:   m.KeyInvalidations.Load(),
		AssetInvalidations: m.AssetInvalidations.Load(),
		ArtifactDeletes:    m.ArtifactDeletes.Load(),
		AuditWrites:        m.AuditWrites.Load(),
		Errors:             m.Errors.Load(),
	}, nil
}

// purgeKey deletes one result row and, optionally, the artifact PNG it
// points at.
func (s *Service) purgeKey(ctx context.Context, key string, deleteArtifact bool) (int, error) {
	tag, err := db.Exec(ctx, `DELETE FROM nsq_message_cache WHERE key = $1`, key)
	if err != nil {
		return 0, fmt.Errorf("failed to purge key %s: %w", key, err)
	}
	if deleteArtifact && s.objects != nil {
		artifactKey := fmt.Sprintf("rust-backend/%s.png", key)
		if err := s.objects.Delete(ctx, s.cfg.ArtifactBucket, artifactKey); err == nil {
			s.metrics.ArtifactDeletes.Add(1)
		}
	}
	return int(tag.RowsAffected()), nil
}

// matchingKeys scans the result cache and returns the fingerprints of every
// cached message whose positional args contain an asset the selector
// selects.
func (s *Service) matchingKeys(ctx context.Context, sel AssetSelector) ([]string, error) {
	rows, err := db.Query(ctx, `SELECT key, message_json FROM nsq_message_cache`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan result cache: %w", err)
	}
	defer rows.Close()

	var matched []string
	for rows.Next() {
		var key string
		var body []byte
		if err := rows.Scan(&key, &body); err != nil {
			return nil, err
		}
		var msg wire.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			continue // unreadable row; leave it for key-based purge
		}
		if len(sel.Filter(msg.Params.Args)) > 0 {
			matched = append(matched, key)
		}
	}
	return matched, rows.Err()
}

func (s *Service) writeAudit(ctx context.Context, log AuditLog) {
	if err := s.audit.Insert(ctx, log); err == nil {
		s.metrics.AuditWrites.Add(1)
	} else {
		s.metrics.Errors.Add(1)
	}
}
