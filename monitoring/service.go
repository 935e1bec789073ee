// Package monitoring exposes the analytics worker's health and alerting
// surface. It samples the dispatcher's counters on a schedule, keeps the
// latest two samples to derive rates, and evaluates threshold alerts over
// them. A deliberately small footprint, since the worker's heavy lifting
// is observable through the counters themselves.
package monitoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"encore.dev/cron"
	"encore.dev/storage/sqldb"

	"encore.app/dispatcher"
	"encore.app/internal/observability"
)

//encore:service
type Service struct {
	source   SnapshotSource
	alertMgr *AlertManager
	pinger   Pinger

	mu     sync.RWMutex
	last   Sample
	prev   Sample
	hasTwo bool
}

// SnapshotSource fetches the dispatcher's current counters.
type SnapshotSource func(ctx context.Context) (*observability.Snapshot, error)

// Pinger checks result-store connectivity.
type Pinger func(ctx context.Context) error

// Sample is one observed counter snapshot with its capture time.
type Sample struct {
	Snap observability.Snapshot `json:"snapshot"`
	At   time.Time              `json:"at"`
}

// Database backing the result store, pinged by Health.
var db = sqldb.Named("sravz")

var (
	svc  *Service
	once sync.Once
)

func initService() (*Service, error) {
	once.Do(func() {
		svc = &Service{
			source: func(ctx context.Context) (*observability.Snapshot, error) {
				return dispatcher.Metrics(ctx)
			},
			alertMgr: NewAlertManager(defaultRules()),
			pinger: func(ctx context.Context) error {
				var one int
				return db.QueryRow(ctx, `SELECT 1`).Scan(&one)
			},
		}
	})
	return svc, nil
}

// Request and response types

type GetMetricsResponse struct {
	Timestamp   time.Time              `json:"timestamp"`
	Counters    observability.Snapshot `json:"counters"`
	Window      time.Duration          `json:"window,omitempty"`
	RequestRate float64                `json:"request_rate,omitempty"` // requests/sec over the window
	ErrorRate   float64                `json:"error_rate,omitempty"`   // errored share of handled requests
}

type GetAlertsResponse struct {
	ActiveAlerts []Alert   `json:"active_alerts"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

type HealthResponse struct {
	Status     string    `json:"status"` // "healthy", "degraded", "unhealthy"
	Store      bool      `json:"store"`
	Dispatcher bool      `json:"dispatcher"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Collect samples the dispatcher counters and evaluates alert rules.
// Runs on a schedule; also callable directly.
var _ = cron.NewJob("monitor-collect", cron.JobConfig{
	Title:    "Collect Worker Metrics",
	Schedule: "*/5 * * * *",
	Endpoint: Collect,
})

//encore:api private
func Collect(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	return svc.Collect(ctx)
}

func (s *Service) Collect(ctx context.Context) error {
	snap, err := s.source(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.prev, s.last = s.last, Sample{Snap: *snap, At: time.Now()}
	s.hasTwo = s.hasTwo || !s.prev.At.IsZero()
	last, prev, hasTwo := s.last, s.prev, s.hasTwo
	s.mu.Unlock()

	if hasTwo {
		s.alertMgr.Evaluate(last, prev)
	}
	return nil
}

// GetMetrics reports the current counters, the request rate since the latest
// sample (once two samples exist), and the error rate over all handled
// requests.
//
//encore:api public method=GET path=/api/monitoring/metrics
func GetMetrics(ctx context.Context) (*GetMetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.GetMetrics(ctx)
}

func (s *Service) GetMetrics(ctx context.Context) (*GetMetricsResponse, error) {
	snap, err := s.source(ctx)
	if err != nil {
		return nil, err
	}

	resp := &GetMetricsResponse{
		Timestamp: time.Now(),
		Counters:  *snap,
	}

	s.mu.RLock()
	last, hasTwo := s.last, s.hasTwo
	s.mu.RUnlock()

	if hasTwo {
		window := time.Since(last.At)
		if window > 0 {
			handled := (snap.HandlerOK + snap.HandlerErr) - (last.Snap.HandlerOK + last.Snap.HandlerErr)
			resp.Window = window
			resp.RequestRate = float64(handled) / window.Seconds()
		}
	}
	if total := snap.HandlerOK + snap.HandlerErr; total > 0 {
		resp.ErrorRate = float64(snap.HandlerErr) / float64(total)
	}
	return resp, nil
}

// GetAlerts reports the currently-firing alerts.
//
//encore:api public method=GET path=/api/monitoring/alerts
func GetAlerts(ctx context.Context) (*GetAlertsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return &GetAlertsResponse{
		ActiveAlerts: svc.alertMgr.Active(),
		EvaluatedAt:  svc.alertMgr.LastEvaluated(),
	}, nil
}

// Health checks the worker's dependencies: the result store and the
// dispatcher itself.
//
//encore:api public method=GET path=/api/monitoring/health
func Health(ctx context.Context) (*HealthResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.Health(ctx)
}

func (s *Service) Health(ctx context.Context) (*HealthResponse, error) {
	resp := &HealthResponse{CheckedAt: time.Now()}

	if err := s.pinger(ctx); err == nil {
		resp.Store = true
	}
	if _, err := s.source(ctx); err == nil {
		resp.Dispatcher = true
	}

	switch {
	case resp.Store && resp.Dispatcher:
		resp.Status = "healthy"
	case resp.Store || resp.Dispatcher:
		resp.Status = "degraded"
	default:
		resp.Status = "unhealthy"
	}
	return resp, nil
}
