// Package warming pre-loads the dispatcher's in-process dataframe cache so
// the first request for a popular asset does not pay the object-store fetch
// and normalization cost.
//
// The predictor mines the result cache for the assets recent requests
// actually referenced; the selected strategy ranks them; the service then
// asks the dispatcher to warm the top of the ranking, rate-limited so a
// large warm-up cannot crowd out live traffic against the object store.
package warming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"encore.app/dispatcher"
	"encore.app/internal/observability"
)

//encore:service
type Service struct {
	config     Config
	predictor  Predictor
	strategies map[string]Strategy
	warmer     Warmer
	limiter    *rate.Limiter
	metrics    *Metrics
}

// Warmer is the dispatcher capability the service drives.
type Warmer interface {
	Warm(ctx context.Context, assetIDs []string) (warmed int, failed []string, err error)
}

// Config holds runtime configuration for the warming service.
type Config struct {
	MaxAssetsPerRun int           // Cap on assets warmed per cron run
	Parallelism     int           // Concurrent warm batches
	BatchSize       int           // Assets per dispatcher call
	MaxWarmRPS      int           // Rate limit on dispatcher warm calls
	Lookback        time.Duration // How far back the predictor mines requests
	DefaultStrategy string
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxAssetsPerRun: 50,
		Parallelism:     4,
		BatchSize:       5,
		MaxWarmRPS:      10,
		Lookback:        7 * 24 * time.Hour,
		DefaultStrategy: "frequent",
	}
}

// Metrics tracks warming performance.
type Metrics struct {
	RunsTotal    atomic.Int64
	AssetsWarmed atomic.Int64
	AssetsFailed atomic.Int64
	RateLimited  atomic.Int64
}

var (
	svc  *Service
	once sync.Once
)

func initService() (*Service, error) {
	once.Do(func() {
		cfg := DefaultConfig()
		svc = &Service{
			config:     cfg,
			predictor:  NewResultCachePredictor(db),
			strategies: builtinStrategies(),
			warmer:     dispatcherWarmer{},
			limiter:    rate.NewLimiter(rate.Limit(cfg.MaxWarmRPS), cfg.MaxWarmRPS),
			metrics:    &Metrics{},
		}
	})
	return svc, nil
}

// dispatcherWarmer adapts the dispatcher's private warm endpoint.
type dispatcherWarmer struct{}

func (dispatcherWarmer) Warm(ctx context.Context, assetIDs []string) (int, []string, error) {
	resp, err := dispatcher.Warm(ctx, &dispatcher.WarmRequest{AssetIDs: assetIDs})
	if err != nil {
		return 0, assetIDs, err
	}
	return resp.Warmed, resp.Failed, nil
}

// Request and response types

type WarmAssetsRequest struct {
	AssetIDs []string `json:"asset_ids"`          // Explicit assets to warm
	Strategy string   `json:"strategy,omitempty"` // Ranking strategy when AssetIDs is empty
	Limit    int      `json:"limit,omitempty"`
}

type WarmAssetsResponse struct {
	Success  bool     `json:"success"`
	Warmed   int      `json:"warmed"`
	Failed   []string `json:"failed,omitempty"`
	AssetIDs []string `json:"asset_ids"`
}

type MetricsResponse struct {
	RunsTotal    int64 `json:"runs_total"`
	AssetsWarmed int64 `json:"assets_warmed"`
	AssetsFailed int64 `json:"assets_failed"`
	RateLimited  int64 `json:"rate_limited"`
}

// WarmAssets warms the given assets, or, when none are given, the assets
// the predictor ranks highest under the requested strategy.
//
//encore:api public method=POST path=/api/warming/warm
func WarmAssets(ctx context.Context, req *WarmAssetsRequest) (*WarmAssetsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	return svc.WarmAssets(ctx, req)
}

func (s *Service) WarmAssets(ctx context.Context, req *WarmAssetsRequest) (*WarmAssetsResponse, error) {
	assetIDs := req.AssetIDs
	if len(assetIDs) == 0 {
		limit := req.Limit
		if limit <= 0 || limit > s.config.MaxAssetsPerRun {
			limit = s.config.MaxAssetsPerRun
		}
		strategyName := req.Strategy
		if strategyName == "" {
			strategyName = s.config.DefaultStrategy
		}
		strategy, ok := s.strategies[strategyName]
		if !ok {
			return nil, fmt.Errorf("unknown strategy: %s", strategyName)
		}

		occurrences, err := s.predictor.RecentAssets(ctx, s.config.Lookback)
		if err != nil {
			return nil, fmt.Errorf("prediction failed: %w", err)
		}
		assetIDs = strategy.Rank(occurrences, limit)
	}
	if len(assetIDs) == 0 {
		return &WarmAssetsResponse{Success: true}, nil
	}

	warmed, failed, err := s.warmAll(ctx, assetIDs)
	if err != nil {
		return nil, err
	}

	s.metrics.RunsTotal.Add(1)
	s.metrics.AssetsWarmed.Add(int64(warmed))
	s.metrics.AssetsFailed.Add(int64(len(failed)))

	return &WarmAssetsResponse{
		Success:  true,
		Warmed:   warmed,
		Failed:   failed,
		AssetIDs: assetIDs,
	}, nil
}

// warmAll fans batches of assets out to the dispatcher with bounded
// parallelism and rate limiting.
func (s *Service) warmAll(ctx context.Context, assetIDs []string) (int, []string, error) {
	var (
		mu     sync.Mutex
		warmed int
		failed []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Parallelism)

	for start := 0; start < len(assetIDs); start += s.config.BatchSize {
		end := start + s.config.BatchSize
		if end > len(assetIDs) {
			end = len(assetIDs)
		}
		batch := assetIDs[start:end]

		g.Go(func() error {
			if !s.limiter.Allow() {
				s.metrics.RateLimited.Add(1)
				if err := s.limiter.Wait(gctx); err != nil {
					return err
				}
			}
			w, f, err := s.warmer.Warm(gctx, batch)
			if err != nil {
				observability.Warn(gctx, "warm batch failed", map[string]interface{}{"assets": batch, "error": err.Error()})
				mu.Lock()
				failed = append(failed, batch...)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			warmed += w
			failed = append(failed, f...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return warmed, failed, err
	}
	return warmed, failed, nil
}

// GetMetrics reports warming counters.
//
//encore:api public method=GET path=/api/warming/metrics
func GetMetrics(ctx context.Context) (*MetricsResponse, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	m := svc.metrics
	return &MetricsResponse{
		RunsTotal:    m.RunsTotal.Load(),
		AssetsWarmed: m.AssetsWarmed.Load(),
		AssetsFailed: m.AssetsFailed.Load(),
		RateLimited:  m.RateLimited.Load(),
	}, nil
}
