// Package dispatcher implements the top consume loop: it fingerprints each
// inbound request, deduplicates it against the result store, gates
// concurrent duplicates to at most one in-flight handler execution, routes
// it, and publishes the (possibly cached or errored) reply.
package dispatcher

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"encore.dev/storage/sqldb"
	"golang.org/x/sync/semaphore"

	"encore.app/computebridge"
	"encore.app/dataframe"
	"encore.app/dataprovider"
	"encore.app/handlers"
	"encore.app/internal/apperr"
	"encore.app/internal/bus"
	"encore.app/internal/config"
	"encore.app/internal/dedup"
	"encore.app/internal/fingerprint"
	"encore.app/internal/observability"
	"encore.app/internal/wire"
	"encore.app/objectstore"
	"encore.app/resultstore"
	"encore.app/router"
)

// ResultStore is the subset of resultstore.Store the Dispatcher depends on,
// kept as an interface so tests can substitute an in-memory fake instead of
// a live Postgres instance.
type ResultStore interface {
	Find(ctx context.Context, key string) (resultstore.CacheEntry, bool, error)
	Upsert(ctx context.Context, e resultstore.CacheEntry) error
	MarkInProgress(ctx context.Context, key string, msg wire.Message, staleAfter time.Duration) (bool, error)
}

// Router is the subset of router.Router the Dispatcher depends on.
type Router interface {
	Route(ctx context.Context, msg wire.Message) (wire.Message, error)
}

// Coordinator is the subset of dedup.Coordinator the Dispatcher depends on.
type Coordinator interface {
	Do(key string, fn func() (interface{}, error)) (interface{}, error, bool)
}

// Service is the C8 Dispatcher.
//
//encore:service
type Service struct {
	results   ResultStore
	router    Router
	coord     Coordinator
	metrics   *observability.Metrics
	publisher bus.Publisher
	frames    *dataframe.Cache

	ttl                  time.Duration
	inProgressStaleAfter time.Duration
	maxInFlight          int64
}

// New constructs a Service with explicit dependencies: every dependency is
// passed in, nothing is resolved from a package-level default inside New.
func New(results ResultStore, rt Router, coord Coordinator, metrics *observability.Metrics, publisher bus.Publisher, ttl, inProgressStaleAfter time.Duration, maxInFlight int) *Service {
	if maxInFlight <= 0 {
		maxInFlight = 15
	}
	return &Service{
		results:              results,
		router:               rt,
		coord:                coord,
		metrics:              metrics,
		publisher:            publisher,
		ttl:                  ttl,
		inProgressStaleAfter: inProgressStaleAfter,
		maxInFlight:          int64(maxInFlight),
	}
}

// SetPublisher injects the reply publisher, for late-bound, swappable
// delivery (production bus adapter vs. test double).
func (s *Service) SetPublisher(p bus.Publisher) {
	s.publisher = p
}

var (
	// Global service instance (initialized by initService).
	svc     *Service
	once    sync.Once
	initErr error
)

// db holds the nsq_message_cache result table.
var db = sqldb.Named("sravz")

// runtimeFactory builds the embedded compute runtime. The embedding process
// installs the real one via RegisterRuntime before the service handles its
// first request. The default fails every call, so a deployment that forgot
// to register surfaces ComputeFailed replies instead of crashing at boot.
var runtimeFactory = func() computebridge.Runtime { return unconfiguredRuntime{} }

type unconfiguredRuntime struct{}

func (unconfiguredRuntime) Run(computebridge.Request) (computebridge.Response, error) {
	return computebridge.Response{}, &computebridge.Failure{Message: "compute runtime not configured"}
}

// RegisterRuntime installs the embedded compute runtime.
func RegisterRuntime(r computebridge.Runtime) {
	runtimeFactory = func() computebridge.Runtime { return r }
}

// initService wires the full worker: config, object store, provider client,
// dataframe cache, compute bridge, handlers, router, result store, and the
// dedup coordinator. Called automatically by Encore at startup.
func initService() (*Service, error) {
	once.Do(func() {
		ctx := context.Background()

		cfg := config.Load()
		if err := cfg.Validate(); err != nil {
			initErr = apperr.Wrap(apperr.ConfigMissing, "dispatcher boot", err)
			return
		}
		if err := os.MkdirAll(cfg.ComputeTempDir, 0o755); err != nil {
			initErr = apperr.Wrap(apperr.ConfigMissing, "creating compute temp dir", err)
			return
		}

		store, err := objectstore.New(ctx, cfg)
		if err != nil {
			initErr = apperr.Wrap(apperr.StoreUnavailable, "constructing object store", err)
			return
		}
		provider := dataprovider.New(cfg, store)
		frames := dataframe.New(store, provider, cfg.DataBucket)
		bridge := computebridge.New(runtimeFactory())

		deps := handlers.Deps{Dataframe: frames, Objects: store, Bridge: bridge, Config: cfg}
		rt := router.New(
			handlers.NewLeveragedFundsHandler(deps),
			handlers.NewLlmQueryHandler(deps, cfg.AnthropicAPIKey),
			handlers.NewEarningsPlotHandler(deps),
		)

		results, err := resultstore.New(ctx, db)
		if err != nil {
			initErr = apperr.Wrap(apperr.StoreUnavailable, "constructing result store", err)
			return
		}

		svc = New(results, rt, dedup.New(), &observability.Metrics{}, topicPublisher{},
			cfg.ResultTTL, cfg.InProgressStaleAfter, cfg.MaxInFlight)
		svc.frames = frames
	})
	return svc, initErr
}

type WarmRequest struct {
	AssetIDs []string `json:"asset_ids"`
}

type WarmResponse struct {
	Warmed int      `json:"warmed"`
	Failed []string `json:"failed,omitempty"`
}

// Warm pre-loads the in-process dataframe cache for the given assets so the
// first real request for each skips the object-store fetch. Consumed by the
// warming service.
//
//encore:api private method=POST path=/dispatcher/warm
func Warm(ctx context.Context, req *WarmRequest) (*WarmResponse, error) {
	if svc == nil || svc.frames == nil {
		return nil, errors.New("service not initialized")
	}
	resp := &WarmResponse{}
	for _, id := range req.AssetIDs {
		if _, err := svc.frames.Get(ctx, id); err != nil {
			resp.Failed = append(resp.Failed, id)
			continue
		}
		resp.Warmed++
	}
	return resp, nil
}

// Metrics reports the dispatcher's counters; consumed by the monitoring
// service.
//
//encore:api private method=GET path=/dispatcher/metrics
func Metrics(ctx context.Context) (*observability.Snapshot, error) {
	if svc == nil {
		return nil, errors.New("service not initialized")
	}
	snap := svc.metrics.Snapshot()
	return &snap, nil
}

// Process runs the full per-message state machine for one parsed Message
// and returns the Message to publish to its reply topic. It never returns
// an error: every failure is folded into the returned Message's error
// fields, because the Dispatcher always publishes and acks regardless of
// outcome.
func (s *Service) Process(ctx context.Context, msg wire.Message) wire.Message {
	msg.ClearError()
	msg.Date = time.Now().UTC()
	key := fingerprint.Of(msg)
	msg.Key = key

	replyTopic := msg.ReplyTopic
	correlationID := msg.CorrelationID

	result, _, _ := s.coord.Do(key, func() (interface{}, error) {
		return s.resolve(ctx, key, msg), nil
	})

	out, _ := result.(wire.Message)
	// The reply always carries this request's correlation id, topic, and
	// key, even on the cache-hit / coalesced path, where out may be a
	// different request's stored Message.
	out.CorrelationID = correlationID
	out.ReplyTopic = replyTopic
	out.Key = key
	return out
}

// resolve is the body the dedup coordinator runs at most once per
// in-flight key within this process: cache-hit check, the durable
// IN_PROGRESS claim (which also catches cross-instance in-flight work),
// routing, and the DONE upsert.
func (s *Service) resolve(ctx context.Context, key string, msg wire.Message) wire.Message {
	entry, found, err := s.results.Find(ctx, key)
	if err != nil {
		observability.Error(ctx, "result store lookup failed", map[string]interface{}{"key": key, "error": err.Error()})
		msg.SetError("result store unavailable")
		return msg
	}

	if found {
		if entry.IsFreshHit(s.ttl) {
			s.metrics.CacheHits.Add(1)
			cached, perr := wire.FromJSON(entry.MessageJSON)
			if perr == nil {
				return cached
			}
			observability.Warn(ctx, "failed to parse cached message, reprocessing", map[string]interface{}{"key": key, "error": perr.Error()})
		}
	}
	s.metrics.CacheMisses.Add(1)

	claimed, err := s.results.MarkInProgress(ctx, key, msg, s.inProgressStaleAfter)
	if err != nil {
		observability.Error(ctx, "failed to claim in-progress", map[string]interface{}{"key": key, "error": err.Error()})
		msg.SetError("result store unavailable")
		return msg
	}
	if !claimed {
		s.metrics.InProgressSkips.Add(1)
		msg.SetNotice("request is still processing")
		return msg
	}

	out, routeErr := s.router.Route(ctx, msg)

	body, merr := out.ToJSON()
	if merr != nil {
		observability.Error(ctx, "failed to marshal result for persistence", map[string]interface{}{"key": key, "error": merr.Error()})
	} else if err := s.results.Upsert(ctx, resultstore.CacheEntry{
		Key:         key,
		MessageJSON: body,
		Status:      resultstore.StatusDone,
		Date:        time.Now().UTC(),
	}); err != nil {
		observability.Error(ctx, "failed to persist result", map[string]interface{}{"key": key, "error": err.Error()})
	}

	if routeErr != nil {
		s.metrics.HandlerErr.Add(1)
		if kind, ok := apperr.KindOf(routeErr); ok {
			observability.Error(ctx, "handler failed", map[string]interface{}{"key": key, "kind": string(kind), "error": routeErr.Error()})
		}
	} else {
		s.metrics.HandlerOK.Add(1)
	}

	return out
}

// Run consumes deliveries from sub, dispatching up to maxInFlight of them
// concurrently, publishing each processed Message to its reply topic before
// acking the inbound delivery. Every delivery is acked exactly once. Every
// parsed, valid message (cache hit, in-progress skip, handler success,
// handler error) gets exactly one publish attempt; a malformed or invalid
// body is acked and dropped without a publish.
func (s *Service) Run(ctx context.Context, sub bus.Subscriber) error {
	sem := semaphore.NewWeighted(s.maxInFlight)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case delivery, ok := <-sub.Deliveries():
			if !ok {
				wg.Wait()
				return nil
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return err
			}
			wg.Add(1)
			go func(d bus.Delivery) {
				defer wg.Done()
				defer sem.Release(1)
				s.handleDelivery(ctx, d)
			}(delivery)
		}
	}
}

func (s *Service) handleDelivery(ctx context.Context, delivery bus.Delivery) {
	msg, err := wire.FromJSON(delivery.Body)
	if err != nil {
		observability.Error(ctx, "dropping malformed bus message", map[string]interface{}{"error": err.Error()})
		delivery.Ack()
		return
	}
	if verr := msg.Validate(); verr != nil {
		observability.Error(ctx, "dropping invalid bus message", map[string]interface{}{"error": verr.Error()})
		delivery.Ack()
		return
	}

	out := s.Process(ctx, msg)

	body, err := out.ToJSON()
	if err != nil {
		observability.Error(ctx, "failed to serialize reply", map[string]interface{}{"key": out.Key, "error": err.Error()})
		delivery.Ack()
		return
	}

	if s.publisher == nil {
		observability.Error(ctx, "no publisher configured, dropping reply", map[string]interface{}{"key": out.Key, "topic": out.ReplyTopic})
	} else if err := s.publisher.Publish(ctx, out.ReplyTopic, body); err != nil {
		observability.Error(ctx, "failed to publish reply", map[string]interface{}{"key": out.Key, "topic": out.ReplyTopic, "error": err.Error()})
	} else {
		s.metrics.Publishes.Add(1)
	}

	delivery.Ack()
	s.metrics.Acks.Add(1)
}

