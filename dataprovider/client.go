// Package dataprovider implements a bounded-staleness read-through /
// write-through cache over the external market-data REST API, keyed by
// endpoint+symbol and backed by objectstore.Store.
//
// The staleness probe and the cached body share one object-store key: a
// single object holds both the freshness timestamp (its metadata) and the
// payload.
//
// Outbound calls are wrapped in a github.com/sony/gobreaker circuit breaker
// and rate-limited with golang.org/x/time/rate so a misbehaving upstream
// degrades into fast failures instead of piled-up timeouts.
package dataprovider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"encore.app/internal/apperr"
	"encore.app/internal/config"
)

// Store is the subset of objectstore.Store the client depends on.
type Store interface {
	OlderThan(ctx context.Context, bucket, key string, minutes int) (bool, error)
	Get(ctx context.Context, bucket, key string, decompress bool) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte, encoding string) error
}

// Client fetches provider data with a write-through object-store cache.
type Client struct {
	store      Store
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter

	baseURL string
	apiKey  string
	apiKey2 string
	bucket  string
	maxAge  time.Duration
}

// New constructs a Client from explicit configuration and a shared
// objectstore.Store handle.
func New(cfg config.AppConfig, store Store) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dataprovider",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker:    breaker,
		limiter:    rate.NewLimiter(rate.Limit(5), 10),
		baseURL:    strings.TrimSuffix(cfg.ProviderBaseURL, "/"),
		apiKey:     cfg.ProviderAPIKey,
		apiKey2:    cfg.ProviderAPIKey2,
		bucket:     cfg.DataBucket,
		maxAge:     cfg.ProviderMaxAge,
	}
}

// cacheKeyFor returns the single object-store key used for both the
// staleness probe and the cached body of endpointSuffix+symbol.
func cacheKeyFor(endpointSuffix, symbol string) string {
	if symbol == "" {
		return "eod/" + endpointSuffix
	}
	return "eod/" + endpointSuffix + "/" + symbol + ".json"
}

// Get fetches endpointSuffix with params, using the object-store cache
// when fresh and falling through to an HTTP GET otherwise.
func (c *Client) Get(ctx context.Context, endpointSuffix string, params map[string]string) (string, error) {
	symbol := params["symbols"]
	cacheKey := cacheKeyFor(endpointSuffix, symbol)

	maxAgeMinutes := int(c.maxAge / time.Minute)
	stale, err := c.store.OlderThan(ctx, c.bucket, cacheKey, maxAgeMinutes)
	if err != nil {
		return "", apperr.Wrap(apperr.StoreUnavailable, "checking provider cache staleness", err)
	}

	if !stale {
		// The cached body is written uncompressed below, so no gunzip here.
		data, err := c.store.Get(ctx, c.bucket, cacheKey, false)
		if err != nil {
			return "", apperr.Wrap(apperr.StoreUnavailable, "reading cached provider response", err)
		}
		return string(data), nil
	}

	body, err := c.fetch(ctx, endpointSuffix, params, c.apiKey)
	if err != nil && isAuthOrRateLimited(err) && c.apiKey2 != "" {
		body, err = c.fetch(ctx, endpointSuffix, params, c.apiKey2)
	}
	if err != nil {
		return "", err
	}

	if err := c.store.Put(ctx, c.bucket, cacheKey, []byte(body), ""); err != nil {
		return "", apperr.Wrap(apperr.StoreUnavailable, "writing provider response to cache", err)
	}
	return body, nil
}

func (c *Client) fetch(ctx context.Context, endpointSuffix string, params map[string]string, apiKey string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", apperr.Wrap(apperr.UpstreamUnavailable, "rate limiter wait", err)
	}

	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("api_token", apiKey)
	q.Set("fmt", "json")

	reqURL := fmt.Sprintf("%s/%s?%s", c.baseURL, endpointSuffix, q.Encode())

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &httpStatusError{status: resp.StatusCode, body: string(body)}
		}
		return string(body), nil
	})
	if err != nil {
		return "", apperr.Wrap(apperr.UpstreamUnavailable, "provider request failed", err)
	}
	return result.(string), nil
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.status, e.body)
}

func isAuthOrRateLimited(err error) bool {
	var hse *httpStatusError
	for e := err; e != nil; {
		if s, ok := e.(*httpStatusError); ok {
			hse = s
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if hse == nil {
		return false
	}
	return hse.status == http.StatusUnauthorized || hse.status == http.StatusTooManyRequests
}
