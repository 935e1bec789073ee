package dataframe

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"encore.app/internal/apperr"
	"encore.app/internal/observability"
)

// rawRecord is one element of the historical-series JSON blob: a nested
// isoformat date plus the standard OHLCV+adjusted-close numeric columns.
type rawRecord struct {
	Date struct {
		Isoformat string `json:"_isoformat"`
	} `json:"Date"`
	Volume        float64 `json:"Volume"`
	Open          float64 `json:"Open"`
	High          float64 `json:"High"`
	Low           float64 `json:"Low"`
	Close         float64 `json:"Close"`
	AdjustedClose float64 `json:"AdjustedClose"`
}

// Provider is the subset of dataprovider.Client the cache depends on, kept
// as an interface so tests can substitute a stub.
type Provider interface {
	Get(ctx context.Context, endpointSuffix string, params map[string]string) (string, error)
}

// Store is the subset of objectstore.Store the cache depends on.
type Store interface {
	Get(ctx context.Context, bucket, key string, decompress bool) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte, encoding string) error
	PresignedGetURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Cache is an in-process memoization map of asset-id -> Table, fed from
// the object store and never evicted during the process lifetime.
type Cache struct {
	store    Store
	provider Provider
	bucket   string

	mu     sync.RWMutex
	tables map[string]*Table
}

// New constructs a Cache with explicit dependencies (no package globals).
func New(store Store, provider Provider, bucket string) *Cache {
	return &Cache{
		store:    store,
		provider: provider,
		bucket:   bucket,
		tables:   make(map[string]*Table),
	}
}

// Get returns the historical table for assetId, fetching and normalizing
// it on first access and memoizing the result. The returned table is an
// independent clone so callers may mutate freely.
func (c *Cache) Get(ctx context.Context, assetID string) (*Table, error) {
	c.mu.RLock()
	if t, ok := c.tables[assetID]; ok {
		c.mu.RUnlock()
		return t.Clone(), nil
	}
	c.mu.RUnlock()

	key := "historical/" + assetID + ".json"
	data, err := c.store.Get(ctx, c.bucket, key, true)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreUnavailable, fmt.Sprintf("fetching historical blob for %s", assetID), err)
	}

	var raw []rawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperr.Wrap(apperr.DataShape, fmt.Sprintf("parsing historical blob for %s", assetID), err)
	}

	table := NewTable([]string{"DateTime", "Volume", "Open", "High", "Low", "Close", "AdjustedClose"})
	for _, r := range raw {
		dt, err := time.Parse(time.RFC3339Nano, r.Date.Isoformat)
		if err != nil {
			dt, err = time.Parse("2006-01-02T15:04:05.999999", r.Date.Isoformat)
		}
		if err != nil {
			continue
		}
		table.AppendRow(map[string]interface{}{
			"DateTime":      dt,
			"Volume":        r.Volume,
			"Open":          r.Open,
			"High":          r.High,
			"Low":           r.Low,
			"Close":         r.Close,
			"AdjustedClose": r.AdjustedClose,
		})
	}

	table.PrefixColumns(assetID, "DateTime")
	table.SortByDateTime()

	c.mu.Lock()
	c.tables[assetID] = table
	c.mu.Unlock()

	return table.Clone(), nil
}

// earningsRequiredFields lists the fields a raw earnings record must carry
// to be admitted into the table, in validation order.
var earningsRequiredFields = []string{
	"code", "report_date", "date", "before_after_market",
	"currency", "actual", "estimate", "difference", "percent",
}

// earningsStringFields marks which required fields must decode as strings;
// the rest must decode as numbers.
var earningsStringFields = map[string]bool{
	"code": true, "report_date": true, "date": true,
	"before_after_market": true, "currency": true,
}

// wellTyped reports whether an earnings field value has the type its
// column requires.
func wellTyped(field string, v interface{}) bool {
	if earningsStringFields[field] {
		_, ok := v.(string)
		return ok
	}
	_, ok := v.(float64)
	return ok
}

// GetEarnings fetches and parses the earnings calendar for code, admitting
// only rows where every required field is present and well-typed; other
// rows are skipped with a warning.
func (c *Cache) GetEarnings(ctx context.Context, code string) (*Table, error) {
	body, err := c.provider.Get(ctx, "api/calendar/earnings", map[string]string{
		"symbols": code,
		"from":    time.Now().AddDate(-10, 0, 0).Format("2006-01-02"),
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Earnings []map[string]interface{} `json:"earnings"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, apperr.Wrap(apperr.DataShape, "parsing earnings payload", err)
	}

	columns := append([]string(nil), earningsRequiredFields...)
	table := NewTable(columns)

	for _, row := range payload.Earnings {
		admitted := make(map[string]interface{}, len(columns))
		ok := true
		for _, field := range earningsRequiredFields {
			v, present := row[field]
			if !present || v == nil || !wellTyped(field, v) {
				ok = false
				break
			}
			admitted[field] = v
		}
		if !ok {
			observability.Warn(ctx, "skipping malformed earnings row", map[string]interface{}{"code": code})
			continue
		}
		table.AppendRow(admitted)
	}

	return table, nil
}

// SaveToStore row-JSON serializes table, gzip-uploads it under key, and
// returns a presigned URL for it.
func (c *Cache) SaveToStore(ctx context.Context, table *Table, key string) (string, error) {
	rowJSON, err := table.ToRowJSON()
	if err != nil {
		return "", apperr.Wrap(apperr.DataShape, "serializing table to row json", err)
	}
	if err := c.store.Put(ctx, c.bucket, key, []byte(rowJSON), "gzip"); err != nil {
		return "", apperr.Wrap(apperr.StoreUnavailable, "saving table to object store", err)
	}
	url, err := c.store.PresignedGetURL(ctx, c.bucket, key, 5*time.Minute)
	if err != nil {
		return "", apperr.Wrap(apperr.StoreUnavailable, "presigning saved table url", err)
	}
	return url, nil
}
