package dataframe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStore struct {
	objects map[string][]byte
	gets    atomic.Int64
	puts    map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, puts: map[string][]byte{}}
}

func (f *fakeStore) Get(ctx context.Context, bucket, key string, decompress bool) ([]byte, error) {
	f.gets.Add(1)
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return data, nil
}

func (f *fakeStore) Put(ctx context.Context, bucket, key string, data []byte, encoding string) error {
	f.puts[bucket+"/"+key] = data
	return nil
}

func (f *fakeStore) PresignedGetURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://signed.example/" + bucket + "/" + key, nil
}

type fakeProvider struct {
	body string
	err  error
}

func (f fakeProvider) Get(ctx context.Context, endpointSuffix string, params map[string]string) (string, error) {
	return f.body, f.err
}

const historicalBlob = `[
	{"Date": {"_isoformat": "2026-01-02T00:00:00"}, "Volume": 100, "Open": 1, "High": 2, "Low": 0.5, "Close": 1.5, "AdjustedClose": 1.4},
	{"Date": {"_isoformat": "2026-01-01T00:00:00"}, "Volume": 200, "Open": 2, "High": 3, "Low": 1.5, "Close": 2.5, "AdjustedClose": 2.4}
]`

func newTestCache(store *fakeStore, provider Provider) *Cache {
	return New(store, provider, "sravz-data")
}

func TestGet_NormalizesAndRenames(t *testing.T) {
	store := newFakeStore()
	store.objects["sravz-data/historical/etf_us_qqq.json"] = []byte(historicalBlob)
	c := newTestCache(store, fakeProvider{})

	tbl, err := c.Get(context.Background(), "etf_us_qqq")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tbl.Height() != 2 {
		t.Fatalf("height = %d, want 2", tbl.Height())
	}

	for _, col := range tbl.Columns {
		if col == "DateTime" {
			continue
		}
		if !strings.HasPrefix(col, "etf_us_qqq_") {
			t.Errorf("column %q not renamed with asset prefix", col)
		}
	}

	times := tbl.Column("DateTime")
	first := times[0].(time.Time)
	second := times[1].(time.Time)
	if !first.Before(second) {
		t.Errorf("rows not sorted ascending: %v, %v", first, second)
	}
	// After the sort, Jan 1 (the blob's second record) is first.
	if v := tbl.Column("etf_us_qqq_Volume")[0]; v != 200.0 {
		t.Errorf("volume misaligned after sort: %v", v)
	}
}

func TestGet_MemoizesAfterFirstFetch(t *testing.T) {
	store := newFakeStore()
	store.objects["sravz-data/historical/etf_us_qqq.json"] = []byte(historicalBlob)
	c := newTestCache(store, fakeProvider{})

	if _, err := c.Get(context.Background(), "etf_us_qqq"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(context.Background(), "etf_us_qqq"); err != nil {
		t.Fatal(err)
	}
	if n := store.gets.Load(); n != 1 {
		t.Errorf("store fetched %d times, want 1 (memoized)", n)
	}
}

func TestGet_ReturnsIndependentClones(t *testing.T) {
	store := newFakeStore()
	store.objects["sravz-data/historical/etf_us_qqq.json"] = []byte(historicalBlob)
	c := newTestCache(store, fakeProvider{})

	first, _ := c.Get(context.Background(), "etf_us_qqq")
	first.Column("etf_us_qqq_Close")[0] = 999.0

	second, _ := c.Get(context.Background(), "etf_us_qqq")
	if second.Column("etf_us_qqq_Close")[0] == 999.0 {
		t.Error("mutation of a returned table leaked into the memoized copy")
	}
}

func TestGet_MissingBlobPropagates(t *testing.T) {
	c := newTestCache(newFakeStore(), fakeProvider{})
	if _, err := c.Get(context.Background(), "etf_us_nope"); err == nil {
		t.Error("expected error for missing historical blob")
	}
}

func TestGet_SkipsUnparseableDates(t *testing.T) {
	store := newFakeStore()
	store.objects["sravz-data/historical/x.json"] = []byte(`[
		{"Date": {"_isoformat": "garbage"}, "Close": 1},
		{"Date": {"_isoformat": "2026-01-01T00:00:00"}, "Close": 2}
	]`)
	c := newTestCache(store, fakeProvider{})

	tbl, err := c.Get(context.Background(), "x")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tbl.Height() != 1 {
		t.Errorf("height = %d, want 1 (bad-date row skipped)", tbl.Height())
	}
}

func earningsBody(rows ...string) string {
	return fmt.Sprintf(`{"earnings": [%s]}`, strings.Join(rows, ","))
}

const goodEarningsRow = `{
	"code": "NVDA", "report_date": "2026-02-25", "date": "2026-02-25",
	"before_after_market": "AfterMarket", "currency": "USD",
	"actual": 5.16, "estimate": 4.59, "difference": 0.57, "percent": 12.4
}`

func TestGetEarnings_AdmitsCompleteRows(t *testing.T) {
	c := newTestCache(newFakeStore(), fakeProvider{body: earningsBody(goodEarningsRow)})

	tbl, err := c.GetEarnings(context.Background(), "NVDA")
	if err != nil {
		t.Fatalf("GetEarnings: %v", err)
	}
	if tbl.Height() != 1 {
		t.Fatalf("height = %d, want 1", tbl.Height())
	}
	if v := tbl.Column("actual")[0]; v != 5.16 {
		t.Errorf("actual = %v", v)
	}
}

func TestGetEarnings_SkipsIncompleteRows(t *testing.T) {
	missingActual := `{"code": "NVDA", "report_date": "2026-02-25", "date": "2026-02-25",
		"before_after_market": "AfterMarket", "currency": "USD",
		"estimate": 4.59, "difference": 0.57, "percent": 12.4}`
	nullEstimate := `{"code": "NVDA", "report_date": "2026-05-27", "date": "2026-05-27",
		"before_after_market": "AfterMarket", "currency": "USD",
		"actual": 5.5, "estimate": null, "difference": 0.5, "percent": 10.0}`

	c := newTestCache(newFakeStore(), fakeProvider{body: earningsBody(goodEarningsRow, missingActual, nullEstimate)})

	tbl, err := c.GetEarnings(context.Background(), "NVDA")
	if err != nil {
		t.Fatalf("GetEarnings: %v", err)
	}
	if tbl.Height() != 1 {
		t.Errorf("height = %d, want 1 (two malformed rows skipped)", tbl.Height())
	}
}

func TestGetEarnings_SkipsMistypedRows(t *testing.T) {
	// actual arrives as a string instead of a number.
	stringActual := `{"code": "NVDA", "report_date": "2026-02-25", "date": "2026-02-25",
		"before_after_market": "AfterMarket", "currency": "USD",
		"actual": "5.16", "estimate": 4.59, "difference": 0.57, "percent": 12.4}`
	// report_date arrives as a number instead of a string.
	numericReportDate := `{"code": "NVDA", "report_date": 20260225, "date": "2026-02-25",
		"before_after_market": "AfterMarket", "currency": "USD",
		"actual": 5.16, "estimate": 4.59, "difference": 0.57, "percent": 12.4}`

	c := newTestCache(newFakeStore(), fakeProvider{body: earningsBody(goodEarningsRow, stringActual, numericReportDate)})

	tbl, err := c.GetEarnings(context.Background(), "NVDA")
	if err != nil {
		t.Fatalf("GetEarnings: %v", err)
	}
	if tbl.Height() != 1 {
		t.Errorf("height = %d, want 1 (two mistyped rows skipped)", tbl.Height())
	}
}

func TestGetEarnings_ProviderErrorPropagates(t *testing.T) {
	c := newTestCache(newFakeStore(), fakeProvider{err: errors.New("upstream down")})
	if _, err := c.GetEarnings(context.Background(), "NVDA"); err == nil {
		t.Error("expected provider error to propagate")
	}
}

func TestGetEarnings_BadPayloadShape(t *testing.T) {
	c := newTestCache(newFakeStore(), fakeProvider{body: "not json"})
	if _, err := c.GetEarnings(context.Background(), "NVDA"); err == nil {
		t.Error("expected error for unparseable payload")
	}
}

func TestSaveToStore_GzipsAndPresigns(t *testing.T) {
	store := newFakeStore()
	c := newTestCache(store, fakeProvider{})

	tbl := NewTable([]string{"DateTime", "a_Close"})
	tbl.AppendRow(map[string]interface{}{"DateTime": day(1), "a_Close": 1.0})

	url, err := c.SaveToStore(context.Background(), tbl, "historical/earnings/a.json")
	if err != nil {
		t.Fatalf("SaveToStore: %v", err)
	}
	if !strings.HasSuffix(url, "sravz-data/historical/earnings/a.json") {
		t.Errorf("presigned url = %q", url)
	}
	if _, ok := store.puts["sravz-data/historical/earnings/a.json"]; !ok {
		t.Error("table was not written to the store")
	}
}
