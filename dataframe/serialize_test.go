package dataframe

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func TestToRowJSON_RoundTripLaw(t *testing.T) {
	tbl := NewTable([]string{"DateTime", "a_Close"})
	tbl.AppendRow(map[string]interface{}{"DateTime": day(1), "a_Close": 10.5})
	tbl.AppendRow(map[string]interface{}{"DateTime": day(2), "a_Close": 11.0})

	out, err := tbl.ToRowJSON()
	if err != nil {
		t.Fatalf("ToRowJSON: %v", err)
	}

	var rows []map[string]string
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("re-parsing row json: %v", err)
	}
	if len(rows) != tbl.Height() {
		t.Fatalf("rows = %d, want table height %d", len(rows), tbl.Height())
	}
	for i, row := range rows {
		if len(row) != len(tbl.Columns) {
			t.Errorf("row %d has %d keys, want %d", i, len(row), len(tbl.Columns))
		}
		for _, col := range tbl.Columns {
			if _, ok := row[col]; !ok {
				t.Errorf("row %d missing column %q", i, col)
			}
		}
	}
}

func TestToRowJSON_CellStringification(t *testing.T) {
	tbl := NewTable([]string{"DateTime", "v", "s", "missing"})
	tbl.AppendRow(map[string]interface{}{
		"DateTime": time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
		"v":        10.5,
		"s":        "text",
	})

	out, err := tbl.ToRowJSON()
	if err != nil {
		t.Fatalf("ToRowJSON: %v", err)
	}
	var rows []map[string]string
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatal(err)
	}

	row := rows[0]
	if row["DateTime"] != "2026-01-02T15:04:05Z" {
		t.Errorf("timestamp cell = %q, want ISO-8601", row["DateTime"])
	}
	if row["v"] != "10.5" {
		t.Errorf("numeric cell = %q, want decimal form", row["v"])
	}
	if row["s"] != "text" {
		t.Errorf("string cell = %q", row["s"])
	}
	if row["missing"] != "" {
		t.Errorf("nil cell = %q, want empty", row["missing"])
	}
}

func TestToColumnarFile_WritesAndNamesFile(t *testing.T) {
	tbl := NewTable([]string{"DateTime", "a_Close"})
	tbl.AppendRow(map[string]interface{}{"DateTime": day(1), "a_Close": 10.0})

	path := tbl.ToColumnarFile(t.TempDir())
	if path == "" {
		t.Fatal("ToColumnarFile returned no path")
	}
	if !strings.HasSuffix(path, ".parquet") {
		t.Errorf("path %q missing runtime-recognized suffix", path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening written file: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("reading written file: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want header + 1 row", len(records))
	}
	if records[0][0] != "DateTime" || records[0][1] != "a_Close" {
		t.Errorf("header = %v", records[0])
	}
}

func TestToColumnarFile_BadDirReturnsNoPath(t *testing.T) {
	tbl := NewTable([]string{"DateTime"})
	if path := tbl.ToColumnarFile("/nonexistent/dir/for/sure"); path != "" {
		t.Errorf("expected empty path on I/O failure, got %q", path)
	}
}
