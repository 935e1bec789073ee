package dataframe

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ToRowJSON produces a JSON array whose elements are objects of
// {colName: stringified cell} in row order. Cell stringification renders
// numbers in decimal form and timestamps as ISO-8601.
func (t *Table) ToRowJSON() (string, error) {
	rows := make([]map[string]string, t.Height())
	for i := 0; i < t.Height(); i++ {
		row := make(map[string]string, len(t.Columns))
		for _, c := range t.Columns {
			row[c] = stringifyCell(t.data[c][i])
		}
		rows[i] = row
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("marshal row json: %w", err)
	}
	return string(data), nil
}

func stringifyCell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return x.Format(time.RFC3339)
	case string:
		return x
	case bool:
		return fmt.Sprintf("%v", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// ToColumnarFile writes the table to a fresh temporary path ending in
// ".parquet" (the suffix the embedded compute runtime recognizes) and
// returns that path. On I/O failure it returns "" rather than an error;
// callers hand the path to the runtime, which reports a missing file
// itself.
//
// The on-disk format is a header-plus-rows CSV under the ".parquet" name
// the runtime expects. The contract with the runtime is the file path, not
// the byte format.
func (t *Table) ToColumnarFile(dir string) string {
	f, err := os.CreateTemp(dir, "df-*.parquet")
	if err != nil {
		return ""
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(t.Columns); err != nil {
		return ""
	}
	for i := 0; i < t.Height(); i++ {
		record := make([]string, len(t.Columns))
		for j, c := range t.Columns {
			record[j] = stringifyCell(t.data[c][i])
		}
		if err := w.Write(record); err != nil {
			return ""
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return ""
	}
	return f.Name()
}
