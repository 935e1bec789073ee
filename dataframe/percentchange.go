package dataframe

import "fmt"

// percentChangeShifts maps each row-shift distance to the suffix used in
// the derived column's name.
var percentChangeShifts = map[int]string{
	1:    "1_day",
	7:    "7_days",
	30:   "1_month",
	90:   "3_month",
	365:  "1_year",
	1825: "5_year",
}

// AddPercentChangeColumns appends one percent-change column per entry in
// percentChangeShifts, derived from baseColumn: (x - x.shift(k)) / x.shift(k)
// * 100, named "<k-suffix>_pct_change".
func (t *Table) AddPercentChangeColumns(baseColumn string) {
	base := t.Column(baseColumn)
	n := len(base)

	for shift, suffix := range percentChangeShifts {
		name := fmt.Sprintf("%s_pct_change", suffix)
		values := make([]interface{}, n)
		for i := 0; i < n; i++ {
			if i < shift {
				values[i] = nil
				continue
			}
			x, xok := toFloat(base[i])
			prev, pok := toFloat(base[i-shift])
			if !xok || !pok || prev == 0 {
				values[i] = nil
				continue
			}
			values[i] = (x - prev) / prev * 100
		}
		t.Columns = append(t.Columns, name)
		t.data[name] = values
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
