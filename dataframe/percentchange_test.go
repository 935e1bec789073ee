package dataframe

import (
	"math"
	"testing"
)

func TestAddPercentChangeColumns_Formula(t *testing.T) {
	tbl := NewTable([]string{"a_AdjustedClose"})
	// 10 rows with a doubling series so shift-1 changes are all +100%.
	v := 1.0
	for i := 0; i < 10; i++ {
		tbl.AppendRow(map[string]interface{}{"a_AdjustedClose": v})
		v *= 2
	}

	tbl.AddPercentChangeColumns("a_AdjustedClose")

	oneDay := tbl.Column("1_day_pct_change")
	if oneDay == nil {
		t.Fatal("1_day_pct_change column missing")
	}
	if oneDay[0] != nil {
		t.Errorf("row before shift window should be nil, got %v", oneDay[0])
	}
	for i := 1; i < 10; i++ {
		got, ok := oneDay[i].(float64)
		if !ok || math.Abs(got-100.0) > 1e-9 {
			t.Errorf("1_day pct change at %d = %v, want 100", i, oneDay[i])
		}
	}

	sevenDay := tbl.Column("7_days_pct_change")
	// (2^7 - 1) / 1 * 100 = 12700% for every in-window row.
	got, ok := sevenDay[7].(float64)
	if !ok || math.Abs(got-12700.0) > 1e-9 {
		t.Errorf("7_days pct change = %v, want 12700", sevenDay[7])
	}
}

func TestAddPercentChangeColumns_AllShiftsPresent(t *testing.T) {
	tbl := NewTable([]string{"a_AdjustedClose"})
	tbl.AppendRow(map[string]interface{}{"a_AdjustedClose": 1.0})

	tbl.AddPercentChangeColumns("a_AdjustedClose")

	for _, name := range []string{
		"1_day_pct_change", "7_days_pct_change", "1_month_pct_change",
		"3_month_pct_change", "1_year_pct_change", "5_year_pct_change",
	} {
		if !tbl.HasColumn(name) {
			t.Errorf("missing derived column %q", name)
		}
		// Single row: every shift is out of window.
		if v := tbl.Column(name)[0]; v != nil {
			t.Errorf("%s[0] = %v, want nil", name, v)
		}
	}
}

func TestAddPercentChangeColumns_ZeroBaseIsNil(t *testing.T) {
	tbl := NewTable([]string{"a_AdjustedClose"})
	tbl.AppendRow(map[string]interface{}{"a_AdjustedClose": 0.0})
	tbl.AppendRow(map[string]interface{}{"a_AdjustedClose": 5.0})

	tbl.AddPercentChangeColumns("a_AdjustedClose")

	if v := tbl.Column("1_day_pct_change")[1]; v != nil {
		t.Errorf("division by zero base should yield nil, got %v", v)
	}
}
