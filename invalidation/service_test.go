package invalidation

import (
	"reflect"
	"testing"
)

var selectorAssets = []string{
	"etf_us_tqqq", "etf_us_qld", "etf_us_qqq",
	"stk_us_nvda", "stk_de_nvda", "fut_us_es",
}

func TestParseSelector_Filter(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		want    []string
	}{
		{
			name:    "exact asset",
			pattern: "etf_us_tqqq",
			want:    []string{"etf_us_tqqq"},
		},
		{
			name:    "exact miss",
			pattern: "etf_us_spxl",
			want:    nil,
		},
		{
			name:    "ticker alternatives",
			pattern: "etf_us_tqqq,qld",
			want:    []string{"etf_us_tqqq", "etf_us_qld"},
		},
		{
			name:    "any exchange",
			pattern: "stk_*_nvda",
			want:    []string{"stk_us_nvda", "stk_de_nvda"},
		},
		{
			name:    "class and exchange prefix",
			pattern: "etf_us",
			want:    []string{"etf_us_tqqq", "etf_us_qld", "etf_us_qqq"},
		},
		{
			name:    "class only",
			pattern: "stk",
			want:    []string{"stk_us_nvda", "stk_de_nvda"},
		},
		{
			name:    "any class on one exchange",
			pattern: "*_de",
			want:    []string{"stk_de_nvda"},
		},
		{
			name:    "everything",
			pattern: "*",
			want:    selectorAssets,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := ParseSelector(tt.pattern)
			if err != nil {
				t.Fatalf("ParseSelector(%q): %v", tt.pattern, err)
			}
			got := sel.Filter(selectorAssets)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Filter(%q) = %v, want %v", tt.pattern, got, tt.want)
			}
		})
	}
}

func TestParseSelector_Rejects(t *testing.T) {
	for _, pattern := range []string{"", "etf__tqqq", "etf_us_", "_us", "etf_us_tqqq,,qld"} {
		if _, err := ParseSelector(pattern); err == nil {
			t.Errorf("ParseSelector(%q) accepted, want error", pattern)
		}
	}
}

func TestSelects_ShortAndEmptyIDs(t *testing.T) {
	sel, err := ParseSelector("etf_us_tqqq")
	if err != nil {
		t.Fatal(err)
	}
	if sel.Selects("") {
		t.Error("empty asset id must never be selected")
	}
	if sel.Selects("etf_us") {
		t.Error("an id with fewer segments than the selector must not match")
	}

	wide, err := ParseSelector("etf")
	if err != nil {
		t.Fatal(err)
	}
	if !wide.Selects("etf_us_tqqq") {
		t.Error("class-only selector should select the full id")
	}
	if wide.Selects("stk_us_nvda") {
		t.Error("class-only selector must not select other classes")
	}
}
