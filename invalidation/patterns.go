package invalidation

import (
	"errors"
	"fmt"
	"strings"
)

// Asset identifiers are structured: "<class>_<exchange>_<ticker>", e.g.
// "etf_us_tqqq" or "stk_de_nvda". An AssetSelector names, per segment,
// one value, a comma-separated set of values, or "*"; omitted trailing
// segments select everything beneath them:
//
//	etf_us_tqqq       exactly that ETF
//	etf_us_tqqq,qld   two US ETFs
//	stk_*_nvda        NVDA on any exchange
//	etf_us            every US ETF
//	stk               every stock anywhere
//	*                 everything
type AssetSelector struct {
	// One alternative set per segment; a nil set is a "*" segment.
	segments [][]string
}

const selectorMaxSegments = 3

// ParseSelector parses a selector expression. Empty expressions and empty
// segments are rejected so a typo cannot silently select everything.
func ParseSelector(pattern string) (AssetSelector, error) {
	if pattern == "" {
		return AssetSelector{}, errors.New("selector cannot be empty")
	}
	if pattern == "*" {
		return AssetSelector{}, nil
	}

	parts := strings.SplitN(pattern, "_", selectorMaxSegments)
	segments := make([][]string, 0, len(parts))
	for _, part := range parts {
		if part == "*" {
			segments = append(segments, nil)
			continue
		}
		alts := strings.Split(part, ",")
		for _, alt := range alts {
			if alt == "" {
				return AssetSelector{}, fmt.Errorf("selector %q has an empty segment", pattern)
			}
		}
		segments = append(segments, alts)
	}
	return AssetSelector{segments: segments}, nil
}

// Selects reports whether assetID falls under the selector.
func (sel AssetSelector) Selects(assetID string) bool {
	if assetID == "" {
		return false
	}
	parts := strings.SplitN(assetID, "_", selectorMaxSegments)
	if len(parts) < len(sel.segments) {
		return false
	}
	for i, alts := range sel.segments {
		if alts == nil {
			continue
		}
		if !containsString(alts, parts[i]) {
			return false
		}
	}
	return true
}

// Filter returns the subset of assetIDs the selector selects, in input
// order.
func (sel AssetSelector) Filter(assetIDs []string) []string {
	var selected []string
	for _, id := range assetIDs {
		if sel.Selects(id) {
			selected = append(selected, id)
		}
	}
	return selected
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
