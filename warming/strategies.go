package warming

import "sort"

// Strategy ranks predicted asset occurrences into a warm-up order.
type Strategy interface {
	Name() string
	Rank(occurrences []AssetOccurrence, limit int) []string
}

func builtinStrategies() map[string]Strategy {
	return map[string]Strategy{
		"frequent": FrequentStrategy{},
		"recent":   RecentStrategy{},
	}
}

// FrequentStrategy warms the most-requested assets first: the assets with
// the highest request counts are the ones whose cold first fetch hurts the
// most callers.
type FrequentStrategy struct{}

func (FrequentStrategy) Name() string { return "frequent" }

func (FrequentStrategy) Rank(occurrences []AssetOccurrence, limit int) []string {
	ranked := append([]AssetOccurrence(nil), occurrences...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].AssetID < ranked[j].AssetID
	})
	return take(ranked, limit)
}

// RecentStrategy warms the most-recently-requested assets first: good after
// a restart, when the assets in active use are the likeliest to come back.
type RecentStrategy struct{}

func (RecentStrategy) Name() string { return "recent" }

func (RecentStrategy) Rank(occurrences []AssetOccurrence, limit int) []string {
	ranked := append([]AssetOccurrence(nil), occurrences...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if !ranked[i].LastSeen.Equal(ranked[j].LastSeen) {
			return ranked[i].LastSeen.After(ranked[j].LastSeen)
		}
		return ranked[i].AssetID < ranked[j].AssetID
	})
	return take(ranked, limit)
}

func take(ranked []AssetOccurrence, limit int) []string {
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]string, len(ranked))
	for i, occ := range ranked {
		out[i] = occ.AssetID
	}
	return out
}
