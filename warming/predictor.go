package warming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"

	"encore.app/internal/wire"
)

// Database holding the result cache the predictor mines.
var db = sqldb.Named("sravz")

// AssetOccurrence records one asset's appearances in recent requests.
type AssetOccurrence struct {
	AssetID  string
	Count    int
	LastSeen time.Time
}

// Predictor surfaces the assets recent requests referenced, as raw
// occurrence data for a Strategy to rank.
type Predictor interface {
	RecentAssets(ctx context.Context, lookback time.Duration) ([]AssetOccurrence, error)
}

// ResultCachePredictor mines nsq_message_cache: every cached plot request's
// positional args are asset identifiers, so the result cache doubles as a
// request-frequency log with no extra tracking.
type ResultCachePredictor struct {
	db *sqldb.Database
}

// NewResultCachePredictor creates a predictor over the given database.
func NewResultCachePredictor(db *sqldb.Database) *ResultCachePredictor {
	return &ResultCachePredictor{db: db}
}

// RecentAssets returns occurrence counts for every asset referenced by a
// cached request newer than lookback.
func (p *ResultCachePredictor) RecentAssets(ctx context.Context, lookback time.Duration) ([]AssetOccurrence, error) {
	cutoff := time.Now().Add(-lookback)
	rows, err := p.db.Query(ctx,
		`SELECT message_json, date FROM nsq_message_cache WHERE date > $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to scan result cache: %w", err)
	}
	defer rows.Close()

	occurrences := make(map[string]*AssetOccurrence)
	for rows.Next() {
		var body []byte
		var date time.Time
		if err := rows.Scan(&body, &date); err != nil {
			return nil, err
		}
		var msg wire.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			continue
		}
		// LLM-query requests carry free-form args, not asset ids.
		if msg.ID >= 2.0 && msg.ID <= 2.009 {
			continue
		}
		args := msg.Params.Args
		// Earnings-plot requests carry [assetId, code]; only the first is an asset id.
		if msg.ID >= 3.0 && msg.ID <= 3.009 && len(args) > 1 {
			args = args[:1]
		}
		for _, assetID := range args {
			occ, ok := occurrences[assetID]
			if !ok {
				occ = &AssetOccurrence{AssetID: assetID}
				occurrences[assetID] = occ
			}
			occ.Count++
			if date.After(occ.LastSeen) {
				occ.LastSeen = date
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]AssetOccurrence, 0, len(occurrences))
	for _, occ := range occurrences {
		out = append(out, *occ)
	}
	return out, nil
}
