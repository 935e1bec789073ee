package warming

import (
	"context"

	"encore.dev/cron"
)

// Encore cron jobs for recurring warm-ups.

// DailyWarmup re-warms the most-requested assets overnight, before US
// pre-market activity picks the request volume back up.
var _ = cron.NewJob("daily-warmup", cron.JobConfig{
	Title:    "Daily Dataframe Warmup",
	Schedule: "0 2 * * *", // 2 AM daily
	Endpoint: DailyWarmup,
})

//encore:api private
func DailyWarmup(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	_, err := svc.WarmAssets(ctx, &WarmAssetsRequest{Strategy: "frequent"})
	return err
}

// HourlyRefresh keeps the currently-active assets warm through the trading
// day.
var _ = cron.NewJob("hourly-refresh", cron.JobConfig{
	Title:    "Hourly Dataframe Refresh",
	Schedule: "0 * * * *",
	Endpoint: HourlyRefresh,
})

//encore:api private
func HourlyRefresh(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	_, err := svc.WarmAssets(ctx, &WarmAssetsRequest{Strategy: "recent", Limit: 20})
	return err
}
