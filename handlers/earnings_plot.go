package handlers

import (
	"context"
	"fmt"
	"time"

	"encore.app/computebridge"
	"encore.app/dataframe"
	"encore.app/internal/apperr"
	"encore.app/internal/observability"
	"encore.app/internal/wire"
)

// EarningsPlotHandler handles request ids in [3.0, 3.009]: it joins an
// asset's price history with its earnings calendar, derives post-earnings
// percent-change columns, and has the compute runtime render the plot.
type EarningsPlotHandler struct {
	Deps
}

func NewEarningsPlotHandler(deps Deps) *EarningsPlotHandler {
	return &EarningsPlotHandler{Deps: deps}
}

func (h *EarningsPlotHandler) Handle(ctx context.Context, msg wire.Message) (wire.Message, error) {
	if len(msg.Params.Args) < 2 {
		observability.Info(ctx, "earnings plot request missing args", map[string]interface{}{"key": msg.Key})
		return msg, nil
	}
	assetID, code := msg.Params.Args[0], msg.Params.Args[1]

	historical, err := h.Dataframe.Get(ctx, assetID)
	if err != nil {
		observability.Warn(ctx, "no historical data for earnings plot", map[string]interface{}{"asset_id": assetID, "error": err.Error()})
		return msg, nil
	}

	earnings, err := h.Dataframe.GetEarnings(ctx, code)
	if err != nil {
		observability.Warn(ctx, "no earnings data for earnings plot", map[string]interface{}{"code": code, "error": err.Error()})
		return msg, nil
	}

	// Export the raw earnings table alongside the historical blobs; failure
	// here only costs the export, not the plot.
	exportKey := fmt.Sprintf("historical/earnings/%s.json", assetID)
	if _, err := h.Dataframe.SaveToStore(ctx, earnings, exportKey); err != nil {
		observability.Warn(ctx, "earnings export failed", map[string]interface{}{"key": exportKey, "error": err.Error()})
	}

	addReportDateTime(earnings)

	joined := dataframe.OuterJoinDateTimeReportDateTime(historical, earnings)
	joined.AddPercentChangeColumns(assetID + "_AdjustedClose")

	parquetPath := joined.ToColumnarFile(h.Config.ComputeTempDir)

	resp, err := h.Bridge.Run(ctx, computebridge.Request{
		MessageID:         newMessageID(),
		Key:               msg.Key,
		SravzIDs:          assetID,
		Codes:             code,
		DfParquetFilePath: parquetPath,
		JSONKeys:          msg.Params.Kwargs.JSONKeys,
		LLMQuery:          msg.Params.Kwargs.LLMQuery,
	})
	if err != nil {
		return failCompute(msg, err)
	}
	_ = resp

	pngPath := fmt.Sprintf("%s/%s.png", h.Config.ComputeTempDir, msg.Key)
	artifactKey := fmt.Sprintf("rust-backend/%s.png", msg.Key)
	if err := h.Objects.UploadFile(ctx, h.Config.ArtifactBucket, artifactKey, pngPath); err != nil {
		return fail(msg, apperr.StoreUnavailable, "uploading earnings plot", err)
	}

	msg.Artifact = artifactFor(h.Config, msg.Key)
	return msg, nil
}

// addReportDateTime parses each row's report_date field into a new
// ReportDateTime column, accepting either an epoch-microseconds number or
// an ISO-8601 string, keeping every original column alongside it.
func addReportDateTime(t *dataframe.Table) {
	reportDates := t.Column("report_date")
	values := make([]interface{}, len(reportDates))
	for i, v := range reportDates {
		values[i] = parseReportDateTime(v)
	}
	t.SetColumn("ReportDateTime", values)
}

func parseReportDateTime(v interface{}) time.Time {
	switch x := v.(type) {
	case float64:
		return time.UnixMicro(int64(x)).UTC()
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return ts
		}
		if ts, err := time.Parse("2006-01-02", x); err == nil {
			return ts
		}
	}
	return time.Time{}
}
