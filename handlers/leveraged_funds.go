package handlers

import (
	"context"
	"fmt"

	"encore.app/computebridge"
	"encore.app/dataframe"
	"encore.app/internal/apperr"
	"encore.app/internal/observability"
	"encore.app/internal/wire"
)

// LeveragedFundsHandler handles request ids in [1.0, 1.009]: it joins the
// requested assets' historical series into one wide table and has the
// compute runtime render a comparison plot from it.
type LeveragedFundsHandler struct {
	Deps
}

func NewLeveragedFundsHandler(deps Deps) *LeveragedFundsHandler {
	return &LeveragedFundsHandler{Deps: deps}
}

func (h *LeveragedFundsHandler) Handle(ctx context.Context, msg wire.Message) (wire.Message, error) {
	var tables []*dataframe.Table
	for _, assetID := range msg.Params.Args {
		t, err := h.Dataframe.Get(ctx, assetID)
		if err != nil {
			observability.Warn(ctx, "skipping missing asset", map[string]interface{}{"asset_id": assetID, "error": err.Error()})
			continue
		}
		tables = append(tables, t)
	}

	joined := dataframe.InnerJoinOnDateTime(tables...)

	parquetPath := joined.ToColumnarFile(h.Config.ComputeTempDir)

	resp, err := h.Bridge.Run(ctx, computebridge.Request{
		MessageID:         newMessageID(),
		Key:               msg.Key,
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
		return fail(msg, apperr.StoreUnavailable, "uploading leveraged funds plot", err)
	}

	msg.Artifact = artifactFor(h.Config, msg.Key)
	return msg, nil
}
