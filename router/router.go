// Package router selects a handler for a Message by a closed-range match
// on its numeric request id. It never catches handler errors; failures
// surface to the dispatcher unchanged.
package router

import (
	"context"

	"encore.app/handlers"
	"encore.app/internal/apperr"
	"encore.app/internal/observability"
	"encore.app/internal/wire"
)

// idRange is one (inclusive) id range bound to a handler. Three ranges need
// nothing fancier than a linear scan over a small ordered slice.
type idRange struct {
	lo, hi  float64
	handler handlers.Handler
}

// Router selects a handler for a Message by range match on its ID.
type Router struct {
	ranges []idRange
}

// New constructs a Router with the three registered handler ranges.
func New(leveragedFunds, llmQuery, earningsPlot handlers.Handler) *Router {
	return &Router{
		ranges: []idRange{
			{lo: 1.0, hi: 1.009, handler: leveragedFunds},
			{lo: 2.0, hi: 2.009, handler: llmQuery},
			{lo: 3.0, hi: 3.009, handler: earningsPlot},
		},
	}
}

// Route dispatches msg to the handler whose range contains msg.ID, or
// fails with UnknownRequestKind if none matches.
func (r *Router) Route(ctx context.Context, msg wire.Message) (wire.Message, error) {
	for _, rg := range r.ranges {
		if msg.ID >= rg.lo && msg.ID <= rg.hi {
			return rg.handler.Handle(ctx, msg)
		}
	}

	observability.Warn(ctx, "unimplemented request id", map[string]interface{}{"id": msg.ID})
	msg.SetError("Message ID not implemented")
	return msg, apperr.New(apperr.UnknownRequestKind, "message id not implemented")
}
