package router

import (
	"context"
	"testing"

	"encore.app/internal/apperr"
	"encore.app/internal/wire"
)

type namedHandler struct {
	name string
}

func (h namedHandler) Handle(ctx context.Context, msg wire.Message) (wire.Message, error) {
	msg.SourceTopic = h.name // marker for assertions
	return msg, nil
}

func newTestRouter() *Router {
	return New(namedHandler{"leveraged"}, namedHandler{"llm"}, namedHandler{"earnings"})
}

func TestRoute_RangeSelection(t *testing.T) {
	tests := []struct {
		id   float64
		want string
	}{
		{1.0, "leveraged"},
		{1.005, "leveraged"},
		{1.009, "leveraged"},
		{2.0, "llm"},
		{2.009, "llm"},
		{3.0, "earnings"},
		{3.009, "earnings"},
	}

	r := newTestRouter()
	for _, tt := range tests {
		out, err := r.Route(context.Background(), wire.Message{ID: tt.id})
		if err != nil {
			t.Errorf("id %v: unexpected error %v", tt.id, err)
			continue
		}
		if out.SourceTopic != tt.want {
			t.Errorf("id %v routed to %q, want %q", tt.id, out.SourceTopic, tt.want)
		}
	}
}

func TestRoute_UnknownID(t *testing.T) {
	r := newTestRouter()

	for _, id := range []float64{0.5, 1.01, 1.5, 4.0, -1.0} {
		out, err := r.Route(context.Background(), wire.Message{ID: id})
		if err == nil {
			t.Errorf("id %v: expected error", id)
			continue
		}
		if kind, ok := apperr.KindOf(err); !ok || kind != apperr.UnknownRequestKind {
			t.Errorf("id %v: error kind = %v, want UnknownRequestKind", id, kind)
		}
		if out.ExceptionMessage != "Message ID not implemented" {
			t.Errorf("id %v: exception message = %q", id, out.ExceptionMessage)
		}
		if out.ErrorTag != "Error" {
			t.Errorf("id %v: error tag = %q", id, out.ErrorTag)
		}
	}
}
