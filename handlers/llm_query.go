package handlers

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"encore.app/computebridge"
	"encore.app/internal/wire"
)

// LlmQueryHandler handles request ids in [2.0, 2.009]: free-form LLM
// queries, optionally grounded on the named assets' data by the compute
// runtime.
type LlmQueryHandler struct {
	Deps
	anthropicClient *anthropic.Client
}

// NewLlmQueryHandler constructs the handler. apiKey may be empty, in which
// case every query goes through ComputeBridge only (the fast path below is
// purely an addition, not a replacement for the compute-runtime contract).
func NewLlmQueryHandler(deps Deps, apiKey string) *LlmQueryHandler {
	h := &LlmQueryHandler{Deps: deps}
	if apiKey != "" {
		client := anthropic.NewClient(option.WithAPIKey(apiKey))
		h.anthropicClient = &client
	}
	return h
}

// Handle runs the compute bridge for llm-query requests. When no dataframe
// context is needed (args empty), a query is set and a direct Anthropic client
// is configured, the handler answers via that client instead, skipping the
// serialized runtime queue; if that direct answer fails, it falls back to the
// compute bridge.
func (h *LlmQueryHandler) Handle(ctx context.Context, msg wire.Message) (wire.Message, error) {
	if len(msg.Params.Args) == 0 && h.anthropicClient != nil && msg.Params.Kwargs.LLMQuery != "" {
		answer, err := h.answerDirect(ctx, msg.Params.Kwargs.LLMQuery)
		if err == nil {
			msg.Artifact.Data = answer
			return msg, nil
		}
		// Fall through to the compute bridge on direct-answer failure.
	}

	resp, err := h.Bridge.Run(ctx, computebridge.Request{
		MessageID: newMessageID(),
		Key:       msg.Key,
		SravzIDs:  joinArgs(msg.Params.Args, ","),
		JSONKeys:  msg.Params.Kwargs.JSONKeys,
		LLMQuery:  msg.Params.Kwargs.LLMQuery,
	})
	if err != nil {
		return failCompute(msg, err)
	}
	if resp.Output != "" {
		msg.Artifact.Data = resp.Output
	}
	return msg, nil
}

func (h *LlmQueryHandler) answerDirect(ctx context.Context, query string) (string, error) {
	resp, err := h.anthropicClient.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.ModelClaudeHaiku4_5,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(query)),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Content) == 0 {
		return "", nil
	}
	return resp.Content[0].Text, nil
}
