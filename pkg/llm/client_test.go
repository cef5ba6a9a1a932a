package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeClient struct {
	resp *CompletionResponse
	err  error
}

func (f *fakeClient) Complete(_ context.Context, _ CompletionRequest) (*CompletionResponse, error) {
	return f.resp, f.err
}

func TestProviders_Get(t *testing.T) {
	a := &fakeClient{}
	p := Providers{"anthropic": a}

	assert.Equal(t, Client(a), p.Get("anthropic"))
	assert.Nil(t, p.Get("unknown"))
}

func TestTokenUsage_Add(t *testing.T) {
	u := TokenUsage{InputTokens: 100, OutputTokens: 50}
	u.Add(TokenUsage{InputTokens: 25, OutputTokens: 10})
	assert.Equal(t, int64(125), u.InputTokens)
	assert.Equal(t, int64(60), u.OutputTokens)
}

func TestTokenUsage_EstimateCost(t *testing.T) {
	u := TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}

	cost := u.EstimateCost("claude-haiku-4-5-20251001")
	assert.InDelta(t, 0.80+4.00, cost, 0.001)

	assert.Zero(t, u.EstimateCost("unknown-model"))
}
