package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/ontoledger/internal/emission"
	"github.com/fyrsmithlabs/ontoledger/internal/tools"
)

// scriptedModel replays canned responses and records what it was sent.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*llms.ContentResponse
	errs      []error
	calls     [][]llms.MessageContent
	opts      []llms.CallOptions
}

func (m *scriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var o llms.CallOptions
	for _, opt := range options {
		opt(&o)
	}
	m.calls = append(m.calls, append([]llms.MessageContent(nil), messages...))
	m.opts = append(m.opts, o)

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(m.responses) == 0 {
		return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "done"}}}, nil
	}
	r := m.responses[0]
	m.responses = m.responses[1:]
	return r, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func text(s string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: s}}}
}

func toolCalls(calls ...[2]string) *llms.ContentResponse {
	choice := &llms.ContentChoice{}
	for i, c := range calls {
		choice.ToolCalls = append(choice.ToolCalls, llms.ToolCall{
			ID:           "call_" + string(rune('a'+i)),
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: c[0], Arguments: c[1]},
		})
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{choice}}
}

func newTestClient(m llms.Model) *Client {
	c := NewClient(m, Config{Temperature: 0.2, MaxTokens: 512, Retry: RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 2}}, nil)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestClient_Generate(t *testing.T) {
	m := &scriptedModel{responses: []*llms.ContentResponse{text("  - a fact\n")}}
	c := newTestClient(m)

	out, err := c.Generate(context.Background(), "extract")
	require.NoError(t, err)
	assert.Equal(t, "- a fact", out)

	require.Len(t, m.calls, 1)
	assert.Equal(t, llms.ChatMessageTypeHuman, m.calls[0][0].Role)
	assert.Equal(t, 0.2, m.opts[0].Temperature)
	assert.Equal(t, 512, m.opts[0].MaxTokens)
}

func TestClient_Retry(t *testing.T) {
	m := &scriptedModel{
		errs:      []error{errors.New("502 bad gateway"), nil},
		responses: []*llms.ContentResponse{text("ok")},
	}
	out, err := newTestClient(m).Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Len(t, m.calls, 2)
}

func TestClient_RetryExhausted(t *testing.T) {
	boom := errors.New("boom")
	m := &scriptedModel{errs: []error{boom, boom, boom}}
	_, err := newTestClient(m).Generate(context.Background(), "p")
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Len(t, m.calls, 3)
}

func TestClient_NoRetryOnDeadline(t *testing.T) {
	m := &scriptedModel{errs: []error{context.DeadlineExceeded}}
	_, err := newTestClient(m).Generate(context.Background(), "p")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, m.calls, 1)
}

func TestClient_EmptyResponse(t *testing.T) {
	m := &scriptedModel{responses: []*llms.ContentResponse{{}, {}, {}}}
	_, err := newTestClient(m).Generate(context.Background(), "p")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestClient_RateLimit(t *testing.T) {
	m := &scriptedModel{}
	c := NewClient(m, Config{RequestsPerMinute: 60, Burst: 1}, nil)

	_, err := c.Generate(context.Background(), "first")
	require.NoError(t, err)

	// The next token is a second away, past the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Generate(ctx, "second")
	assert.ErrorContains(t, err, "rate limiter")
	assert.Len(t, m.calls, 1, "the model is not called without a token")
}

func TestClient_Unlimited(t *testing.T) {
	m := &scriptedModel{}
	c := NewClient(m, Config{}, nil)
	for range 20 {
		_, err := c.Generate(context.Background(), "prompt")
		require.NoError(t, err)
	}
	assert.Len(t, m.calls, 20)
}

func TestBackoff(t *testing.T) {
	c := NewClient(&scriptedModel{}, Config{Retry: RetryConfig{MaxAttempts: 5, BackoffBase: time.Second, BackoffMultiplier: 2, MaxBackoff: 3 * time.Second}}, nil)
	d := c.backoff(1)
	assert.InDelta(t, float64(time.Second), float64(d), float64(250*time.Millisecond))
	d = c.backoff(4)
	assert.InDelta(t, float64(3*time.Second), float64(d), float64(750*time.Millisecond))
}

func TestAgent_EmitsTriples(t *testing.T) {
	collector := emission.NewCollector(emission.WithStatementIDs("1", "2"))
	set := tools.NewSet(nil, collector)
	m := &scriptedModel{responses: []*llms.ContentResponse{
		toolCalls(
			[2]string{tools.EmitTriple, `{"statement_id":"1","subject":"<#einstein>","predicate":"schema:birthDate","object":"\"1879\""}`},
			[2]string{tools.EmitTriple, `{"statement_id":"2","subject":"","predicate":"schema:deathDate","object":"\"1955\""}`},
		),
		toolCalls([2]string{tools.EmitTriple, `{"statement_id":"2","subject":"<#einstein>","predicate":"schema:deathDate","object":"\"1955\""}`}),
		text("All statements converted."),
	}}

	agent := NewAgent(newTestClient(m), set, 10, nil)
	res, err := agent.Run(context.Background(), "system", "[1] born\n[2] died")
	require.NoError(t, err)

	assert.Equal(t, 3, res.Iterations)
	assert.False(t, res.HitLimit)
	assert.Equal(t, "All statements converted.", res.Summary)
	require.Len(t, res.ToolCalls, 3)
	assert.True(t, strings.HasPrefix(res.ToolCalls[1].Result, tools.ErrorPrefix))
	assert.Equal(t, 2, collector.Len())

	// The third request carries the full transcript: system, user, then an
	// assistant turn and two tool results, then another assistant turn and
	// one tool result.
	require.Len(t, m.calls, 3)
	last := m.calls[2]
	require.Len(t, last, 7)
	assert.Equal(t, llms.ChatMessageTypeSystem, last[0].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, last[2].Role)
	assert.Equal(t, llms.ChatMessageTypeTool, last[3].Role)
	resp, ok := last[4].Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Equal(t, "call_b", resp.ToolCallID)
	assert.Contains(t, resp.Content, "missing subject")

	require.Len(t, m.opts[0].Tools, 4)
	assert.Equal(t, tools.FindRDFClass, m.opts[0].Tools[0].Function.Name)
}

func TestAgent_HitsLimit(t *testing.T) {
	loop := toolCalls([2]string{tools.FindRDFClass, `{"description":"person"}`})
	m := &scriptedModel{responses: []*llms.ContentResponse{loop, loop, loop}}

	agent := NewAgent(newTestClient(m), tools.NewSet(nil, nil), 3, nil)
	res, err := agent.Run(context.Background(), "s", "p")
	require.NoError(t, err)
	assert.True(t, res.HitLimit)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, "Max iterations reached", res.Summary)
	assert.Len(t, res.ToolCalls, 3)
}

func TestAgent_ModelError(t *testing.T) {
	m := &scriptedModel{errs: []error{context.Canceled}}
	agent := NewAgent(newTestClient(m), tools.NewSet(nil, nil), 0, nil)
	assert.Equal(t, DefaultMaxIterations, agent.MaxIterations())

	_, err := agent.Run(context.Background(), "s", "p")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestToolDefinitions(t *testing.T) {
	defs := ToolDefinitions(tools.NewSet(nil, nil).Definitions())
	require.Len(t, defs, 4)
	for _, d := range defs {
		assert.Equal(t, "function", d.Type)
		assert.NotNil(t, d.Function.Parameters)
	}
}
