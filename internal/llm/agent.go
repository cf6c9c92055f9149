package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ontoledger/internal/tools"
)

// DefaultMaxIterations bounds the tool-calling loop.
const DefaultMaxIterations = 150

// ToolRunner executes the tools offered to the model.
type ToolRunner interface {
	Definitions() []tools.Definition
	Call(ctx context.Context, name, rawArgs string) string
}

// ToolCall is one entry in an agent run's call log.
type ToolCall struct {
	Iteration int    `json:"iteration"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result"`
}

// Result summarizes an agent run.
type Result struct {
	Summary    string
	Iterations int
	HitLimit   bool
	ToolCalls  []ToolCall
}

// Agent drives a tool-calling conversation until the model stops calling
// tools or the iteration budget runs out.
type Agent struct {
	client        *Client
	runner        ToolRunner
	maxIterations int
	logger        *zap.Logger
}

// NewAgent creates an agent. maxIterations <= 0 selects DefaultMaxIterations.
func NewAgent(client *Client, runner ToolRunner, maxIterations int, logger *zap.Logger) *Agent {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{client: client, runner: runner, maxIterations: maxIterations, logger: logger}
}

// MaxIterations returns the iteration budget.
func (a *Agent) MaxIterations() int { return a.maxIterations }

// Run sends the system and user prompts and executes every tool call the
// model makes. Tool problems are fed back as tool results and never end the
// run; only model errors do.
func (a *Agent) Run(ctx context.Context, system, prompt string) (Result, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	toolOpt := llms.WithTools(ToolDefinitions(a.runner.Definitions()))

	var res Result
	var last *llms.ContentChoice
	for iteration := 1; iteration <= a.maxIterations; iteration++ {
		res.Iterations = iteration
		choice, err := a.client.Complete(ctx, messages, toolOpt)
		if err != nil {
			return res, fmt.Errorf("agent iteration %d: %w", iteration, err)
		}
		last = choice

		if len(choice.ToolCalls) == 0 {
			res.Summary = choice.Content
			return res, nil
		}

		assistant := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if choice.Content != "" {
			assistant.Parts = append(assistant.Parts, llms.TextContent{Text: choice.Content})
		}
		for _, tc := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, tc)
		}
		messages = append(messages, assistant)

		for _, tc := range choice.ToolCalls {
			name, args := "", ""
			if tc.FunctionCall != nil {
				name, args = tc.FunctionCall.Name, tc.FunctionCall.Arguments
			}
			out := a.runner.Call(ctx, name, args)
			res.ToolCalls = append(res.ToolCalls, ToolCall{
				Iteration: iteration,
				Name:      name,
				Arguments: args,
				Result:    out,
			})
			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: tc.ID,
					Name:       name,
					Content:    out,
				}},
			})
		}
	}

	res.HitLimit = true
	res.Summary = "Max iterations reached"
	if last != nil && last.Content != "" {
		res.Summary = last.Content
	}
	a.logger.Warn("agent hit iteration limit",
		zap.Int("max_iterations", a.maxIterations),
		zap.Int("tool_calls", len(res.ToolCalls)),
	)
	return res, nil
}

// ToolDefinitions converts tool definitions to langchaingo function tools.
func ToolDefinitions(defs []tools.Definition) []llms.Tool {
	out := make([]llms.Tool, len(defs))
	for i, d := range defs {
		out[i] = llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		}
	}
	return out
}
