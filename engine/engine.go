// Package engine runs a Claude conversation loop backed by the memory
// system: relevant memories are recalled into the system prompt, the model
// can call the memory tools, and each finished exchange is recorded.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/charmbracelet/log"

	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/tools"
)

// DefaultSystemPrompt is used when WithSystemPrompt is not given.
const DefaultSystemPrompt = `You are a helpful assistant with long-term memory.

MEMORY:
- Relevant memories from earlier conversations are listed below when available.
- Use recall to look for anything else you may already know about the user.
- Use remember for durable facts: preferences, decisions, resolved problems.
- Use forget when the user says a memory is wrong.
- Never store secrets such as passwords or keys.`

// ErrMaxTurns is returned when the model keeps calling tools past the
// turn limit.
var ErrMaxTurns = errors.New("exceeded maximum turns")

// Engine is the agent runner that executes memory tools and manages Claude
// API interactions.
type Engine struct {
	client   *anthropic.Client
	memory   *memory.Manager
	executor *tools.Executor
	apiTools []anthropic.ToolUnionParam
	logger   *log.Logger

	model        anthropic.Model
	maxTokens    int64
	maxTurns     int
	systemPrompt string
	recallLimit  int
	recallBudget int
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: log.Default().
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithModel sets the Claude model.
func WithModel(model anthropic.Model) Option {
	return func(e *Engine) { e.model = model }
}

// WithMaxTokens sets the maximum response tokens per turn.
func WithMaxTokens(n int64) Option {
	return func(e *Engine) { e.maxTokens = n }
}

// WithMaxTurns caps model calls per Run.
func WithMaxTurns(n int) Option {
	return func(e *Engine) { e.maxTurns = n }
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(e *Engine) { e.systemPrompt = prompt }
}

// WithRecall sets how many memories are injected into the system prompt
// and the character budget they share. A limit of 0 disables recall.
func WithRecall(limit, budget int) Option {
	return func(e *Engine) {
		e.recallLimit = limit
		e.recallBudget = budget
	}
}

// NewEngine creates an engine over client and m.
func NewEngine(client *anthropic.Client, m *memory.Manager, opts ...Option) *Engine {
	e := &Engine{
		client:       client,
		memory:       m,
		executor:     tools.NewExecutor(m),
		apiTools:     tools.ToAPITools(tools.MemoryToolDefinitions()),
		logger:       log.Default(),
		model:        anthropic.ModelClaudeSonnet4_5,
		maxTokens:    4096,
		maxTurns:     10,
		systemPrompt: DefaultSystemPrompt,
		recallLimit:  5,
		recallBudget: 2000,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithPrefix("engine")
	return e
}

// Input represents the input to an agent run.
type Input struct {
	// Key selects whose memories are recalled and written.
	Key memory.UserKey

	// UserMessage is the user's message to process.
	UserMessage string

	// History contains previous messages in the conversation.
	History []anthropic.MessageParam
}

// Output represents the output from an agent run.
type Output struct {
	// Text is the agent's text response.
	Text string

	// Recalled counts memories injected into the system prompt.
	Recalled int

	// ToolsUsed records all tools invoked during this run.
	ToolsUsed []ToolExecution

	// TokensUsed tracks Claude API token consumption for this run.
	TokensUsed TokenUsage

	// MemoryID is the note recorded for this exchange, empty when the
	// exchange was skipped.
	MemoryID string

	// History is Input.History extended with this run's messages.
	History []anthropic.MessageParam
}

// ToolExecution records one tool call.
type ToolExecution struct {
	Tool       string
	Input      json.RawMessage
	Result     string
	IsError    bool
	DurationMs int64
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Run executes the agent loop until the model answers without tool calls.
func (e *Engine) Run(ctx context.Context, input Input) (*Output, error) {
	if strings.TrimSpace(input.UserMessage) == "" {
		return nil, fmt.Errorf("%w: empty user message", memory.ErrInvalidInput)
	}
	out := &Output{}

	// === PHASE 0: RETRIEVE MEMORIES ===
	systemPrompt := e.systemPrompt
	if e.recallLimit > 0 {
		results, err := e.memory.Search(ctx, input.UserMessage, e.recallLimit, input.Key, memory.SearchOptions{})
		if err != nil {
			// Non-fatal, continue without memories
			e.logger.Warn("memory recall failed", "key", input.Key, "err", err)
		} else if len(results) > 0 {
			// === PHASE 1: ENRICH SYSTEM PROMPT ===
			systemPrompt += "\n\n" + memory.FormatResults(results, e.recallBudget)
			out.Recalled = len(results)
			e.logger.Debug("recalled memories", "key", input.Key, "count", len(results))
		}
	}

	messages := append([]anthropic.MessageParam(nil), input.History...)
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(input.UserMessage)))

	for turn := 1; ; turn++ {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("timed out: %w", err)
		}
		if turn > e.maxTurns {
			return out, fmt.Errorf("%w (%d)", ErrMaxTurns, e.maxTurns)
		}

		resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     e.model,
			MaxTokens: e.maxTokens,
			Messages:  messages,
			System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
			Tools:     e.apiTools,
		})
		if err != nil {
			return out, fmt.Errorf("claude API error: %w", err)
		}
		out.TokensUsed.InputTokens += int(resp.Usage.InputTokens)
		out.TokensUsed.OutputTokens += int(resp.Usage.OutputTokens)

		var (
			text        strings.Builder
			toolResults []anthropic.ContentBlockParamUnion
		)
		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				text.WriteString(block.Text)
			case "tool_use":
				// PHASE 2: ACT - Execute the tool; the executor enforces thoughts
				exec, err := e.runTool(ctx, input.Key, block.Name, block.Input)
				if err != nil {
					return out, err
				}
				out.ToolsUsed = append(out.ToolsUsed, exec)

				// PHASE 3: OBSERVE - Return the result to the model
				toolResults = append(toolResults, anthropic.NewToolResultBlock(block.ID, exec.Result, exec.IsError))
			}
		}
		messages = append(messages, resp.ToParam())

		// If no tool calls, we're done
		if len(toolResults) == 0 {
			out.Text = text.String()
			out.History = messages

			// === PHASE 4: RECORD CONVERSATION ===
			out.MemoryID = e.record(ctx, input.Key, input.UserMessage, out.Text)
			return out, nil
		}
		messages = append(messages, anthropic.NewUserMessage(toolResults...))
	}
}

func (e *Engine) runTool(ctx context.Context, key memory.UserKey, name string, input json.RawMessage) (ToolExecution, error) {
	start := time.Now()
	res, err := e.executor.Execute(ctx, key, name, input)
	exec := ToolExecution{
		Tool:       name,
		Input:      input,
		Result:     res.Content,
		IsError:    res.IsError,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		if ctx.Err() != nil {
			return exec, fmt.Errorf("tool %s: %w", name, err)
		}
		// The model sees a generic failure; the details stay in our logs.
		e.logger.Error("tool failed", "tool", name, "key", key, "err", err)
		exec.Result = "memory is temporarily unavailable"
		exec.IsError = true
	}
	e.logger.Info("tool call", "tool", name, "error", exec.IsError, "duration_ms", exec.DurationMs)
	return exec, nil
}

// record stores the finished exchange and returns its memory id. Failures
// are logged; an empty reply is not recorded.
func (e *Engine) record(ctx context.Context, key memory.UserKey, user, assistant string) string {
	if assistant == "" {
		return ""
	}
	id, err := e.memory.RecordInteraction(ctx, key, user, assistant)
	if err != nil {
		e.logger.Warn("failed to record conversation", "key", key, "err", err)
	}
	return id
}
