package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/becomeliminal/nim-memory/memory"
)

// Tool names exposed to the model.
const (
	ToolRemember   = "remember"
	ToolRecall     = "recall"
	ToolForget     = "forget"
	ToolRate       = "rate_memory"
	ToolListRecent = "list_recent_memories"
)

const (
	defaultRecallLimit = 5
	maxRecallLimit     = 20
	recallCharBudget   = 2000
)

// BaseInput provides common fields for all tool inputs.
// Tools embed this struct to automatically include ReAct thought support.
type BaseInput struct {
	// Thought contains the agent's reasoning about why it's using this tool.
	// Required for tools that change memory.
	Thought string `json:"thought,omitempty"`
}

// Definition describes one tool to the model.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]any

	// Mutates marks tools that change stored memories. They require a
	// thought.
	Mutates bool
}

// MemoryToolDefinitions returns the definitions for all memory tools.
func MemoryToolDefinitions() []Definition {
	return []Definition{
		// Read operations (thought optional)
		{
			Name:        ToolRecall,
			Description: "Search your long and short term memory for notes relevant to a query. Use this before answering questions about the user's preferences, past decisions or earlier conversations.",
			InputSchema: BuildSchemaWithThought(map[string]any{
				"query":    StringProperty("What to look for, phrased as a short description"),
				"limit":    IntegerProperty("Maximum number of memories to return (default: 5, max: 20)"),
				"category": StringEnumProperty("Optional: only return memories of this category", "error", "code", "preference", "task", "question", "general"),
			}, false, "query"),
		},
		{
			Name:        ToolListRecent,
			Description: "List the most recently used memories from this session.",
			InputSchema: BuildSchemaWithThought(map[string]any{
				"limit": IntegerProperty("Number of memories to return (default: 5)"),
			}, false),
		},

		// Write operations (thought required)
		{
			Name:        ToolRemember,
			Description: "Store a fact worth remembering in later conversations, such as a user preference, a decision or a resolved problem. Write it as a self-contained sentence.",
			Mutates:     true,
			InputSchema: BuildSchemaWithThought(map[string]any{
				"content":  StringProperty("The fact to remember, as a self-contained sentence"),
				"tags":     ArrayProperty("Optional: short topic tags", StringProperty("A tag")),
				"category": StringEnumProperty("Optional: memory category", "error", "code", "preference", "task", "question", "general"),
			}, true, "content"),
		},
		{
			Name:        ToolForget,
			Description: "Delete a memory by id, for example when the user says it is wrong or asks you to forget it.",
			Mutates:     true,
			InputSchema: BuildSchemaWithThought(map[string]any{
				"id": StringProperty("The memory id returned by recall or remember"),
			}, true, "id"),
		},
		{
			Name:        ToolRate,
			Description: "Record whether a recalled memory helped answer the user.",
			Mutates:     true,
			InputSchema: BuildSchemaWithThought(map[string]any{
				"id":      StringProperty("The memory id returned by recall"),
				"helpful": BooleanProperty("true if the memory helped"),
			}, true, "id", "helpful"),
		},
	}
}

// ToAPITools converts definitions to Anthropic tool params.
func ToAPITools(defs []Definition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(defs))
	for i, def := range defs {
		props, _ := def.InputSchema["properties"].(map[string]any)
		required, _ := def.InputSchema["required"].([]string)
		out[i] = anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
				Required:   required,
			},
		}}
	}
	return out
}

// Result is the outcome of one tool call, ready to send back as a
// tool_result block.
type Result struct {
	Content string
	IsError bool
}

// Executor runs memory tools against a Manager on behalf of one UserKey.
type Executor struct {
	manager *memory.Manager
	defs    map[string]Definition
}

// NewExecutor creates an executor for the memory tools.
func NewExecutor(m *memory.Manager) *Executor {
	defs := make(map[string]Definition)
	for _, d := range MemoryToolDefinitions() {
		defs[d.Name] = d
	}
	return &Executor{manager: m, defs: defs}
}

// Definition looks up a tool by name.
func (e *Executor) Definition(name string) (Definition, bool) {
	d, ok := e.defs[name]
	return d, ok
}

type rememberInput struct {
	BaseInput
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty"`
	Category string   `json:"category,omitempty"`
}

type recallInput struct {
	BaseInput
	Query    string `json:"query"`
	Limit    int    `json:"limit,omitempty"`
	Category string `json:"category,omitempty"`
}

type idInput struct {
	BaseInput
	ID string `json:"id"`
}

type rateInput struct {
	BaseInput
	ID      string `json:"id"`
	Helpful bool   `json:"helpful"`
}

type listInput struct {
	BaseInput
	Limit int `json:"limit,omitempty"`
}

// Execute runs the named tool. Problems the model can fix (unknown tool,
// bad input, missing thought) come back as an error Result; the returned
// error is reserved for infrastructure failures.
func (e *Executor) Execute(ctx context.Context, key memory.UserKey, name string, input json.RawMessage) (Result, error) {
	def, ok := e.defs[name]
	if !ok {
		return errorResult("unknown tool: %s", name), nil
	}

	var base BaseInput
	if err := json.Unmarshal(input, &base); err != nil {
		return errorResult("invalid tool input JSON: %s", err), nil
	}
	if def.Mutates && strings.TrimSpace(base.Thought) == "" {
		return errorResult(`Missing or empty "thought" field. Tools that change memory require explicit reasoning.`), nil
	}

	var (
		res Result
		err error
	)
	switch name {
	case ToolRemember:
		res, err = e.remember(ctx, key, input)
	case ToolRecall:
		res, err = e.recall(ctx, key, input)
	case ToolForget:
		res, err = e.forget(ctx, key, input)
	case ToolRate:
		res, err = e.rate(ctx, input)
	case ToolListRecent:
		res, err = e.listRecent(key, input)
	}
	if err == nil {
		return res, nil
	}
	// Caller mistakes go back to the model; everything else is ours.
	if errors.Is(err, memory.ErrInvalidInput) || errors.Is(err, memory.ErrNotFound) || errors.Is(err, memory.ErrConfig) {
		return errorResult("%s", err), nil
	}
	return Result{}, fmt.Errorf("%s: %w", name, err)
}

func (e *Executor) remember(ctx context.Context, key memory.UserKey, raw json.RawMessage) (Result, error) {
	var in rememberInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return errorResult("invalid input: %s", err), nil
	}
	md := memory.Metadata{"source": memory.String("agent")}
	if len(in.Tags) > 0 {
		md[memory.KeyTags] = memory.Strings(in.Tags...)
	}
	if in.Category != "" {
		md[memory.KeyCategory] = memory.String(in.Category)
	}
	if in.Thought != "" {
		md["thought"] = memory.String(in.Thought)
	}

	id, err := e.manager.AddNote(ctx, in.Content, md, key)
	if err != nil && id == "" {
		return Result{}, err
	}
	if id == "" {
		return textResult("memory is disabled; nothing was stored"), nil
	}
	// A sync-mode enrichment failure still leaves the note in STM.
	return jsonResult(map[string]any{"id": id, "stored": true})
}

func (e *Executor) recall(ctx context.Context, key memory.UserKey, raw json.RawMessage) (Result, error) {
	var in recallInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return errorResult("invalid input: %s", err), nil
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	limit = min(limit, maxRecallLimit)

	var opts memory.SearchOptions
	if in.Category != "" {
		opts.Filters = []memory.Filter{memory.Equals(memory.KeyCategory, memory.String(in.Category))}
	}
	results, err := e.manager.Search(ctx, in.Query, limit, key, opts)
	if err != nil {
		return Result{}, err
	}
	if len(results) == 0 {
		return textResult("No relevant memories found."), nil
	}

	type hit struct {
		ID      string  `json:"id"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
		Origin  string  `json:"origin"`
	}
	hits := make([]hit, len(results))
	per := max(recallCharBudget/len(results), 100)
	for i, r := range results {
		hits[i] = hit{ID: r.ID, Content: memory.Truncate(r.Content, per), Score: r.Score, Origin: r.Origin.String()}
	}
	return jsonResult(map[string]any{"memories": hits})
}

func (e *Executor) forget(ctx context.Context, key memory.UserKey, raw json.RawMessage) (Result, error) {
	var in idInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return errorResult("invalid input: %s", err), nil
	}
	if in.ID == "" {
		return errorResult("id is required"), nil
	}
	deleted, err := e.manager.Delete(ctx, in.ID, key)
	if err != nil {
		return Result{}, err
	}
	return jsonResult(map[string]any{"id": in.ID, "deleted": deleted})
}

func (e *Executor) rate(ctx context.Context, raw json.RawMessage) (Result, error) {
	var in rateInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return errorResult("invalid input: %s", err), nil
	}
	if err := e.manager.Feedback(ctx, in.ID, in.Helpful); err != nil {
		return Result{}, err
	}
	return jsonResult(map[string]any{"id": in.ID, "recorded": true})
}

func (e *Executor) listRecent(key memory.UserKey, raw json.RawMessage) (Result, error) {
	var in listInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return errorResult("invalid input: %s", err), nil
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	notes := e.manager.ListRecent(key, min(limit, maxRecallLimit))

	type item struct {
		ID       string `json:"id"`
		Content  string `json:"content"`
		Category string `json:"category,omitempty"`
	}
	items := make([]item, len(notes))
	for i, n := range notes {
		cat, _ := n.Category()
		items[i] = item{ID: n.ID, Content: n.Content, Category: cat}
	}
	return jsonResult(map[string]any{"memories": items})
}

func textResult(s string) Result { return Result{Content: s} }

func errorResult(format string, args ...any) Result {
	return Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

func jsonResult(v any) (Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("marshal tool result: %w", err)
	}
	return Result{Content: string(b)}, nil
}
