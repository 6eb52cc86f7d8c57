package tools_test

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/embedder/mock"
	"github.com/becomeliminal/nim-memory/memory/store/flat"
	"github.com/becomeliminal/nim-memory/tools"
)

func newExecutor(t *testing.T) (*tools.Executor, *memory.Manager) {
	t.Helper()
	cfg := memory.DefaultConfig()
	cfg.EnrichmentMode = memory.EnrichSync
	m, err := memory.NewManager(cfg, mock.NewWithDimensions(16), flat.NewProvider(),
		memory.NewInMemoryDocumentStore(), memory.WithLogger(log.New(io.Discard)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return tools.NewExecutor(m), m
}

func run(t *testing.T, e *tools.Executor, key memory.UserKey, name, input string) tools.Result {
	t.Helper()
	res, err := e.Execute(context.Background(), key, name, json.RawMessage(input))
	require.NoError(t, err)
	return res
}

func TestDefinitions(t *testing.T) {
	defs := tools.MemoryToolDefinitions()
	api := tools.ToAPITools(defs)
	require.Len(t, api, len(defs))

	for i, def := range defs {
		tool := api[i].OfTool
		require.NotNil(t, tool)
		assert.Equal(t, def.Name, tool.Name)
		props, ok := tool.InputSchema.Properties.(map[string]any)
		require.True(t, ok)
		assert.Contains(t, props, "thought", def.Name)
		if def.Mutates {
			assert.Contains(t, tool.InputSchema.Required, "thought", def.Name)
		} else {
			assert.NotContains(t, tool.InputSchema.Required, "thought", def.Name)
		}
	}
}

func TestWithThoughtDoesNotMutate(t *testing.T) {
	schema := tools.ObjectSchema(map[string]any{"q": tools.StringProperty("query")}, "q")
	out := tools.WithThought(schema, true)

	assert.Equal(t, []string{"q", "thought"}, out["required"])
	assert.Equal(t, []string{"q"}, schema["required"])
	assert.NotContains(t, schema["properties"], "thought")
}

func TestRememberAndRecall(t *testing.T) {
	e, m := newExecutor(t)
	key := memory.Key("u", "")

	res := run(t, e, key, tools.ToolRemember,
		`{"content":"The user prefers tabs over spaces","tags":["editor"],"category":"preference","thought":"stated twice"}`)
	require.False(t, res.IsError, res.Content)

	var stored struct {
		ID     string `json:"id"`
		Stored bool   `json:"stored"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Content), &stored))
	assert.True(t, stored.Stored)

	note, err := m.Get(context.Background(), stored.ID, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"editor"}, note.Tags())
	cat, _ := note.Category()
	assert.Equal(t, "preference", cat)

	res = run(t, e, key, tools.ToolRecall, `{"query":"The user prefers tabs over spaces","category":"preference"}`)
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, stored.ID)
	assert.Contains(t, res.Content, "tabs over spaces")

	res = run(t, e, key, tools.ToolRecall, `{"query":"tabs","category":"error"}`)
	assert.Equal(t, "No relevant memories found.", res.Content)

	res = run(t, e, memory.Key("someone-else", ""), tools.ToolRecall, `{"query":"tabs"}`)
	assert.Equal(t, "No relevant memories found.", res.Content)
}

func TestMutatingToolsRequireThought(t *testing.T) {
	e, m := newExecutor(t)
	key := memory.Key("u", "")

	res := run(t, e, key, tools.ToolRemember, `{"content":"no reason given"}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "thought")
	assert.Empty(t, m.ListRecent(key, 10))

	res = run(t, e, key, tools.ToolRecall, `{"query":"reads need no thought"}`)
	assert.False(t, res.IsError)
}

func TestForget(t *testing.T) {
	e, m := newExecutor(t)
	key := memory.Key("u", "")
	id, err := m.AddNote(context.Background(), "outdated fact", nil, key)
	require.NoError(t, err)

	res := run(t, e, key, tools.ToolForget, `{"id":"`+id+`","thought":"user corrected it"}`)
	require.False(t, res.IsError, res.Content)
	assert.JSONEq(t, `{"id":"`+id+`","deleted":true}`, res.Content)

	res = run(t, e, key, tools.ToolForget, `{"id":"","thought":"oops"}`)
	assert.True(t, res.IsError)
}

func TestRateWithoutFeedbackStore(t *testing.T) {
	e, _ := newExecutor(t)
	res := run(t, e, memory.UserKey{}, tools.ToolRate, `{"id":"m1","helpful":true,"thought":"it answered the question"}`)
	assert.True(t, res.IsError, "config problems are reported to the model")
}

func TestListRecent(t *testing.T) {
	e, m := newExecutor(t)
	key := memory.Key("u", "")
	for _, content := range []string{"first", "second", "third"} {
		_, err := m.AddNote(context.Background(), content, nil, key)
		require.NoError(t, err)
	}

	res := run(t, e, key, tools.ToolListRecent, `{"limit":2}`)
	require.False(t, res.IsError)
	var out struct {
		Memories []struct {
			Content string `json:"content"`
		} `json:"memories"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
	require.Len(t, out.Memories, 2)
	assert.Equal(t, "third", out.Memories[0].Content)
	assert.Equal(t, "second", out.Memories[1].Content)
}

func TestBadCalls(t *testing.T) {
	e, _ := newExecutor(t)

	res := run(t, e, memory.UserKey{}, "send_money", `{}`)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "unknown tool")

	res = run(t, e, memory.UserKey{}, tools.ToolRecall, `{not json`)
	assert.True(t, res.IsError)

	res = run(t, e, memory.UserKey{}, tools.ToolRecall, `{"query":"  "}`)
	assert.True(t, res.IsError, "an empty query is the model's mistake")
}

func TestInfrastructureErrorsAreReturned(t *testing.T) {
	e, m := newExecutor(t)
	require.NoError(t, m.Close(context.Background()))

	_, err := e.Execute(context.Background(), memory.UserKey{}, tools.ToolRecall, json.RawMessage(`{"query":"anything"}`))
	assert.ErrorIs(t, err, memory.ErrClosed)
}

func TestRecallTruncatesOnRuneBoundary(t *testing.T) {
	e, m := newExecutor(t)
	key := memory.Key("u", "")
	long := strings.Repeat("é", 1500)
	_, err := m.AddNote(context.Background(), long, nil, key)
	require.NoError(t, err)

	res := run(t, e, key, tools.ToolRecall, `{"query":"é"}`)
	require.False(t, res.IsError, res.Content)
	require.True(t, utf8.ValidString(res.Content))

	var out struct {
		Memories []struct {
			Content string `json:"content"`
		} `json:"memories"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
	require.NotEmpty(t, out.Memories)
	got := out.Memories[0].Content
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.NotContains(t, got, string(utf8.RuneError))
	assert.LessOrEqual(t, len(got), 2000)
}
