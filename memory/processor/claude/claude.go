// Package claude implements memory.DeepProcessor with a Claude model that
// labels each note with keywords, tags, a context phrase and a category.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/charmbracelet/log"

	"github.com/becomeliminal/nim-memory/memory"
)

const systemPrompt = `You label notes for an agent's long-term memory.
Reply with a single JSON object and nothing else:
{"keywords": [up to 8 lowercase keywords], "tags": [up to 3 short tags], "context": "a 2-5 word topic", "category": "one of: error, code, preference, task, question, fact, general"}`

// Config configures the processor.
type Config struct {
	// Model defaults to claude-haiku-4-5.
	Model string

	// MaxTokens bounds the reply (default: 256).
	MaxTokens int64

	// MaxContentBytes truncates long notes before sending (default: 4000).
	MaxContentBytes int

	// Fallback handles notes when the API call or reply parsing fails.
	// Nil returns the error, which skips the LTM write.
	Fallback memory.DeepProcessor
}

// Processor calls the Messages API once per note.
type Processor struct {
	client *anthropic.Client
	cfg    Config
	logger *log.Logger
}

// New creates a processor using client.
func New(client *anthropic.Client, cfg Config) *Processor {
	if cfg.Model == "" {
		cfg.Model = string(anthropic.ModelClaudeHaiku4_5)
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 256
	}
	if cfg.MaxContentBytes == 0 {
		cfg.MaxContentBytes = 4000
	}
	return &Processor{
		client: client,
		cfg:    cfg,
		logger: log.Default().WithPrefix("claude"),
	}
}

// labels is the reply schema.
type labels struct {
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
	Context  string   `json:"context"`
	Category string   `json:"category"`
}

// Process merges the model's labels over base. Fields the model leaves
// empty keep their base values.
func (p *Processor) Process(ctx context.Context, content string, base memory.Metadata) (memory.Metadata, error) {
	l, err := p.label(ctx, content)
	if err != nil {
		if p.cfg.Fallback != nil {
			p.logger.Warn("labelling failed, using fallback", "err", err)
			return p.cfg.Fallback.Process(ctx, content, base)
		}
		return nil, err
	}

	md := base.Clone()
	if md == nil {
		md = memory.Metadata{}
	}
	if kws := clean(l.Keywords, 8); len(kws) > 0 {
		md[memory.KeyKeywords] = memory.Strings(kws...)
	}
	if tags := clean(l.Tags, 3); len(tags) > 0 {
		md[memory.KeyTags] = memory.Strings(tags...)
	}
	if c := strings.TrimSpace(l.Context); c != "" {
		md[memory.KeyContext] = memory.String(c)
	}
	if c := strings.ToLower(strings.TrimSpace(l.Category)); c != "" {
		md[memory.KeyCategory] = memory.String(c)
	}
	return md, nil
}

func (p *Processor) label(ctx context.Context, content string) (labels, error) {
	if len(content) > p.cfg.MaxContentBytes {
		content = memory.Clip(content, p.cfg.MaxContentBytes)
	}
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: p.cfg.MaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(content)),
		},
	})
	if err != nil {
		return labels{}, fmt.Errorf("claude API error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	p.logger.Debug("labelled note", "input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)
	return parseLabels(text.String())
}

// parseLabels reads the first JSON object in reply, tolerating prose or
// code fences around it.
func parseLabels(reply string) (labels, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return labels{}, fmt.Errorf("no JSON object in reply %q", truncate(reply, 80))
	}
	var l labels
	if err := json.Unmarshal([]byte(reply[start:end+1]), &l); err != nil {
		return labels{}, fmt.Errorf("parse labels: %w", err)
	}
	return l, nil
}

func clean(in []string, limit int) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return memory.Clip(s, n) + "..."
}

var _ memory.DeepProcessor = (*Processor)(nil)
