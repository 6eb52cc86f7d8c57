package memory

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// maxKeywords caps the keywords either processor extracts.
const maxKeywords = 8

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {},
	"by": {}, "can": {}, "did": {}, "do": {}, "does": {}, "for": {}, "from": {}, "had": {},
	"has": {}, "have": {}, "he": {}, "her": {}, "his": {}, "how": {}, "i": {}, "if": {},
	"in": {}, "into": {}, "is": {}, "it": {}, "its": {}, "me": {}, "my": {}, "no": {},
	"not": {}, "of": {}, "on": {}, "or": {}, "our": {}, "she": {}, "so": {}, "that": {},
	"the": {}, "their": {}, "them": {}, "then": {}, "there": {}, "these": {}, "they": {},
	"this": {}, "to": {}, "was": {}, "we": {}, "were": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "who": {}, "why": {}, "will": {}, "with": {}, "would": {},
	"you": {}, "your": {}, "user": {}, "assistant": {},
}

// Tokenize lowercases text and splits it on anything that is not a letter
// or digit, dropping stopwords and single characters.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// topKeywords returns up to n tokens by frequency, ties broken by first
// appearance.
func topKeywords(tokens []string, n int) []string {
	type tf struct {
		tok   string
		count int
		first int
	}
	seen := make(map[string]*tf, len(tokens))
	order := make([]*tf, 0, len(tokens))
	for i, t := range tokens {
		if e, ok := seen[t]; ok {
			e.count++
			continue
		}
		e := &tf{tok: t, count: 1, first: i}
		seen[t] = e
		order = append(order, e)
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].count > order[j].count })
	if len(order) > n {
		order = order[:n]
	}
	out := make([]string, len(order))
	for i, e := range order {
		out[i] = e.tok
	}
	return out
}

// keywordOverlap is the fraction of query tokens found in the document's
// keywords or content.
func keywordOverlap(queryTokens []string, doc MemoryNote) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	vocab := make(map[string]struct{})
	for _, k := range doc.Keywords() {
		vocab[strings.ToLower(k)] = struct{}{}
	}
	for _, t := range Tokenize(doc.Content) {
		vocab[t] = struct{}{}
	}
	hit := 0
	for _, t := range queryTokens {
		if _, ok := vocab[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(queryTokens))
}

// KeywordLightProcessor is the default LightProcessor. It copies the caller's
// metadata and adds frequency-ranked keywords when none are given.
type KeywordLightProcessor struct{}

func (KeywordLightProcessor) Process(content string, metadata Metadata) Metadata {
	md := metadata.Clone()
	if _, ok := md[KeyKeywords]; !ok {
		if kws := topKeywords(Tokenize(content), maxKeywords); len(kws) > 0 {
			md[KeyKeywords] = Strings(kws...)
		}
	}
	return md
}

// categoryRules maps a category to trigger words, checked in order.
var categoryRules = []struct {
	category string
	words    []string
}{
	{"error", []string{"error", "failed", "failure", "panic", "exception", "bug", "crash"}},
	{"code", []string{"func", "function", "compile", "build", "golang", "rust", "python", "code", "api"}},
	{"preference", []string{"prefer", "like", "favorite", "always", "never", "want"}},
	{"task", []string{"todo", "deadline", "task", "plan", "remind", "schedule"}},
	{"question", []string{"?"}},
}

// HeuristicDeepProcessor is an offline DeepProcessor. It fills keywords,
// tags, context and category from the content without any model call.
type HeuristicDeepProcessor struct{}

func (HeuristicDeepProcessor) Process(ctx context.Context, content string, base Metadata) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	md := base.Clone()
	tokens := Tokenize(content)
	kws := topKeywords(tokens, maxKeywords)

	if _, ok := md[KeyKeywords]; !ok && len(kws) > 0 {
		md[KeyKeywords] = Strings(kws...)
	}
	if _, ok := md[KeyTags]; !ok && len(kws) > 0 {
		md[KeyTags] = Strings(kws[:min(3, len(kws))]...)
	}
	if _, ok := md[KeyContext]; !ok && len(kws) > 0 {
		md[KeyContext] = String(strings.Join(kws[:min(2, len(kws))], " "))
	}
	if _, ok := md[KeyCategory]; !ok {
		md[KeyCategory] = String(categorize(content, tokens))
	}
	return md, nil
}

func categorize(content string, tokens []string) string {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	for _, rule := range categoryRules {
		for _, w := range rule.words {
			if _, ok := set[w]; ok {
				return rule.category
			}
			if len(w) == 1 && strings.Contains(content, w) {
				return rule.category
			}
		}
	}
	return "general"
}
