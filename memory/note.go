package memory

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultContext is reported by MemoryNote.Context when no context label is set.
const DefaultContext = "General"

// Well-known metadata keys written by the light and deep processors.
const (
	KeyKeywords = "keywords"
	KeyContext  = "context"
	KeyTags     = "tags"
	KeyCategory = "category"
	KeyLinks    = "links"
	KeyUserID   = "user_id"
	KeySession  = "session_id"
)

// MemoryNote is the unit stored in both tiers.
type MemoryNote struct {
	ID        string
	Content   string
	Metadata  Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewMemoryNote creates a note stamped with the given time.
func NewMemoryNote(id, content string, metadata Metadata, now time.Time) MemoryNote {
	if metadata == nil {
		metadata = Metadata{}
	}
	return MemoryNote{
		ID:        id,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy whose metadata can be mutated independently.
func (n MemoryNote) Clone() MemoryNote {
	n.Metadata = n.Metadata.Clone()
	return n
}

func (n MemoryNote) Keywords() []string { return n.Metadata[KeyKeywords].StringSlice() }
func (n MemoryNote) Tags() []string     { return n.Metadata[KeyTags].StringSlice() }

// Context returns the context label, or DefaultContext.
func (n MemoryNote) Context() string {
	if s, ok := n.Metadata[KeyContext].AsString(); ok && s != "" {
		return s
	}
	return DefaultContext
}

func (n MemoryNote) Category() (string, bool) {
	s, ok := n.Metadata[KeyCategory].AsString()
	return s, ok && s != ""
}

// Link is a typed, weighted edge to another note id.
type Link struct {
	ID       string
	Type     string
	Strength float64
}

// Value encodes the link for storage in metadata.
func (l Link) Value() Value {
	return Object(map[string]Value{
		"id":       String(l.ID),
		"type":     String(l.Type),
		"strength": Number(l.Strength),
	})
}

// Links decodes the links array. Malformed entries are skipped.
func (n MemoryNote) Links() []Link {
	arr, ok := n.Metadata[KeyLinks].AsArray()
	if !ok {
		return nil
	}
	links := make([]Link, 0, len(arr))
	for _, e := range arr {
		obj, ok := e.AsObject()
		if !ok {
			continue
		}
		id, ok := obj["id"].AsString()
		if !ok || id == "" {
			continue
		}
		typ, _ := obj["type"].AsString()
		strength, _ := obj["strength"].AsNumber()
		links = append(links, Link{ID: id, Type: typ, Strength: strength})
	}
	return links
}

// UserKey partitions every STM and LTM store. The zero key is the global bucket.
type UserKey struct {
	UserID    string
	SessionID string
}

// Key builds a UserKey from optional ids.
func Key(userID, sessionID string) UserKey {
	return UserKey{UserID: userID, SessionID: sessionID}
}

// IsGlobal reports whether both fields are empty.
func (k UserKey) IsGlobal() bool { return k.UserID == "" && k.SessionID == "" }

// String returns a stable bucket name: "global", "user_<u>", "session_<s>" or
// "user_<u>_session_<s>".
func (k UserKey) String() string {
	switch {
	case k.IsGlobal():
		return "global"
	case k.SessionID == "":
		return "user_" + k.UserID
	case k.UserID == "":
		return "session_" + k.SessionID
	default:
		return fmt.Sprintf("user_%s_session_%s", k.UserID, k.SessionID)
	}
}

// Origin tags which tier a search result came from.
type Origin uint8

const (
	OriginShortTerm Origin = iota
	OriginLongTerm
	OriginPromoted
)

func (o Origin) String() string {
	switch o {
	case OriginShortTerm:
		return "short_term"
	case OriginLongTerm:
		return "long_term"
	case OriginPromoted:
		return "promoted"
	}
	return "unknown"
}

// SearchResult is a single hit from either tier or from the merged ranking.
type SearchResult struct {
	ID      string
	Content string

	// RawScore is the tier-native score: cosine similarity for STM, hybrid
	// score for LTM. Never compare raw scores across tiers.
	RawScore float64

	// Distance is the raw cosine distance reported by the tier.
	Distance float64

	// Relevance is RawScore normalized to [0,1].
	Relevance float64

	// Score is the final reranked score. Zero until merged.
	Score float64

	Metadata  Metadata
	Origin    Origin
	CreatedAt time.Time
}

// Format renders a result for prompt injection, trimmed to maxLen characters.
func (r SearchResult) Format(maxLen int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s %.2f] ", r.Origin, r.Score)
	b.WriteString(Truncate(r.Content, maxLen))
	return b.String()
}

// Truncate shortens s to at most maxLen bytes, ending in "..." when
// anything was cut. It never splits a UTF-8 sequence.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return "..."
	}
	return Clip(s, maxLen-3) + "..."
}

// Clip returns the longest prefix of s that fits in n bytes without
// splitting a rune.
func Clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
