package memory

import (
	"fmt"
	"strings"
)

// Op is a metadata filter operator.
type Op string

const (
	OpEquals      Op = "equals"
	OpContains    Op = "contains"
	OpGreaterThan Op = "greater_than"
	OpLessThan    Op = "less_than"
)

// Filter restricts LTM search by metadata. Field may be a dotted path into
// nested objects.
type Filter struct {
	Field string
	Op    Op
	Value Value
}

func Equals(field string, v Value) Filter      { return Filter{Field: field, Op: OpEquals, Value: v} }
func Contains(field string, v Value) Filter    { return Filter{Field: field, Op: OpContains, Value: v} }
func GreaterThan(field string, v Value) Filter { return Filter{Field: field, Op: OpGreaterThan, Value: v} }
func LessThan(field string, v Value) Filter    { return Filter{Field: field, Op: OpLessThan, Value: v} }

// Validate rejects unknown operators and empty fields.
func (f Filter) Validate() error {
	if f.Field == "" {
		return fmt.Errorf("%w: filter field is empty", ErrInvalidInput)
	}
	switch f.Op {
	case OpEquals, OpContains, OpGreaterThan, OpLessThan:
		return nil
	}
	return fmt.Errorf("%w: unknown filter operator %q", ErrInvalidInput, f.Op)
}

// Match evaluates the filter. A missing field never matches.
func (f Filter) Match(md Metadata) bool {
	v, ok := md.Lookup(f.Field)
	if !ok {
		return false
	}
	switch f.Op {
	case OpEquals:
		return v.Equal(f.Value)
	case OpContains:
		return contains(v, f.Value)
	case OpGreaterThan:
		c, ok := compare(v, f.Value)
		return ok && c > 0
	case OpLessThan:
		c, ok := compare(v, f.Value)
		return ok && c < 0
	}
	return false
}

func (f Filter) String() string {
	return fmt.Sprintf("%s %s %s", f.Field, f.Op, f.Value)
}

// MatchAll reports whether md satisfies every filter.
func MatchAll(md Metadata, filters []Filter) bool {
	for _, f := range filters {
		if !f.Match(md) {
			return false
		}
	}
	return true
}

func contains(haystack, needle Value) bool {
	switch haystack.Kind() {
	case KindArray:
		arr, _ := haystack.AsArray()
		for _, e := range arr {
			if e.Equal(needle) {
				return true
			}
		}
		return false
	case KindString:
		h, _ := haystack.AsString()
		n, ok := needle.AsString()
		return ok && strings.Contains(h, n)
	case KindObject:
		obj, _ := haystack.AsObject()
		n, ok := needle.AsString()
		if !ok {
			return false
		}
		_, found := obj[n]
		return found
	}
	return false
}

// compare orders numbers numerically and strings lexically (RFC 3339
// timestamps sort correctly this way). Mixed kinds are incomparable.
func compare(a, b Value) (int, bool) {
	if x, ok := a.AsNumber(); ok {
		y, ok := b.AsNumber()
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	if x, ok := a.AsString(); ok {
		y, ok := b.AsString()
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	}
	return 0, false
}
