package scope

import "strings"

// FilterKind selects the matching semantics of a Filter.
type FilterKind int

const (
	// FilterNone matches every scope (unrestricted).
	FilterNone FilterKind = iota
	// FilterExact matches only records whose scope equals Path exactly.
	FilterExact
	// FilterSubtree matches records whose scope equals Path or starts
	// with Path+"/".
	FilterSubtree
)

// Filter is the scope predicate passed to VectorIndex.Search and
// MetadataStore.List/Count.
type Filter struct {
	Kind FilterKind
	Path string
}

// None returns the unrestricted filter.
func None() Filter { return Filter{Kind: FilterNone} }

// Exact returns a filter matching only scope == path.
func Exact(path string) Filter { return Filter{Kind: FilterExact, Path: path} }

// Subtree returns a filter matching path or any of its descendants.
func Subtree(path string) Filter { return Filter{Kind: FilterSubtree, Path: path} }

// Matches reports whether scope satisfies the filter.
func (f Filter) Matches(s string) bool {
	switch f.Kind {
	case FilterNone:
		return true
	case FilterExact:
		return s == f.Path
	case FilterSubtree:
		return s == f.Path || strings.HasPrefix(s, f.Path+"/")
	default:
		return false
	}
}
