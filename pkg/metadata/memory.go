// Package metadata implements the MetadataStore component (spec §4.3):
// the durable, authoritative record of every memory's fields, tags,
// timestamps, and access stats.
package metadata

import "time"

// Memory is the primary entity (spec §3). The VectorIndex and
// AssociationGraph hold references to it by ID only.
type Memory struct {
	ID          string
	Content     string
	Scope       string
	Tags        []string
	Category    string
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
	AccessedAt  time.Time
	AccessCount int64
}

// NormalizeTags deduplicates and drops empty tags (Data Model
// Invariant 4), preserving first-seen order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
