// Package shaper implements the ResponseShaper component (spec §4.8):
// every core operation's full result record is projected to one of
// three caller-selected levels (minimal/standard/full), with null and
// empty fields pruned rather than emitted.
package shaper

import (
	"encoding/json"
	"fmt"
	"time"
)

// Level selects how much of a Response survives projection.
type Level int

const (
	Minimal Level = iota
	Standard
	Full
)

// ParseLevel maps the caller-facing string to a Level, defaulting to
// Standard for an unrecognized value.
func ParseLevel(s string) Level {
	switch s {
	case "minimal":
		return Minimal
	case "full":
		return Full
	default:
		return Standard
	}
}

// AssocView is the shaped projection of an assocgraph.Association.
type AssocView struct {
	SourceID      string  `json:"source_id"`
	TargetID      string  `json:"target_id"`
	Type          string  `json:"type,omitempty"`
	Strength      float64 `json:"strength,omitempty"`
	AutoGenerated bool    `json:"auto_generated,omitempty"`
}

// Pagination carries list-operation paging state.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// Item is one memory (or memory-like row) in a Response, pre-populated
// with every field any level might need; Shape strips what the
// selected level doesn't show.
type Item struct {
	ID           string         `json:"id"`
	Scope        string         `json:"scope,omitempty"`
	Content      string         `json:"content,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Category     string         `json:"category,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Score        *float64       `json:"score,omitempty"`
	CreatedAt    *time.Time     `json:"created_at,omitempty"`
	UpdatedAt    *time.Time     `json:"updated_at,omitempty"`
	AccessedAt   *time.Time     `json:"accessed_at,omitempty"`
	AccessCount  int64          `json:"access_count,omitempty"`
	Associations []AssocView    `json:"associations,omitempty"`
}

// Response is the full, unshaped result of a core operation.
type Response struct {
	Success     bool
	Message     string
	PrimaryIDs  []string
	Count       int
	Items       []Item
	Pagination  *Pagination
	Diagnostics map[string]any
}

const previewLen = 100
const assocPreviewLen = 50

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// minimalView is the projection at Level Minimal: spec §4.8 "success
// flag, primary id(s), count, short human message. No memory bodies,
// no previews."
type minimalView struct {
	Success    bool     `json:"success"`
	Message    string   `json:"message,omitempty"`
	PrimaryIDs []string `json:"primary_ids,omitempty"`
	Count      int      `json:"count,omitempty"`
}

type standardItem struct {
	ID         string      `json:"id"`
	Scope      string      `json:"scope,omitempty"`
	Preview    string      `json:"content_preview,omitempty"`
	Score      *float64    `json:"score,omitempty"`
	Associated []AssocView `json:"associations,omitempty"`
}

type standardView struct {
	Success    bool           `json:"success"`
	Message    string         `json:"message,omitempty"`
	PrimaryIDs []string       `json:"primary_ids,omitempty"`
	Count      int            `json:"count,omitempty"`
	Items      []standardItem `json:"items,omitempty"`
	Pagination *Pagination    `json:"pagination,omitempty"`
}

type fullView struct {
	Success     bool           `json:"success"`
	Message     string         `json:"message,omitempty"`
	PrimaryIDs  []string       `json:"primary_ids,omitempty"`
	Count       int            `json:"count,omitempty"`
	Items       []Item         `json:"items,omitempty"`
	Pagination  *Pagination    `json:"pagination,omitempty"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

// Shape projects r to level and returns a JSON-ready map with null and
// empty fields removed (spec §4.8 shaping rules).
func Shape(level Level, r Response) map[string]any {
	var v any
	switch level {
	case Minimal:
		v = minimalView{Success: r.Success, Message: r.Message, PrimaryIDs: r.PrimaryIDs, Count: r.Count}
	case Full:
		v = fullView{
			Success: r.Success, Message: r.Message, PrimaryIDs: r.PrimaryIDs, Count: r.Count,
			Items: r.Items, Pagination: r.Pagination, Diagnostics: r.Diagnostics,
		}
	default:
		items := make([]standardItem, 0, len(r.Items))
		for _, it := range r.Items {
			assoc := it.Associations
			if len(assoc) > 0 {
				trimmed := make([]AssocView, len(assoc))
				copy(trimmed, assoc)
				assoc = trimmed
			}
			items = append(items, standardItem{
				ID:         it.ID,
				Scope:      it.Scope,
				Preview:    truncate(it.Content, previewLen),
				Score:      it.Score,
				Associated: assoc,
			})
		}
		v = standardView{
			Success: r.Success, Message: r.Message, PrimaryIDs: r.PrimaryIDs, Count: r.Count,
			Items: items, Pagination: r.Pagination,
		}
	}

	out, err := toMap(v)
	if err != nil {
		return map[string]any{"success": false, "message": fmt.Sprintf("shape error: %v", err)}
	}
	prune(out)
	return out
}

// ShapeAssociationList projects a standalone list of associations
// (discover_associations' result) with zero-valued fields pruned.
// AssocView carries no content, so no preview is produced and the
// 50-character assocPreviewLen is not applied; level does not change
// the output.
func ShapeAssociationList(level Level, assocs []AssocView) []map[string]any {
	out := make([]map[string]any, 0, len(assocs))
	for _, a := range assocs {
		m, err := toMap(a)
		if err != nil {
			continue
		}
		prune(m)
		out = append(out, m)
	}
	_ = assocPreviewLen // reserved for callers that attach content previews to associations
	return out
}

// ErrorResponse shapes a failure per spec §4.8: always success=false
// and a message, with minimal omitting per-field context.
func ErrorResponse(level Level, message string, kind string) map[string]any {
	if level == Minimal {
		return map[string]any{"success": false, "message": message}
	}
	return map[string]any{"success": false, "message": message, "error_kind": kind}
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// prune removes null values and empty lists/maps recursively, per
// spec §4.8's shaping rules ("fields whose value is None/null are
// removed entirely... empty lists and empty maps are removed").
func prune(m map[string]any) {
	for k, v := range m {
		switch val := v.(type) {
		case nil:
			delete(m, k)
		case map[string]any:
			prune(val)
			if len(val) == 0 {
				delete(m, k)
			}
		case []any:
			if len(val) == 0 {
				delete(m, k)
				continue
			}
			for _, e := range val {
				if sub, ok := e.(map[string]any); ok {
					prune(sub)
				}
			}
		case string:
			if val == "" {
				delete(m, k)
			}
		case float64:
			if val == 0 {
				delete(m, k)
			}
		case bool:
			if k != "success" && val == false {
				delete(m, k)
			}
		}
	}
}
