package engine

import "strings"

// ScopeSuggestion is one candidate scope with a confidence and a short
// human-readable reason, ranked highest confidence first.
type ScopeSuggestion struct {
	Scope      string
	Confidence float64
	Reasoning  string
}

type keywordRule struct {
	keywords   []string
	scope      string
	confidence float64
	reasoning  string
}

var suggestRules = []keywordRule{
	{[]string{"python", "javascript", "typescript", "java", "c++", "rust", "go"}, "learning/programming", 0.9, "programming language mentioned"},
	{[]string{"api", "rest", "graphql", "endpoint", "http"}, "learning/api-design", 0.8, "api-related content detected"},
	{[]string{"meeting", "standup", "retrospective", "planning"}, "work/meetings", 0.9, "meeting-related content"},
	{[]string{"project", "deadline", "milestone", "task"}, "work/projects", 0.8, "project management content"},
	{[]string{"bug", "issue", "error", "debug", "fix"}, "work/debugging", 0.85, "debugging or issue resolution"},
	{[]string{"personal", "private", "diary", "journal"}, "personal/thoughts", 0.9, "personal content detected"},
	{[]string{"idea", "innovation", "brainstorm", "concept"}, "personal/ideas", 0.8, "creative or idea content"},
	{[]string{"learn", "study", "tutorial", "course", "training"}, "learning/general", 0.8, "learning-related content"},
}

// SuggestScope implements spec §6 "suggest_scope": a deterministic
// keyword heuristic over content, falling back to the caller's current
// scope prefix, then a fixed default.
func (e *Engine) SuggestScope(content, currentScope string) []ScopeSuggestion {
	lower := strings.ToLower(content)

	var out []ScopeSuggestion
	for _, r := range suggestRules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				out = append(out, ScopeSuggestion{Scope: r.scope, Confidence: r.confidence, Reasoning: r.reasoning})
				break
			}
		}
	}

	if currentScope != "" {
		switch {
		case strings.HasPrefix(currentScope, "work/"):
			if !anyHasPrefix(out, "work/") {
				out = append(out, ScopeSuggestion{Scope: "work/general", Confidence: 0.6, Reasoning: "continuing in current work scope"})
			}
		case strings.HasPrefix(currentScope, "learning/"):
			if !anyHasPrefix(out, "learning/") {
				out = append(out, ScopeSuggestion{Scope: "learning/general", Confidence: 0.6, Reasoning: "continuing in current learning scope"})
			}
		}
	}

	if len(out) == 0 {
		out = append(out, ScopeSuggestion{Scope: "user/default", Confidence: 0.5, Reasoning: "default scope for unclassified content"})
	}

	sortSuggestionsDesc(out)
	return out
}

func anyHasPrefix(s []ScopeSuggestion, prefix string) bool {
	for _, suggestion := range s {
		if strings.HasPrefix(suggestion.Scope, prefix) {
			return true
		}
	}
	return false
}

func sortSuggestionsDesc(s []ScopeSuggestion) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].Confidence < s[j].Confidence; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
