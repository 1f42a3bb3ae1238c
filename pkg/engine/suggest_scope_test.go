package engine

import "testing"

func TestSuggestScopeMatchesProgrammingKeyword(t *testing.T) {
	e := newTestEngine(t)
	suggestions := e.SuggestScope("I'm learning Python today", "")
	if len(suggestions) == 0 {
		t.Fatal("expected at least one suggestion")
	}
	if suggestions[0].Scope != "learning/programming" {
		t.Errorf("top suggestion = %q, want learning/programming", suggestions[0].Scope)
	}
}

func TestSuggestScopeOrderedByConfidenceDescending(t *testing.T) {
	e := newTestEngine(t)
	suggestions := e.SuggestScope("meeting about a bug fix deadline", "")
	for i := 1; i < len(suggestions); i++ {
		if suggestions[i-1].Confidence < suggestions[i].Confidence {
			t.Errorf("suggestions not sorted descending: %+v", suggestions)
		}
	}
}

func TestSuggestScopeFallsBackToCurrentScope(t *testing.T) {
	e := newTestEngine(t)
	suggestions := e.SuggestScope("nothing keyword-worthy here at all", "work/quarterly-planning")
	found := false
	for _, s := range suggestions {
		if s.Scope == "work/general" {
			found = true
		}
		if s.Scope == "work/quarterly-planning" {
			t.Errorf("suggestions = %+v, should not echo back the caller's own scope verbatim", suggestions)
		}
	}
	if !found {
		t.Errorf("suggestions = %+v, want work/general included as a contextual fallback", suggestions)
	}
}

func TestSuggestScopeSuppressesContextualFallbackWhenSamePrefixAlreadyPresent(t *testing.T) {
	e := newTestEngine(t)
	suggestions := e.SuggestScope("meeting notes", "work/foo/bar")
	count := 0
	for _, s := range suggestions {
		if s.Scope == "work/meetings" {
			count++
		}
		if s.Scope == "work/general" {
			t.Errorf("suggestions = %+v, contextual work/general fallback should be suppressed when a work/ keyword rule already matched", suggestions)
		}
	}
	if count != 1 {
		t.Errorf("suggestions = %+v, want exactly one work/meetings suggestion", suggestions)
	}
}

func TestSuggestScopeDefaultsWhenNothingMatches(t *testing.T) {
	e := newTestEngine(t)
	suggestions := e.SuggestScope("zzz qqq xyzzy plugh", "")
	if len(suggestions) != 1 || suggestions[0].Scope != "user/default" {
		t.Errorf("suggestions = %+v, want single user/default fallback", suggestions)
	}
}
