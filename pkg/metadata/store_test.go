package metadata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/assocmem/core/pkg/assocerr"
	"github.com/assocmem/core/pkg/scope"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.db")
	s, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleMemory(id, sc string) *Memory {
	now := time.Now().UTC()
	return &Memory{
		ID:         id,
		Content:    "hello world",
		Scope:      sc,
		Tags:       []string{"greeting", "greeting", ""},
		Category:   "test",
		Metadata:   map[string]any{"scope": sc, "source": "unit-test"},
		CreatedAt:  now,
		UpdatedAt:  now,
		AccessedAt: now,
	}
}

func TestStorePutGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := sampleMemory("id-1", "test/a")
	m.Tags = NormalizeTags(m.Tags)
	if err := s.Put(ctx, m); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "id-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != m.Content || got.Scope != m.Scope {
		t.Errorf("Get returned %+v, want content/scope matching %+v", got, m)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "greeting" {
		t.Errorf("Tags = %v, want deduplicated [greeting]", got.Tags)
	}
}

func TestStoreGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	if assocerr.KindOf(err) != assocerr.KindNotFound {
		t.Errorf("Get(missing) kind = %v, want NotFound", assocerr.KindOf(err))
	}
}

func TestStoreDeleteNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.Delete(context.Background(), "missing")
	if assocerr.KindOf(err) != assocerr.KindNotFound {
		t.Errorf("Delete(missing) kind = %v, want NotFound", assocerr.KindOf(err))
	}
}

func TestStoreUpdateNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.Update(context.Background(), sampleMemory("missing", "a/b"))
	if assocerr.KindOf(err) != assocerr.KindNotFound {
		t.Errorf("Update(missing) kind = %v, want NotFound", assocerr.KindOf(err))
	}
}

func TestStoreDeleteThenGetNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := sampleMemory("id-del", "a/b")
	if err := s.Put(ctx, m); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "id-del"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "id-del"); assocerr.KindOf(err) != assocerr.KindNotFound {
		t.Errorf("Get after Delete kind = %v, want NotFound", assocerr.KindOf(err))
	}
}

func TestStoreRecordAccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := sampleMemory("id-access", "a/b")
	if err := s.Put(ctx, m); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.RecordAccess(ctx, "id-access", time.Now().UTC()); err != nil {
		t.Fatalf("RecordAccess: %v", err)
	}
	got, err := s.Get(ctx, "id-access")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", got.AccessCount)
	}
}

func TestStoreListOrderingAndPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		m := sampleMemory(string(rune('a'+i)), "work/proj")
		m.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.Put(ctx, m); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	page1, err := s.List(ctx, scope.Exact("work/proj"), 2, 0)
	if err != nil {
		t.Fatalf("List page1: %v", err)
	}
	page2, err := s.List(ctx, scope.Exact("work/proj"), 2, 2)
	if err != nil {
		t.Fatalf("List page2: %v", err)
	}
	page3, err := s.List(ctx, scope.Exact("work/proj"), 2, 4)
	if err != nil {
		t.Fatalf("List page3: %v", err)
	}

	if len(page1) != 2 || len(page2) != 2 || len(page3) != 1 {
		t.Fatalf("page lengths = %d,%d,%d, want 2,2,1", len(page1), len(page2), len(page3))
	}
	// newest first: "e" created last.
	if page1[0].ID != "e" {
		t.Errorf("page1[0].ID = %q, want newest (e)", page1[0].ID)
	}

	all := append(append(page1, page2...), page3...)
	seen := make(map[string]bool)
	for _, m := range all {
		if seen[m.ID] {
			t.Errorf("duplicate id %q across pages", m.ID)
		}
		seen[m.ID] = true
	}
	if len(seen) != 5 {
		t.Errorf("union of pages has %d distinct ids, want 5", len(seen))
	}
}

func TestStoreCountAndListScopes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, sampleMemory("a", "work/x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, sampleMemory("b", "work/y")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, sampleMemory("c", "work/x")); err != nil {
		t.Fatal(err)
	}

	n, err := s.Count(ctx, scope.Exact("work/x"))
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Errorf("Count(work/x) = %d, want 2", n)
	}

	scopes, err := s.ListScopes(ctx)
	if err != nil {
		t.Fatalf("ListScopes: %v", err)
	}
	if len(scopes) != 2 {
		t.Errorf("ListScopes = %v, want 2 distinct scopes", scopes)
	}
}

func TestStoreSearchByTags(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := sampleMemory("a", "x/y")
	a.Tags = []string{"red", "big"}
	b := sampleMemory("b", "x/y")
	b.Tags = []string{"red"}
	c := sampleMemory("c", "x/y")
	c.Tags = []string{"blue"}
	for _, m := range []*Memory{a, b, c} {
		if err := s.Put(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	any, err := s.SearchByTags(ctx, []string{"red", "blue"}, scope.None(), false, 10)
	if err != nil {
		t.Fatalf("SearchByTags(any): %v", err)
	}
	if len(any) != 3 {
		t.Errorf("match-any got %d results, want 3", len(any))
	}

	all, err := s.SearchByTags(ctx, []string{"red", "big"}, scope.None(), true, 10)
	if err != nil {
		t.Fatalf("SearchByTags(all): %v", err)
	}
	if len(all) != 1 || all[0].ID != "a" {
		t.Errorf("match-all got %+v, want only [a]", all)
	}
}

func TestStoreSearchByTimerange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range []string{"a", "b", "c"} {
		m := sampleMemory(name, "x/y")
		m.CreatedAt = base.Add(time.Duration(i) * 24 * time.Hour)
		if err := s.Put(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.SearchByTimerange(ctx, base, base.Add(24*time.Hour), scope.None(), 10)
	if err != nil {
		t.Fatalf("SearchByTimerange: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("SearchByTimerange got %d results, want 2", len(got))
	}
}

func TestStoreFullTextSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := sampleMemory("a", "x/y")
	m.Content = "FastAPI is a Python web framework"
	if err := s.Put(ctx, m); err != nil {
		t.Fatal(err)
	}
	got, err := s.FullTextSearch(ctx, "Python framework", scope.None(), 10)
	if err != nil {
		t.Fatalf("FullTextSearch: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("FullTextSearch(%q) = %d results; LIKE match requires exact substring, expected 0", "Python framework", len(got))
	}

	got2, err := s.FullTextSearch(ctx, "web framework", scope.None(), 10)
	if err != nil {
		t.Fatalf("FullTextSearch: %v", err)
	}
	if len(got2) != 1 {
		t.Errorf("FullTextSearch(%q) = %d results, want 1", "web framework", len(got2))
	}
}

func TestStoreScopeInvariant(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m := sampleMemory("a", "a/b")
	if err := s.Put(ctx, m); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Metadata["scope"] != got.Scope {
		t.Errorf("metadata.scope = %v, scope field = %v; invariant 3 violated", got.Metadata["scope"], got.Scope)
	}
}
