package search

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/assocmem/core/pkg/assocgraph"
	"github.com/assocmem/core/pkg/embed"
	"github.com/assocmem/core/pkg/metadata"
	"github.com/assocmem/core/pkg/scope"
	"github.com/assocmem/core/pkg/vectorindex"

	_ "modernc.org/sqlite"
)

const testDim = 32

type harness struct {
	meta     *metadata.Store
	vectors  *vectorindex.Index
	graph    *assocgraph.Graph
	embedder embed.Embedder
	search   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	metaDB, err := sql.Open("sqlite", filepath.Join(dir, "metadata.db"))
	if err != nil {
		t.Fatal(err)
	}
	vecDB, err := sql.Open("sqlite", filepath.Join(dir, "vectors.db"))
	if err != nil {
		t.Fatal(err)
	}
	graphDB, err := sql.Open("sqlite", filepath.Join(dir, "graph.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = metaDB.Close(); _ = vecDB.Close(); _ = graphDB.Close() })

	meta, err := metadata.OpenDB(ctx, metaDB, nil)
	if err != nil {
		t.Fatal(err)
	}
	vectors, err := vectorindex.Open(ctx, vecDB, vectorindex.DefaultConfig(testDim), nil)
	if err != nil {
		t.Fatal(err)
	}
	graph, err := assocgraph.Open(ctx, graphDB, nil)
	if err != nil {
		t.Fatal(err)
	}
	embedder := embed.NewHashEmbedder(testDim)

	return &harness{
		meta: meta, vectors: vectors, graph: graph, embedder: embedder,
		search: New(embedder, vectors, meta, graph),
	}
}

func (h *harness) put(t *testing.T, id, content, sc string) {
	t.Helper()
	ctx := context.Background()
	vec, err := h.embedder.Embed(ctx, content)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	m := &metadata.Memory{
		ID: id, Content: content, Scope: sc,
		Metadata: map[string]any{"scope": sc}, CreatedAt: now, UpdatedAt: now, AccessedAt: now,
	}
	if err := h.meta.Put(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := h.vectors.Upsert(ctx, id, vec, sc, ""); err != nil {
		t.Fatal(err)
	}
	if err := h.graph.AddNode(ctx, id); err != nil {
		t.Fatal(err)
	}
}

func TestStandardSearchFindsStoredContent(t *testing.T) {
	h := newHarness(t)
	h.put(t, "id1", "FastAPI is a Python web framework", "learning/programming")

	results, err := h.search.StandardSearch(context.Background(), StandardInput{
		Query: "Python web framework", Filter: scope.Exact("learning/programming"), Limit: 5, MinScore: 0.2,
	})
	if err != nil {
		t.Fatalf("StandardSearch: %v", err)
	}
	if len(results) == 0 || results[0].Memory.ID != "id1" {
		t.Fatalf("StandardSearch = %+v, want id1 as a result", results)
	}
}

func TestStandardSearchScopeFilter(t *testing.T) {
	h := newHarness(t)
	h.put(t, "a", "shared topic words here", "work/x")
	h.put(t, "b", "shared topic words here", "work/y")

	results, err := h.search.StandardSearch(context.Background(), StandardInput{
		Query: "shared topic words", Filter: scope.Exact("work/x"), Limit: 10, MinScore: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.Memory.Scope != "work/x" {
			t.Errorf("result %s has scope %s, want only work/x", r.Memory.ID, r.Memory.Scope)
		}
	}
}

func TestStandardSearchBumpsAccessStats(t *testing.T) {
	h := newHarness(t)
	h.put(t, "id1", "some unique content about databases", "x/y")

	_, err := h.search.StandardSearch(context.Background(), StandardInput{
		Query: "databases", Filter: scope.None(), Limit: 5, MinScore: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := h.meta.Get(context.Background(), "id1")
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessCount < 1 {
		t.Errorf("AccessCount = %d after search, want >= 1", got.AccessCount)
	}
}

func TestStandardSearchEmbedderNilFallsBackToFullText(t *testing.T) {
	h := newHarness(t)
	h.put(t, "id1", "unique fallback marker phrase", "x/y")
	h.search = New(nil, h.vectors, h.meta, h.graph)

	results, err := h.search.StandardSearch(context.Background(), StandardInput{
		Query: "fallback marker", Filter: scope.None(), Limit: 5,
	})
	if err != nil {
		t.Fatalf("StandardSearch (no embedder): %v", err)
	}
	if len(results) != 1 || results[0].Score != 0 {
		t.Errorf("fallback results = %+v, want one zero-score hit", results)
	}
}

func TestDiversifiedSearchPairwiseDissimilarity(t *testing.T) {
	h := newHarness(t)
	topics := []string{
		"apple banana cherry date elderberry",
		"zebra yak xray whale vulture",
		"quartz ruby sapphire topaz opal",
		"mountain river lake ocean valley",
		"guitar violin piano drum flute",
		"rocket satellite orbit comet planet",
	}
	for i, topic := range topics {
		h.put(t, string(rune('a'+i)), topic, "x/y")
	}

	res, err := h.search.DiversifiedSearch(context.Background(), DiversifiedInput{
		Query: "apple banana cherry date elderberry", Filter: scope.None(),
		Limit: 3, MinScore: 0, DiversityThreshold: 0.5, ExpansionFactor: 3, MaxExpansionFactor: 10,
	})
	if err != nil {
		t.Fatalf("DiversifiedSearch: %v", err)
	}
	for i := 0; i < len(res.Results); i++ {
		for j := i + 1; j < len(res.Results); j++ {
			vi, _, _ := h.vectors.GetVector(context.Background(), res.Results[i].Memory.ID)
			vj, _, _ := h.vectors.GetVector(context.Background(), res.Results[j].Memory.ID)
			if cosine(vi, vj) >= 0.5 {
				t.Errorf("results %s and %s are not diverse enough: cosine=%v", res.Results[i].Memory.ID, res.Results[j].Memory.ID, cosine(vi, vj))
			}
		}
	}
}

func TestDiversifiedSearchDegeneratesAtThresholdOne(t *testing.T) {
	h := newHarness(t)
	h.put(t, "a", "topic alpha content words", "x/y")
	h.put(t, "b", "topic alpha content words again", "x/y")

	standard, err := h.search.StandardSearch(context.Background(), StandardInput{
		Query: "topic alpha content", Filter: scope.None(), Limit: 2, MinScore: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	diversified, err := h.search.DiversifiedSearch(context.Background(), DiversifiedInput{
		Query: "topic alpha content", Filter: scope.None(), Limit: 2, MinScore: 0,
		DiversityThreshold: 1.0, ExpansionFactor: 3, MaxExpansionFactor: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(diversified.Results) != len(standard) {
		t.Errorf("diversity_threshold=1.0 should degenerate to standard_search's result count: got %d, want %d", len(diversified.Results), len(standard))
	}
}

func TestHierarchicalFallbackSearchWidensScope(t *testing.T) {
	h := newHarness(t)
	h.put(t, "id1", "architecture decision records for the platform", "work/architecture")

	res, err := h.search.HierarchicalFallbackSearch(context.Background(), HierarchicalInput{
		Query: "architecture docs", OriginalScope: "work/architecture/decisions/legacy", Limit: 5, MinScore: 0.1,
	})
	if err != nil {
		t.Fatalf("HierarchicalFallbackSearch: %v", err)
	}
	if res.FallbackLevel != 2 {
		t.Errorf("FallbackLevel = %d, want 2", res.FallbackLevel)
	}
	if res.EffectiveScope != "work/architecture" {
		t.Errorf("EffectiveScope = %q, want work/architecture", res.EffectiveScope)
	}
	if len(res.Results) == 0 {
		t.Error("expected at least one result from the widened search")
	}
}

func TestHierarchicalFallbackSearchExactHitNoWidening(t *testing.T) {
	h := newHarness(t)
	h.put(t, "id1", "exact scope match content", "a/b/c")

	res, err := h.search.HierarchicalFallbackSearch(context.Background(), HierarchicalInput{
		Query: "exact scope match", OriginalScope: "a/b/c", Limit: 5, MinScore: 0.1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FallbackLevel != 0 {
		t.Errorf("FallbackLevel = %d, want 0 (no widening needed)", res.FallbackLevel)
	}
	if res.EffectiveScope != "a/b/c" {
		t.Errorf("EffectiveScope = %q, want a/b/c", res.EffectiveScope)
	}
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (sqrtf(na) * sqrtf(nb))
}

func sqrtf(x float64) float64 {
	if x == 0 {
		return 0
	}
	z := x
	for i := 0; i < 40; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}
