// Package search implements the SearchEngine component (spec §4.7):
// standard semantic search, MMR-style diversified search, and
// scope-prefix hierarchical fallback, all built on top of the
// MemoryEngine's collaborators.
package search

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/assocmem/core/pkg/assocgraph"
	"github.com/assocmem/core/pkg/assocerr"
	"github.com/assocmem/core/pkg/embed"
	"github.com/assocmem/core/pkg/metadata"
	"github.com/assocmem/core/pkg/scope"
	"github.com/assocmem/core/pkg/vectorindex"
)

// Result is one hydrated, scored hit.
type Result struct {
	Memory       *metadata.Memory
	Score        float64
	Associations []*assocgraph.Association
}

// Engine is the SearchEngine: it composes the Embedder, VectorIndex,
// MetadataStore, and AssociationGraph to answer the three retrieval
// shapes spec §4.7 describes.
type Engine struct {
	embedder embed.Embedder
	vectors  *vectorindex.Index
	meta     *metadata.Store
	graph    *assocgraph.Graph
}

// New constructs a SearchEngine. embedder may be nil; standard_search
// then degrades to full-text search per spec §4.7.
func New(embedder embed.Embedder, vectors *vectorindex.Index, meta *metadata.Store, graph *assocgraph.Graph) *Engine {
	return &Engine{embedder: embedder, vectors: vectors, meta: meta, graph: graph}
}

// StandardInput parameterizes StandardSearch.
type StandardInput struct {
	Query               string
	Filter              scope.Filter
	Limit               int
	MinScore            float64
	IncludeAssociations bool
}

// StandardSearch implements spec §4.7 "standard_search".
func (e *Engine) StandardSearch(ctx context.Context, in StandardInput) ([]Result, error) {
	if in.Limit <= 0 {
		in.Limit = 10
	}

	if e.embedder == nil {
		return e.fullTextFallback(ctx, in)
	}

	vec, err := e.embedder.Embed(ctx, in.Query)
	if err != nil {
		return e.fullTextFallback(ctx, in)
	}

	hits, err := e.vectors.Search(vec, in.Filter, in.Limit, in.MinScore)
	if err != nil {
		return nil, err
	}
	return e.hydrate(ctx, hits, in.IncludeAssociations)
}

func (e *Engine) fullTextFallback(ctx context.Context, in StandardInput) ([]Result, error) {
	mems, err := e.meta.FullTextSearch(ctx, in.Query, in.Filter, in.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(mems))
	for _, m := range mems {
		e.bumpAccess(ctx, m.ID)
		r := Result{Memory: m, Score: 0}
		if in.IncludeAssociations {
			r.Associations = e.graph.EdgesOf(m.ID, assocgraph.DirBoth, 0)
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) hydrate(ctx context.Context, hits []vectorindex.Hit, includeAssociations bool) ([]Result, error) {
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		m, err := e.meta.Get(ctx, h.ID)
		if err != nil {
			continue
		}
		e.bumpAccess(ctx, h.ID)
		r := Result{Memory: m, Score: h.Score}
		if includeAssociations {
			r.Associations = e.graph.EdgesOf(h.ID, assocgraph.DirBoth, 0)
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) bumpAccess(ctx context.Context, id string) {
	_ = e.meta.RecordAccess(ctx, id, time.Now().UTC())
}

// DiversifiedInput parameterizes DiversifiedSearch.
type DiversifiedInput struct {
	Query              string
	Filter             scope.Filter
	Limit              int
	MinScore           float64
	DiversityThreshold float64
	ExpansionFactor    float64
	MaxExpansionFactor float64
}

// DiversifiedResult reports the selected set plus diagnostics the
// caller can use to judge whether the achieved diversity was cheap or
// hard-won (spec §6's "diversity diagnostics").
type DiversifiedResult struct {
	Results         []Result
	CandidatesSeen  int
	ExpansionFactor float64
}

// DiversifiedSearch implements spec §4.7's MMR-style algorithm exactly:
// greedily pick the highest-scoring remaining candidate whose maximum
// cosine similarity to every already-selected item stays below
// diversity_threshold, widening the candidate pool by 1.5x on each
// round that falls short of limit, until max_expansion_factor is hit.
func (e *Engine) DiversifiedSearch(ctx context.Context, in DiversifiedInput) (*DiversifiedResult, error) {
	if in.Limit <= 0 {
		in.Limit = 10
	}
	if in.DiversityThreshold <= 0 {
		in.DiversityThreshold = 0.8
	}
	if in.ExpansionFactor < 1 {
		in.ExpansionFactor = 3
	}
	if in.MaxExpansionFactor < in.ExpansionFactor {
		in.MaxExpansionFactor = 20
	}

	if e.embedder == nil {
		return nil, assocerr.New("search.diversified_search", assocerr.KindEmbeddingUnavailable, "embedder unavailable")
	}
	queryVec, err := e.embedder.Embed(ctx, in.Query)
	if err != nil {
		return nil, assocerr.Wrap("search.diversified_search", assocerr.KindEmbeddingUnavailable, err)
	}

	factor := in.ExpansionFactor
	const maxRounds = 8
	var candidates []candidate

	for round := 0; round < maxRounds; round++ {
		k := int(math.Ceil(float64(in.Limit) * factor))
		hits, err := e.vectors.Search(queryVec, in.Filter, k, in.MinScore)
		if err != nil {
			return nil, err
		}
		candidates = candidates[:0]
		for _, h := range hits {
			vec, ok, err := e.vectors.GetVector(ctx, h.ID)
			if err != nil || !ok {
				continue
			}
			candidates = append(candidates, candidate{id: h.ID, score: h.Score, vec: vec})
		}

		selected := mmrSelect(candidates, in.Limit, in.DiversityThreshold)
		if len(selected) >= in.Limit || factor >= in.MaxExpansionFactor {
			results, err := e.hydrateCandidates(ctx, selected)
			if err != nil {
				return nil, err
			}
			return &DiversifiedResult{Results: results, CandidatesSeen: len(candidates), ExpansionFactor: factor}, nil
		}
		factor *= 1.5
		if factor > in.MaxExpansionFactor {
			factor = in.MaxExpansionFactor
		}
	}

	selected := mmrSelect(candidates, in.Limit, in.DiversityThreshold)
	results, err := e.hydrateCandidates(ctx, selected)
	if err != nil {
		return nil, err
	}
	return &DiversifiedResult{Results: results, CandidatesSeen: len(candidates), ExpansionFactor: factor}, nil
}

type candidate struct {
	id    string
	score float64
	vec   []float32
}

// mmrSelect runs the greedy MMR loop (spec §4.7 steps 2-3).
func mmrSelect(candidates []candidate, limit int, diversityThreshold float64) []candidate {
	pool := make([]candidate, len(candidates))
	copy(pool, candidates)
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		return pool[i].id < pool[j].id
	})

	var selected []candidate
	for len(selected) < limit && len(pool) > 0 {
		idx := -1
		for i, c := range pool {
			ok := true
			for _, s := range selected {
				if cosine(c.vec, s.vec) >= diversityThreshold {
					ok = false
					break
				}
			}
			if ok {
				idx = i
				break
			}
		}
		if idx == -1 {
			break
		}
		selected = append(selected, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return selected
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
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (e *Engine) hydrateCandidates(ctx context.Context, cands []candidate) ([]Result, error) {
	out := make([]Result, 0, len(cands))
	for _, c := range cands {
		m, err := e.meta.Get(ctx, c.id)
		if err != nil {
			continue
		}
		e.bumpAccess(ctx, c.id)
		out = append(out, Result{Memory: m, Score: c.score})
	}
	return out, nil
}

// HierarchicalInput parameterizes HierarchicalFallbackSearch.
type HierarchicalInput struct {
	Query             string
	OriginalScope     string
	Limit             int
	MinScore          float64
	IncludeChildScope bool
}

// HierarchicalResult reports the effective scope used and how far the
// search had to widen to find it (spec §4.7's "fallback_level").
type HierarchicalResult struct {
	Results        []Result
	EffectiveScope string
	FallbackLevel  int
}

// HierarchicalFallbackSearch implements spec §4.7's three-level
// fallback: exact/subtree scope, then ancestor-by-ancestor widening,
// then global.
func (e *Engine) HierarchicalFallbackSearch(ctx context.Context, in HierarchicalInput) (*HierarchicalResult, error) {
	if in.Limit <= 0 {
		in.Limit = 10
	}
	if e.embedder == nil {
		return nil, assocerr.New("search.hierarchical_fallback_search", assocerr.KindEmbeddingUnavailable, "embedder unavailable")
	}
	vec, err := e.embedder.Embed(ctx, in.Query)
	if err != nil {
		return nil, assocerr.Wrap("search.hierarchical_fallback_search", assocerr.KindEmbeddingUnavailable, err)
	}

	filter := scope.Exact(in.OriginalScope)
	if in.IncludeChildScope {
		filter = scope.Subtree(in.OriginalScope)
	}
	if hits, err := e.vectors.Search(vec, filter, in.Limit, in.MinScore); err == nil && len(hits) > 0 {
		results, err := e.hydrate(ctx, hits, false)
		if err != nil {
			return nil, err
		}
		return &HierarchicalResult{Results: results, EffectiveScope: in.OriginalScope, FallbackLevel: 0}, nil
	}

	ancestors := scope.Ancestors(in.OriginalScope)
	for level, ancestor := range ancestors {
		hits, err := e.vectors.Search(vec, scope.Subtree(ancestor), in.Limit, in.MinScore)
		if err != nil {
			continue
		}
		if len(hits) > 0 {
			results, err := e.hydrate(ctx, hits, false)
			if err != nil {
				return nil, err
			}
			return &HierarchicalResult{Results: results, EffectiveScope: ancestor, FallbackLevel: level + 1}, nil
		}
	}

	hits, err := e.vectors.Search(vec, scope.None(), in.Limit, in.MinScore)
	if err != nil {
		return nil, err
	}
	results, err := e.hydrate(ctx, hits, false)
	if err != nil {
		return nil, err
	}
	return &HierarchicalResult{Results: results, EffectiveScope: "", FallbackLevel: scope.Depth(in.OriginalScope)}, nil
}
