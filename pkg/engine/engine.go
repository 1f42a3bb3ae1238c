// Package engine implements the MemoryEngine coordinator (spec §4.6):
// the only component that owns the Embedder, VectorIndex, MetadataStore,
// and AssociationGraph together, and the sole place where a memory is
// created, mutated, or destroyed.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/assocmem/core/pkg/assocerr"
	"github.com/assocmem/core/pkg/assocgraph"
	"github.com/assocmem/core/pkg/config"
	"github.com/assocmem/core/pkg/corelog"
	"github.com/assocmem/core/pkg/embed"
	"github.com/assocmem/core/pkg/metadata"
	"github.com/assocmem/core/pkg/scope"
	"github.com/assocmem/core/pkg/vectorindex"
)

// Engine is the MemoryEngine: it coordinates the Embedder, VectorIndex,
// MetadataStore, and AssociationGraph and exposes the operations in
// spec §4.6.
type Engine struct {
	embedder  embed.Embedder
	vectors   *vectorindex.Index
	metadata  *metadata.Store
	graph     *assocgraph.Graph
	autoAssoc config.AutoAssociationConfig
	log       corelog.Logger
	locks     *idLocks
}

// New constructs an Engine from its four collaborators. embedder may be
// nil, meaning no embedding backend is configured; the engine still
// operates (writes succeed without vectors, search degrades to
// full-text) per spec §4.1/§7.
func New(embedder embed.Embedder, vectors *vectorindex.Index, meta *metadata.Store, graph *assocgraph.Graph, autoAssoc config.AutoAssociationConfig, log corelog.Logger) *Engine {
	if log == nil {
		log = corelog.Nop()
	}
	return &Engine{
		embedder:  embedder,
		vectors:   vectors,
		metadata:  meta,
		graph:     graph,
		autoAssoc: autoAssoc,
		log:       log,
		locks:     newIDLocks(),
	}
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(strings.ToLower(content))))
	return hex.EncodeToString(sum[:])
}

// StoreInput is the input record for Store (SPEC_FULL.md §9's typed
// replacement for the original's loosely-typed request dictionaries).
type StoreInput struct {
	Content            string
	Scope              string
	Tags               []string
	Category           string
	Metadata           map[string]any
	AllowDuplicates bool
	// DuplicateThreshold overrides the default 0.95 duplicate-similarity
	// cutoff; nil means "use the default", distinct from an explicit 0.0.
	DuplicateThreshold *float64
}

// StoreResult reports the outcome of Store, including whether the call
// was suppressed as a duplicate.
type StoreResult struct {
	Memory              *metadata.Memory
	DuplicateSuppressed bool
	EmbeddingMissing    bool
}

// Store implements spec §4.6 "store": validate, optionally suppress
// duplicates, then fan out the write to the vector index, metadata
// store, and association graph in parallel.
func (e *Engine) Store(ctx context.Context, in StoreInput) (*StoreResult, error) {
	if err := scope.Validate(in.Scope); err != nil {
		return nil, assocerr.Wrap("engine.store", assocerr.KindValidation, err)
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, assocerr.New("engine.store", assocerr.KindValidation, "content must not be empty")
	}
	threshold := 0.95
	if in.DuplicateThreshold != nil {
		threshold = *in.DuplicateThreshold
	}

	var vec []float32
	embeddingMissing := false
	if e.embedder != nil {
		v, err := e.embedder.Embed(ctx, in.Content)
		if err != nil {
			e.log.Warn("embedding failed, storing without vector", "err", err)
			embeddingMissing = true
		} else {
			vec = v
		}
	} else {
		embeddingMissing = true
	}

	if !in.AllowDuplicates && vec != nil {
		hits, err := e.vectors.Search(vec, scope.Exact(in.Scope), 5, threshold)
		if err == nil && len(hits) > 0 {
			existing, err := e.metadata.Get(ctx, hits[0].ID)
			if err == nil {
				return &StoreResult{Memory: existing, DuplicateSuppressed: true}, nil
			}
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	meta := cloneMeta(in.Metadata)
	meta["scope"] = in.Scope

	m := &metadata.Memory{
		ID:          id,
		Content:     in.Content,
		Scope:       in.Scope,
		Tags:        metadata.NormalizeTags(in.Tags),
		Category:    in.Category,
		Metadata:    meta,
		CreatedAt:   now,
		UpdatedAt:   now,
		AccessedAt:  now,
		AccessCount: 0,
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	if err := e.fanOutWrite(ctx, m, vec); err != nil {
		return nil, err
	}

	if e.autoAssoc.Enabled && vec != nil {
		go e.autoAssociate(context.Background(), id, vec, in.Scope)
	}

	return &StoreResult{Memory: m, EmbeddingMissing: embeddingMissing}, nil
}

// fanOutWrite fans the write out to C2/C3/C4 in parallel (spec §4.6
// step 3-4). MetadataStore is the primary: its failure fails the whole
// operation and triggers best-effort rollback of the vector/graph
// writes. Secondary-store failures are logged and never fatal; the
// returned error and StoreResult carry no indication of them.
func (e *Engine) fanOutWrite(ctx context.Context, m *metadata.Memory, vec []float32) error {
	var g errgroup.Group
	var vectorErr, graphErr error

	g.Go(func() error {
		if vec == nil {
			return nil
		}
		vectorErr = e.vectors.Upsert(ctx, m.ID, vec, m.Scope, "")
		return nil
	})
	g.Go(func() error {
		graphErr = e.graph.AddNode(ctx, m.ID)
		return nil
	})

	metaErr := e.metadata.Put(ctx, m)
	_ = g.Wait()

	if metaErr != nil {
		// best-effort rollback: both secondary writes are idempotent deletes.
		_ = e.vectors.Delete(ctx, m.ID)
		_ = e.graph.RemoveNode(ctx, m.ID)
		return assocerr.Wrap("engine.store", assocerr.KindStoreUnavailable, metaErr)
	}
	if vectorErr != nil {
		e.log.Warn("vector upsert failed, queued for reconcile", "id", m.ID, "err", vectorErr)
	}
	if graphErr != nil {
		e.log.Warn("graph node insert failed, queued for reconcile", "id", m.ID, "err", graphErr)
	}
	return nil
}

// autoAssociate is the fire-and-forget pass from spec §4.6 step 5: it
// runs after the triggering write and adds one auto-generated edge per
// same-scope hit other than id itself. Edges are added one at a time, so
// a concurrent reader can see part of a run; an edge that fails to insert
// is logged and skipped, and the remaining hits are still tried.
func (e *Engine) autoAssociate(ctx context.Context, id string, vec []float32, sc string) {
	hits, err := e.vectors.Search(vec, scope.Exact(sc), e.autoAssoc.TopK, e.autoAssoc.MinScore)
	if err != nil {
		e.log.Warn("auto-association search failed", "id", id, "err", err)
		return
	}
	for _, hit := range hits {
		if hit.ID == id {
			continue
		}
		if err := e.graph.AddEdge(ctx, id, hit.ID, e.autoAssoc.EdgeType, hit.Score, true); err != nil {
			e.log.Warn("auto-association edge insert failed", "id", id, "target", hit.ID, "err", err)
		}
	}
}

// GetResult wraps a fetched memory with its associations, when asked.
type GetResult struct {
	Memory       *metadata.Memory
	Associations []*assocgraph.Association
}

// Get implements spec §4.6 "get": fetch, bump access stats, optionally
// attach associations.
func (e *Engine) Get(ctx context.Context, id string, includeAssociations bool) (*GetResult, error) {
	m, err := e.metadata.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.metadata.RecordAccess(ctx, id, time.Now().UTC()); err != nil {
		e.log.Warn("record_access failed", "id", id, "err", err)
	} else {
		m.AccessCount++
	}

	res := &GetResult{Memory: m}
	if includeAssociations {
		res.Associations = e.graph.EdgesOf(id, assocgraph.DirBoth, 0)
	}
	return res, nil
}

// UpdateInput carries optional fields; nil means "leave unchanged".
type UpdateInput struct {
	Content              *string
	Scope                *string
	Tags                 []string
	TagsSet              bool
	Category             *string
	Metadata             map[string]any
	MetadataSet          bool
	PreserveAssociations bool
}

// Update implements spec §4.6 "update".
func (e *Engine) Update(ctx context.Context, id string, in UpdateInput) (*metadata.Memory, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	m, err := e.metadata.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	contentChanged := false
	scopeChanged := false

	if in.Content != nil && *in.Content != m.Content {
		if strings.TrimSpace(*in.Content) == "" {
			return nil, assocerr.New("engine.update", assocerr.KindValidation, "content must not be empty")
		}
		m.Content = *in.Content
		contentChanged = true
	}
	if in.Scope != nil && *in.Scope != m.Scope {
		if err := scope.Validate(*in.Scope); err != nil {
			return nil, assocerr.Wrap("engine.update", assocerr.KindValidation, err)
		}
		m.Scope = *in.Scope
		scopeChanged = true
	}
	if in.TagsSet {
		m.Tags = metadata.NormalizeTags(in.Tags)
	}
	if in.Category != nil {
		m.Category = *in.Category
	}
	if in.MetadataSet {
		merged := cloneMeta(m.Metadata)
		for k, v := range in.Metadata {
			merged[k] = v
		}
		m.Metadata = merged
	}
	m.Metadata["scope"] = m.Scope
	m.UpdatedAt = time.Now().UTC()

	var vec []float32
	if contentChanged && e.embedder != nil {
		v, err := e.embedder.Embed(ctx, m.Content)
		if err != nil {
			e.log.Warn("re-embed on update failed", "id", id, "err", err)
		} else {
			vec = v
		}
	}

	if err := e.metadata.Update(ctx, m); err != nil {
		return nil, err
	}

	if vec != nil {
		// delete + insert to guarantee dimension consistency (spec §4.6).
		if err := e.vectors.Delete(ctx, id); err != nil {
			e.log.Warn("vector delete on update failed", "id", id, "err", err)
		}
		if err := e.vectors.Upsert(ctx, id, vec, m.Scope, ""); err != nil {
			e.log.Warn("vector upsert on update failed", "id", id, "err", err)
		}
	} else if scopeChanged {
		if existing, ok, _ := e.vectors.GetVector(ctx, id); ok {
			if err := e.vectors.Upsert(ctx, id, existing, m.Scope, ""); err != nil {
				e.log.Warn("vector re-tag on scope change failed", "id", id, "err", err)
			}
		}
	}

	if !in.PreserveAssociations && contentChanged {
		if err := e.graph.RemoveAutoEdgesFrom(ctx, id); err != nil {
			e.log.Warn("removing auto edges on update failed", "id", id, "err", err)
		}
		if vec != nil && e.autoAssoc.Enabled {
			go e.autoAssociate(context.Background(), id, vec, m.Scope)
		}
	}

	return m, nil
}

// Delete implements spec §4.6 "delete": fan out to all three stores in
// parallel; success requires MetadataStore.Delete to succeed.
func (e *Engine) Delete(ctx context.Context, id string) error {
	unlock := e.locks.Lock(id)
	defer unlock()

	var g errgroup.Group
	g.Go(func() error {
		if err := e.vectors.Delete(ctx, id); err != nil {
			e.log.Warn("vector delete failed during delete", "id", id, "err", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := e.graph.RemoveNode(ctx, id); err != nil {
			e.log.Warn("graph node removal failed during delete", "id", id, "err", err)
		}
		return nil
	})
	metaErr := e.metadata.Delete(ctx, id)
	_ = g.Wait()
	return metaErr
}

// MoveResult reports per-id outcomes of a batch move.
type MoveResult struct {
	MovedCount int
	FailCount  int
	Moved      []*metadata.Memory
	FailedIDs  []string
}

// Move implements spec §4.6 "move": never aborts the batch on a single
// failure.
func (e *Engine) Move(ctx context.Context, ids []string, targetScope string) (*MoveResult, error) {
	if err := scope.Validate(targetScope); err != nil {
		return nil, assocerr.Wrap("engine.move", assocerr.KindValidation, err)
	}
	res := &MoveResult{}
	for _, id := range ids {
		m, err := e.Update(ctx, id, UpdateInput{Scope: &targetScope, PreserveAssociations: true})
		if err != nil {
			res.FailCount++
			res.FailedIDs = append(res.FailedIDs, id)
			continue
		}
		res.MovedCount++
		res.Moved = append(res.Moved, m)
	}
	return res, nil
}

// DiscoverResult is the output of DiscoverAssociations.
type DiscoverResult struct {
	Source       *metadata.Memory
	Associations []ScoredMemory
	TotalFound   int
}

// ScoredMemory pairs a memory with a similarity score, used by
// DiscoverAssociations and SearchEngine.
type ScoredMemory struct {
	Memory *metadata.Memory
	Score  float64
}

// DiscoverAssociations implements spec §4.6 "discover_associations".
func (e *Engine) DiscoverAssociations(ctx context.Context, id string, limit int, threshold float64) (*DiscoverResult, error) {
	src, err := e.metadata.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	vec, ok, err := e.vectors.GetVector(ctx, id)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var candidates []vectorindex.Hit
	if ok {
		minScore := threshold - 0.2
		if minScore < 0.1 {
			minScore = 0.1
		}
		hits, err := e.vectors.Search(vec, scope.None(), 3*limit, minScore)
		if err == nil {
			candidates = append(candidates, hits...)
		}
	}

	if countDistinct(candidates, id) < limit && e.embedder != nil {
		augmented := fmt.Sprintf("%s %s %s", src.Content, strings.Join(src.Tags, " "), src.Category)
		if v, err := e.embedder.Embed(ctx, augmented); err == nil {
			minScore := threshold - 0.3
			if minScore < 0.1 {
				minScore = 0.1
			}
			hits, err := e.vectors.Search(v, scope.None(), 2*limit, minScore)
			if err == nil {
				candidates = append(candidates, hits...)
			}
		}
	}

	var scored []ScoredMemory
	hashesSeen := make(map[string]bool)
	for _, hit := range candidates {
		if hit.ID == id || seen[hit.ID] {
			continue
		}
		seen[hit.ID] = true
		m, err := e.metadata.Get(ctx, hit.ID)
		if err != nil {
			continue
		}
		h := contentHash(m.Content)
		if hashesSeen[h] {
			continue
		}
		hashesSeen[h] = true
		scored = append(scored, ScoredMemory{Memory: m, Score: hit.Score})
	}

	sortScoredDesc(scored)
	total := len(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return &DiscoverResult{Source: src, Associations: scored, TotalFound: total}, nil
}

func countDistinct(hits []vectorindex.Hit, exclude string) int {
	seen := make(map[string]bool)
	for _, h := range hits {
		if h.ID != exclude {
			seen[h.ID] = true
		}
	}
	return len(seen)
}

func sortScoredDesc(s []ScoredMemory) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0; j-- {
			a, b := s[j-1], s[j]
			less := a.Score < b.Score || (a.Score == b.Score && a.Memory.ID > b.Memory.ID)
			if !less {
				break
			}
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// ReconcileResult summarizes the repair pass.
type ReconcileResult struct {
	EmbeddedCount     int
	VectorPrunedCount int
	EdgesPrunedCount  int
}

// Reconcile implements the background consistency pass (spec §4.6
// "reconcile"): repairs the three invariants a crash or partial write
// can violate.
func (e *Engine) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	res := &ReconcileResult{}

	ids, err := e.metadata.AllIDs(ctx)
	if err != nil {
		return nil, err
	}
	metaSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		metaSet[id] = true
	}

	if e.embedder != nil {
		for _, id := range ids {
			if _, ok, _ := e.vectors.GetVector(ctx, id); ok {
				continue
			}
			m, err := e.metadata.Get(ctx, id)
			if err != nil {
				continue
			}
			vec, err := e.embedder.Embed(ctx, m.Content)
			if err != nil {
				continue
			}
			if err := e.vectors.Upsert(ctx, id, vec, m.Scope, ""); err == nil {
				res.EmbeddedCount++
			}
		}
	}

	for _, id := range e.vectors.AllIDs() {
		if !metaSet[id] {
			if err := e.vectors.Delete(ctx, id); err == nil {
				res.VectorPrunedCount++
			}
		}
	}

	for _, a := range e.graph.AllEdges() {
		if !metaSet[a.SourceID] || !metaSet[a.TargetID] {
			if err := e.graph.RemoveEdge(ctx, a.SourceID, a.TargetID, a.Type); err == nil {
				res.EdgesPrunedCount++
			}
		}
	}

	return res, nil
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
