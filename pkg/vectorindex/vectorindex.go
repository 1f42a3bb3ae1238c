// Package vectorindex implements the VectorIndex component (spec §4.2):
// ANN/exact similarity search over embeddings, filtered and durable by
// scope, backed by an in-memory HNSW (or Flat) index with a SQLite
// table for persistence and rebuild-on-load.
package vectorindex

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/assocmem/core/internal/encoding"
	"github.com/assocmem/core/pkg/assocerr"
	"github.com/assocmem/core/pkg/corelog"
	"github.com/assocmem/core/pkg/index"
	"github.com/assocmem/core/pkg/scope"
)

// Hit is one search result: a memory id and its similarity score.
type Hit struct {
	ID    string
	Score float64
}

// Config controls the backing ANN index.
type Config struct {
	Dimensions     int
	UseHNSW        bool
	M              int
	EfConstruction int
	EfSearch       int
}

// DefaultConfig returns HNSW-enabled defaults, mirroring the teacher's
// DefaultHNSWConfig tuning (M=16, EfConstruction=200, EfSearch=50).
func DefaultConfig(dimensions int) Config {
	return Config{
		Dimensions:     dimensions,
		UseHNSW:        true,
		M:              16,
		EfConstruction: 200,
		EfSearch:       50,
	}
}

// Index is the VectorIndex component: upsert/delete/search/get_vector,
// scope-filtered, durable across restarts via a SQLite-backed rebuild.
type Index struct {
	mu     sync.RWMutex
	db     *sql.DB
	cfg    Config
	hnsw   *index.HNSW
	flat   *index.FlatIndex
	scopes map[string]string // id -> scope, kept in memory for fast filtering
	log    corelog.Logger
}

// Open creates (if needed) the vectors table in db and rebuilds the
// in-memory index from it, mirroring the teacher's
// initHNSWIndex/rebuildHNSWIndex pattern.
func Open(ctx context.Context, db *sql.DB, cfg Config, log corelog.Logger) (*Index, error) {
	if log == nil {
		log = corelog.Nop()
	}
	idx := &Index{db: db, cfg: cfg, scopes: make(map[string]string), log: log}
	if cfg.UseHNSW {
		idx.hnsw = index.NewHNSW(cfg.M, cfg.EfConstruction, index.CosineDistance)
	} else {
		idx.flat = index.NewFlatIndexCosine(cfg.Dimensions)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vectors (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			vector BLOB NOT NULL,
			aux TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_vectors_scope ON vectors(scope);
	`); err != nil {
		return nil, assocerr.Wrap("vectorindex.open", assocerr.KindStoreUnavailable, err)
	}

	if err := idx.rebuild(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) rebuild(ctx context.Context) error {
	rows, err := idx.db.QueryContext(ctx, `SELECT id, scope, vector FROM vectors`)
	if err != nil {
		return assocerr.Wrap("vectorindex.rebuild", assocerr.KindStoreUnavailable, err)
	}
	defer rows.Close()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for rows.Next() {
		var id, sc string
		var blob []byte
		if err := rows.Scan(&id, &sc, &blob); err != nil {
			return assocerr.Wrap("vectorindex.rebuild", assocerr.KindInternal, err)
		}
		vec, err := encoding.DecodeVector(blob)
		if err != nil {
			idx.log.Warn("skipping corrupt vector row during rebuild", "id", id, "err", err)
			continue
		}
		idx.insertLocked(id, sc, vec)
	}
	return rows.Err()
}

func (idx *Index) insertLocked(id, sc string, vec []float32) {
	idx.scopes[id] = sc
	if idx.cfg.UseHNSW {
		_ = idx.hnsw.Delete(id)
		_ = idx.hnsw.Insert(id, vec)
	} else {
		idx.flat.Delete(id)
		_ = idx.flat.Insert(id, vec)
	}
}

// Upsert associates id with vector under scope. aux is opaque
// observability metadata (not interpreted by the index).
func (idx *Index) Upsert(ctx context.Context, id string, vector []float32, sc string, aux string) error {
	if err := encoding.ValidateEmbedding(vector, idx.cfg.Dimensions); err != nil {
		return assocerr.Wrap("vectorindex.upsert", assocerr.KindValidation, err)
	}
	blob, err := encoding.EncodeVector(vector)
	if err != nil {
		return assocerr.Wrap("vectorindex.upsert", assocerr.KindValidation, err)
	}

	if _, err := idx.db.ExecContext(ctx, `
		INSERT INTO vectors (id, scope, vector, aux) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET scope=excluded.scope, vector=excluded.vector, aux=excluded.aux
	`, id, sc, blob, aux); err != nil {
		return assocerr.Wrap("vectorindex.upsert", assocerr.KindStoreUnavailable, err)
	}

	idx.mu.Lock()
	idx.insertLocked(id, sc, vector)
	idx.mu.Unlock()
	return nil
}

// Delete removes id. Absence is success (idempotent).
func (idx *Index) Delete(ctx context.Context, id string) error {
	if _, err := idx.db.ExecContext(ctx, `DELETE FROM vectors WHERE id = ?`, id); err != nil {
		return assocerr.Wrap("vectorindex.delete", assocerr.KindStoreUnavailable, err)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.scopes, id)
	if idx.cfg.UseHNSW {
		_ = idx.hnsw.Delete(id)
	} else {
		idx.flat.Delete(id)
	}
	return nil
}

// GetVector returns the stored vector for id, or ok=false if absent.
func (idx *Index) GetVector(ctx context.Context, id string) ([]float32, bool, error) {
	var blob []byte
	err := idx.db.QueryRowContext(ctx, `SELECT vector FROM vectors WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, assocerr.Wrap("vectorindex.get_vector", assocerr.KindStoreUnavailable, err)
	}
	vec, err := encoding.DecodeVector(blob)
	if err != nil {
		return nil, false, assocerr.Wrap("vectorindex.get_vector", assocerr.KindInternal, err)
	}
	return vec, true, nil
}

// Search returns up to k ids with score >= minScore and scope matching
// filter, sorted by score descending then id ascending for determinism.
func (idx *Index) Search(query []float32, filter scope.Filter, k int, minScore float64) ([]Hit, error) {
	if err := encoding.ValidateVector(query); err != nil {
		return nil, assocerr.Wrap("vectorindex.search", assocerr.KindValidation, err)
	}
	if k <= 0 {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	// Over-fetch from the ANN index since it is scope-unaware, then
	// filter and re-rank in Go; widen if the scope filter is selective
	// and we didn't get enough candidates back.
	fetch := k * 4
	if fetch < 50 {
		fetch = 50
	}

	var ids []string
	var dists []float32
	for attempt := 0; attempt < 4; attempt++ {
		if idx.cfg.UseHNSW {
			ef := idx.cfg.EfSearch
			if ef < fetch {
				ef = fetch
			}
			ids, dists = idx.hnsw.Search(query, fetch, ef)
		} else {
			ids, dists = idx.flat.Search(query, fetch)
		}
		matched := 0
		for _, id := range ids {
			if filter.Matches(idx.scopes[id]) {
				matched++
			}
		}
		if matched >= k || fetch >= len(idx.scopes) {
			break
		}
		fetch *= 4
	}

	hits := make([]Hit, 0, len(ids))
	for i, id := range ids {
		sc, ok := idx.scopes[id]
		if !ok || !filter.Matches(sc) {
			continue
		}
		score := 1 - float64(dists[i])
		if score < minScore {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Size returns the number of indexed vectors.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.scopes)
}

// AllIDs returns every indexed id, for use by Reconcile.
func (idx *Index) AllIDs() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.scopes))
	for id := range idx.scopes {
		out = append(out, id)
	}
	return out
}

func (cfg Config) String() string {
	return fmt.Sprintf("vectorindex.Config{dim=%d hnsw=%v}", cfg.Dimensions, cfg.UseHNSW)
}
