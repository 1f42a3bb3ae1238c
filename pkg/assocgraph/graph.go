// Package assocgraph implements the AssociationGraph component
// (spec §4.4): directed, typed, weighted edges between memory ids, kept
// in memory and written through to SQLite on every change.
package assocgraph

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/assocmem/core/pkg/assocerr"
	"github.com/assocmem/core/pkg/corelog"
)

// Direction selects which edges EdgesOf returns relative to a node.
type Direction int

const (
	DirOut Direction = iota
	DirIn
	DirBoth
)

// Association is a directed, typed, weighted edge between two memories.
type Association struct {
	SourceID      string
	TargetID      string
	Type          string
	Strength      float64
	AutoGenerated bool
	CreatedAt     time.Time
}

type edgeKey struct {
	src, dst, typ string
}

// Graph is the AssociationGraph: in-memory adjacency with a SQLite
// table for durability, grounded on the teacher's graph_nodes/
// graph_edges schema and its foreign-key cascade delete.
type Graph struct {
	mu    sync.RWMutex
	db    *sql.DB
	nodes map[string]bool
	out   map[string]map[edgeKey]*Association
	in    map[string]map[edgeKey]*Association
	log   corelog.Logger
}

// Open creates the backing tables (if absent) and loads existing edges
// into memory.
func Open(ctx context.Context, db *sql.DB, log corelog.Logger) (*Graph, error) {
	if log == nil {
		log = corelog.Nop()
	}
	g := &Graph{
		db:    db,
		nodes: make(map[string]bool),
		out:   make(map[string]map[edgeKey]*Association),
		in:    make(map[string]map[edgeKey]*Association),
		log:   log,
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS graph_nodes (
			id TEXT PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS graph_edges (
			source_id TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
			target_id TEXT NOT NULL REFERENCES graph_nodes(id) ON DELETE CASCADE,
			edge_type TEXT NOT NULL,
			strength REAL NOT NULL DEFAULT 1.0,
			auto_generated INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (source_id, target_id, edge_type)
		);
		CREATE INDEX IF NOT EXISTS idx_graph_edges_source ON graph_edges(source_id);
		CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges(target_id);
	`); err != nil {
		return nil, assocerr.Wrap("assocgraph.open", assocerr.KindStoreUnavailable, err)
	}

	if err := g.load(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) load(ctx context.Context) error {
	nodeRows, err := g.db.QueryContext(ctx, `SELECT id FROM graph_nodes`)
	if err != nil {
		return assocerr.Wrap("assocgraph.load", assocerr.KindStoreUnavailable, err)
	}
	defer nodeRows.Close()

	g.mu.Lock()
	defer g.mu.Unlock()
	for nodeRows.Next() {
		var id string
		if err := nodeRows.Scan(&id); err != nil {
			return assocerr.Wrap("assocgraph.load", assocerr.KindInternal, err)
		}
		g.nodes[id] = true
	}

	edgeRows, err := g.db.QueryContext(ctx, `SELECT source_id, target_id, edge_type, strength, auto_generated, created_at FROM graph_edges`)
	if err != nil {
		return assocerr.Wrap("assocgraph.load", assocerr.KindStoreUnavailable, err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		a := &Association{}
		var autoGen int
		if err := edgeRows.Scan(&a.SourceID, &a.TargetID, &a.Type, &a.Strength, &autoGen, &a.CreatedAt); err != nil {
			return assocerr.Wrap("assocgraph.load", assocerr.KindInternal, err)
		}
		a.AutoGenerated = autoGen != 0
		g.indexEdgeLocked(a)
	}
	return edgeRows.Err()
}

func (g *Graph) indexEdgeLocked(a *Association) {
	key := edgeKey{a.SourceID, a.TargetID, a.Type}
	if g.out[a.SourceID] == nil {
		g.out[a.SourceID] = make(map[edgeKey]*Association)
	}
	g.out[a.SourceID][key] = a
	if g.in[a.TargetID] == nil {
		g.in[a.TargetID] = make(map[edgeKey]*Association)
	}
	g.in[a.TargetID][key] = a
}

// AddNode registers id as present in the graph. Idempotent.
func (g *Graph) AddNode(ctx context.Context, id string) error {
	if _, err := g.db.ExecContext(ctx, `INSERT OR IGNORE INTO graph_nodes (id) VALUES (?)`, id); err != nil {
		return assocerr.Wrap("assocgraph.add_node", assocerr.KindStoreUnavailable, err)
	}
	g.mu.Lock()
	g.nodes[id] = true
	g.mu.Unlock()
	return nil
}

// RemoveNode deletes id and every edge touching it (Data Model
// Invariant 2), relying on ON DELETE CASCADE for the durable side.
func (g *Graph) RemoveNode(ctx context.Context, id string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM graph_nodes WHERE id = ?`, id); err != nil {
		return assocerr.Wrap("assocgraph.remove_node", assocerr.KindStoreUnavailable, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)
	for key := range g.out[id] {
		delete(g.in[key.dst], key)
	}
	delete(g.out, id)
	for _, edges := range g.out {
		for key := range edges {
			if key.dst == id {
				delete(edges, key)
			}
		}
	}
	delete(g.in, id)
	return nil
}

// AddEdge replaces any prior edge with the same (src, dst, type).
func (g *Graph) AddEdge(ctx context.Context, src, dst, typ string, strength float64, autoGenerated bool) error {
	now := time.Now().UTC()
	autoGen := 0
	if autoGenerated {
		autoGen = 1
	}
	if _, err := g.db.ExecContext(ctx, `
		INSERT INTO graph_edges (source_id, target_id, edge_type, strength, auto_generated, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id, edge_type) DO UPDATE SET
			strength=excluded.strength, auto_generated=excluded.auto_generated
	`, src, dst, typ, strength, autoGen, now); err != nil {
		return assocerr.Wrap("assocgraph.add_edge", assocerr.KindStoreUnavailable, err)
	}

	g.mu.Lock()
	g.indexEdgeLocked(&Association{SourceID: src, TargetID: dst, Type: typ, Strength: strength, AutoGenerated: autoGenerated, CreatedAt: now})
	g.mu.Unlock()
	return nil
}

// RemoveAutoEdgesFrom deletes every auto-generated outgoing edge from
// id, used by MemoryEngine.Update when preserve_associations is false.
func (g *Graph) RemoveAutoEdgesFrom(ctx context.Context, id string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM graph_edges WHERE source_id = ? AND auto_generated = 1`, id); err != nil {
		return assocerr.Wrap("assocgraph.remove_auto_edges", assocerr.KindStoreUnavailable, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, a := range g.out[id] {
		if a.AutoGenerated {
			delete(g.out[id], key)
			delete(g.in[key.dst], key)
		}
	}
	return nil
}

// EdgesOf returns edges touching id in the given direction with
// strength >= minStrength.
func (g *Graph) EdgesOf(id string, direction Direction, minStrength float64) []*Association {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*Association
	if direction == DirOut || direction == DirBoth {
		for _, a := range g.out[id] {
			if a.Strength >= minStrength {
				out = append(out, a)
			}
		}
	}
	if direction == DirIn || direction == DirBoth {
		for _, a := range g.in[id] {
			if a.Strength >= minStrength {
				out = append(out, a)
			}
		}
	}
	return out
}

// Neighbors performs a bounded, deduplicated BFS from id up to depth,
// following edges with strength >= minStrength in both directions.
func (g *Graph) Neighbors(id string, depth int, minStrength float64) []string {
	if depth <= 0 {
		depth = 1
	}
	visited := map[string]bool{id: true}
	queue := []struct {
		id string
		d  int
	}{{id, 0}}

	var result []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.d >= depth {
			continue
		}
		for _, a := range g.EdgesOf(cur.id, DirBoth, minStrength) {
			next := a.TargetID
			if next == cur.id {
				next = a.SourceID
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			result = append(result, next)
			queue = append(queue, struct {
				id string
				d  int
			}{next, cur.d + 1})
		}
	}
	return result
}

// HasNode reports whether id is registered.
func (g *Graph) HasNode(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// AllNodeIDs returns every registered node id, for Reconcile.
func (g *Graph) AllNodeIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	return out
}

// AllEdges returns every edge, for Reconcile's dangling-endpoint sweep.
func (g *Graph) AllEdges() []*Association {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Association
	for _, edges := range g.out {
		for _, a := range edges {
			out = append(out, a)
		}
	}
	return out
}

// RemoveEdge deletes one specific edge.
func (g *Graph) RemoveEdge(ctx context.Context, src, dst, typ string) error {
	if _, err := g.db.ExecContext(ctx, `DELETE FROM graph_edges WHERE source_id=? AND target_id=? AND edge_type=?`, src, dst, typ); err != nil {
		return assocerr.Wrap("assocgraph.remove_edge", assocerr.KindStoreUnavailable, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	key := edgeKey{src, dst, typ}
	delete(g.out[src], key)
	delete(g.in[dst], key)
	return nil
}
