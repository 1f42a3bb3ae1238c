// Package index provides the in-memory vector index primitives used by
// pkg/vectorindex: an approximate (HNSW) and an exact (Flat) index.
package index

import (
	"container/heap"
	"encoding/gob"
	"errors"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"
)

// HNSWNode represents a node in the HNSW graph.
type HNSWNode struct {
	ID        string
	Vector    []float32
	Level     int
	Neighbors [][]string // neighbor ids at each level
	Deleted   bool
}

// HNSW implements a Hierarchical Navigable Small World approximate
// nearest-neighbor index.
type HNSW struct {
	M              int     // max bidirectional links per node above layer 0
	MaxM           int     // max links at layer 0
	EfConstruction int     // size of the dynamic candidate list while building
	ML             float64 // level assignment constant

	Nodes      map[string]*HNSWNode
	EntryPoint string

	DistFunc func(a, b []float32) float32

	mu  sync.RWMutex
	rng *rand.Rand
}

// NewHNSW constructs an HNSW index with the given fan-out and
// construction-time search breadth, using distFunc to score candidates.
func NewHNSW(m, efConstruction int, distFunc func(a, b []float32) float32) *HNSW {
	seed := time.Now().UnixNano()
	return &HNSW{
		M:              m,
		MaxM:           m * 2,
		EfConstruction: efConstruction,
		ML:             1.0 / math.Log(2.0),
		Nodes:          make(map[string]*HNSWNode),
		DistFunc:       distFunc,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

func (h *HNSW) selectLevel() int {
	level := 0
	for h.rng.Float64() < 0.5 {
		level++
		if level > 16 {
			break
		}
	}
	return level
}

// Insert adds a new vector to the index under id. Returns an error if
// id already exists; callers should Delete first to replace.
func (h *HNSW) Insert(id string, vector []float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, exists := h.Nodes[id]; exists && !existing.Deleted {
		return errors.New("node already exists: " + id)
	}

	level := h.selectLevel()
	node := &HNSWNode{
		ID:        id,
		Vector:    vector,
		Level:     level,
		Neighbors: make([][]string, level+1),
	}
	for i := 0; i <= level; i++ {
		node.Neighbors[i] = make([]string, 0)
	}
	h.Nodes[id] = node

	if h.EntryPoint == "" {
		h.EntryPoint = id
		return nil
	}

	currNearest := []string{h.EntryPoint}
	entryNode := h.Nodes[h.EntryPoint]
	for lc := entryNode.Level; lc > level; lc-- {
		currNearest = h.searchLayerClosest(vector, currNearest, 1, lc)
	}

	for lc := level; lc >= 0; lc-- {
		m := h.M
		if lc == 0 {
			m = h.MaxM
		}
		candidates := h.searchLayer(vector, currNearest, h.EfConstruction, lc)
		neighbors := h.selectNeighborsHeuristic(vector, candidates, m)

		node.Neighbors[lc] = neighbors
		for _, neighbor := range neighbors {
			h.addConnection(neighbor, id, lc)

			neighborNode := h.Nodes[neighbor]
			maxConn := h.M
			if lc == 0 {
				maxConn = h.MaxM
			}
			if lc < len(neighborNode.Neighbors) && len(neighborNode.Neighbors[lc]) > maxConn {
				newNeighbors := h.selectNeighborsHeuristic(neighborNode.Vector, neighborNode.Neighbors[lc], maxConn)
				neighborNode.Neighbors[lc] = newNeighbors
			}
		}
		currNearest = neighbors
	}

	if level > h.Nodes[h.EntryPoint].Level {
		h.EntryPoint = id
	}
	return nil
}

func (h *HNSW) searchLayer(query []float32, entryPoints []string, ef int, layer int) []string {
	visited := make(map[string]bool)
	candidates := &distHeap{}
	dynamicList := &distHeap{}

	for _, point := range entryPoints {
		dist := h.DistFunc(query, h.Nodes[point].Vector)
		heap.Push(candidates, &heapItem{id: point, dist: dist})
		heap.Push(dynamicList, &heapItem{id: point, dist: -dist})
		visited[point] = true
	}

	for candidates.Len() > 0 {
		if dynamicList.Len() > 0 {
			lowerBound := (*candidates)[0].dist
			if lowerBound > -(*dynamicList)[0].dist {
				break
			}
		}

		current := heap.Pop(candidates).(*heapItem)
		currentNode := h.Nodes[current.id]
		if layer >= len(currentNode.Neighbors) {
			continue
		}

		for _, neighbor := range currentNode.Neighbors[layer] {
			if visited[neighbor] {
				continue
			}
			visited[neighbor] = true
			dist := h.DistFunc(query, h.Nodes[neighbor].Vector)
			if dist < -(*dynamicList)[0].dist || dynamicList.Len() < ef {
				heap.Push(candidates, &heapItem{id: neighbor, dist: dist})
				heap.Push(dynamicList, &heapItem{id: neighbor, dist: -dist})
				if dynamicList.Len() > ef {
					heap.Pop(dynamicList)
				}
			}
		}
	}

	result := make([]string, 0, dynamicList.Len())
	for dynamicList.Len() > 0 {
		item := heap.Pop(dynamicList).(*heapItem)
		result = append(result, item.id)
	}
	for i := 0; i < len(result)/2; i++ {
		result[i], result[len(result)-1-i] = result[len(result)-1-i], result[i]
	}
	return result
}

func (h *HNSW) searchLayerClosest(query []float32, entryPoints []string, num, layer int) []string {
	candidates := h.searchLayer(query, entryPoints, num, layer)
	if len(candidates) > num {
		return candidates[:num]
	}
	return candidates
}

func (h *HNSW) selectNeighborsHeuristic(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}
	type distPair struct {
		id   string
		dist float32
	}
	pairs := make([]distPair, len(candidates))
	for i, candidate := range candidates {
		pairs[i] = distPair{id: candidate, dist: h.DistFunc(query, h.Nodes[candidate].Vector)}
	}
	for i := 0; i < len(pairs)-1; i++ {
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].dist < pairs[i].dist {
				pairs[i], pairs[j] = pairs[j], pairs[i]
			}
		}
	}
	result := make([]string, 0, m)
	for i := 0; i < m && i < len(pairs); i++ {
		result = append(result, pairs[i].id)
	}
	return result
}

func (h *HNSW) addConnection(from, to string, layer int) {
	fromNode, exists := h.Nodes[from]
	if !exists || layer >= len(fromNode.Neighbors) {
		return
	}
	for _, neighbor := range fromNode.Neighbors[layer] {
		if neighbor == to {
			return
		}
	}
	fromNode.Neighbors[layer] = append(fromNode.Neighbors[layer], to)
}

// Search returns up to k candidate ids and their distances (ascending),
// searching with breadth ef at layer 0.
func (h *HNSW) Search(query []float32, k, ef int) ([]string, []float32) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.EntryPoint == "" {
		return []string{}, []float32{}
	}

	entryNode := h.Nodes[h.EntryPoint]
	currNearest := []string{h.EntryPoint}
	for layer := entryNode.Level; layer > 0; layer-- {
		currNearest = h.searchLayerClosest(query, currNearest, 1, layer)
	}

	candidates := h.searchLayer(query, currNearest, ef, 0)

	type result struct {
		id   string
		dist float32
	}
	results := make([]result, 0, len(candidates))
	for _, candidate := range candidates {
		if node, exists := h.Nodes[candidate]; exists && !node.Deleted {
			results = append(results, result{id: candidate, dist: h.DistFunc(query, node.Vector)})
		}
	}
	for i := 0; i < len(results)-1; i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].dist < results[i].dist {
				results[i], results[j] = results[j], results[i]
			}
		}
	}

	limit := k
	if limit > len(results) {
		limit = len(results)
	}
	ids := make([]string, limit)
	distances := make([]float32, limit)
	for i := 0; i < limit; i++ {
		ids[i] = results[i].id
		distances[i] = results[i].dist
	}
	return ids, distances
}

// Delete soft-deletes id, reassigning the entry point if needed.
func (h *HNSW) Delete(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	node, exists := h.Nodes[id]
	if !exists {
		return errors.New("node not found")
	}
	node.Deleted = true

	if h.EntryPoint == id {
		h.EntryPoint = ""
		for nodeID, n := range h.Nodes {
			if !n.Deleted {
				h.EntryPoint = nodeID
				break
			}
		}
	}
	return nil
}

// Size returns the number of non-deleted nodes.
func (h *HNSW) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, node := range h.Nodes {
		if !node.Deleted {
			count++
		}
	}
	return count
}

// Save serializes the index (for fast reload without a full rebuild).
func (h *HNSW) Save(w io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	enc := gob.NewEncoder(w)
	if err := enc.Encode(h.M); err != nil {
		return err
	}
	if err := enc.Encode(h.EfConstruction); err != nil {
		return err
	}
	if err := enc.Encode(h.EntryPoint); err != nil {
		return err
	}
	if err := enc.Encode(len(h.Nodes)); err != nil {
		return err
	}
	for _, node := range h.Nodes {
		if err := enc.Encode(node); err != nil {
			return err
		}
	}
	return nil
}

// Load deserializes an index previously written by Save.
func (h *HNSW) Load(r io.Reader) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	dec := gob.NewDecoder(r)
	if err := dec.Decode(&h.M); err != nil {
		return err
	}
	h.MaxM = h.M * 2
	h.ML = 1.0 / math.Log(2.0)
	if err := dec.Decode(&h.EfConstruction); err != nil {
		return err
	}
	if err := dec.Decode(&h.EntryPoint); err != nil {
		return err
	}
	var count int
	if err := dec.Decode(&count); err != nil {
		return err
	}
	h.Nodes = make(map[string]*HNSWNode, count)
	for i := 0; i < count; i++ {
		var node HNSWNode
		if err := dec.Decode(&node); err != nil {
			return err
		}
		h.Nodes[node.ID] = &node
	}
	return nil
}

type heapItem struct {
	id   string
	dist float32
}

type distHeap []*heapItem

func (h distHeap) Len() int            { return len(h) }
func (h distHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h distHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *distHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// EuclideanDistance computes the Euclidean distance between a and b.
func EuclideanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return float32(math.Sqrt(float64(sum)))
}

// CosineDistance computes 1 - cosine similarity.
func CosineDistance(a, b []float32) float32 {
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 1.0
	}
	sim := dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
	return 1.0 - sim
}
