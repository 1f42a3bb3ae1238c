// Package embed implements the Embedder capability: mapping text to a
// fixed-dimension, L2-normalized vector.
package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/assocmem/core/pkg/assocerr"
	"github.com/assocmem/core/pkg/cache"
)

// Embedder maps text to a unit-norm vector of a fixed dimension. The
// same text must yield the same vector for the lifetime of a process.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// HashEmbedder is a deterministic, dependency-free fallback embedder: a
// hashed bag-of-words projected into a fixed-dimension vector and
// L2-normalized. It never fails and never needs a loaded model, so it
// is the "deterministic fallback" the core selects when no real
// embedding backend is configured.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns a HashEmbedder producing vectors of the given
// dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim}
}

func (e *HashEmbedder) Dimensions() int { return e.dim }

// Embed hashes each token of text into one dimension using FNV-1a,
// accumulates signed contributions, then L2-normalizes the result.
// Tokenization (rather than the teacher's per-rune hashing) makes the
// vector stable under whitespace and punctuation variation while
// staying referentially transparent.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, assocerr.New("embed", assocerr.KindEmbeddingUnavailable, "empty text")
	}
	vec := make([]float32, e.dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		seed := h.Sum32()
		idx := int(seed) % e.dim
		if idx < 0 {
			idx += e.dim
		}
		// the low bit of the same hash decides the sign, so a repeated
		// token always adds to the same index with the same sign.
		sign := float32(1)
		if seed&1 == 1 {
			sign = -1
		}
		vec[idx] += sign * (1 + float32(seed%7))
	}
	normalize(vec)
	return vec, nil
}

func normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
}

// CachedEmbedder decorates another Embedder with a bounded LRU cache
// keyed by the exact input text, avoiding redundant recomputation for
// repeated content (e.g. duplicate-suppression re-checks).
type CachedEmbedder struct {
	inner Embedder
	cache *cache.LRU[string, []float32]
}

// NewCachedEmbedder wraps inner with an LRU cache of the given capacity.
func NewCachedEmbedder(inner Embedder, capacity int) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache.New[string, []float32](capacity)}
}

func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		out := make([]float32, len(v))
		copy(out, v)
		return out, nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Put(text, append([]float32(nil), v...))
	return v, nil
}

// CacheLen reports how many entries are currently cached.
func (c *CachedEmbedder) CacheLen() int { return c.cache.Len() }

// ClearCache empties the cache.
func (c *CachedEmbedder) ClearCache() { c.cache.Clear() }
