package engine

import (
	"context"

	"github.com/assocmem/core/pkg/metadata"
	"github.com/assocmem/core/pkg/scope"
)

// ListAllResult is the output of ListAll.
type ListAllResult struct {
	Memories   []*metadata.Memory
	Page       int
	PerPage    int
	TotalCount int
}

// ListAll implements spec §6 "list_all": stable pagination over the
// full corpus, ordered by created_at desc, id asc (spec §8 property 6).
func (e *Engine) ListAll(ctx context.Context, page, perPage int) (*ListAllResult, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	total, err := e.metadata.Count(ctx, scope.None())
	if err != nil {
		return nil, err
	}
	mems, err := e.metadata.List(ctx, scope.None(), perPage, (page-1)*perPage)
	if err != nil {
		return nil, err
	}
	return &ListAllResult{Memories: mems, Page: page, PerPage: perPage, TotalCount: total}, nil
}

// ScopeNode is one entry in a list_scopes response.
type ScopeNode struct {
	Path        string
	MemoryCount int
	ChildCount  int
}

// ListScopes implements spec §6 "list_scopes": the distinct scopes in
// use, optionally rooted at parentScope, with optional memory counts.
func (e *Engine) ListScopes(ctx context.Context, parentScope string, includeMemoryCounts bool) ([]ScopeNode, error) {
	all, err := e.metadata.ListScopes(ctx)
	if err != nil {
		return nil, err
	}

	var filtered []string
	for _, sc := range all {
		if parentScope == "" || scope.IsAncestor(parentScope, sc) {
			filtered = append(filtered, sc)
		}
	}

	children := make(map[string]map[string]bool)
	for _, sc := range filtered {
		p, ok := scope.Parent(sc)
		if !ok {
			p = ""
		}
		if children[p] == nil {
			children[p] = make(map[string]bool)
		}
		children[p][sc] = true
	}

	out := make([]ScopeNode, 0, len(filtered))
	for _, sc := range filtered {
		node := ScopeNode{Path: sc, ChildCount: len(children[sc])}
		if includeMemoryCounts {
			n, err := e.metadata.Count(ctx, scope.Exact(sc))
			if err == nil {
				node.MemoryCount = n
			}
		}
		out = append(out, node)
	}
	return out, nil
}
