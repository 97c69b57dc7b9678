package main

import (
	"context"
	"testing"

	"github.com/flowstate/engine/internal/blockgraph"
	"github.com/flowstate/engine/internal/cache"
	"github.com/flowstate/engine/internal/descriptor"
	"github.com/flowstate/engine/internal/eventflow"
)

// TestCompileOrFetchGraphCachesAcrossCalls covers the read-through cache
// path: a first call populates the cache, and a second call is served
// straight off it without ever touching the builder/compiler pipeline.
func TestCompileOrFetchGraphCachesAcrossCalls(t *testing.T) {
	ctx := context.Background()
	set := &classSet{raw: map[string]*descriptor.RawClass{}, extracted: map[string]*descriptor.Class{}}
	builder := blockgraph.NewBuilder(set)
	compiler := eventflow.NewCompiler(set)
	c := cache.NewInMemoryCache()
	defer c.Close()

	m := &descriptor.Method{Name: "Noop"}

	first, err := compileOrFetchGraph(ctx, c, nil, "Widget", m, builder, compiler)
	if err != nil {
		t.Fatalf("first compile: %v", err)
	}

	if _, err := c.Get(ctx, graphCacheKey("Widget", "Noop")); err != nil {
		t.Fatalf("expected the cache to be populated after a miss: %v", err)
	}

	// Passing nil builder/compiler proves this call is served from the
	// cache: a miss here would nil-deref before returning.
	second, err := compileOrFetchGraph(ctx, c, nil, "Widget", m, nil, nil)
	if err != nil {
		t.Fatalf("second compile (expected a cache hit): %v", err)
	}
	if second.Entry != first.Entry || len(second.Nodes) != len(first.Nodes) {
		t.Fatalf("expected the cached graph to match the freshly compiled one, got %+v vs %+v", second, first)
	}
}

// TestCompileOrFetchGraphNilCacheAlwaysRecompiles covers Cache.Backend
// "none": every call must still succeed, just without caching.
func TestCompileOrFetchGraphNilCacheAlwaysRecompiles(t *testing.T) {
	ctx := context.Background()
	set := &classSet{raw: map[string]*descriptor.RawClass{}, extracted: map[string]*descriptor.Class{}}
	builder := blockgraph.NewBuilder(set)
	compiler := eventflow.NewCompiler(set)

	m := &descriptor.Method{Name: "Noop"}
	if _, err := compileOrFetchGraph(ctx, nil, nil, "Widget", m, builder, compiler); err != nil {
		t.Fatalf("compile with no cache: %v", err)
	}
}
