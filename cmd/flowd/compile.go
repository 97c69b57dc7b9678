package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/flowstate/engine/internal/blockgraph"
	"github.com/flowstate/engine/internal/cache"
	"github.com/flowstate/engine/internal/config"
	"github.com/flowstate/engine/internal/descriptor"
	"github.com/flowstate/engine/internal/eventflow"
)

// classSet implements both descriptor.KnownClasses and blockgraph.ClassLookup
// and eventflow.ClassResolver over the classes named in one compile unit,
// a threaded registry passed explicitly instead of a process-global class
// table.
type classSet struct {
	raw       map[string]*descriptor.RawClass
	extracted map[string]*descriptor.Class
}

func (s *classSet) Has(name string) bool {
	_, ok := s.raw[name]
	return ok
}

func (s *classSet) Class(name string) (*descriptor.Class, bool) {
	c, ok := s.extracted[name]
	return c, ok
}

func (s *classSet) FunctionType(className string) (eventflow.FunctionType, bool) {
	if !s.Has(className) {
		return "", false
	}
	return eventflow.FunctionType(className), true
}

// compileUnit is the on-disk shape a compile invocation reads: one or more
// raw class descriptions to extract, split, and lower to EFGs.
type compileUnit struct {
	Classes []*descriptor.RawClass `json:"classes"`
}

// compileOutput is what gets written back out: every extracted class
// descriptor plus the compiled EFG for each splittable method.
type compileOutput struct {
	Classes map[string]*descriptor.Class            `json:"classes"`
	Graphs  map[string]map[string]*eventflow.Graph `json:"graphs"` // class -> method -> EFG
}

// openGraphCache builds the read-through cache the compile path consults
// before lowering a method to an EFG: compiled graphs are immutable, so a
// hit on a prior compile of the same (namespace, method) is always valid.
// "none" disables caching outright; "redis" layers an in-memory L1 in
// front of a shared L2 so a second `compile` invocation against the same
// classes.json, even from a different process, skips recompilation. The
// accompanying invalidator is non-nil only for the redis backend: this
// invocation publishes every freshly recompiled (namespace, method) key on
// the invalidation channel. The compile command never calls the
// invalidator's Start, so it does not itself listen on that channel; only a
// process running Start evicts the announced key from its L1.
func openGraphCache(cfg *config.Config) (cache.Cache, *cache.CacheInvalidator) {
	switch cfg.Cache.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		l2 := cache.NewRedisCacheFromClient(client, cfg.Cache.KeyPrefix)
		l1 := cache.NewInMemoryCache()
		return cache.NewTieredCache(l1, l2, cfg.Cache.L1TTL), cache.NewCacheInvalidator(l1, client)
	case "none":
		return nil, nil
	default:
		return cache.NewInMemoryCache(), nil
	}
}

func compileCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "compile <classes.json>",
		Short: "Extract descriptors, build block graphs, and compile Event Flow Graphs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)
			graphCache, invalidator := openGraphCache(cfg)
			if graphCache != nil {
				defer graphCache.Close()
			}
			if invalidator != nil {
				defer invalidator.Close()
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			var unit compileUnit
			if err := json.Unmarshal(data, &unit); err != nil {
				return fmt.Errorf("decode input: %w", err)
			}

			set := &classSet{
				raw:       make(map[string]*descriptor.RawClass, len(unit.Classes)),
				extracted: make(map[string]*descriptor.Class, len(unit.Classes)),
			}
			for _, rc := range unit.Classes {
				set.raw[rc.Name] = rc
			}

			extractor := descriptor.NewExtractor(set)
			for _, rc := range unit.Classes {
				class, err := extractor.Extract(rc)
				if err != nil {
					return fmt.Errorf("extract %s: %w", rc.Name, err)
				}
				set.extracted[rc.Name] = class
			}

			builder := blockgraph.NewBuilder(set)
			compiler := eventflow.NewCompiler(set)

			out := compileOutput{
				Classes: set.extracted,
				Graphs:  make(map[string]map[string]*eventflow.Graph),
			}
			for name, class := range set.extracted {
				for _, methodName := range class.MethodOrder() {
					m := class.Methods[methodName]
					if !m.Splittable() {
						continue
					}

					graph, err := compileOrFetchGraph(ctx, graphCache, invalidator, name, m, builder, compiler)
					if err != nil {
						return err
					}
					if out.Graphs[name] == nil {
						out.Graphs[name] = make(map[string]*eventflow.Graph)
					}
					out.Graphs[name][m.Name] = graph
				}
			}

			encoded, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return fmt.Errorf("encode output: %w", err)
			}

			if outPath == "" {
				fmt.Println(string(encoded))
				return nil
			}
			return os.WriteFile(outPath, encoded, 0o644)
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write compiled output to this file instead of stdout")
	return cmd
}

// graphCacheKey names a compiled EFG's cache slot by (namespace, method):
// the same class source always lowers to the same graph, so a compiled
// graph may be shared freely across compile invocations once cached.
func graphCacheKey(namespace string, method string) string {
	return namespace + "/" + method
}

// compileOrFetchGraph serves a method's compiled EFG out of c on a hit
// (decoding the cached bytes straight back into a Graph, skipping the
// builder/compiler pipeline entirely) and otherwise builds, compiles, and
// validates it before populating the cache for next time and, when inv is
// set, announcing the recompiled key so peer processes' L1 copies evict. c
// and inv may be nil (cache disabled via Cache.Backend "none" or backed by
// a single in-memory layer with nothing else to invalidate).
func compileOrFetchGraph(ctx context.Context, c cache.Cache, inv *cache.CacheInvalidator, namespace string, m *descriptor.Method, builder *blockgraph.Builder, compiler *eventflow.Compiler) (*eventflow.Graph, error) {
	key := graphCacheKey(namespace, m.Name)

	if c != nil {
		if cached, err := c.Get(ctx, key); err == nil {
			var graph eventflow.Graph
			if err := json.Unmarshal(cached, &graph); err == nil {
				return &graph, nil
			}
			// a corrupt cache entry is not fatal: fall through and recompile.
		}
	}

	bg := builder.Build(m)
	graph, err := compiler.Compile(eventflow.FunctionType(namespace), m, bg)
	if err != nil {
		return nil, fmt.Errorf("compile %s.%s: %w", namespace, m.Name, err)
	}
	if err := eventflow.Validate(graph); err != nil {
		return nil, fmt.Errorf("validate %s.%s: %w", namespace, m.Name, err)
	}

	if c != nil {
		if encoded, err := json.Marshal(graph); err == nil {
			_ = c.Set(ctx, key, encoded, 0)
			if inv != nil {
				_ = inv.PublishInvalidation(ctx, key)
			}
		}
	}

	return graph, nil
}
