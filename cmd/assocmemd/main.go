// Command assocmemd is a CLI front-end for the associative memory
// engine: enough plumbing to initialize a store, push/pull memories,
// and run the background reconcile pass from a shell. The tool-protocol
// framing layer a production deployment sits behind is out of scope
// here; this is the operator's hatch into the same engine.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/assocmem/core/pkg/assocgraph"
	"github.com/assocmem/core/pkg/config"
	"github.com/assocmem/core/pkg/corelog"
	"github.com/assocmem/core/pkg/embed"
	"github.com/assocmem/core/pkg/engine"
	"github.com/assocmem/core/pkg/metadata"
	"github.com/assocmem/core/pkg/scope"
	"github.com/assocmem/core/pkg/search"
	"github.com/assocmem/core/pkg/vectorindex"
)

var (
	dataDir    string
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "assocmemd",
	Short: "CLI for the associative memory engine",
	Long:  `Operator CLI for initializing, inspecting, and driving an associative memory store.`,
}

func openDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=cache_size(-2000)&_pragma=foreign_keys(ON)", path)
	return sql.Open("sqlite", dsn)
}

type components struct {
	cfg    *config.Config
	log    corelog.Logger
	eng    *engine.Engine
	srch   *search.Engine
	closes []func() error
}

func open() (*components, error) {
	cfg, err := config.Load(configFile, dataDir)
	if err != nil {
		return nil, err
	}
	level := corelog.LevelInfo
	if verbose {
		level = corelog.LevelDebug
	}
	logger := corelog.NewStd(level)
	ctx := context.Background()

	metaDB, err := openDB(cfg.MetadataPath)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}
	vecDB, err := openDB(cfg.VectorPath)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	graphDB, err := openDB(cfg.GraphPath)
	if err != nil {
		return nil, fmt.Errorf("open graph db: %w", err)
	}

	metaStore, err := metadata.OpenDB(ctx, metaDB, logger.With("component", "metadata"))
	if err != nil {
		return nil, err
	}
	vecIdx, err := vectorindex.Open(ctx, vecDB, vectorindex.Config{
		Dimensions: cfg.Dimensions, UseHNSW: cfg.UseHNSW,
		M: 16, EfConstruction: 200, EfSearch: 50,
	}, logger.With("component", "vectorindex"))
	if err != nil {
		return nil, err
	}
	graph, err := assocgraph.Open(ctx, graphDB, logger.With("component", "assocgraph"))
	if err != nil {
		return nil, err
	}

	hasher := embed.NewHashEmbedder(cfg.Dimensions)
	embedder := embed.NewCachedEmbedder(hasher, cfg.EmbedCacheSize)

	eng := engine.New(embedder, vecIdx, metaStore, graph, cfg.AutoAssociation, logger.With("component", "engine"))
	srch := search.New(embedder, vecIdx, metaStore, graph)

	return &components{
		cfg: cfg, log: logger, eng: eng, srch: srch,
		closes: []func() error{metaDB.Close, vecDB.Close, graphDB.Close},
	}, nil
}

func (c *components) Close() {
	for _, fn := range c.closes {
		_ = fn()
	}
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the data directory and backing stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := open()
		if err != nil {
			return err
		}
		defer c.Close()
		fmt.Printf("initialized assocmem store at %s (dimensions=%d)\n", dataDir, c.cfg.Dimensions)
		return nil
	},
}

var storeCmd = &cobra.Command{
	Use:   "store <content>",
	Short: "Store a new memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, _ := cmd.Flags().GetString("scope")
		tagsStr, _ := cmd.Flags().GetString("tags")
		category, _ := cmd.Flags().GetString("category")

		var tags []string
		if tagsStr != "" {
			tags = strings.Split(tagsStr, ",")
		}

		c, err := open()
		if err != nil {
			return err
		}
		defer c.Close()

		res, err := c.eng.Store(context.Background(), engine.StoreInput{
			Content: args[0], Scope: sc, Tags: tags, Category: category,
		})
		if err != nil {
			return err
		}
		if res.DuplicateSuppressed {
			fmt.Printf("duplicate suppressed, existing id: %s\n", res.Memory.ID)
			return nil
		}
		fmt.Printf("stored %s in scope %q\n", res.Memory.ID, res.Memory.Scope)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Get a memory by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		includeAssoc, _ := cmd.Flags().GetBool("associations")
		c, err := open()
		if err != nil {
			return err
		}
		defer c.Close()

		res, err := c.eng.Get(context.Background(), args[0], includeAssoc)
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(res.Memory, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a memory by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := open()
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.eng.Delete(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories by semantic similarity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		minScore, _ := cmd.Flags().GetFloat64("min-score")
		scopeStr, _ := cmd.Flags().GetString("scope")

		filter := scope.None()
		if scopeStr != "" {
			filter = scope.Subtree(scopeStr)
		}

		c, err := open()
		if err != nil {
			return err
		}
		defer c.Close()

		results, err := c.srch.StandardSearch(context.Background(), search.StandardInput{
			Query: args[0], Filter: filter, Limit: limit, MinScore: minScore,
		})
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("%.4f  %s  %s\n", r.Score, r.Memory.ID, truncateForDisplay(r.Memory.Content, 80))
		}
		return nil
	},
}

func truncateForDisplay(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run the background consistency repair pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := open()
		if err != nil {
			return err
		}
		defer c.Close()

		res, err := c.eng.Reconcile(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("embedded=%d vector_pruned=%d edges_pruned=%d\n", res.EmbeddedCount, res.VectorPrunedCount, res.EdgesPrunedCount)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "./data", "Data directory for backing stores")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Optional YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	storeCmd.Flags().String("scope", "user/default", "Scope path for the new memory")
	storeCmd.Flags().String("tags", "", "Comma-separated tags")
	storeCmd.Flags().String("category", "", "Category label")

	getCmd.Flags().Bool("associations", false, "Include associations in output")

	searchCmd.Flags().Int("limit", 10, "Max results")
	searchCmd.Flags().Float64("min-score", 0.0, "Minimum similarity score")
	searchCmd.Flags().String("scope", "", "Restrict search to this scope subtree")

	rootCmd.AddCommand(initCmd, storeCmd, getCmd, deleteCmd, searchCmd, reconcileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
