// Package main provides the agentdbctl CLI entry point.
//
// agentdbctl is a thin operational shell over pkg/agentdb: it never
// implements engine logic itself, only flag parsing and console
// formatting around the programmatic API (see SPEC_FULL.md §1, "thin over
// the core").
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/god-agent/agentdb/pkg/agentdb"
	"github.com/god-agent/agentdb/pkg/config"
	"github.com/god-agent/agentdb/pkg/episode"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentdbctl",
		Short: "agentdbctl - operational CLI for the agentdb memory engine",
		Long: `agentdbctl is a thin CLI over the agentdb library: a hybrid
graph-and-vector memory engine combining a typed hypergraph, an HNSW
vector index, and a temporal episode store.

It exposes only operational surfaces (integrity checks, metrics export,
bus flushing, ad-hoc similarity search) — there is no query language or
network protocol here, by design.`,
	}
	rootCmd.PersistentFlags().String("base-dir", "", "base directory (default: $AGENTDB_BASE_DIR or ./.agentdb)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("agentdbctl v%s\n", version)
			},
		},
		newIntegrityCmd(),
		newMetricsCmd(),
		newFlushBusCmd(),
		newSearchCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) *config.Config {
	cfg := config.LoadFromEnv()
	if dir, _ := cmd.Flags().GetString("base-dir"); dir != "" {
		cfg.Storage.BaseDir = dir
	}
	return cfg
}

func openDB(cmd *cobra.Command) (*agentdb.DB, error) {
	cfg := loadConfig(cmd)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return agentdb.Open(cfg)
}

func newIntegrityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "integrity",
		Short: "Run the hypergraph integrity check and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := db.Integrity()
			if err != nil {
				return fmt.Errorf("integrity check: %w", err)
			}
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			if !report.IsValid {
				os.Exit(1)
			}
			return nil
		},
	}
}

func newMetricsCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Export the metrics registry (Prometheus text format by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			if jsonOut {
				snap, err := db.Metrics.GetSnapshot()
				if err != nil {
					return fmt.Errorf("metrics snapshot: %w", err)
				}
				out, err := json.MarshalIndent(snap, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			text, err := db.Metrics.Export()
			if err != nil {
				return fmt.Errorf("metrics export: %w", err)
			}
			fmt.Print(text)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit a structured JSON snapshot instead of Prometheus text format")
	return cmd
}

func newFlushBusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush-bus",
		Short: "Force-flush any queued observability events to the daemon socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			before := db.Bus.QueueLen()
			db.Bus.Flush()
			after := db.Bus.QueueLen()
			fmt.Printf("bus queue: %d -> %d\n", before, after)
			return nil
		},
	}
}

func newSearchCmd() *cobra.Command {
	var k int
	var taskID string
	cmd := &cobra.Command{
		Use:   "search <query.json>",
		Short: "Search episodes by embedding similarity (query.json is a JSON float array)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading query file: %w", err)
			}
			var query []float32
			if err := json.Unmarshal(data, &query); err != nil {
				return fmt.Errorf("parsing query file as a JSON float array: %w", err)
			}

			db, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			q := episode.SimilarityQuery{Embedding: query, K: k}
			if taskID != "" {
				q.TaskIDs = []string{taskID}
			}
			hits, err := db.Episodes.SearchBySimilarity(context.Background(), q)
			if err != nil {
				return fmt.Errorf("similarity search: %w", err)
			}
			out, err := json.MarshalIndent(hits, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().IntVar(&k, "k", 10, "number of results to return")
	cmd.Flags().StringVar(&taskID, "task-id", "", "restrict results to a single taskId")
	return cmd
}
