package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fractal-lba/halving/internal/history"
)

var historyOpts history.Options

// historyCmd inspects and maintains the rung history store
func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or prune the rung history store",
	}

	cmd.PersistentFlags().StringVar(&historyOpts.Backend, "backend", "memory", "History backend (memory, redis, postgres)")
	cmd.PersistentFlags().StringVar(&historyOpts.SnapshotPath, "snapshot", "", "Snapshot file for the memory backend")
	cmd.PersistentFlags().StringVar(&historyOpts.RedisAddr, "redis-addr", "localhost:6379", "Redis address")
	cmd.PersistentFlags().StringVar(&historyOpts.PostgresConn, "postgres-conn", "", "Postgres connection string")

	cmd.AddCommand(historyShowCmd())
	cmd.AddCommand(historyPruneCmd())

	return cmd
}

func historyShowCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the recorded rungs of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			store, err := history.Open(ctx, historyOpts)
			if err != nil {
				return fmt.Errorf("failed to open history: %w", err)
			}
			defer store.Close()

			reports, err := store.List(ctx, sessionID)
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No rungs recorded for %s\n", sessionID)
				return nil
			}
			for _, r := range reports {
				fmt.Fprintln(cmd.OutOrStdout(), r.String())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session id")
	cmd.MarkFlagRequired("session")

	return cmd
}

func historyPruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete Postgres history older than a given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if historyOpts.Backend != "postgres" {
				return fmt.Errorf("prune is only supported for the postgres backend")
			}
			store, err := history.NewPostgresStore(ctx, historyOpts.PostgresConn)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.CleanupOlderThan(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d rung reports older than %v\n", n, olderThan)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Minimum age of deleted reports")

	return cmd
}
