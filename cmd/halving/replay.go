package main

import (
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"

	"github.com/fractal-lba/halving/internal/selection"
	"github.com/fractal-lba/halving/internal/session"
)

// replayCmd rebuilds a session from its journal
func replayCmd() *cobra.Command {
	var journal string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild a session from its journal and print its status",
		Long: `Replays every journaled observation through a fresh scheduler built from the
journaled session definition. Observations rejected when first received are
rejected again and counted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return replayJournal(journal, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&journal, "journal", "", "Journal file (<journal-dir>/<session-id>.wal)")
	cmd.MarkFlagRequired("journal")

	return cmd
}

func replayJournal(path string, out, errOut io.Writer) error {
	cfg := selection.Config{Logger: log.New(errOut, "", 0)}
	replayed, err := session.RestoreFile(path, cfg)
	if err != nil {
		return err
	}

	h := replayed.Header
	fmt.Fprintf(out, "Session: %s (created %s)\n", h.ID, h.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Replayed: %d observations, %d rejected\n", replayed.Observations, replayed.Rejected)
	printStatus(out, session.Status{
		ID:         h.ID,
		Task:       h.Definition.Task,
		Model:      h.Definition.Model,
		CreatedAt:  h.CreatedAt,
		Definition: h.Definition,
		Status:     replayed.Runner.Status(),
	})
	return nil
}
