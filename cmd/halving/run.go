package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fractal-lba/halving/internal/history"
	"github.com/fractal-lba/halving/internal/learner"
	"github.com/fractal-lba/halving/internal/session"
)

type runOptions struct {
	data       string
	target     string
	task       string
	metric     string
	model      string
	grid       []string
	budget     int
	eta        float64
	journalDir string
	snapshot   string
}

// runCmd streams a CSV file through a selection session
func runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stream a CSV file through successive halving",
		Long: `Reads a CSV file with a header row, uses the target column as the label and
every other column as a numeric feature, and reports the surviving candidate.`,
		Example: `  halving run --data houses.csv --target price --grid lr=0.001,0.01,0.1 --budget 5000
  halving run --data churn.csv --target churned --task classification --metric logloss`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(opts.data)
			if err != nil {
				return err
			}
			defer f.Close()

			return runStream(cmd.Context(), f, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.data, "data", "", "CSV file with a header row")
	cmd.Flags().StringVar(&opts.target, "target", "", "Label column")
	cmd.Flags().StringVar(&opts.task, "task", session.TaskRegression, "regression or classification")
	cmd.Flags().StringVar(&opts.metric, "metric", "", "Metric (mae, mse, rmse, accuracy, logloss)")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model family (linear, mean, logistic)")
	cmd.Flags().StringArrayVar(&opts.grid, "grid", nil, "Hyper-parameter values, e.g. lr=0.01,0.1 (repeatable)")
	cmd.Flags().IntVar(&opts.budget, "budget", 1000, "Training budget")
	cmd.Flags().Float64Var(&opts.eta, "eta", 2, "Elimination rate")
	cmd.Flags().StringVar(&opts.journalDir, "journal-dir", "", "Journal the run for later replay")
	cmd.Flags().StringVar(&opts.snapshot, "history-snapshot", "", "Record rungs into a history snapshot file")
	cmd.MarkFlagRequired("data")
	cmd.MarkFlagRequired("target")

	return cmd
}

func runStream(ctx context.Context, in io.Reader, opts runOptions, out, errOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	grid, err := parseGrid(opts.grid)
	if err != nil {
		return err
	}

	cfg := session.DefaultConfig()
	cfg.Capacity = 1
	cfg.TTL = 0
	cfg.JournalDir = opts.journalDir
	cfg.Logger = log.New(errOut, "", 0)

	var store history.Store
	if opts.snapshot != "" {
		ms := history.NewMemoryStore(opts.snapshot)
		defer func() {
			if err := ms.Close(); err != nil {
				log.Printf("history snapshot: %v", err)
			}
		}()
		store = ms
	}

	mgr, err := session.NewManager(cfg, store, nil)
	if err != nil {
		return err
	}
	defer mgr.Close()

	sess, err := mgr.Create(ctx, session.Definition{
		Task:    opts.task,
		Metric:  opts.metric,
		Model:   opts.model,
		Grid:    grid,
		Budget:  opts.budget,
		Eta:     opts.eta,
		Verbose: verbose,
	})
	if err != nil {
		return err
	}

	r := csv.NewReader(in)
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	targetCol := -1
	for i, name := range header {
		if strings.TrimSpace(name) == opts.target {
			targetCol = i
		}
	}
	if targetCol < 0 {
		return fmt.Errorf("target column %q not found in header", opts.target)
	}
	names := make([]string, len(header))
	for i, name := range header {
		names[i] = strings.TrimSpace(name)
	}

	line := 1
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}

		obs, err := parseRow(names, record, targetCol)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if _, err := mgr.Observe(ctx, sess.ID, []session.Observation{obs}); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}

	st, err := mgr.Status(sess.ID)
	if err != nil {
		return err
	}
	printStatus(out, st)
	if opts.journalDir != "" || opts.snapshot != "" {
		fmt.Fprintf(out, "Session: %s\n", sess.ID)
	}
	return nil
}

// parseRow turns a CSV record into an observation. Empty cells are left out
// of the feature vector.
func parseRow(names, record []string, targetCol int) (session.Observation, error) {
	x := make(learner.Features, len(record)-1)
	for i, cell := range record {
		if i == targetCol {
			continue
		}
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return session.Observation{}, fmt.Errorf("column %s: %q is not numeric", names[i], cell)
		}
		x[names[i]] = v
	}
	return session.Observation{Features: x, Label: strings.TrimSpace(record[targetCol])}, nil
}

// parseGrid reads "name=v1,v2" entries.
func parseGrid(entries []string) (map[string][]float64, error) {
	grid := make(map[string][]float64, len(entries))
	for _, entry := range entries {
		name, list, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("grid entry %q: want name=v1,v2", entry)
		}
		name = strings.TrimSpace(name)
		for _, raw := range strings.Split(list, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return nil, fmt.Errorf("grid entry %q: %w", entry, err)
			}
			grid[name] = append(grid[name], v)
		}
	}
	return grid, nil
}

func printStatus(out io.Writer, st session.Status) {
	fmt.Fprintf(out, "=== Selection ===\n")
	fmt.Fprintf(out, "Task: %s (%s, %s)\n", st.Task, st.Model, st.Definition.Metric)
	fmt.Fprintf(out, "Observations: %d\n", st.Observations)
	fmt.Fprintf(out, "Rungs: %d\n", st.Rung)
	fmt.Fprintf(out, "Active: %d of %d\n", st.Active, st.Candidates)
	fmt.Fprintf(out, "Budget used: %d of %d\n", st.BudgetUsed, st.Budget)
	fmt.Fprintf(out, "Best candidate: %d\n", st.BestID)
	fmt.Fprintf(out, "Best %s: %.6f\n", st.MetricName, st.BestMetric)
	if st.BestID < len(st.Scores) {
		fmt.Fprintf(out, "Params: %s\n", formatParams(st.Scores[st.BestID].Params))
	}
}

func formatParams(p learner.Params) string {
	if len(p) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%g", k, p[k])
	}
	return strings.Join(parts, " ")
}
