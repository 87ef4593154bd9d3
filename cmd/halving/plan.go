package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fractal-lba/halving/internal/selection"
)

// planCmd prints the rung schedule for a pool
func planCmd() *cobra.Command {
	var (
		candidates int
		eta        float64
		budget     int
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the rung schedule for a pool size, eta and budget",
		Long: `Shows when each rung closes, how many candidates it removes and how much
of the budget is consumed, assuming the stream is long enough.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printPlan(cmd.OutOrStdout(), candidates, eta, budget)
		},
	}

	cmd.Flags().IntVarP(&candidates, "candidates", "n", 10, "Number of candidates")
	cmd.Flags().Float64Var(&eta, "eta", 2, "Elimination rate")
	cmd.Flags().IntVar(&budget, "budget", 2000, "Training budget")

	return cmd
}

func printPlan(out io.Writer, candidates int, eta float64, budget int) error {
	p, err := selection.NewPlanner(budget, candidates, eta)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "=== Rung Plan ===\n")
	fmt.Fprintf(out, "Candidates: %d\n", candidates)
	fmt.Fprintf(out, "Eta: %g\n", eta)
	fmt.Fprintf(out, "Budget: %d\n", budget)
	fmt.Fprintf(out, "Rounds: %d\n\n", p.Rounds())

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUNG\tCANDIDATES\tITERATIONS\tREMOVED\tLEFT\tBUDGET USED\tCLOSES AT")
	for _, r := range p.Plan() {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.Rung, r.Candidates, r.Iterations, r.Removed, r.Remaining, r.BudgetUsed, r.Observation)
	}
	return tw.Flush()
}
