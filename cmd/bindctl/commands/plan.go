package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sitebind/sitebind/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		simulate bool
		dot      bool
	)

	cmd := &cobra.Command{
		Use:   "plan <binding>",
		Short: "Show the operations the next tick would apply",
		Long: `Read the live state of every resource of a binding and print the
operations needed to converge it, in dependency order. Nothing is applied.`,
		Example: `  # Plan against the configured providers
  bindctl plan shop.example.com

  # Render the operation graph in DOT format
  bindctl plan shop.example.com --dot | dot -Tpng > plan.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, appOptions{engine: true, simulate: simulate})
			if err != nil {
				return err
			}
			defer a.Close()

			plan, err := a.reconciler.Plan(ctx, args[0])
			if err != nil {
				return err
			}

			if dot {
				b := engine.NewDAGBuilder()
				if _, err := b.Order(plan.Operations); err != nil {
					return err
				}
				fmt.Print(b.ToDOT())
				return nil
			}

			return render(os.Stdout, plan, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "Phase:\t%s\n", plan.Phase)
				fmt.Fprintf(tw, "Operations:\t%d (dns %d, certificate %d, edge %d, platform %d)\n\n",
					plan.Summary.Total, plan.Summary.DNS, plan.Summary.Certificate, plan.Summary.Edge, plan.Summary.Platform)

				if len(plan.Operations) > 0 {
					fmt.Fprintln(tw, "#\tOPERATION\tTARGET\tDEPENDS ON")
					for i, op := range plan.Operations {
						fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, op.Kind, op.Target, orDash(strings.Join(op.DependsOn, ", ")))
					}
					fmt.Fprintln(tw)
				}
				for _, w := range plan.Waiting {
					fmt.Fprintf(tw, "waiting:\t%s\n", w)
				}
				for _, rec := range plan.ScopeMismatches {
					fmt.Fprintf(tw, "scope mismatch:\t%s\n", rec)
				}
				for _, b := range plan.Blockers {
					fmt.Fprintf(tw, "blocked:\t%s\n", b.Reason())
				}
				if plan.Converged() {
					fmt.Fprintln(tw, "No changes. The binding has converged.")
				}
			})
		},
	}

	cmd.Flags().BoolVar(&simulate, "simulate", false, "plan against the in-memory adapters")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the operation graph in DOT format")

	return cmd
}
