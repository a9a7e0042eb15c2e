package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitebind/sitebind/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <binding>",
		Short: "Show the convergence status of a binding",
		Example: `  bindctl status shop.example.com
  bindctl status shop.example.com --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.reporter.Get(ctx, args[0])
			if err != nil {
				return err
			}

			return render(os.Stdout, s, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "Binding:\t%s\n", s.BindingID)
				fmt.Fprintf(tw, "Aliases:\t%s\n", orDash(strings.Join(s.Aliases, ", ")))
				fmt.Fprintf(tw, "Status:\t%s\n", s.Status)
				if s.Reason != "" {
					fmt.Fprintf(tw, "Reason:\t%s\n", s.Reason)
				}
				if s.ErrorCode != "" {
					fmt.Fprintf(tw, "Error code:\t%s\n", s.ErrorCode)
				}
				if s.FailingOperation != "" {
					fmt.Fprintf(tw, "Failing operation:\t%s %s\n", s.FailingOperation, s.FailingResource)
				}
				if s.Remediation != "" {
					fmt.Fprintf(tw, "Remediation:\t%s\n", s.Remediation)
				}
				fmt.Fprintf(tw, "Attempts:\t%d (%d consecutive failures)\n", s.Attempts, s.ConsecutiveFailures)
				fmt.Fprintf(tw, "Certificate:\t%s\n", orDash(s.CertificateRef))
				fmt.Fprintf(tw, "Distribution:\t%s\n", orDash(s.DistributionRef))
				if s.NextRetryAt != nil {
					fmt.Fprintf(tw, "Next check:\t%s\n", s.NextRetryAt.Format(time.RFC3339))
				}
				fmt.Fprintf(tw, "Converging since:\t%s\n", s.ConvergenceStarted.Format(time.RFC3339))
				fmt.Fprintf(tw, "Updated:\t%s\n", s.UpdatedAt.Format(time.RFC3339))
			})
		},
	}

	return cmd
}

func newListCommand() *cobra.Command {
	var (
		statuses []string
		limit    int
		summary  bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bindings and their convergence status",
		Example: `  # Every binding
  bindctl list

  # Bindings that need an operator
  bindctl list --status BLOCKED --status FAILED

  # Counts per status
  bindctl list --summary`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if summary {
				sum, err := a.reporter.Summary(ctx)
				if err != nil {
					return err
				}
				return render(os.Stdout, sum, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "STATUS\tBINDINGS")
					for _, st := range engine.AllStatuses {
						fmt.Fprintf(tw, "%s\t%d\n", st, sum.ByStatus[st])
					}
					fmt.Fprintf(tw, "TOTAL\t%d\n", sum.Total)
				})
			}

			filter := engine.BindingFilter{Limit: limit}
			for _, name := range statuses {
				st, err := engine.ParseStatus(strings.ToUpper(name))
				if err != nil {
					return err
				}
				filter.Statuses = append(filter.Statuses, st)
			}

			list, err := a.reporter.List(ctx, filter)
			if err != nil {
				return err
			}

			return render(os.Stdout, list, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "BINDING\tSTATUS\tATTEMPTS\tREASON\tUPDATED")
				for _, s := range list {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
						s.BindingID, s.Status, s.Attempts, orDash(s.Reason), s.UpdatedAt.Format(time.RFC3339))
				}
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "only list bindings in these statuses")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of bindings")
	cmd.Flags().BoolVar(&summary, "summary", false, "print counts per status")

	return cmd
}
