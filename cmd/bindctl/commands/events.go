package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/stores"
)

type history struct {
	Events []*engine.BindingEvent `json:"events" yaml:"events"`
	Audit  []*stores.AuditEntry   `json:"audit,omitempty" yaml:"audit,omitempty"`
}

func newEventsCommand() *cobra.Command {
	var (
		limit     int
		withAudit bool
	)

	cmd := &cobra.Command{
		Use:   "events <binding>",
		Short: "Show the event history of a binding",
		Long: `Print the most recent events of a binding, newest first: status
transitions, applied operations, conflicts, retries and drift repairs.
With --audit, the operator actions recorded for the binding are added.`,
		Example: `  bindctl events shop.example.com --limit 20
  bindctl events shop.example.com --audit --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			h := history{}
			if h.Events, err = a.reporter.Events(ctx, args[0], limit); err != nil {
				return err
			}
			if withAudit {
				id := engine.NormalizeHost(args[0])
				if h.Audit, err = a.store.ListAuditEntries(ctx, &id, limit, 0); err != nil {
					return err
				}
			}

			return render(os.Stdout, h, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "TIME\tEVENT\tSTATUS\tOPERATION\tMESSAGE")
				for _, ev := range h.Events {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						ev.Timestamp.Format(time.RFC3339), ev.Type, orDash(string(ev.Status)), orDash(string(ev.Operation)), ev.Message)
				}
				if len(h.Audit) > 0 {
					fmt.Fprintln(tw, "\nTIME\tACTION\tACTOR")
					for _, e := range h.Audit {
						fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Action, e.Actor)
					}
				}
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of events")
	cmd.Flags().BoolVar(&withAudit, "audit", false, "include operator actions")

	return cmd
}
