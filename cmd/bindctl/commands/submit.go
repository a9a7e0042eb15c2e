package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sitebind/sitebind/pkg/config"
	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/stores"
)

func newSubmitCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create or update bindings from desired-state documents",
		Long: `Submit desired states. A new binding starts in PENDING_DNS_VALIDATION.

Resubmitting a BLOCKED or FAILED binding re-enters PENDING_DNS_VALIDATION and
clears its counters; so does any change to the desired state of a live
binding. An unchanged resubmission of a live binding is a no-op.`,
		Example: `  # Submit one binding
  bindctl submit -f shop.yaml

  # Submit every binding of a CUE package
  bindctl submit -f ./bindings`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			docs, err := config.NewDesiredLoader().Load(ctx, file)
			if err != nil {
				return err
			}

			a, err := openApp(ctx, appOptions{engine: true, offline: true})
			if err != nil {
				return err
			}
			defer a.Close()

			statuses := make([]*engine.BindingStatus, 0, len(docs))
			for _, doc := range docs {
				rec, err := a.reconciler.Submit(ctx, doc.State)
				if err != nil {
					return fmt.Errorf("failed to submit %s: %w", doc.State.Domain, err)
				}
				a.audit(ctx, stores.AuditActionSubmit, rec.BindingID, map[string]string{
					"source":      doc.Source,
					"fingerprint": rec.Fingerprint,
				})
				statuses = append(statuses, engine.Project(rec))
			}

			return render(os.Stdout, statuses, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "BINDING\tSTATUS\tALIASES")
				for _, s := range statuses {
					fmt.Fprintf(tw, "%s\t%s\t%d\n", s.BindingID, s.Status, len(s.Aliases))
				}
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "desired-state file or directory (.yaml, .yml, .json, .cue)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
