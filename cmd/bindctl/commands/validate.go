package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sitebind/sitebind/pkg/config"
	"github.com/sitebind/sitebind/pkg/policy"
)

type validationReport struct {
	Domain     string                   `json:"domain" yaml:"domain"`
	Source     string                   `json:"source" yaml:"source"`
	Allowed    bool                     `json:"allowed" yaml:"allowed"`
	Violations []policy.PolicyViolation `json:"violations,omitempty" yaml:"violations,omitempty"`
	Warnings   []string                 `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var (
		file       string
		policyDirs []string
		strict     bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check desired states against the schema and admission policies",
		Long: `Validate desired-state documents without submitting them.

This command checks:
  - YAML or CUE syntax
  - Schema conformance (embedded CUE schema and field rules)
  - Admission policies (builtin Rego policies plus any policy directories)`,
		Example: `  # Validate a single file
  bindctl validate -f shop.yaml

  # Validate a directory of CUE files with extra policies
  bindctl validate -f ./bindings --policy-dir ./policies

  # Treat policy warnings as failures
  bindctl validate -f shop.cue --strict`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			docs, err := config.NewDesiredLoader().Load(ctx, file)
			if err != nil {
				return err
			}

			policyCfg := config.PolicyConfig{Enabled: true, Dirs: policyDirs}
			if cfg, err := loadConfig(); err == nil {
				policyCfg.Disabled = cfg.Policy.Disabled
				policyCfg.Dirs = append(policyCfg.Dirs, cfg.Policy.Dirs...)
			}
			pe, err := newPolicyEngine(ctx, policyCfg, log.Logger)
			if err != nil {
				return err
			}
			defer pe.Close()

			reports := make([]validationReport, 0, len(docs))
			failed := 0
			for i := range docs {
				result, err := pe.Evaluate(ctx, &docs[i].State)
				if err != nil {
					return fmt.Errorf("%s: %w", docs[i].State.Domain, err)
				}
				r := validationReport{
					Domain:     docs[i].State.Domain,
					Source:     docs[i].Source,
					Allowed:    len(result.Blocking()) == 0,
					Violations: result.Violations,
					Warnings:   result.Warnings,
				}
				if strict && len(result.Violations) > 0 {
					r.Allowed = false
				}
				if !r.Allowed {
					failed++
				}
				reports = append(reports, r)
			}

			err = render(os.Stdout, reports, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "DOMAIN\tSOURCE\tRESULT\tDETAILS")
				for _, r := range reports {
					result := "ok"
					if !r.Allowed {
						result = "denied"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d violations, %d warnings\n",
						r.Domain, r.Source, result, len(r.Violations), len(r.Warnings))
					for _, v := range r.Violations {
						fmt.Fprintf(tw, "\t\t\t[%s] %s: %s\n", v.Severity, v.Policy, v.Message)
					}
				}
			})
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d desired states failed validation", failed, len(reports))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "desired-state file or directory (.yaml, .yml, .json, .cue)")
	cmd.Flags().StringSliceVar(&policyDirs, "policy-dir", nil, "extra policy directories")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail on non-blocking violations too")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
