package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/shipyard/pkg/policy"
)

func newReadinessCommand(global *globalOptions) *cobra.Command {
	var (
		policies []string
		list     bool
	)

	cmd := &cobra.Command{
		Use:   "readiness [pipeline]",
		Short: "Check environment readiness for a pipeline",
		Long: `Evaluate the readiness policies against the pipeline's deployment target.

Deploy runs these checks automatically for production targets. Critical
failures abort a production deployment; other failures are warnings.

Built-in policies check the provider environment variables, a dedicated
namespace, ownership tags, and the replica, backup and monitoring tags.
Custom policies are Rego modules that define a deny set.`,
		Example: `  # Check the pipeline in the current directory
  shipyard readiness

  # Include custom policies
  shipyard readiness --policies ./policies

  # List the policies that would be evaluated
  shipyard readiness --list --policies ./policies`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger, err := global.logger()
			if err != nil {
				return err
			}
			defer logger.Close()

			pe, err := policy.NewEngine(logger.Zerolog())
			if err != nil {
				return err
			}
			if len(policies) > 0 {
				if err := pe.LoadPolicies(ctx, policies); err != nil {
					return fmt.Errorf("failed to load policies: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			if list {
				return listPolicies(cmd, global, pe.ListPolicies())
			}

			pipeline, _, err := loadPipeline(args)
			if err != nil {
				return err
			}

			checks, err := pe.CheckReadiness(ctx, pipeline.Config)
			if err != nil {
				return err
			}

			if global.jsonOutput {
				if err := writeJSON(out, checks); err != nil {
					return err
				}
			} else {
				renderReadiness(out, checks)
			}

			if summary := policy.Summarize(checks); !summary.Ready() {
				return fmt.Errorf("%d critical readiness checks failed", summary.FailedCritical)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&policies, "policies", nil, "additional readiness policy files or directories")
	cmd.Flags().BoolVar(&list, "list", false, "list policies instead of evaluating them")

	return cmd
}

func listPolicies(cmd *cobra.Command, global *globalOptions, policies []policy.Policy) error {
	out := cmd.OutOrStdout()
	if global.jsonOutput {
		return writeJSON(out, policies)
	}

	s := defaultStyles()
	for _, p := range policies {
		state := s.Success.Render("enabled")
		if !p.Enabled {
			state = s.Muted.Render("disabled")
		}
		kind := "warning"
		if p.Critical {
			kind = "critical"
		}
		fmt.Fprintf(out, "%-28s %-18s %-9s %s  %s\n", p.Name, p.Category, kind, state, s.Muted.Render(p.Source))
	}
	return nil
}
