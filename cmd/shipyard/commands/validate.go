package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/shipyard/pkg/config"
	"github.com/openfroyo/shipyard/pkg/engine"
)

func newValidateCommand(global *globalOptions) *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "validate [pipeline]",
		Short: "Validate a deployment pipeline",
		Long: `Validate a pipeline file without running it.

This command checks:
  - YAML or CUE syntax
  - Conformance to the pipeline schema
  - Step dependencies (unknown steps and cycles), warning about steps that
    depend on a later step
  - The deployment configuration, including provider naming rules and
    production recommendations`,
		Example: `  # Validate the pipeline in the current directory
  shipyard validate

  # Validate a CUE pipeline and print its step graph
  shipyard validate ./deploy/shipyard.cue --dot | dot -Tsvg > steps.svg`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pipeline, path, err := loadPipeline(args)
			if err != nil {
				return err
			}
			steps := pipeline.DeploymentSteps(nil)
			out := cmd.OutOrStdout()

			graph, err := engine.BuildStepGraph(steps)
			if err != nil {
				return err
			}
			if dot {
				fmt.Fprint(out, graph.ToDOT())
				return nil
			}

			result := config.NewValidator().ValidateConfig(pipeline.Config)
			forward := graph.ForwardReferences()
			for _, step := range steps {
				for _, dep := range forward[step.ID] {
					result.Warnings = append(result.Warnings, fmt.Sprintf("step %s depends on %s, which is declared later; it will always be skipped", step.ID, dep))
				}
			}
			if global.jsonOutput {
				if err := writeJSON(out, result); err != nil {
					return err
				}
			} else {
				renderValidation(cmd, path, len(steps), result)
			}

			if !result.Valid {
				return fmt.Errorf("%s: %d configuration errors", path, len(result.Errors))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the step dependency graph in Graphviz DOT format")

	return cmd
}

func renderValidation(cmd *cobra.Command, path string, steps int, result engine.ValidationResult) {
	s := defaultStyles()
	out := cmd.OutOrStdout()

	for _, e := range result.Errors {
		fmt.Fprintln(out, s.Error.Render("✗ "+e))
	}
	for _, w := range result.Warnings {
		fmt.Fprintln(out, s.Warning.Render("! "+w))
	}
	if result.Valid {
		fmt.Fprintf(out, "%s %s: %d steps\n", s.Success.Render("✓"), path, steps)
	}
}
