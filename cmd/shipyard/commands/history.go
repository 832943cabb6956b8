package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/shipyard/pkg/engine"
	"github.com/openfroyo/shipyard/pkg/stores"
)

func newHistoryCommand(global *globalOptions) *cobra.Command {
	var (
		environment string
		status      string
		limit       int
		events      int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded deployment runs",
		Long: `Show the deployment runs recorded in the history database.

Without arguments the most recent runs are listed. With a run id the run is
shown with the outcome of each step and its latest events.`,
		Example: `  # List the last 20 runs
  shipyard history

  # List failed production runs
  shipyard history --environment production --status failed

  # Show one run with its last 50 events
  shipyard history 2f1c9d4e-... --events 50`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := stores.OpenSQLiteStore(ctx, global.dbPath)
			if err != nil {
				return fmt.Errorf("failed to open run history: %w", err)
			}
			defer store.Close()

			out := cmd.OutOrStdout()

			if len(args) == 0 {
				runs, err := store.ListRuns(ctx, stores.RunFilter{
					Environment: engine.Environment(environment),
					Status:      engine.RunStatus(status),
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if global.jsonOutput {
					return writeJSON(out, runs)
				}
				renderRuns(out, runs)
				return nil
			}

			run, err := store.GetRun(ctx, args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("no recorded run %s", args[0])
			}
			if err != nil {
				return err
			}
			steps, err := store.GetRunSteps(ctx, run.ID)
			if err != nil {
				return err
			}
			evts, err := store.GetEvents(ctx, run.ID, events)
			if err != nil {
				return err
			}

			if global.jsonOutput {
				return writeJSON(out, struct {
					Run    *stores.Run           `json:"run"`
					Steps  []*stores.StepRecord  `json:"steps"`
					Events []*stores.EventRecord `json:"events,omitempty"`
				}{run, steps, evts})
			}
			renderRun(out, run, steps, evts)
			return nil
		},
	}

	cmd.Flags().StringVar(&environment, "environment", "", "only runs for this environment")
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().IntVar(&events, "events", 20, "number of latest events to show for a run")

	cmd.AddCommand(newHistoryPruneCommand(global))

	return cmd
}

func newHistoryPruneCommand(global *globalOptions) *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the most recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep < 0 {
				return fmt.Errorf("--keep must not be negative")
			}
			ctx := cmd.Context()
			store, err := stores.OpenSQLiteStore(ctx, global.dbPath)
			if err != nil {
				return fmt.Errorf("failed to open run history: %w", err)
			}
			defer store.Close()

			deleted, err := store.PruneRuns(ctx, keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d runs\n", deleted)
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 50, "number of recent runs to keep")

	return cmd
}
