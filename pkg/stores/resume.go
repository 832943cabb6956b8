package stores

import (
	"context"
	"fmt"
	"slices"

	"github.com/openfroyo/shipyard/pkg/engine"
)

// ResumeSteps marks the steps that succeeded in a recorded run as already
// completed, so the orchestrator skips them. The recorded run must target
// the same provider, environment and cluster as cfg.
func ResumeSteps(ctx context.Context, store Store, runID string, steps []engine.DeploymentStep, cfg engine.DeploymentConfig) ([]engine.DeploymentStep, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Provider != cfg.Provider || run.Environment != cfg.Environment || run.ClusterName != cfg.ClusterName {
		return nil, fmt.Errorf("run %s targeted %s/%s/%s, not %s/%s/%s", runID,
			run.Provider, run.Environment, run.ClusterName,
			cfg.Provider, cfg.Environment, cfg.ClusterName)
	}
	if run.Status == engine.RunStatusRunning {
		return nil, fmt.Errorf("run %s has not finished", runID)
	}

	succeeded, err := store.SucceededStepIDs(ctx, runID)
	if err != nil {
		return nil, err
	}

	out := make([]engine.DeploymentStep, len(steps))
	copy(out, steps)
	for i := range out {
		if slices.Contains(succeeded, out[i].ID) {
			out[i].Status = engine.StepStatusSuccess
			out[i].Progress = 100
		}
	}
	return out, nil
}
