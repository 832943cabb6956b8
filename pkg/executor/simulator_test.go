package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/aws/smithy-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/status"

	"github.com/openfroyo/shipyard/pkg/engine"
)

func instantSimulator(opts ...SimulatorOption) *Simulator {
	base := []SimulatorOption{WithLatency(0), WithConnectDelay(0), WithSeed(7)}
	return NewSimulator(append(base, opts...)...)
}

func simRequest(provider engine.CloudProvider, env engine.Environment) engine.CommandRequest {
	return engine.CommandRequest{
		StepID:      "deploy-api",
		Command:     "helm upgrade api ./chart",
		Provider:    provider,
		Region:      "eastus",
		Environment: env,
	}
}

func TestSimulator_Success(t *testing.T) {
	sim := instantSimulator(WithFailureRate(0))
	progress := &progressRecorder{}
	req := simRequest(engine.ProviderAWS, engine.EnvironmentDevelopment)
	req.OnProgress = progress.record

	res, err := sim.Execute(context.Background(), req)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 100, res.Progress)
	require.Len(t, res.Logs, 3)
	assert.Contains(t, res.Logs[0], "Command executed successfully: helm upgrade api ./chart")
	assert.Contains(t, res.Logs[1], "Provider: aws")
	assert.Contains(t, res.Logs[2], "Environment: development")
	assert.Equal(t, []int{100}, progress.snapshot())
}

func TestSimulator_ProductionNeverFails(t *testing.T) {
	sim := instantSimulator(WithFailureRate(1))

	for i := 0; i < 20; i++ {
		res, err := sim.Execute(context.Background(), simRequest(engine.ProviderGCP, engine.EnvironmentProduction))
		require.NoError(t, err)
		require.True(t, res.Success)
	}
}

func TestSimulator_ProviderShapedFailures(t *testing.T) {
	expected := []string{engine.CodePermissionDenied, engine.CodeResourceNotFound, engine.CodeRateLimited}

	tests := []struct {
		provider engine.CloudProvider
		shape    func(error) bool
	}{
		{engine.ProviderAWS, func(err error) bool {
			var apiErr smithy.APIError
			return errors.As(err, &apiErr)
		}},
		{engine.ProviderAzure, func(err error) bool {
			var respErr *azcore.ResponseError
			return errors.As(err, &respErr)
		}},
		{engine.ProviderGCP, func(err error) bool {
			_, ok := status.FromError(err)
			return ok
		}},
		{engine.ProviderCustom, func(err error) bool {
			var perr *engine.ProviderError
			return errors.As(err, &perr)
		}},
	}

	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			sim := instantSimulator(WithFailureRate(1))
			for i := 0; i < 10; i++ {
				res, err := sim.Execute(context.Background(), simRequest(tt.provider, engine.EnvironmentStaging))
				require.Error(t, err)
				assert.Nil(t, res)
				assert.True(t, tt.shape(err), "unexpected error shape %T", err)

				derr := engine.Classify(err, tt.provider)
				assert.Contains(t, expected, derr.Code)
			}
		})
	}
}

func TestSimulator_SeedIsReproducible(t *testing.T) {
	outcomes := func() []string {
		sim := NewSimulator(WithLatency(0), WithSeed(42), WithFailureRate(0.5))
		var out []string
		for i := 0; i < 30; i++ {
			_, err := sim.Execute(context.Background(), simRequest(engine.ProviderAWS, engine.EnvironmentDevelopment))
			if err != nil {
				out = append(out, engine.Classify(err, engine.ProviderAWS).Code)
			} else {
				out = append(out, "ok")
			}
		}
		return out
	}

	first := outcomes()
	assert.Equal(t, first, outcomes())
	assert.Contains(t, first, "ok")
}

func TestSimulator_ProgressWithFakeClock(t *testing.T) {
	clk := clockwork.NewFakeClock()
	sim := NewSimulator(
		WithClock(clk),
		WithLatency(2*time.Second),
		WithProgressInterval(500*time.Millisecond),
		WithFailureRate(0),
	)
	progress := &progressRecorder{}
	req := simRequest(engine.ProviderAzure, engine.EnvironmentStaging)
	req.OnProgress = progress.record

	done := make(chan *engine.CommandResult, 1)
	go func() {
		res, _ := sim.Execute(context.Background(), req)
		done <- res
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, 2))
	for i := 0; i < 4; i++ {
		clk.Advance(500 * time.Millisecond)
	}

	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.True(t, res.Success)
	case <-ctx.Done():
		t.Fatal("simulated command did not finish")
	}

	values := progress.snapshot()
	require.NotEmpty(t, values)
	assert.Equal(t, 100, values[len(values)-1])
	for i, v := range values[:len(values)-1] {
		assert.LessOrEqual(t, v, 90)
		if i > 0 {
			assert.Greater(t, v, values[i-1])
		}
	}
}

func TestSimulator_Cancelled(t *testing.T) {
	sim := NewSimulator(WithLatency(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sim.Execute(ctx, simRequest(engine.ProviderAWS, engine.EnvironmentStaging))
	assert.ErrorIs(t, err, context.Canceled)

	ok, err := sim.Connect(ctx, engine.DeploymentConfig{ClusterName: "platform"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimulator_Connect(t *testing.T) {
	sim := instantSimulator(WithUnreachableClusters("legacy"))

	ok, err := sim.Connect(context.Background(), engine.DeploymentConfig{ClusterName: "platform"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = sim.Connect(context.Background(), engine.DeploymentConfig{ClusterName: "legacy"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSimulator_DrivesOrchestrator(t *testing.T) {
	sim := instantSimulator(WithFailureRate(1))
	orch, err := engine.NewOrchestrator(engine.Dependencies{Commands: sim, Connector: sim},
		engine.WithRetryStrategy(engine.RetryStrategy{MaxAttempts: 1, BackoffFactor: 2}))
	require.NoError(t, err)

	steps := []engine.DeploymentStep{
		{ID: engine.ConnectStepID, Title: "Connect to cluster"},
		{ID: "deploy", Title: "Deploy", Command: "kubectl apply -f k8s/", DependsOn: []string{engine.ConnectStepID}},
	}
	cfg := engine.DeploymentConfig{
		Provider:    engine.ProviderAWS,
		Environment: engine.EnvironmentProduction,
		Region:      "us-east-1",
		ClusterName: "platform",
		Namespace:   "apps",
	}

	result, err := orch.Run(context.Background(), steps, cfg)

	require.NoError(t, err)
	assert.Equal(t, engine.RunStatusCompleted, result.Status)
	assert.Equal(t, []string{engine.ConnectStepID, "deploy"}, result.CompletedIDs)
}
