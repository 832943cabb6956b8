package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func stepWith(id string, status StepStatus, progress int) DeploymentStep {
	s := cmdStep(id)
	s.Status = status
	s.Progress = progress
	return s
}

func TestOverallProgress(t *testing.T) {
	tests := []struct {
		name  string
		steps []DeploymentStep
		want  float64
	}{
		{"no steps", nil, 0},
		{"all pending", []DeploymentStep{stepWith("a", StepStatusPending, 0), stepWith("b", StepStatusPending, 0)}, 0},
		{
			name: "one of four done and one half way",
			steps: []DeploymentStep{
				stepWith("a", StepStatusSuccess, 100),
				stepWith("b", StepStatusInProgress, 50),
				stepWith("c", StepStatusPending, 0),
				stepWith("d", StepStatusPending, 0),
			},
			want: 37.5,
		},
		{
			name: "warning counts as completed",
			steps: []DeploymentStep{
				stepWith("a", StepStatusWarning, 100),
				stepWith("b", StepStatusSuccess, 100),
			},
			want: 100,
		},
		{
			name: "failed steps contribute nothing",
			steps: []DeploymentStep{
				stepWith("a", StepStatusSuccess, 100),
				stepWith("b", StepStatusError, 40),
				stepWith("c", StepStatusPending, 0),
			},
			want: 33.33,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OverallProgress(tt.steps))
		})
	}
}

func TestProgressAggregator_Throttles(t *testing.T) {
	steps := []DeploymentStep{
		stepWith("a", StepStatusPending, 0),
		stepWith("b", StepStatusPending, 0),
	}
	agg := NewProgressAggregator(len(steps), 0)

	_, publish := agg.Observe(steps)
	assert.False(t, publish, "initial zero is not published")

	steps[0] = stepWith("a", StepStatusInProgress, 10)
	value, publish := agg.Observe(steps)
	assert.Equal(t, 5.0, value)
	assert.True(t, publish)

	steps[0] = stepWith("a", StepStatusInProgress, 10)
	_, publish = agg.Observe(steps)
	assert.False(t, publish, "unchanged progress is not republished")

	steps[0] = stepWith("a", StepStatusSuccess, 100)
	value, publish = agg.Observe(steps)
	assert.Equal(t, 50.0, value)
	assert.True(t, publish)
	assert.Equal(t, 50.0, agg.Published())
}

func TestProgressAggregator_SmallStepsAccumulate(t *testing.T) {
	steps := make([]DeploymentStep, 0, 400)
	for i := 0; i < 400; i++ {
		steps = append(steps, stepWith(string(rune('a'+i%26))+string(rune('0'+i/26)), StepStatusPending, 0))
	}
	agg := NewProgressAggregator(len(steps), 0.5)

	published := 0
	for i := 0; i < 4; i++ {
		steps[i].Status = StepStatusSuccess
		if _, ok := agg.Observe(steps); ok {
			published++
		}
	}
	// 0.25 points per step: the first move is published, then 0.75
	assert.Equal(t, 2, published)
	assert.Equal(t, 1.0, agg.Current())
	assert.Equal(t, 0.75, agg.Published())
}

func TestProgressAggregator_TotalExcludesNonApplicable(t *testing.T) {
	steps := []DeploymentStep{
		stepWith("a", StepStatusSuccess, 100),
		stepWith("b", StepStatusPending, 0),
		stepWith("aws-only", StepStatusPending, 0),
	}
	agg := NewProgressAggregator(2, 0)

	value, _ := agg.Observe(steps)
	assert.Equal(t, 50.0, value)
}

func TestProgressAggregator_Final(t *testing.T) {
	agg := NewProgressAggregator(3, 0)
	value, publish := agg.Final()
	assert.Equal(t, 100.0, value)
	assert.True(t, publish)

	_, publish = agg.Final()
	assert.False(t, publish)
	assert.Equal(t, 100.0, agg.Current())
}
