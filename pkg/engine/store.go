package engine

import (
	"fmt"
	"sync"
)

// StepStore is the registry of a run's steps. Update is the only write path.
type StepStore struct {
	mu sync.RWMutex

	// order is the declaration order of step ids
	order []string

	// steps maps step IDs to their current state
	steps map[string]*DeploymentStep

	// completed lists step ids in the order they reached success
	completed []string

	// observers are notified after each update
	observers []func(StepChange)
}

// NewStepStore copies steps into a new store. Empty statuses become pending.
// The dependency graph must be acyclic and reference only steps in the set.
func NewStepStore(steps []DeploymentStep) (*StepStore, error) {
	if err := ValidateDependencies(steps); err != nil {
		return nil, err
	}

	s := &StepStore{
		order: make([]string, 0, len(steps)),
		steps: make(map[string]*DeploymentStep, len(steps)),
	}
	for _, step := range steps {
		cp := cloneStep(step)
		if cp.Status == "" {
			cp.Status = StepStatusPending
		}
		if err := cp.Status.Validate(); err != nil {
			return nil, fmt.Errorf("step %s: %w", cp.ID, err)
		}
		s.steps[cp.ID] = &cp
		s.order = append(s.order, cp.ID)
	}
	return s, nil
}

// Subscribe registers fn to be called after every update, outside the store lock.
func (s *StepStore) Subscribe(fn func(StepChange)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Get returns a copy of the step.
func (s *StepStore) Get(id string) (DeploymentStep, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, ok := s.steps[id]
	if !ok {
		return DeploymentStep{}, false
	}
	return cloneStep(*step), true
}

// All returns copies of all steps in declaration order.
func (s *StepStore) All() []DeploymentStep {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DeploymentStep, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneStep(*s.steps[id]))
	}
	return out
}

// Len returns the number of steps.
func (s *StepStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// CompletedIDs returns the ids of steps that reached success during this run,
// in completion order.
func (s *StepStore) CompletedIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.completed...)
}

// DependenciesMet returns the dependencies of id that are not in success.
func (s *StepStore) DependenciesMet(id string) (bool, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, ok := s.steps[id]
	if !ok {
		return false, nil
	}
	var unmet []string
	for _, dep := range step.DependsOn {
		d, exists := s.steps[dep]
		if !exists || d.Status != StepStatusSuccess {
			unmet = append(unmet, dep)
		}
	}
	return len(unmet) == 0, unmet
}

// Update merges patch into the step.
func (s *StepStore) Update(id string, patch StepPatch) error {
	s.mu.Lock()

	step, ok := s.steps[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStepNotFound, id)
	}
	if patch.WhileRunning && step.Status != StepStatusInProgress {
		s.mu.Unlock()
		return nil
	}
	if patch.Status != nil {
		if err := patch.Status.Validate(); err != nil {
			s.mu.Unlock()
			return err
		}
	}

	previous := step.Status
	if patch.Status != nil {
		step.Status = *patch.Status
	}

	switch {
	case patch.Progress != nil:
		p := clampProgress(*patch.Progress)
		// progress only moves forward while a step keeps running
		if patch.Status == nil && step.Status == StepStatusInProgress && p < step.Progress {
			p = step.Progress
		}
		step.Progress = p
	case step.Status == StepStatusInProgress && previous != StepStatusInProgress:
		step.Progress = 0
	}

	if patch.ClearError {
		step.ErrorMessage = ""
		step.ErrorCode = ""
		step.ErrorDetails = nil
	}
	if patch.ErrorMessage != nil {
		step.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ErrorCode != nil {
		step.ErrorCode = *patch.ErrorCode
	}
	if patch.ErrorDetails != nil {
		step.ErrorDetails = copyDetails(patch.ErrorDetails)
	}
	if len(patch.AppendLog) > 0 {
		step.OutputLog = append(step.OutputLog, patch.AppendLog...)
	}

	if patch.Status != nil {
		switch {
		case step.Status == StepStatusSuccess && previous != StepStatusSuccess:
			s.completed = append(s.completed, id)
		case step.Status == StepStatusPending:
			s.removeCompleted(id)
		}
	}

	change := StepChange{Step: cloneStep(*step), Previous: previous}
	observers := append([]func(StepChange){}, s.observers...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(change)
	}
	return nil
}

// removeCompleted drops id from the completion list. Caller holds the lock.
func (s *StepStore) removeCompleted(id string) {
	for i, c := range s.completed {
		if c == id {
			s.completed = append(s.completed[:i], s.completed[i+1:]...)
			return
		}
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func cloneStep(step DeploymentStep) DeploymentStep {
	cp := step
	cp.DependsOn = append([]string(nil), step.DependsOn...)
	cp.OutputLog = append([]string(nil), step.OutputLog...)
	cp.ErrorDetails = copyDetails(step.ErrorDetails)
	return cp
}

func copyDetails(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
