package engine

import (
	"fmt"
	"strings"
)

// StepGraph is the dependency graph of a step set.
// It is used for validation and visualization only; runs always iterate
// steps in declaration order.
type StepGraph struct {
	// order is the declaration order of step ids
	order []string

	// steps maps step IDs to their steps
	steps map[string]*DeploymentStep

	// dependents maps step IDs to the steps that depend on them
	dependents map[string][]string
}

// BuildStepGraph indexes steps, rejecting empty or duplicate ids, references to
// unknown steps and circular dependencies.
func BuildStepGraph(steps []DeploymentStep) (*StepGraph, error) {
	g := &StepGraph{
		order:      make([]string, 0, len(steps)),
		steps:      make(map[string]*DeploymentStep, len(steps)),
		dependents: make(map[string][]string, len(steps)),
	}

	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return nil, NewDeploymentError(CodeValidationFailed, "step has empty ID", nil).
				WithDetail("index", i)
		}
		if _, exists := g.steps[step.ID]; exists {
			return nil, NewDeploymentError(CodeValidationFailed,
				fmt.Sprintf("duplicate step ID: %s", step.ID), nil).WithStep(step.ID)
		}
		g.steps[step.ID] = step
		g.order = append(g.order, step.ID)
	}

	for _, id := range g.order {
		for _, dep := range g.steps[id].DependsOn {
			if _, exists := g.steps[dep]; !exists {
				return nil, NewDeploymentError(CodeValidationFailed,
					fmt.Sprintf("step %s depends on non-existent step %s", id, dep), nil).WithStep(id)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	return g, nil
}

// ValidateDependencies checks that the dependency graph of steps is well formed.
func ValidateDependencies(steps []DeploymentStep) error {
	_, err := BuildStepGraph(steps)
	return err
}

// detectCycles uses depth-first search to detect circular dependencies.
func (g *StepGraph) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range g.order {
		if visited[id] {
			continue
		}
		if cycle := g.visit(id, visited, recStack, nil); cycle != nil {
			return NewDeploymentError(CodeValidationFailed,
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil).
				WithDetail("cycle", cycle)
		}
	}

	return nil
}

// visit walks the dependents of nodeID and returns the cycle path if one is found.
func (g *StepGraph) visit(nodeID string, visited, recStack map[string]bool, path []string) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range g.dependents[nodeID] {
		if !visited[dependent] {
			if cycle := g.visit(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
			continue
		}
		if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]string{}, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// Dependents returns the ids of steps that directly depend on id.
func (g *StepGraph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Transitive returns every step that directly or indirectly depends on id,
// in declaration order.
func (g *StepGraph) Transitive(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, d := range g.dependents[n] {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for _, sid := range g.order {
		if seen[sid] {
			out = append(out, sid)
		}
	}
	return out
}

// ForwardReferences returns the steps that depend on a step declared after them.
// Such steps are always skipped because runs follow declaration order.
func (g *StepGraph) ForwardReferences() map[string][]string {
	pos := make(map[string]int, len(g.order))
	for i, id := range g.order {
		pos[id] = i
	}

	out := make(map[string][]string)
	for _, id := range g.order {
		for _, dep := range g.steps[id].DependsOn {
			if pos[dep] > pos[id] {
				out[id] = append(out[id], dep)
			}
		}
	}
	return out
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *StepGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Deployment {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=\"filled,rounded\"];\n\n")

	for _, id := range g.order {
		step := g.steps[id]
		label := step.Title
		if label == "" {
			label = id
		}
		sb.WriteString(fmt.Sprintf("  %q [label=%q, fillcolor=%q];\n", id, label, statusColor(step.Status)))
	}
	sb.WriteString("\n")

	for _, id := range g.order {
		for _, dep := range g.steps[id].DependsOn {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// statusColor returns a color for visualizing step status.
func statusColor(s StepStatus) string {
	switch s {
	case StepStatusSuccess, StepStatusRolledBack:
		return "lightgreen"
	case StepStatusInProgress, StepStatusRollingBack:
		return "lightblue"
	case StepStatusError, StepStatusRollbackFailed:
		return "lightcoral"
	case StepStatusWarning, StepStatusRollbackSkipped:
		return "khaki"
	default:
		return "white"
	}
}
