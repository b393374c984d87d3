package arraymerge

import (
	"fmt"

	"github.com/creastat/arraymerge/core"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Message string
	Details string
}

func (e ValidationError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

func invalid(format string, args ...any) ValidationError {
	return ValidationError{
		Message: "graph validation failed",
		Details: fmt.Sprintf(format, args...),
	}
}

// ValidateGraph checks the entry node, cycles, reachability, join wiring and
// type compatibility of a pipeline graph
func ValidateGraph(graph *PipelineGraph) error {
	if graph.GetEntryNode() == nil {
		return invalid("no entry node defined")
	}

	if err := detectCycles(graph); err != nil {
		return err
	}

	if err := checkReachability(graph); err != nil {
		return err
	}

	if err := validateJoins(graph); err != nil {
		return err
	}

	return validateTypeCompatibility(graph)
}

// detectCycles uses depth-first search to detect cycles in the graph
func detectCycles(graph *PipelineGraph) error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, node := range graph.AllNodes() {
		if !visited[node.Name()] && hasCycle(node, visited, recStack) {
			return invalid("cycle detected in pipeline graph")
		}
	}

	return nil
}

func hasCycle(node *graphNode, visited, recStack map[string]bool) bool {
	visited[node.Name()] = true
	recStack[node.Name()] = true

	for _, edge := range node.Outputs() {
		neighbor := edge.To()

		if !visited[neighbor.Name()] {
			if hasCycle(neighbor, visited, recStack) {
				return true
			}
		} else if recStack[neighbor.Name()] {
			return true
		}
	}

	recStack[node.Name()] = false
	return false
}

// checkReachability verifies that all nodes are reachable from the entry node
func checkReachability(graph *PipelineGraph) error {
	reachable := make(map[string]bool)
	markReachable(graph.GetEntryNode(), reachable)

	for _, node := range graph.AllNodes() {
		if !reachable[node.Name()] {
			return invalid("stage %q is unreachable from entry node", node.Name())
		}
	}

	return nil
}

func markReachable(node *graphNode, reachable map[string]bool) {
	if reachable[node.Name()] {
		return
	}

	reachable[node.Name()] = true

	for _, edge := range node.Outputs() {
		markReachable(edge.To(), reachable)
	}
}

// validateJoins checks that join nodes merge at least one slot and have something to merge
func validateJoins(graph *PipelineGraph) error {
	entry := graph.GetEntryNode()

	for _, node := range graph.AllNodes() {
		join := node.Join()
		if join == nil {
			continue
		}
		if join.Inputs < 1 {
			return invalid("join %q needs at least one input slot, got %d", node.Name(), join.Inputs)
		}
		if join.Policy != "" && join.Policy != core.JoinPolicyLatest {
			return invalid("join %q has unsupported policy %q", node.Name(), join.Policy)
		}
		if node != entry && len(node.Inputs()) == 0 {
			return invalid("join %q has no upstream stage", node.Name())
		}
	}

	return nil
}

// validateTypeCompatibility checks that connected stages share at least one event type
func validateTypeCompatibility(graph *PipelineGraph) error {
	for _, node := range graph.AllNodes() {
		outputTypes := node.Stage().OutputTypes()

		for _, edge := range node.Outputs() {
			downstreamNode := edge.To()
			downstreamInputTypes := downstreamNode.Stage().InputTypes()

			// empty lists accept or produce anything
			if len(downstreamInputTypes) == 0 || len(outputTypes) == 0 {
				continue
			}

			if !hasCompatibleType(outputTypes, downstreamInputTypes, edge.EventFilter()) {
				return invalid(
					"incompatible types between stage %q (outputs: %v) and stage %q (inputs: %v)",
					node.Name(), outputTypes,
					downstreamNode.Name(), downstreamInputTypes,
				)
			}
		}
	}

	return nil
}

// hasCompatibleType reports whether any upstream type that passes the edge
// filter is accepted downstream
func hasCompatibleType(upstreamTypes, downstreamTypes []core.EventType, filter map[core.EventType]bool) bool {
	forwarded := make(map[core.EventType]bool)
	for _, t := range upstreamTypes {
		if filter == nil || filter[t] {
			forwarded[t] = true
		}
	}

	for _, downstreamType := range downstreamTypes {
		if downstreamType == core.EventTypeWildcard || forwarded[downstreamType] {
			return true
		}
	}

	return false
}
