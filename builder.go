package arraymerge

import (
	"fmt"

	"github.com/creastat/arraymerge/core"
)

// GraphBuilder constructs pipeline DAGs with a fluent API
type GraphBuilder struct {
	graph     *PipelineGraph
	nodes     []nodeConfig
	edges     []edgeConfig
	entryNode string
	exitNodes []string
}

type nodeConfig struct {
	name   string
	stage  core.Stage
	join   *core.JoinConfig
	fanOut *core.FanOutConfig
}

type edgeConfig struct {
	from        string
	to          string
	eventFilter []core.EventType
}

// NewBuilder creates a new graph-based pipeline builder
func NewBuilder() *GraphBuilder {
	return &GraphBuilder{
		graph:     NewPipelineGraph(),
		nodes:     make([]nodeConfig, 0),
		edges:     make([]edgeConfig, 0),
		exitNodes: make([]string, 0),
	}
}

// AddStage adds a stage node to the pipeline
func (b *GraphBuilder) AddStage(name string, stage core.Stage) *GraphBuilder {
	b.nodes = append(b.nodes, nodeConfig{name: name, stage: stage})
	return b
}

// AddJoin adds a join node merging config.Inputs slots with a JoinStage
func (b *GraphBuilder) AddJoin(name string, config core.JoinConfig) *GraphBuilder {
	b.nodes = append(b.nodes, nodeConfig{name: name, join: &config})
	return b
}

// AddFanOut adds a node that broadcasts its input to several branch stages
func (b *GraphBuilder) AddFanOut(name string, config core.FanOutConfig) *GraphBuilder {
	b.nodes = append(b.nodes, nodeConfig{name: name, fanOut: &config})
	return b
}

// Connect creates an edge from one node to another with optional event filtering
func (b *GraphBuilder) Connect(from, to string, eventFilter ...core.EventType) *GraphBuilder {
	b.edges = append(b.edges, edgeConfig{
		from:        from,
		to:          to,
		eventFilter: eventFilter,
	})
	return b
}

// SetErrorPolicy sets the error policy for a fan-out node
func (b *GraphBuilder) SetErrorPolicy(nodeName string, policy core.ErrorPolicy) *GraphBuilder {
	for _, n := range b.nodes {
		if n.name == nodeName && n.fanOut != nil {
			n.fanOut.ErrorPolicy = policy
		}
	}
	return b
}

// SetEntryNode sets the entry point for the pipeline
func (b *GraphBuilder) SetEntryNode(name string) *GraphBuilder {
	b.entryNode = name
	return b
}

// AddExitNode marks a node as a terminal/exit node
func (b *GraphBuilder) AddExitNode(name string) *GraphBuilder {
	b.exitNodes = append(b.exitNodes, name)
	return b
}

// Build creates and validates the pipeline graph
func (b *GraphBuilder) Build() (*Pipeline, error) {
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("pipeline must have at least one stage")
	}

	if b.entryNode == "" {
		return nil, fmt.Errorf("entry node must be set")
	}

	for _, n := range b.nodes {
		stage := n.stage
		switch {
		case n.join != nil:
			// a merger cannot be built without slots
			if n.join.Inputs < 1 {
				return nil, invalid("join %q needs at least one input slot, got %d", n.name, n.join.Inputs)
			}
			stage = NewJoinStage(n.name, n.join)
		case n.fanOut != nil:
			stage = NewFanOutStage(n.name, n.fanOut)
		}
		if err := b.graph.AddNode(n.name, stage, n.join); err != nil {
			return nil, fmt.Errorf("failed to add node %q: %w", n.name, err)
		}
	}

	for _, edge := range b.edges {
		if err := b.graph.AddEdge(edge.from, edge.to, edge.eventFilter); err != nil {
			return nil, fmt.Errorf("failed to add edge from %q to %q: %w", edge.from, edge.to, err)
		}
	}

	if err := b.graph.SetEntryNode(b.entryNode); err != nil {
		return nil, fmt.Errorf("failed to set entry node: %w", err)
	}

	for _, exitNode := range b.exitNodes {
		if err := b.graph.AddExitNode(exitNode); err != nil {
			return nil, fmt.Errorf("failed to add exit node %q: %w", exitNode, err)
		}
	}

	if err := ValidateGraph(b.graph); err != nil {
		return nil, fmt.Errorf("graph validation failed: %w", err)
	}

	return NewPipeline(b.graph), nil
}
