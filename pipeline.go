package arraymerge

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/creastat/arraymerge/core"
)

const channelBuffer = 100

// Pipeline runs a validated graph: one goroutine per stage, events routed
// along the graph edges.
//
// Stages must close their output channel before Process returns.
type Pipeline struct {
	graph  *PipelineGraph
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewPipeline creates a new pipeline from a validated graph
func NewPipeline(graph *PipelineGraph) *Pipeline {
	return &Pipeline{
		graph: graph,
	}
}

// Execute starts the pipeline and returns the events reaching the exit nodes.
// Stage failures show up as ErrorEvents on the returned channel, which is
// closed once every stage has returned.
func (p *Pipeline) Execute(ctx context.Context, input <-chan core.Event) core.PipelineOutput {
	outputChan := make(chan core.Event, channelBuffer)

	go func() {
		defer close(outputChan)
		// already reported as an ErrorEvent
		_ = p.run(ctx, input, outputChan)
	}()

	return outputChan
}

// Run executes the pipeline until the input is exhausted, a stage fails or ctx
// is cancelled, passing every exit event to handle. It returns the first stage
// error; cancellation through ctx is not an error.
func (p *Pipeline) Run(ctx context.Context, input <-chan core.Event, handle func(core.Event)) error {
	outputChan := make(chan core.Event, channelBuffer)
	errCh := make(chan error, 1)

	go func() {
		defer close(outputChan)
		errCh <- p.run(ctx, input, outputChan)
	}()

	for event := range outputChan {
		if handle != nil {
			handle(event)
		}
	}

	return <-errCh
}

// Cancel cancels the running pipeline, if any
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pipeline) run(ctx context.Context, input <-chan core.Event, output chan<- core.Event) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
	}()

	return p.executeGraph(runCtx, cancel, input, output)
}

// executeGraph starts every stage, feeds the entry node and waits for all
// stages and routers to finish
func (p *Pipeline) executeGraph(ctx context.Context, cancel context.CancelFunc, input <-chan core.Event, output chan<- core.Event) error {
	nodes := p.graph.AllNodes()
	state := &executionState{
		ctx:        ctx,
		cancel:     cancel,
		output:     output,
		nodeStates: make(map[string]*nodeState, len(nodes)),
		exits:      make(map[string]bool),
		errorChan:  make(chan error, len(nodes)),
	}

	for _, node := range nodes {
		state.nodeStates[node.Name()] = &nodeState{
			input:   make(chan core.Event, channelBuffer),
			output:  make(chan core.Event, channelBuffer),
			pending: len(node.Inputs()),
		}
	}
	for _, node := range p.graph.GetExitNodes() {
		state.exits[node.Name()] = true
	}

	entryNode := p.graph.GetEntryNode()
	if entryNode == nil {
		return fmt.Errorf("pipeline has no entry node")
	}
	entryState := state.nodeStates[entryNode.Name()]
	entryState.pending++

	for _, node := range nodes {
		state.wg.Add(2)
		go p.runStage(node, state)
		go p.routeOutputs(node, state)
	}

	state.wg.Add(1)
	go func() {
		defer state.wg.Done()
		defer entryState.release()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-input:
				if !ok {
					return
				}
				select {
				case <-ctx.Done():
					return
				case entryState.input <- event:
				}
			}
		}
	}()

	state.wg.Wait()

	close(state.errorChan)
	for err := range state.errorChan {
		if err != nil {
			return err
		}
	}

	return nil
}

// runStage executes a single stage and reports its failure
func (p *Pipeline) runStage(node *graphNode, state *executionState) {
	defer state.wg.Done()

	nodeState := state.nodeStates[node.Name()]

	// keep upstream routers unblocked if the stage stops reading early
	defer func() {
		go func() {
			for range nodeState.input {
			}
		}()
	}()

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			state.fail(fmt.Errorf("stage %s panicked: %v\nStack trace:\n%s", node.Name(), r, buf[:n]))
		}
	}()

	err := node.Stage().Process(state.ctx, nodeState.input, nodeState.output)
	if err == nil {
		return
	}

	// stages stopped by shutdown are not failures
	if state.ctx.Err() != nil && errors.Is(err, state.ctx.Err()) {
		return
	}

	state.fail(fmt.Errorf("stage %s: %w", node.Name(), err))
}

// routeOutputs forwards a stage's events to its downstream nodes (and to the
// pipeline output for exit nodes) until the stage closes its output
func (p *Pipeline) routeOutputs(node *graphNode, state *executionState) {
	defer state.wg.Done()

	nodeState := state.nodeStates[node.Name()]

	for event := range nodeState.output {
		for _, edge := range node.Outputs() {
			if !edge.ShouldForwardEvent(event.EventType()) {
				continue
			}

			downstream := state.nodeStates[edge.To().Name()]
			select {
			case <-state.ctx.Done():
			case downstream.input <- event:
			}
		}

		if state.exits[node.Name()] {
			select {
			case <-state.ctx.Done():
			case state.output <- event:
			}
		}
	}

	for _, edge := range node.Outputs() {
		state.nodeStates[edge.To().Name()].release()
	}
}

// executionState tracks runtime state during pipeline execution
type executionState struct {
	ctx        context.Context
	cancel     context.CancelFunc
	output     chan<- core.Event
	nodeStates map[string]*nodeState
	exits      map[string]bool
	wg         sync.WaitGroup
	errorChan  chan error
}

// fail records err, reports it downstream and cancels the run
func (s *executionState) fail(err error) {
	select {
	case s.errorChan <- err:
	default:
	}

	select {
	case s.output <- core.ErrorEvent{Error: err, Retryable: false}:
	default:
	}

	s.cancel()
}

// nodeState tracks the channels of a single node during execution
type nodeState struct {
	input  chan core.Event
	output chan core.Event

	mu sync.Mutex
	// pending counts upstream feeders still running; input closes at zero
	pending int
}

func (n *nodeState) release() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.pending--
	if n.pending == 0 {
		close(n.input)
	}
}
