package arraymerge

import (
	"context"
	"sync"

	"github.com/creastat/arraymerge/core"
)

// FanOutRouter copies events from a single input to several branch stages,
// honoring each branch's event filter and the configured error policy
type FanOutRouter struct {
	config  *core.FanOutConfig
	inputs  []chan core.Event
	outputs []chan core.Event
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewFanOutRouter creates a new fan-out router with the given configuration
func NewFanOutRouter(config *core.FanOutConfig) *FanOutRouter {
	ctx, cancel := context.WithCancel(context.Background())

	inputs := make([]chan core.Event, len(config.Branches))
	outputs := make([]chan core.Event, len(config.Branches))

	for i := range config.Branches {
		inputs[i] = make(chan core.Event, 100)
		outputs[i] = make(chan core.Event, 100)
	}

	return &FanOutRouter{
		config:  config,
		inputs:  inputs,
		outputs: outputs,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Route distributes events from the input channel to all branches and blocks
// until every branch stage has returned. Branch outputs must be drained by the
// caller while Route runs (see GetOutputs).
func (fr *FanOutRouter) Route(ctx context.Context, input <-chan core.Event) error {
	routeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cancel also reaches the branches
	stop := context.AfterFunc(fr.ctx, cancel)
	defer stop()

	var branchWg sync.WaitGroup
	errorChan := make(chan error, len(fr.config.Branches))

	for i, branch := range fr.config.Branches {
		branchWg.Add(1)
		go fr.processBranch(routeCtx, cancel, i, branch, &branchWg, errorChan)
	}

	fr.wg.Add(1)
	go func() {
		defer fr.wg.Done()
		fr.distributeEvents(routeCtx, input)
	}()

	branchWg.Wait()
	fr.wg.Wait()

	close(errorChan)
	for err := range errorChan {
		if err != nil {
			return err
		}
	}

	return nil
}

// distributeEvents forwards each input event to every branch whose filter accepts it
func (fr *FanOutRouter) distributeEvents(ctx context.Context, input <-chan core.Event) {
	defer func() {
		for _, ch := range fr.inputs {
			close(ch)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-input:
			if !ok {
				return
			}

			for i, branch := range fr.config.Branches {
				if !fr.shouldForwardEvent(branch, event) {
					continue
				}

				select {
				case <-ctx.Done():
					return
				case fr.inputs[i] <- event:
				}
			}
		}
	}
}

// processBranch runs one branch stage to completion
func (fr *FanOutRouter) processBranch(ctx context.Context, cancel context.CancelFunc, branchIndex int, branch core.BranchConfig, wg *sync.WaitGroup, errorChan chan<- error) {
	defer wg.Done()

	// Stages close their own output; the drain keeps a stage that returns
	// early from blocking the distributor
	err := branch.Stage.Process(ctx, fr.inputs[branchIndex], fr.outputs[branchIndex])
	go func() {
		for range fr.inputs[branchIndex] {
		}
	}()

	if err == nil {
		return
	}

	errorChan <- err
	if fr.config.ErrorPolicy != core.ErrorPolicyIsolated {
		cancel()
	}
}

// shouldForwardEvent checks if an event should be forwarded to a branch
// based on the branch's event filter
func (fr *FanOutRouter) shouldForwardEvent(branch core.BranchConfig, event core.Event) bool {
	if len(branch.EventFilter) == 0 {
		return true
	}

	eventType := event.EventType()
	for _, filterType := range branch.EventFilter {
		if filterType == eventType {
			return true
		}
	}

	return false
}

// GetOutputs returns the output channels for all branches
func (fr *FanOutRouter) GetOutputs() []<-chan core.Event {
	outputs := make([]<-chan core.Event, len(fr.outputs))
	for i, ch := range fr.outputs {
		outputs[i] = ch
	}
	return outputs
}

// Cancel cancels the fan-out router and all its branches
func (fr *FanOutRouter) Cancel() {
	fr.cancel()
}

// FanOutStage wraps a FanOutRouter as a pipeline stage. The events produced by
// the branches are merged back into the stage output.
type FanOutStage struct {
	name   string
	config *core.FanOutConfig
	router *FanOutRouter
}

// NewFanOutStage creates a new fan-out stage
func NewFanOutStage(name string, config *core.FanOutConfig) *FanOutStage {
	return &FanOutStage{
		name:   name,
		config: config,
		router: NewFanOutRouter(config),
	}
}

// Name returns the stage name
func (fs *FanOutStage) Name() string {
	return fs.name
}

// Process implements the Stage interface
func (fs *FanOutStage) Process(ctx context.Context, input <-chan core.Event, output chan<- core.Event) error {
	defer close(output)

	merged := make(chan struct{})
	go func() {
		defer close(merged)
		fs.mergeOutputs(ctx, output)
	}()

	err := fs.router.Route(ctx, input)
	<-merged

	return err
}

// mergeOutputs copies every branch output into output until all branches close
func (fs *FanOutStage) mergeOutputs(ctx context.Context, output chan<- core.Event) {
	var wg sync.WaitGroup

	for _, branchOutput := range fs.router.GetOutputs() {
		wg.Add(1)
		go func(ch <-chan core.Event) {
			defer wg.Done()
			for event := range ch {
				select {
				case <-ctx.Done():
				case output <- event:
				}
			}
		}(branchOutput)
	}

	wg.Wait()
}

// InputTypes returns the input event types this stage accepts
func (fs *FanOutStage) InputTypes() []core.EventType {
	return []core.EventType{}
}

// OutputTypes returns the union of the branch output types
func (fs *FanOutStage) OutputTypes() []core.EventType {
	seen := make(map[core.EventType]bool)
	result := make([]core.EventType, 0)

	for _, branch := range fs.config.Branches {
		for _, outputType := range branch.Stage.OutputTypes() {
			if !seen[outputType] {
				seen[outputType] = true
				result = append(result, outputType)
			}
		}
	}

	return result
}
