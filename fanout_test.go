package arraymerge

import (
	"context"
	"testing"
	"time"

	"github.com/creastat/arraymerge/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// drain consumes every branch output so branch stages never block
func drain(router *FanOutRouter) {
	for _, ch := range router.GetOutputs() {
		go func(ch <-chan core.Event) {
			for range ch {
			}
		}(ch)
	}
}

// TestFanOutBasicRouting tests that events are routed to all branches
func TestFanOutBasicRouting(t *testing.T) {
	stage1 := &CollectingMockStage{name: "stage1"}
	stage2 := &CollectingMockStage{name: "stage2"}

	router := NewFanOutRouter(&core.FanOutConfig{
		ErrorPolicy: core.ErrorPolicyCancelAll,
		Branches: []core.BranchConfig{
			{Stage: stage1},
			{Stage: stage2},
		},
	})
	drain(router)

	input := make(chan core.Event, 10)
	input <- core.MergedEvent{Data: []int32{1, 2}, Sequence: 1}
	input <- core.MergedEvent{Data: []int32{3}, Sequence: 2}
	close(input)

	require.NoError(t, router.Route(context.Background(), input))
	assert.Len(t, stage1.Events(), 2)
	assert.Len(t, stage2.Events(), 2)
}

// TestFanOutEventFiltering tests that event filters work correctly
func TestFanOutEventFiltering(t *testing.T) {
	merged := &CollectingMockStage{name: "merged"}
	done := &CollectingMockStage{name: "done"}

	router := NewFanOutRouter(&core.FanOutConfig{
		Branches: []core.BranchConfig{
			{Stage: merged, EventFilter: []core.EventType{core.EventTypeMerged}},
			{Stage: done, EventFilter: []core.EventType{core.EventTypeDone}},
		},
	})
	drain(router)

	input := make(chan core.Event, 10)
	input <- core.MergedEvent{Data: []int32{1}}
	input <- core.ArrayEvent{Slot: core.Slot1}
	input <- core.DoneEvent{Emissions: 1}
	close(input)

	require.NoError(t, router.Route(context.Background(), input))

	require.Len(t, merged.Events(), 1)
	assert.Equal(t, core.EventTypeMerged, merged.Events()[0].EventType())
	require.Len(t, done.Events(), 1)
	assert.Equal(t, core.EventTypeDone, done.Events()[0].EventType())
}

// TestFanOutStageMergesBranchOutputs checks that the stage forwards every branch output
func TestFanOutStageMergesBranchOutputs(t *testing.T) {
	stage := NewFanOutStage("outputs", &core.FanOutConfig{
		Branches: []core.BranchConfig{
			{Stage: &MockStage{name: "a"}},
			{Stage: &MockStage{name: "b"}},
		},
	})

	// more events than the branch buffers hold
	const n = 250
	input := make(chan core.Event)
	output := make(chan core.Event)
	go func() {
		defer close(input)
		for i := 0; i < n; i++ {
			input <- core.MergedEvent{Sequence: uint64(i)}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- stage.Process(context.Background(), input, output) }()

	count := 0
	for range output {
		count++
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, 2*n, count)
}

func TestFanOutStageOutputTypesUnion(t *testing.T) {
	stage := NewFanOutStage("outputs", &core.FanOutConfig{
		Branches: []core.BranchConfig{
			{Stage: &MockStage{name: "a", outputTypes: []core.EventType{core.EventTypeError}}},
			{Stage: &MockStage{name: "b", outputTypes: []core.EventType{core.EventTypeError, core.EventTypeDone}}},
		},
	})
	assert.ElementsMatch(t, []core.EventType{core.EventTypeError, core.EventTypeDone}, stage.OutputTypes())
}

// For any number of branches and events, every branch SHALL receive every unfiltered event.
func TestPropertyFanOutDeliversAllEvents(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		branchCount := rapid.IntRange(1, 4).Draw(rt, "branches")
		eventCount := rapid.IntRange(0, 50).Draw(rt, "events")

		stages := make([]*CollectingMockStage, branchCount)
		branches := make([]core.BranchConfig, branchCount)
		for i := range stages {
			stages[i] = &CollectingMockStage{name: "branch"}
			branches[i] = core.BranchConfig{Stage: stages[i]}
		}

		router := NewFanOutRouter(&core.FanOutConfig{Branches: branches})
		drain(router)

		input := make(chan core.Event, eventCount)
		for i := 0; i < eventCount; i++ {
			input <- core.MergedEvent{Sequence: uint64(i)}
		}
		close(input)

		if err := router.Route(context.Background(), input); err != nil {
			rt.Fatalf("routing failed: %v", err)
		}
		for i, s := range stages {
			if got := len(s.Events()); got != eventCount {
				rt.Fatalf("branch %d received %d events, want %d", i, got, eventCount)
			}
		}
	})
}

// Default error policy cancels all branches
func TestFanOutDefaultErrorPolicyCancelsAll(t *testing.T) {
	router := NewFanOutRouter(&core.FanOutConfig{
		ErrorPolicy: core.ErrorPolicyCancelAll,
		Branches: []core.BranchConfig{
			{Stage: &FailingMockStage{name: "failing", delay: 10 * time.Millisecond}},
			{Stage: &MockStage{name: "normal"}},
		},
	})
	drain(router)

	// never closed: only cancellation can end the route
	input := make(chan core.Event)

	errCh := make(chan error, 1)
	go func() { errCh <- router.Route(context.Background(), input) }()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, "stage failed", err.Error())
	case <-time.After(2 * time.Second):
		t.Fatal("route did not stop after branch failure")
	}
}

// Isolated error policy allows continuation
func TestFanOutIsolatedErrorPolicyAllowsContinuation(t *testing.T) {
	collecting := &CollectingMockStage{name: "collecting"}
	router := NewFanOutRouter(&core.FanOutConfig{
		ErrorPolicy: core.ErrorPolicyIsolated,
		Branches: []core.BranchConfig{
			{Stage: &FailingMockStage{name: "failing"}},
			{Stage: collecting},
		},
	})
	drain(router)

	input := make(chan core.Event)
	go func() {
		defer close(input)
		for i := 0; i < 5; i++ {
			time.Sleep(2 * time.Millisecond)
			input <- core.MergedEvent{Sequence: uint64(i)}
		}
	}()

	err := router.Route(context.Background(), input)
	require.Error(t, err)
	assert.Len(t, collecting.Events(), 5)
}
