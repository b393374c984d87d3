package arraymerge

import (
	"context"
	"testing"
	"time"

	"github.com/creastat/arraymerge/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildMergePipeline(t *testing.T, sink core.Stage) *Pipeline {
	t.Helper()

	pipeline, err := NewBuilder().
		AddStage("source", &MockStage{name: "source", outputTypes: []core.EventType{core.EventTypeArray}}).
		AddJoin("merge", core.JoinConfig{Inputs: 2, Policy: core.JoinPolicyLatest}).
		AddStage("sink", sink).
		Connect("source", "merge").
		Connect("merge", "sink", core.EventTypeMerged, core.EventTypeError).
		SetEntryNode("source").
		AddExitNode("sink").
		Build()
	require.NoError(t, err)
	return pipeline
}

func TestPipelineRunsMergeScenario(t *testing.T) {
	sink := &CollectingMockStage{name: "sink"}
	pipeline := buildMergePipeline(t, sink)

	input := make(chan core.Event, 3)
	input <- core.ArrayEvent{Slot: core.Slot1, Data: []int32{10}}
	input <- core.ArrayEvent{Slot: core.Slot2, Data: []int32{20, 30}}
	input <- core.ArrayEvent{Slot: core.Slot1, Data: []int32{11, 12}}
	close(input)

	var out []core.Event
	err := pipeline.Run(context.Background(), input, func(e core.Event) {
		out = append(out, e)
	})
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.Equal(t, []int32{10, 20, 30}, out[0].(core.MergedEvent).Data)
	assert.Equal(t, []int32{11, 12, 20, 30}, out[1].(core.MergedEvent).Data)
	assert.Len(t, sink.Events(), 2)
}

func TestPipelineExecuteClosesOutput(t *testing.T) {
	pipeline := buildMergePipeline(t, &MockStage{name: "sink"})

	input := make(chan core.Event)
	close(input)

	output := pipeline.Execute(context.Background(), input)
	select {
	case _, ok := <-output:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("output was not closed")
	}
}

func TestPipelineCancelStopsRun(t *testing.T) {
	pipeline := buildMergePipeline(t, &MockStage{name: "sink"})

	// a long-running input that never closes
	input := make(chan core.Event)

	errCh := make(chan error, 1)
	go func() {
		errCh <- pipeline.Run(context.Background(), input, nil)
	}()

	assert.Eventually(t, func() bool {
		pipeline.mu.Lock()
		defer pipeline.mu.Unlock()
		return pipeline.cancel != nil
	}, time.Second, 5*time.Millisecond)

	pipeline.Cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop after Cancel")
	}
}

func TestPipelineStageFailureIsReported(t *testing.T) {
	pipeline, err := NewBuilder().
		AddStage("source", &MockStage{name: "source"}).
		AddStage("broken", &FailingMockStage{name: "broken"}).
		Connect("source", "broken").
		SetEntryNode("source").
		AddExitNode("broken").
		Build()
	require.NoError(t, err)

	input := make(chan core.Event)

	var errorEvents int
	err = pipeline.Run(context.Background(), input, func(e core.Event) {
		if _, ok := e.(core.ErrorEvent); ok {
			errorEvents++
		}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage broken")
	assert.Equal(t, 1, errorEvents)
}

func TestPipelineRecoversFromPanics(t *testing.T) {
	pipeline, err := NewBuilder().
		AddStage("source", &MockStage{name: "source"}).
		AddStage("panicky", &PanickingMockStage{name: "panicky"}).
		Connect("source", "panicky").
		SetEntryNode("source").
		AddExitNode("panicky").
		Build()
	require.NoError(t, err)

	input := make(chan core.Event, 1)
	input <- core.ArrayEvent{Slot: core.Slot1}

	err = pipeline.Run(context.Background(), input, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}
