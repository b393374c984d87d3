package stages

import (
	"context"
	"testing"
	"time"

	"github.com/creastat/arraymerge/core"
	"github.com/creastat/arraymerge/protocol"
	"github.com/creastat/arraymerge/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testBindings = []Binding{
	{Topic: "/input/array1", Slot: core.Slot1},
	{Topic: "/input/array2", Slot: core.Slot2},
}

// startSource runs a source stage on bus and waits until both topics are subscribed
func startSource(t *testing.T, ctx context.Context, bus *transport.Memory) (chan core.Event, chan core.Event, chan error) {
	t.Helper()

	stage := NewSourceStage(SourceStageConfig{
		Subscriber: bus,
		Bindings:   testBindings,
		Logger:     testLogger(),
	})

	input := make(chan core.Event)
	output := make(chan core.Event, 10)
	errCh := make(chan error, 1)
	go func() { errCh <- stage.Process(ctx, input, output) }()

	require.Eventually(t, func() bool {
		return bus.Subscribers("/input/array1") == 1 && bus.Subscribers("/input/array2") == 1
	}, time.Second, 5*time.Millisecond)
	return input, output, errCh
}

func publishArray(t *testing.T, bus *transport.Memory, topic string, data []int32) {
	t.Helper()

	body, err := protocol.EncodeArray(data)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), topic, body))
}

func nextEvent(t *testing.T, output <-chan core.Event) core.Event {
	t.Helper()

	select {
	case event := <-output:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestSourceStageTagsSlots(t *testing.T) {
	bus := transport.NewMemory(10)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, output, _ := startSource(t, ctx, bus)

	publishArray(t, bus, "/input/array2", []int32{20, 30})
	event := nextEvent(t, output).(core.ArrayEvent)
	assert.Equal(t, core.Slot2, event.Slot)
	assert.Equal(t, "/input/array2", event.Topic)
	assert.Equal(t, []int32{20, 30}, event.Data)

	publishArray(t, bus, "/input/array1", []int32{10})
	event = nextEvent(t, output).(core.ArrayEvent)
	assert.Equal(t, core.Slot1, event.Slot)
	assert.Equal(t, []int32{10}, event.Data)
}

func TestSourceStageSkipsUndecodableMessages(t *testing.T) {
	bus := transport.NewMemory(10)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, output, _ := startSource(t, ctx, bus)

	require.NoError(t, bus.Publish(context.Background(), "/input/array1", []byte("not json")))
	publishArray(t, bus, "/input/array1", []int32{7})

	event := nextEvent(t, output).(core.ArrayEvent)
	assert.Equal(t, []int32{7}, event.Data)
}

func TestSourceStageEmptyArray(t *testing.T) {
	bus := transport.NewMemory(10)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, output, _ := startSource(t, ctx, bus)

	publishArray(t, bus, "/input/array1", nil)
	event := nextEvent(t, output).(core.ArrayEvent)
	assert.NotNil(t, event.Data)
	assert.Empty(t, event.Data)
}

func TestSourceStageStopsWhenInputCloses(t *testing.T) {
	bus := transport.NewMemory(10)
	defer bus.Close()

	input, output, errCh := startSource(t, context.Background(), bus)
	close(input)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("source did not stop after input closed")
	}
	for range output {
	}
}

func TestSourceStageStopsWhenBusCloses(t *testing.T) {
	bus := transport.NewMemory(10)

	_, output, errCh := startSource(t, context.Background(), bus)
	require.NoError(t, bus.Close())

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("source did not stop after bus closed")
	}
	_, ok := <-output
	assert.False(t, ok)
}

func TestSourceStageContextCancellation(t *testing.T) {
	bus := transport.NewMemory(10)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, _, errCh := startSource(t, ctx, bus)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("source did not stop after cancellation")
	}
}

func TestSourceStageRequiresBindings(t *testing.T) {
	stage := NewSourceStage(SourceStageConfig{
		Subscriber: transport.NewMemory(1),
		Logger:     testLogger(),
	})

	output := make(chan core.Event)
	err := stage.Process(context.Background(), make(chan core.Event), output)
	require.Error(t, err)

	_, ok := <-output
	assert.False(t, ok)
}

func TestSourceStageSubscribeFailure(t *testing.T) {
	sub := &MockSubscriber{}
	sub.On("Subscribe", mock.Anything, "/input/array1").Return(make(chan []byte), nil)
	sub.On("Subscribe", mock.Anything, "/input/array2").Return(nil, transport.ErrClosed)

	stage := NewSourceStage(SourceStageConfig{
		Subscriber: sub,
		Bindings:   testBindings,
		Logger:     testLogger(),
	})

	output := make(chan core.Event)
	err := stage.Process(context.Background(), make(chan core.Event), output)
	require.ErrorIs(t, err, transport.ErrClosed)
	sub.AssertExpectations(t)
}
