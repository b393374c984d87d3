package arraymerge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/creastat/arraymerge/core"
)

// MockStage forwards every event unchanged
type MockStage struct {
	name        string
	inputTypes  []core.EventType
	outputTypes []core.EventType
}

func (m *MockStage) Name() string {
	return m.name
}

func (m *MockStage) Process(ctx context.Context, input <-chan core.Event, output chan<- core.Event) error {
	defer close(output)
	for event := range input {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case output <- event:
		}
	}
	return nil
}

func (m *MockStage) InputTypes() []core.EventType {
	return m.inputTypes
}

func (m *MockStage) OutputTypes() []core.EventType {
	return m.outputTypes
}

// FailingMockStage fails after a delay without reading its input
type FailingMockStage struct {
	name  string
	delay time.Duration
}

func (m *FailingMockStage) Name() string {
	return m.name
}

func (m *FailingMockStage) Process(ctx context.Context, input <-chan core.Event, output chan<- core.Event) error {
	defer close(output)
	time.Sleep(m.delay)
	return errors.New("stage failed")
}

func (m *FailingMockStage) InputTypes() []core.EventType {
	return []core.EventType{}
}

func (m *FailingMockStage) OutputTypes() []core.EventType {
	return []core.EventType{}
}

// PanickingMockStage panics on its first event
type PanickingMockStage struct {
	name string
}

func (m *PanickingMockStage) Name() string {
	return m.name
}

func (m *PanickingMockStage) Process(ctx context.Context, input <-chan core.Event, output chan<- core.Event) error {
	defer close(output)
	for range input {
		panic("bad event")
	}
	return nil
}

func (m *PanickingMockStage) InputTypes() []core.EventType {
	return []core.EventType{}
}

func (m *PanickingMockStage) OutputTypes() []core.EventType {
	return []core.EventType{}
}

// CollectingMockStage records every event it receives and forwards it
type CollectingMockStage struct {
	name   string
	events []core.Event
	mu     sync.Mutex
}

func (m *CollectingMockStage) Name() string {
	return m.name
}

func (m *CollectingMockStage) Process(ctx context.Context, input <-chan core.Event, output chan<- core.Event) error {
	defer close(output)
	for event := range input {
		m.mu.Lock()
		m.events = append(m.events, event)
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case output <- event:
		}
	}
	return nil
}

func (m *CollectingMockStage) Events() []core.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Event(nil), m.events...)
}

func (m *CollectingMockStage) InputTypes() []core.EventType {
	return []core.EventType{}
}

func (m *CollectingMockStage) OutputTypes() []core.EventType {
	return []core.EventType{}
}
