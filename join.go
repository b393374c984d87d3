package arraymerge

import (
	"context"
	"fmt"
	"strconv"

	"github.com/creastat/arraymerge/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	slotUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arraymerge_slot_updates_total",
		Help: "The total number of updates received per input slot",
	}, []string{"slot"})
	emissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arraymerge_emissions_total",
		Help: "The total number of merged arrays emitted",
	})
	readyGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arraymerge_ready",
		Help: "1 once every input slot has been set at least once",
	})
)

// JoinStage owns a Merger and feeds it the array updates arriving on its
// input. It is the only goroutine touching the merger, so updates from all
// sources are applied one at a time in arrival order.
type JoinStage struct {
	name   string
	config *core.JoinConfig
	merger *Merger
}

// NewJoinStage creates a join stage merging config.Inputs slots
func NewJoinStage(name string, config *core.JoinConfig) *JoinStage {
	return &JoinStage{
		name:   name,
		config: config,
		merger: NewMergerN(config.Inputs),
	}
}

// Name returns the stage name
func (js *JoinStage) Name() string {
	return js.name
}

// Merger exposes the underlying merger for inspection
func (js *JoinStage) Merger() *Merger {
	return js.merger
}

// Process implements the Stage interface.
// Every ArrayEvent updates its slot; once all slots are set each update emits
// a MergedEvent. Errors from upstream are forwarded and do not stop the join.
func (js *JoinStage) Process(ctx context.Context, input <-chan core.Event, output chan<- core.Event) error {
	defer close(output)

	if js.config.Policy != "" && js.config.Policy != core.JoinPolicyLatest {
		return fmt.Errorf("join %q: unsupported policy %q", js.name, js.config.Policy)
	}

	updates := 0
	var sequence uint64

	for event := range input {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		update, ok := event.(core.ArrayEvent)
		if !ok {
			// Done markers from upstream are replaced by our own on exit
			if _, done := event.(core.DoneEvent); done {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case output <- event:
			}
			continue
		}

		if update.Slot < 1 || int(update.Slot) > js.merger.Slots() {
			return fmt.Errorf("join %q: slot %d out of range 1..%d", js.name, update.Slot, js.merger.Slots())
		}

		updates++
		slotUpdates.WithLabelValues(strconv.Itoa(int(update.Slot))).Inc()

		merged, emit := js.merger.Update(update.Slot, update.Data)
		if !emit {
			continue
		}
		readyGauge.Set(1)
		emissions.Inc()
		sequence++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case output <- core.MergedEvent{Data: merged, Trigger: update.Slot, Sequence: sequence}:
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case output <- core.DoneEvent{Updates: updates, Emissions: int(sequence)}:
	}

	return nil
}

// InputTypes returns the input event types this stage accepts
func (js *JoinStage) InputTypes() []core.EventType {
	return []core.EventType{core.EventTypeArray, core.EventTypeError, core.EventTypeDone}
}

// OutputTypes returns the output event types this stage produces
func (js *JoinStage) OutputTypes() []core.EventType {
	return []core.EventType{core.EventTypeMerged, core.EventTypeError, core.EventTypeDone}
}
