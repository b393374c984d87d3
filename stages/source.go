package stages

import (
	"context"
	"fmt"

	"github.com/creastat/arraymerge/core"
	"github.com/creastat/arraymerge/protocol"
	"github.com/creastat/arraymerge/transport"
	"github.com/creastat/infra/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

var decodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arraymerge_decode_errors_total",
	Help: "The total number of inbound messages that could not be decoded",
}, []string{"topic"})

// Binding maps an input topic to a merger slot
type Binding struct {
	Topic string
	Slot  core.SlotIndex
}

// SourceStageConfig holds configuration for SourceStage
type SourceStageConfig struct {
	Subscriber transport.Subscriber
	Bindings   []Binding
	Logger     telemetry.Logger
}

// SourceStage subscribes to every bound topic and turns each decoded message
// into an ArrayEvent for its slot. Each topic is consumed by its own
// goroutine, so topics are delivered independently of each other.
type SourceStage struct {
	config SourceStageConfig
}

// NewSourceStage creates a new source stage
func NewSourceStage(config SourceStageConfig) *SourceStage {
	return &SourceStage{
		config: config,
	}
}

// Name returns the stage name
func (s *SourceStage) Name() string {
	return "source"
}

// Process implements the Stage interface.
// It runs until ctx is done, the pipeline input closes, or every subscription ends.
func (s *SourceStage) Process(ctx context.Context, input <-chan core.Event, output chan<- core.Event) error {
	defer close(output)

	logger := s.config.Logger.WithModule(s.Name())

	if len(s.config.Bindings) == 0 {
		return fmt.Errorf("source: no topic bindings")
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// the pipeline input only signals shutdown for this stage
	go func() {
		for range input {
		}
		cancel()
	}()

	g, gctx := errgroup.WithContext(subCtx)

	// subscribe to everything before forwarding anything
	subscriptions := make([]<-chan []byte, len(s.config.Bindings))
	for i, b := range s.config.Bindings {
		messages, err := s.config.Subscriber.Subscribe(gctx, b.Topic)
		if err != nil {
			return fmt.Errorf("source: subscribe %q: %w", b.Topic, err)
		}
		subscriptions[i] = messages
		logger.Info("Subscribed to input topic", telemetry.String("topic", b.Topic), telemetry.Int("slot", int(b.Slot)))
	}

	for i, b := range s.config.Bindings {
		g.Go(func() error {
			return s.forward(gctx, logger, b, subscriptions[i], output)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// forward decodes the messages of one binding until its channel closes
func (s *SourceStage) forward(ctx context.Context, logger telemetry.Logger, b Binding, messages <-chan []byte, output chan<- core.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case body, ok := <-messages:
			if !ok {
				logger.Info("Input topic closed", telemetry.String("topic", b.Topic))
				return nil
			}

			data, err := protocol.DecodeArray(body)
			if err != nil {
				decodeErrors.WithLabelValues(b.Topic).Inc()
				logger.Warn("Dropping undecodable message", telemetry.Err(err), telemetry.String("topic", b.Topic))
				continue
			}

			logger.Debug("Received array", telemetry.String("topic", b.Topic), telemetry.Int("size", len(data)))

			select {
			case <-ctx.Done():
				return nil
			case output <- core.ArrayEvent{Slot: b.Slot, Topic: b.Topic, Data: data}:
			}
		}
	}
}

// InputTypes returns the input event types this stage accepts
func (s *SourceStage) InputTypes() []core.EventType {
	return []core.EventType{}
}

// OutputTypes returns the output event types this stage produces
func (s *SourceStage) OutputTypes() []core.EventType {
	return []core.EventType{core.EventTypeArray}
}
