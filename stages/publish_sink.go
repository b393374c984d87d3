package stages

import (
	"context"

	"github.com/creastat/arraymerge/core"
	"github.com/creastat/arraymerge/protocol"
	"github.com/creastat/arraymerge/transport"
	"github.com/creastat/infra/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	published = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arraymerge_published_total",
		Help: "The total number of merged arrays published",
	})
	publishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arraymerge_publish_errors_total",
		Help: "The total number of merged arrays that failed to publish",
	})
)

// PublishSinkConfig holds configuration for PublishSink
type PublishSinkConfig struct {
	Publisher transport.Publisher
	Topic     string
	Logger    telemetry.Logger
}

// PublishSink publishes every merged array to the output topic, once and
// synchronously. Failed publishes are logged and not retried.
type PublishSink struct {
	config PublishSinkConfig
}

// NewPublishSink creates a new publish sink stage
func NewPublishSink(config PublishSinkConfig) *PublishSink {
	return &PublishSink{
		config: config,
	}
}

// Name returns the stage name
func (ps *PublishSink) Name() string {
	return "publisher"
}

// Process implements the Stage interface
func (ps *PublishSink) Process(ctx context.Context, input <-chan core.Event, output chan<- core.Event) error {
	defer close(output)

	logger := ps.config.Logger.WithModule(ps.Name())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-input:
			if !ok {
				return nil
			}

			merged, ok := event.(core.MergedEvent)
			if !ok {
				continue
			}

			body, err := protocol.EncodeArray(merged.Data)
			if err != nil {
				publishErrors.Inc()
				logger.Error("Failed to encode merged array", telemetry.Err(err))
				continue
			}

			if err := ps.config.Publisher.Publish(ctx, ps.config.Topic, body); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				publishErrors.Inc()
				logger.Error("Failed to publish merged array", telemetry.Err(err), telemetry.String("topic", ps.config.Topic))
				continue
			}

			published.Inc()
			logger.Info("Published array: '"+protocol.FormatArray(merged.Data)+"' to "+ps.config.Topic,
				telemetry.Int("sequence", int(merged.Sequence)))
		}
	}
}

// InputTypes returns the input event types this stage accepts
func (ps *PublishSink) InputTypes() []core.EventType {
	return []core.EventType{core.EventTypeMerged}
}

// OutputTypes returns the output event types this stage produces
func (ps *PublishSink) OutputTypes() []core.EventType {
	return []core.EventType{core.EventTypeError}
}
