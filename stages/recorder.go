package stages

import (
	"context"

	"github.com/creastat/arraymerge/core"
	"github.com/creastat/infra/telemetry"
)

// Saver stores the latest merged array
type Saver func(ctx context.Context, data []int32) error

// RecorderStageConfig holds configuration for RecorderStage
type RecorderStageConfig struct {
	Saver  Saver
	Logger telemetry.Logger
}

// RecorderStage hands every merged array to a Saver, so the latest output
// can be read back by clients that were not listening when it was published
type RecorderStage struct {
	config RecorderStageConfig
}

// NewRecorderStage creates a new RecorderStage
func NewRecorderStage(config RecorderStageConfig) *RecorderStage {
	return &RecorderStage{
		config: config,
	}
}

// Name returns the stage name
func (s *RecorderStage) Name() string {
	return "recorder"
}

// InputTypes returns the event types this stage accepts
func (s *RecorderStage) InputTypes() []core.EventType {
	return []core.EventType{core.EventTypeMerged}
}

// OutputTypes returns the event types this stage produces
func (s *RecorderStage) OutputTypes() []core.EventType {
	return []core.EventType{core.EventTypeError}
}

// Process implements the Stage interface
func (s *RecorderStage) Process(ctx context.Context, input <-chan core.Event, output chan<- core.Event) error {
	defer close(output)

	logger := s.config.Logger.WithModule(s.Name())
	logger.Debug("RecorderStage started")

	for event := range input {
		merged, ok := event.(core.MergedEvent)
		if !ok {
			continue
		}

		if err := s.config.Saver(ctx, merged.Data); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// a failed save never stops the merge
			logger.Error("Failed to save merged array", telemetry.Err(err))
			continue
		}
		logger.Trace("Merged array saved", telemetry.Int("size", len(merged.Data)))
	}

	return nil
}
