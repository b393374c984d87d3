package protocol

import (
	"time"

	"github.com/creastat/arraymerge/core"
	"github.com/google/uuid"
)

// EventToMessage converts a pipeline event to an output message.
// Returns nil for events clients never see.
func EventToMessage(event core.Event) *OutputMessage {
	msg := &OutputMessage{
		ID:        generateMessageID(),
		Timestamp: time.Now().UnixMilli(),
	}

	switch e := event.(type) {
	case core.MergedEvent:
		data := e.Data
		if data == nil {
			data = []int32{}
		}
		msg.Type = OutputArrayMerged
		msg.Payload = MergedPayload{
			Data:     data,
			Trigger:  int(e.Trigger),
			Sequence: e.Sequence,
		}

	case core.DoneEvent:
		msg.Type = OutputStreamDone
		msg.Payload = DonePayload{
			Updates:   e.Updates,
			Emissions: e.Emissions,
		}

	case core.ErrorEvent:
		message := "unknown error"
		if e.Error != nil {
			message = e.Error.Error()
		}
		msg.Type = OutputError
		msg.Payload = ErrorPayload{
			Code:      "pipeline_error",
			Message:   message,
			Retryable: e.Retryable,
		}

	default:
		return nil
	}

	return msg
}

// NewErrorMessage creates an error message
func NewErrorMessage(code, message string, retryable bool) *OutputMessage {
	return &OutputMessage{
		Type: OutputError,
		ID:   generateMessageID(),
		Payload: ErrorPayload{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
		Timestamp: time.Now().UnixMilli(),
	}
}

func generateMessageID() string {
	return "msg-" + uuid.NewString()
}
