package protocol

// OutputMessageType defines server-to-client message types
type OutputMessageType string

const (
	OutputArrayMerged OutputMessageType = "array.merged" // One merged array
	OutputStreamDone  OutputMessageType = "stream.done"  // Merge stream finished
	OutputError       OutputMessageType = "error"
)

// OutputMessage represents a message to a WebSocket client
type OutputMessage struct {
	Type      OutputMessageType `json:"type"`
	ID        string            `json:"id"`
	Payload   any               `json:"payload"`
	Timestamp int64             `json:"timestamp"`
}

// MergedPayload for array.merged
type MergedPayload struct {
	Data     []int32 `json:"data"`
	Trigger  int     `json:"trigger"`  // Slot whose update caused the emission
	Sequence uint64  `json:"sequence"` // Emission counter, starts at 1
}

// DonePayload for stream.done
type DonePayload struct {
	Updates   int `json:"updates"`
	Emissions int `json:"emissions"`
}

// ErrorPayload for error
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
