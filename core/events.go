package core

// Event represents any pipeline event
type Event interface {
	EventType() EventType
}

// ArrayEvent carries one decoded update for an input slot
type ArrayEvent struct {
	Slot  SlotIndex
	Topic string
	Data  []int32
}

func (e ArrayEvent) EventType() EventType {
	return EventTypeArray
}

// MergedEvent carries one emission of the merger: the concatenation of every
// slot's latest value in slot order.
type MergedEvent struct {
	Data []int32

	// Trigger is the slot whose update produced this emission
	Trigger SlotIndex

	// Sequence counts emissions starting at 1
	Sequence uint64
}

func (e MergedEvent) EventType() EventType {
	return EventTypeMerged
}

// ErrorEvent represents an error
type ErrorEvent struct {
	Error     error
	Retryable bool
}

func (e ErrorEvent) EventType() EventType {
	return EventTypeError
}

// DoneEvent signals that a stage drained its input
type DoneEvent struct {
	Updates   int
	Emissions int
}

func (e DoneEvent) EventType() EventType {
	return EventTypeDone
}
