package core

// EventType categorizes pipeline events
type EventType string

const (
	EventTypeArray  EventType = "array"
	EventTypeMerged EventType = "merged"
	EventTypeError  EventType = "error"
	EventTypeDone   EventType = "done"
)

// SlotIndex identifies one input slot of a merger. Slots are numbered from 1
// and their order decides the concatenation order of merged output.
type SlotIndex int

const (
	Slot1 SlotIndex = 1
	Slot2 SlotIndex = 2
)
