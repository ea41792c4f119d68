package model

type EventKind string

const (
	EventSlotSoftLocked  EventKind = "slot-soft-locked"
	EventSlotLockCleared EventKind = "slot-lock-cleared"
	EventSlotBooked      EventKind = "slot-booked"
	EventSlotCancelled   EventKind = "slot-cancelled"

	// EventConnected is sent only to the connection it describes.
	EventConnected EventKind = "connected"
	EventError     EventKind = "error"
)

// Event is the payload fanned out to connected clients.
type Event struct {
	Kind         EventKind `json:"kind"`
	Date         string    `json:"date,omitempty"`
	Time         string    `json:"time,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Message      string    `json:"message,omitempty"`
}

func NewSlotEvent(kind EventKind, slot Slot) Event {
	return Event{Kind: kind, Date: slot.Date, Time: slot.Time}
}

func (e Event) Slot() Slot {
	return Slot{Date: e.Date, Time: e.Time}
}

type ClientMessageKind string

const (
	ClientSlotSelect ClientMessageKind = "slot-select"
	ClientSlotClear  ClientMessageKind = "slot-clear"
)

// ClientMessage is what a browser sends over the event channel.
type ClientMessage struct {
	Kind ClientMessageKind `json:"kind" validate:"required,oneof=slot-select slot-clear"`
	Date string            `json:"date,omitempty"`
	Time string            `json:"time,omitempty"`
}

func (m ClientMessage) Slot() Slot {
	return Slot{Date: m.Date, Time: m.Time}
}
