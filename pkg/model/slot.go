package model

import "time"

// Slot is one bookable appointment window.
type Slot struct {
	Date string `json:"date" bson:"date" validate:"required,slotdate"`
	Time string `json:"time" bson:"time" validate:"required,slottime"`
}

// Key returns the canonical "date|time" form used for partition keys and set members.
func (s Slot) Key() string {
	return s.Date + "|" + s.Time
}

func (s Slot) IsZero() bool {
	return s.Date == "" && s.Time == ""
}

// Hold is an advisory, non-durable claim a live connection has on a slot.
type Hold struct {
	ConnectionID string    `json:"connection_id"`
	Slot         Slot      `json:"slot"`
	HeldAt       time.Time `json:"held_at"`
}
