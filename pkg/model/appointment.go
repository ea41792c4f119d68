package model

import (
	"time"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

type Appointment struct {
	ID        string    `json:"id,omitempty" bson:"_id,omitempty"`
	Name      string    `json:"name" bson:"name" validate:"required,min=2,max=100"`
	Email     string    `json:"email" bson:"email" validate:"required,email"`
	Date      string    `json:"date" bson:"date" validate:"required,slotdate"`
	Time      string    `json:"time" bson:"time" validate:"required,slottime"`
	Status    string    `json:"status" bson:"status" validate:"required,oneof=pending completed cancelled"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Slot returns the (date, time) pair the appointment occupies.
func (a *Appointment) Slot() Slot {
	return Slot{Date: a.Date, Time: a.Time}
}

// AppointmentRequest is the body accepted when claiming a slot.
type AppointmentRequest struct {
	Date string `json:"date" validate:"required,slotdate"`
	Time string `json:"time" validate:"required,slottime"`
}
