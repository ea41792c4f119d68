package errors

import "errors"

var (
	ErrNotFound = errors.New("appointment not found")

	ErrInvalidID = errors.New("invalid appointment ID format")

	// ErrDuplicateSlot is returned by the ledger when the (date, time)
	// unique index rejects a write.
	ErrDuplicateSlot = errors.New("slot already has an appointment")

	ErrAlreadyBooked = errors.New("identity already holds an appointment")

	ErrSlotTaken = errors.New("slot is already booked")

	ErrConcurrentBypassRejected = errors.New("concurrent booking for the same identity rejected")

	ErrStorageUnavailable = errors.New("appointment storage unavailable")

	ErrMissingIdentity = errors.New("authenticated identity required")

	ErrInvalidIdentity = errors.New("authenticated identity is malformed")
)
