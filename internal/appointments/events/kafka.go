package events

import (
	"context"
	"time"

	"slotboard/pkg/kafka"
	"slotboard/pkg/middleware"
	"slotboard/pkg/model"
)

const (
	TypeAppointmentBooked    = "appointment.booked"
	TypeAppointmentCancelled = "appointment.cancelled"

	SchemaVersion = "1"
	Source        = "slotboard"
)

// AppointmentEvent is the payload written to the appointments topic.
type AppointmentEvent struct {
	Type          string    `json:"type"`
	AppointmentID string    `json:"appointment_id"`
	Date          string    `json:"date"`
	Time          string    `json:"time"`
	Email         string    `json:"email"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type MessagePublisher interface {
	Publish(ctx context.Context, msg kafka.Message) error
}

// KafkaNotifier writes appointment lifecycle events keyed by slot, so every
// change to one slot lands on the same partition in order. The originating
// request id travels as the correlation id.
type KafkaNotifier struct {
	producer MessagePublisher
	timeout  time.Duration
	now      func() time.Time
}

func NewKafkaNotifier(producer MessagePublisher, timeout time.Duration) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, timeout: timeout, now: time.Now}
}

func (n *KafkaNotifier) AppointmentBooked(ctx context.Context, appointment *model.Appointment) error {
	return n.emit(ctx, TypeAppointmentBooked, appointment)
}

func (n *KafkaNotifier) AppointmentCancelled(ctx context.Context, appointment *model.Appointment) error {
	return n.emit(ctx, TypeAppointmentCancelled, appointment)
}

func (n *KafkaNotifier) emit(ctx context.Context, eventType string, appointment *model.Appointment) error {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	occurredAt := n.now().UTC()
	msg, err := kafka.NewMessage().
		WithKey(appointment.Slot().Key()).
		WithEventType(eventType).
		WithCorrelationID(middleware.RequestIDFromContext(ctx)).
		WithSchemaVersion(SchemaVersion).
		WithSource(Source).
		WithTimestamp(occurredAt).
		WithValue(AppointmentEvent{
			Type:          eventType,
			AppointmentID: appointment.ID,
			Date:          appointment.Date,
			Time:          appointment.Time,
			Email:         appointment.Email,
			OccurredAt:    occurredAt,
		}).
		Build()
	if err != nil {
		return err
	}
	return n.producer.Publish(ctx, msg)
}

// NoopNotifier is used when the event stream is disabled.
type NoopNotifier struct{}

func (NoopNotifier) AppointmentBooked(context.Context, *model.Appointment) error    { return nil }
func (NoopNotifier) AppointmentCancelled(context.Context, *model.Appointment) error { return nil }
