package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	appointmentserrors "slotboard/internal/appointments/errors"
	"slotboard/pkg/config"
	"slotboard/pkg/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	CollectionName = "Appointments"
)

// AppointmentRepository is the slot ledger. Every method is a single
// atomic storage operation.
type AppointmentRepository interface {
	FindByEmail(ctx context.Context, email string) (*model.Appointment, error)
	FindByKey(ctx context.Context, date, slotTime string) (*model.Appointment, error)
	FindAllByEmail(ctx context.Context, email string) ([]*model.Appointment, error)
	ClaimIfAbsent(ctx context.Context, appointment *model.Appointment) (*model.Appointment, error)
	DeleteByEmail(ctx context.Context, email string) (*model.Appointment, error)
	DeleteByID(ctx context.Context, id string) error
	FindTimesByDate(ctx context.Context, date string) ([]string, error)
}

type mongoAppointmentRepository struct {
	cfg        *config.Config
	collection *mongo.Collection
}

func NewMongoAppointmentRepository(cfg *config.Config) AppointmentRepository {
	db := cfg.Client.Mongo.Database(cfg.MongoDatabaseName)
	return &mongoAppointmentRepository{
		cfg:        cfg,
		collection: db.Collection(CollectionName),
	}
}

// withTimeout bounds ctx by timeout, keeping an earlier caller deadline.
// A SessionContext is returned unchanged.
func (r *mongoAppointmentRepository) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.(mongo.SessionContext); ok {
		return ctx, func() {}
	}

	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline && time.Until(deadline) < timeout {
		return context.WithDeadline(ctx, deadline)
	}
	return context.WithTimeout(ctx, timeout)
}

func (r *mongoAppointmentRepository) findOne(ctx context.Context, filter bson.M) (*model.Appointment, error) {
	ctx, cancel := r.withTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	var appointment model.Appointment
	err := r.collection.FindOne(ctx, filter).Decode(&appointment)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, appointmentserrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find appointment: %w", err)
	}
	return &appointment, nil
}

func (r *mongoAppointmentRepository) FindByEmail(ctx context.Context, email string) (*model.Appointment, error) {
	return r.findOne(ctx, bson.M{"email": email})
}

func (r *mongoAppointmentRepository) FindByKey(ctx context.Context, date, slotTime string) (*model.Appointment, error) {
	return r.findOne(ctx, bson.M{"date": date, "time": slotTime})
}

// FindAllByEmail returns every record for email in insertion order.
// Ordering relies on server generated ObjectIDs.
func (r *mongoAppointmentRepository) FindAllByEmail(ctx context.Context, email string) ([]*model.Appointment, error) {
	ctx, cancel := r.withTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})

	cursor, err := r.collection.Find(ctx, bson.M{"email": email}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find appointments: %w", err)
	}
	defer cursor.Close(ctx)

	var appointments []*model.Appointment
	if err = cursor.All(ctx, &appointments); err != nil {
		return nil, fmt.Errorf("failed to decode appointments: %w", err)
	}
	return appointments, nil
}

// ClaimIfAbsent inserts appointment unless its (date, time) already has a
// record, and returns whichever record occupies the slot afterwards.
func (r *mongoAppointmentRepository) ClaimIfAbsent(ctx context.Context, appointment *model.Appointment) (*model.Appointment, error) {
	ctx, cancel := r.withTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Millisecond)

	filter := bson.M{"date": appointment.Date, "time": appointment.Time}
	update := bson.M{
		"$setOnInsert": bson.M{
			"name":       appointment.Name,
			"email":      appointment.Email,
			"status":     appointment.Status,
			"created_at": now,
			"updated_at": now,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var occupant model.Appointment
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&occupant)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, appointmentserrors.ErrDuplicateSlot
		}
		return nil, fmt.Errorf("failed to claim slot: %w", err)
	}
	return &occupant, nil
}

// DeleteByEmail removes the record owned by email and returns it.
func (r *mongoAppointmentRepository) DeleteByEmail(ctx context.Context, email string) (*model.Appointment, error) {
	ctx, cancel := r.withTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	var deleted model.Appointment
	err := r.collection.FindOneAndDelete(ctx, bson.M{"email": email}).Decode(&deleted)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, appointmentserrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to delete appointment: %w", err)
	}
	return &deleted, nil
}

func (r *mongoAppointmentRepository) DeleteByID(ctx context.Context, id string) error {
	ctx, cancel := r.withTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("%w: %s", appointmentserrors.ErrInvalidID, id)
	}

	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": objectID})
	if err != nil {
		return fmt.Errorf("failed to delete appointment: %w", err)
	}
	if result.DeletedCount == 0 {
		return appointmentserrors.ErrNotFound
	}
	return nil
}

// FindTimesByDate lists the booked times on date, ascending.
func (r *mongoAppointmentRepository) FindTimesByDate(ctx context.Context, date string) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx, r.cfg.ReadTimeout)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "time", Value: 1}}).
		SetProjection(bson.M{"time": 1, "_id": 0})

	cursor, err := r.collection.Find(ctx, bson.M{"date": date}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find booked times: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Time string `bson:"time"`
	}
	if err = cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode booked times: %w", err)
	}

	times := make([]string, 0, len(rows))
	for _, row := range rows {
		times = append(times, row.Time)
	}
	return times, nil
}
