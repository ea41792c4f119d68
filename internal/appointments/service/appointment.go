package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	appointmentserrors "slotboard/internal/appointments/errors"
	"slotboard/internal/appointments/repository"
	"slotboard/internal/appointments/validator"
	"slotboard/internal/broadcast"
	"slotboard/pkg/config"
	apperrors "slotboard/pkg/errors"
	"slotboard/pkg/model"
	"slotboard/pkg/sanitizer"
)

// afterCommitTimeout bounds fan-out work that runs once a write is durable.
const afterCommitTimeout = 5 * time.Second

type AppointmentService interface {
	Claim(ctx context.Context, identity *model.Identity, req *model.AppointmentRequest) (*model.Appointment, error)
	Release(ctx context.Context, identity *model.Identity) error
	Mine(ctx context.Context, identity *model.Identity) (*model.Slot, error)
	BookedTimes(ctx context.Context, date string) ([]string, error)
}

// SlotReleaser drops the soft-locks on a slot once it is committed.
type SlotReleaser interface {
	ReleaseSlot(ctx context.Context, slot model.Slot) ([]string, error)
}

// Notifier records appointment lifecycle changes outside the process.
type Notifier interface {
	AppointmentBooked(ctx context.Context, appointment *model.Appointment) error
	AppointmentCancelled(ctx context.Context, appointment *model.Appointment) error
}

type appointmentService struct {
	repo      repository.AppointmentRepository
	validator *validator.AppointmentValidator
	holds     SlotReleaser
	publisher broadcast.Publisher
	notifier  Notifier
	cfg       *config.Config
}

func NewAppointmentService(
	repo repository.AppointmentRepository,
	validator *validator.AppointmentValidator,
	holds SlotReleaser,
	publisher broadcast.Publisher,
	notifier Notifier,
	cfg *config.Config,
) AppointmentService {
	return &appointmentService{
		repo:      repo,
		validator: validator,
		holds:     holds,
		publisher: publisher,
		notifier:  notifier,
		cfg:       cfg,
	}
}

func (s *appointmentService) Claim(ctx context.Context, identity *model.Identity, req *model.AppointmentRequest) (*model.Appointment, error) {
	principal, err := s.principal(identity)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperrors.InvalidInput("Request body is required")
	}
	if err := s.validator.ValidateRequest(req); err != nil {
		return nil, validationError(err)
	}
	slot := model.Slot{Date: req.Date, Time: req.Time}

	_, err = s.repo.FindByEmail(ctx, principal.Email)
	switch {
	case err == nil:
		return nil, alreadyBooked()
	case !errors.Is(err, appointmentserrors.ErrNotFound):
		return nil, s.storageError("find appointment by email", err)
	}

	candidate := &model.Appointment{
		Name:   principal.Name,
		Email:  principal.Email,
		Date:   slot.Date,
		Time:   slot.Time,
		Status: model.StatusPending,
	}

	claimed, err := s.repo.ClaimIfAbsent(ctx, candidate)
	if err != nil {
		if errors.Is(err, appointmentserrors.ErrDuplicateSlot) {
			return nil, slotTaken(slot)
		}
		return nil, s.storageError("claim slot", err)
	}
	if claimed.Email != principal.Email {
		return nil, slotTaken(slot)
	}

	owned, err := s.repo.FindAllByEmail(ctx, principal.Email)
	if err != nil {
		return nil, s.storageError("list appointments by email", err)
	}
	if len(owned) > 1 && owned[0].ID != claimed.ID {
		return nil, s.rollback(ctx, claimed, owned[0])
	}

	s.cfg.Log.Info("Appointment booked",
		"id", claimed.ID,
		"email", claimed.Email,
		"date", claimed.Date,
		"time", claimed.Time,
	)

	s.announceBooked(ctx, claimed)
	return claimed, nil
}

// rollback undoes a claim made while the same identity already committed an
// earlier one. The earliest record by insertion order always survives.
func (s *appointmentService) rollback(ctx context.Context, claimed, survivor *model.Appointment) error {
	s.cfg.Log.Error("Concurrent booking bypass detected, rolling back",
		"security_event", true,
		"email", claimed.Email,
		"rolled_back_id", claimed.ID,
		"rolled_back_slot", claimed.Slot().Key(),
		"surviving_id", survivor.ID,
		"surviving_slot", survivor.Slot().Key(),
	)

	deleteCtx, cancel := detached(ctx)
	defer cancel()

	if err := s.repo.DeleteByID(deleteCtx, claimed.ID); err != nil && !errors.Is(err, appointmentserrors.ErrNotFound) {
		return s.storageError("roll back appointment", err)
	}
	return concurrentBypass()
}

func (s *appointmentService) announceBooked(ctx context.Context, appointment *model.Appointment) {
	ctx, cancel := detached(ctx)
	defer cancel()

	slot := appointment.Slot()

	if released, err := s.holds.ReleaseSlot(ctx, slot); err != nil {
		s.cfg.Log.Warn("Failed to release soft-locks on booked slot", "slot", slot.Key(), "error", err)
	} else if len(released) > 0 {
		s.cfg.Log.Debug("Released soft-locks on booked slot", "slot", slot.Key(), "connections", released)
	}

	for _, kind := range []model.EventKind{model.EventSlotBooked, model.EventSlotLockCleared} {
		if err := s.publisher.Publish(ctx, broadcast.ToAll(model.NewSlotEvent(kind, slot))); err != nil {
			s.cfg.Log.Warn("Failed to broadcast event", "kind", kind, "slot", slot.Key(), "error", err)
		}
	}

	if err := s.notifier.AppointmentBooked(ctx, appointment); err != nil {
		s.cfg.Log.Warn("Failed to emit booked event", "id", appointment.ID, "error", err)
	}
}

func (s *appointmentService) Release(ctx context.Context, identity *model.Identity) error {
	principal, err := s.principal(identity)
	if err != nil {
		return err
	}

	deleted, err := s.repo.DeleteByEmail(ctx, principal.Email)
	if err != nil {
		if errors.Is(err, appointmentserrors.ErrNotFound) {
			return nil
		}
		return s.storageError("release appointment", err)
	}

	s.cfg.Log.Info("Appointment released",
		"id", deleted.ID,
		"email", deleted.Email,
		"date", deleted.Date,
		"time", deleted.Time,
	)

	ctx, cancel := detached(ctx)
	defer cancel()

	slot := deleted.Slot()
	if err := s.publisher.Publish(ctx, broadcast.ToAll(model.NewSlotEvent(model.EventSlotCancelled, slot))); err != nil {
		s.cfg.Log.Warn("Failed to broadcast event", "kind", model.EventSlotCancelled, "slot", slot.Key(), "error", err)
	}
	if err := s.notifier.AppointmentCancelled(ctx, deleted); err != nil {
		s.cfg.Log.Warn("Failed to emit cancelled event", "id", deleted.ID, "error", err)
	}
	return nil
}

func (s *appointmentService) Mine(ctx context.Context, identity *model.Identity) (*model.Slot, error) {
	principal, err := s.principal(identity)
	if err != nil {
		return nil, err
	}

	appointment, err := s.repo.FindByEmail(ctx, principal.Email)
	if err != nil {
		if errors.Is(err, appointmentserrors.ErrNotFound) {
			return nil, nil
		}
		return nil, s.storageError("find appointment by email", err)
	}

	slot := appointment.Slot()
	return &slot, nil
}

// BookedTimes lists the booked times on date. A malformed date has no
// bookings.
func (s *appointmentService) BookedTimes(ctx context.Context, date string) ([]string, error) {
	if !validator.IsDate(date) {
		return []string{}, nil
	}

	times, err := s.repo.FindTimesByDate(ctx, date)
	if err != nil {
		return nil, s.storageError("find booked times", err)
	}
	if times == nil {
		times = []string{}
	}
	return times, nil
}

// principal returns the normalized identity, or an Unauthorized error when
// the identity provider handed over a missing or malformed principal.
func (s *appointmentService) principal(identity *model.Identity) (*model.Identity, error) {
	if identity == nil {
		return nil, apperrors.Wrap(appointmentserrors.ErrMissingIdentity, apperrors.CodeUnauthorized, "Authentication required", http.StatusUnauthorized)
	}
	normalized := &model.Identity{
		Name:  sanitizer.NormalizeName(identity.Name),
		Email: sanitizer.NormalizeEmail(identity.Email),
	}
	if normalized.Email == "" {
		return nil, apperrors.Wrap(appointmentserrors.ErrMissingIdentity, apperrors.CodeUnauthorized, "Authentication required", http.StatusUnauthorized)
	}
	if err := s.validator.ValidateIdentity(normalized); err != nil {
		var details map[string]any
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details = verrs.Details()
		}
		return nil, apperrors.Wrap(errors.Join(appointmentserrors.ErrInvalidIdentity, err), apperrors.CodeUnauthorized,
			"Authenticated identity is invalid", http.StatusUnauthorized).WithDetails(details)
	}
	return normalized, nil
}

func (s *appointmentService) storageError(op string, err error) error {
	s.cfg.Log.Error("Appointment storage failure", "operation", op, "error", err)
	return apperrors.Unavailable("Appointment storage", errors.Join(appointmentserrors.ErrStorageUnavailable, err))
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), afterCommitTimeout)
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return apperrors.Validation("Invalid appointment request", verrs.Details())
	}
	return apperrors.InvalidInput(err.Error())
}

func alreadyBooked() error {
	return apperrors.Wrap(appointmentserrors.ErrAlreadyBooked, apperrors.CodeAlreadyBooked,
		"You already have an appointment", http.StatusConflict)
}

func slotTaken(slot model.Slot) error {
	return apperrors.Wrap(appointmentserrors.ErrSlotTaken, apperrors.CodeSlotTaken,
		"This time slot is already booked", http.StatusConflict).
		WithDetails(map[string]any{"date": slot.Date, "time": slot.Time})
}

func concurrentBypass() error {
	return apperrors.Wrap(appointmentserrors.ErrConcurrentBypassRejected, apperrors.CodeConcurrentBypassRejected,
		"A concurrent booking for this account was rejected", http.StatusBadRequest)
}
