package realtime

import (
	"context"
	"time"

	"slotboard/internal/broadcast"
	"slotboard/internal/softlock"
	"slotboard/pkg/config"
	"slotboard/pkg/logger"
	"slotboard/pkg/model"
)

// disconnectTimeout bounds cleanup for a connection that is already gone.
const disconnectTimeout = 5 * time.Second

// Manager turns connection activity into soft-lock changes and the events
// other clients see for them.
type Manager struct {
	holds     softlock.Registry
	publisher broadcast.Publisher
	log       *logger.Logger

	idleTimeout   time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

func NewManager(holds softlock.Registry, publisher broadcast.Publisher, cfg *config.Config) *Manager {
	return &Manager{
		holds:         holds,
		publisher:     publisher,
		log:           cfg.Log.Component("realtime"),
		idleTimeout:   cfg.SoftLockIdleTimeout,
		sweepInterval: cfg.SoftLockSweepInterval,
		now:           time.Now,
	}
}

// Select soft-locks slot for connID. A previous hold on a different slot is
// cleared for everyone else before the new lock is announced.
func (m *Manager) Select(ctx context.Context, connID string, slot model.Slot) error {
	prev, err := m.holds.Hold(ctx, connID, slot)
	if err != nil {
		return err
	}

	if prev != nil && prev.Slot != slot {
		m.publish(ctx, broadcast.ToOthers(model.NewSlotEvent(model.EventSlotLockCleared, prev.Slot), connID))
	}
	m.publish(ctx, broadcast.ToOthers(model.NewSlotEvent(model.EventSlotSoftLocked, slot), connID))
	return nil
}

// Clear drops connID's hold, if any.
func (m *Manager) Clear(ctx context.Context, connID string) error {
	hold, err := m.holds.Release(ctx, connID)
	if err != nil || hold == nil {
		return err
	}

	m.publish(ctx, broadcast.ToOthers(model.NewSlotEvent(model.EventSlotLockCleared, hold.Slot), connID))
	return nil
}

// Disconnect releases whatever connID still holds. It runs on a context
// detached from ctx so cleanup completes after the peer went away.
func (m *Manager) Disconnect(ctx context.Context, connID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
	defer cancel()

	if err := m.Clear(ctx, connID); err != nil {
		m.log.Error("Failed to release hold on disconnect",
			"connection_id", connID,
			"error", err,
		)
	}
}

// SweepIdle releases holds that have not been renewed within the idle
// timeout and returns how many were dropped.
func (m *Manager) SweepIdle(ctx context.Context) (int, error) {
	if m.idleTimeout <= 0 {
		return 0, nil
	}

	expired, err := m.holds.ReleaseExpired(ctx, m.now().Add(-m.idleTimeout))
	if err != nil {
		return 0, err
	}

	for _, hold := range expired {
		m.log.Info("Released idle soft-lock",
			"connection_id", hold.ConnectionID,
			"slot", hold.Slot.Key(),
			"held_at", hold.HeldAt,
		)
		m.publish(ctx, broadcast.ToAll(model.NewSlotEvent(model.EventSlotLockCleared, hold.Slot)))
	}
	return len(expired), nil
}

// RunSweeper calls SweepIdle every sweep interval until ctx is done. It
// returns immediately when the idle timeout is disabled.
func (m *Manager) RunSweeper(ctx context.Context) {
	if m.idleTimeout <= 0 || m.sweepInterval <= 0 {
		m.log.Info("Idle soft-lock sweeper disabled")
		return
	}

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepIdle(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("Idle soft-lock sweep failed", "error", err)
			}
		}
	}
}

func (m *Manager) publish(ctx context.Context, env broadcast.Envelope) {
	if err := m.publisher.Publish(ctx, env); err != nil {
		m.log.Warn("Failed to broadcast event",
			"kind", env.Event.Kind,
			"slot", env.Event.Slot().Key(),
			"error", err,
		)
	}
}
