package testutil

import (
	"fmt"
	"testing"
	"time"

	"slotboard/pkg/auth"
	"slotboard/pkg/model"
)

// NewIdentity returns a distinct identity for each n.
func NewIdentity(n int) model.Identity {
	return model.Identity{
		Name:  fmt.Sprintf("Test User %d", n),
		Email: fmt.Sprintf("user%d@example.com", n),
	}
}

// Token signs identity the way the identity provider would.
func (e *TestEnv) Token(t *testing.T, identity model.Identity) string {
	t.Helper()
	token, err := auth.NewService(e.JWTSecret, time.Hour).GenerateToken(identity)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

// NewAppointment builds a pending appointment ready for ClaimIfAbsent.
func NewAppointment(identity model.Identity, slot model.Slot) *model.Appointment {
	return &model.Appointment{
		Name:   identity.Name,
		Email:  identity.Email,
		Date:   slot.Date,
		Time:   slot.Time,
		Status: model.StatusPending,
	}
}
