package broadcast

import (
	"context"
	"testing"
	"time"

	"slotboard/pkg/logger"
	"slotboard/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var slot = model.Slot{Date: "2025-06-01", Time: "10:00"}

func newHub(t *testing.T, buffer int) *Hub {
	t.Helper()
	h := NewHub(logger.Discard(), buffer)
	t.Cleanup(h.Stop)
	return h
}

func receive(t *testing.T, sub *Subscription) model.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event for %s", sub.ID)
		return model.Event{}
	}
}

func assertSilent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if ok {
			t.Fatalf("unexpected event for %s: %+v", sub.ID, ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_ExcludesOrigin(t *testing.T) {
	h := newHub(t, 8)
	ctx := context.Background()

	a, err := h.Subscribe(ctx, "A")
	require.NoError(t, err)
	b, err := h.Subscribe(ctx, "B")
	require.NoError(t, err)

	ev := model.NewSlotEvent(model.EventSlotSoftLocked, slot)
	require.NoError(t, h.Publish(ctx, ToOthers(ev, "A")))

	assert.Equal(t, ev, receive(t, b))
	assertSilent(t, a)
}

func TestHub_ToAllReachesEveryone(t *testing.T) {
	h := newHub(t, 8)
	ctx := context.Background()

	a, _ := h.Subscribe(ctx, "A")
	b, _ := h.Subscribe(ctx, "B")

	ev := model.NewSlotEvent(model.EventSlotBooked, slot)
	require.NoError(t, h.Publish(ctx, ToAll(ev)))

	assert.Equal(t, ev, receive(t, a))
	assert.Equal(t, ev, receive(t, b))
}

func TestHub_PreservesPublishOrder(t *testing.T) {
	h := newHub(t, 64)
	ctx := context.Background()
	sub, _ := h.Subscribe(ctx, "A")

	kinds := []model.EventKind{
		model.EventSlotSoftLocked,
		model.EventSlotLockCleared,
		model.EventSlotBooked,
		model.EventSlotCancelled,
	}
	for _, k := range kinds {
		require.NoError(t, h.Publish(ctx, ToAll(model.NewSlotEvent(k, slot))))
	}

	for _, want := range kinds {
		assert.Equal(t, want, receive(t, sub).Kind)
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := newHub(t, 8)
	ctx := context.Background()
	sub, _ := h.Subscribe(ctx, "A")

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)

	_, ok := <-sub.C
	assert.False(t, ok)

	require.NoError(t, h.Publish(ctx, ToAll(model.NewSlotEvent(model.EventSlotBooked, slot))))
}

func TestHub_ResubscribeReplacesOld(t *testing.T) {
	h := newHub(t, 8)
	ctx := context.Background()

	first, _ := h.Subscribe(ctx, "A")
	second, _ := h.Subscribe(ctx, "A")

	_, ok := <-first.C
	assert.False(t, ok, "replaced subscription should be closed")

	// Unsubscribing the stale handle must not remove the live one.
	h.Unsubscribe(first)
	require.NoError(t, h.Publish(ctx, ToAll(model.NewSlotEvent(model.EventSlotBooked, slot))))
	assert.Equal(t, model.EventSlotBooked, receive(t, second).Kind)
}

func TestHub_DropsWhenBufferFull(t *testing.T) {
	h := newHub(t, 1)
	ctx := context.Background()

	slow, _ := h.Subscribe(ctx, "slow")
	fast, _ := h.Subscribe(ctx, "fast")

	first := model.NewSlotEvent(model.EventSlotSoftLocked, slot)
	second := model.NewSlotEvent(model.EventSlotLockCleared, slot)

	require.NoError(t, h.Publish(ctx, ToAll(first)))
	assert.Equal(t, first, receive(t, fast))

	require.NoError(t, h.Publish(ctx, ToAll(second)))
	// the loop handles requests in order, so this returns after the
	// second dispatch finished
	_, err := h.Subscribe(ctx, "barrier")
	require.NoError(t, err)
	assert.Equal(t, second, receive(t, fast))

	// slow never drained, so it keeps the first and misses the second
	assert.Equal(t, first, receive(t, slow))
	assertSilent(t, slow)
	assert.Equal(t, int64(1), h.Dropped())
}

func TestHub_StoppedRejectsCalls(t *testing.T) {
	h := newHub(t, 1)
	h.Stop()

	err := h.Publish(context.Background(), ToAll(model.NewSlotEvent(model.EventSlotBooked, slot)))
	assert.ErrorIs(t, err, ErrHubStopped)

	_, err = h.Subscribe(context.Background(), "late")
	assert.ErrorIs(t, err, ErrHubStopped)
}

func TestHub_PublishHonoursContext(t *testing.T) {
	h := newHub(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// either branch may win when both are ready; a cancelled context must
	// never block
	err := h.Publish(ctx, ToAll(model.NewSlotEvent(model.EventSlotBooked, slot)))
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestHub_StopClosesSubscriptions(t *testing.T) {
	h := NewHub(logger.Discard(), 4)
	sub, err := h.Subscribe(context.Background(), "A")
	require.NoError(t, err)

	h.Stop()
	h.Stop()

	_, ok := <-sub.C
	assert.False(t, ok)
}
