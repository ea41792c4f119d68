package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotboard/internal/appointments/validator"
	"slotboard/pkg/model"
)

func newServer(t *testing.T, f *fixture, origins ...string) *httptest.Server {
	t.Helper()
	srv, _ := newServerWithHandler(t, f, origins...)
	return srv
}

func newServerWithHandler(t *testing.T, f *fixture, origins ...string) (*httptest.Server, *Handler) {
	t.Helper()
	cfg := testConfig()
	cfg.WSAllowedOrigins = origins

	h := NewHandler(f.manager, f.hub, validator.NewAppointmentValidator(cfg.Log), cfg)
	router := httprouter.New()
	h.RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, h
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, srv *httptest.Server) (*websocket.Conn, string) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ev := read(t, conn)
	require.Equal(t, model.EventConnected, ev.Kind)
	require.NotEmpty(t, ev.ConnectionID)
	return conn, ev.ConnectionID
}

func read(t *testing.T, conn *websocket.Conn) model.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev model.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWebsocket_SelectIsSeenByOthers(t *testing.T) {
	f := newFixture(t)
	srv := newServer(t, f)

	alice, aliceID := dial(t, srv)
	bob, _ := dial(t, srv)

	require.NoError(t, alice.WriteJSON(model.ClientMessage{Kind: model.ClientSlotSelect, Date: ten.Date, Time: ten.Time}))

	ev := read(t, bob)
	assert.Equal(t, model.NewSlotEvent(model.EventSlotSoftLocked, ten), ev)

	assert.Eventually(t, func() bool {
		hold, err := f.registry.ActiveHold(t.Context(), aliceID)
		return err == nil && hold != nil && hold.Slot == ten
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, alice.WriteJSON(model.ClientMessage{Kind: model.ClientSlotClear}))
	assert.Equal(t, model.NewSlotEvent(model.EventSlotLockCleared, ten), read(t, bob))
}

func TestWebsocket_BadMessageGetsErrorReply(t *testing.T) {
	f := newFixture(t)
	srv := newServer(t, f)
	conn, _ := dial(t, srv)

	for _, raw := range []string{
		`not json`,
		`{"kind":"slot-grab","date":"2025-06-01","time":"10:00"}`,
		`{"kind":"slot-select","date":"2025-13-01","time":"10:00"}`,
		`{"kind":"slot-select","date":"2025-06-01"}`,
	} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
		ev := read(t, conn)
		assert.Equal(t, model.EventError, ev.Kind, raw)
		assert.NotEmpty(t, ev.Message, raw)
	}

	assert.Equal(t, 0, f.registry.Len())

	// The connection stays usable.
	require.NoError(t, conn.WriteJSON(model.ClientMessage{Kind: model.ClientSlotSelect, Date: eleven.Date, Time: eleven.Time}))
	assert.Eventually(t, func() bool { return f.registry.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWebsocket_DisconnectClearsHold(t *testing.T) {
	f := newFixture(t)
	srv := newServer(t, f)

	alice, _ := dial(t, srv)
	bob, _ := dial(t, srv)

	require.NoError(t, alice.WriteJSON(model.ClientMessage{Kind: model.ClientSlotSelect, Date: two.Date, Time: two.Time}))
	require.Equal(t, model.EventSlotSoftLocked, read(t, bob).Kind)

	require.NoError(t, alice.Close())

	assert.Equal(t, model.NewSlotEvent(model.EventSlotLockCleared, two), read(t, bob))
	assert.Eventually(t, func() bool { return f.registry.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWebsocket_DrainReleasesHoldsBeforeReturning(t *testing.T) {
	f := newFixture(t)
	srv, h := newServerWithHandler(t, f)

	alice, aliceID := dial(t, srv)
	bob, bobID := dial(t, srv)

	require.NoError(t, alice.WriteJSON(model.ClientMessage{Kind: model.ClientSlotSelect, Date: ten.Date, Time: ten.Time}))
	require.NoError(t, bob.WriteJSON(model.ClientMessage{Kind: model.ClientSlotSelect, Date: two.Date, Time: two.Time}))
	require.Eventually(t, func() bool { return f.registry.Len() == 2 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Drain(ctx))

	// cleanup is complete once Drain returns, before any store is closed
	assert.Equal(t, 0, f.registry.Len())
	for _, id := range []string{aliceID, bobID} {
		hold, err := f.registry.ActiveHold(context.Background(), id)
		require.NoError(t, err)
		assert.Nil(t, hold, id)
	}

	late, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = late.Close() })
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestWebsocket_DrainWithoutConnections(t *testing.T) {
	f := newFixture(t)
	_, h := newServerWithHandler(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, h.Drain(ctx))
}

func TestWebsocket_RejectsForeignOrigin(t *testing.T) {
	f := newFixture(t)
	srv := newServer(t, f, "https://slots.example.com")

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://slots.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestOriginChecker(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://slots.local/ws", nil)

	assert.True(t, originChecker(nil)(req), "no origin header")

	req.Header.Set("Origin", "http://slots.local")
	assert.True(t, originChecker(nil)(req), "same host")

	req.Header.Set("Origin", "http://other.local")
	assert.False(t, originChecker(nil)(req))
	assert.True(t, originChecker([]string{"*"})(req))
	assert.True(t, originChecker([]string{"http://other.local/"})(req))
}
