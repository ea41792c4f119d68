package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"slotboard/internal/broadcast"
	"slotboard/pkg/config"
	"slotboard/pkg/logger"
	"slotboard/pkg/model"
)

const maxMessageSize = 4096

type Subscriber interface {
	Subscribe(ctx context.Context, connID string) (*broadcast.Subscription, error)
	Unsubscribe(sub *broadcast.Subscription)
}

type MessageValidator interface {
	ValidateClientMessage(msg *model.ClientMessage) error
}

// Handler serves the websocket event channel. Each connection has one reader,
// which dispatches client messages in arrival order, and one writer, which
// owns every write to the socket.
type Handler struct {
	manager   *Manager
	hub       Subscriber
	validator MessageValidator
	upgrader  websocket.Upgrader
	log       *logger.Logger

	writeTimeout time.Duration
	pongTimeout  time.Duration
	pingPeriod   time.Duration
	replyBuffer  int

	mu       sync.Mutex
	live     map[string]*websocket.Conn
	draining bool
	conns    sync.WaitGroup
}

func NewHandler(manager *Manager, hub Subscriber, validator MessageValidator, cfg *config.Config) *Handler {
	h := &Handler{
		manager:      manager,
		hub:          hub,
		validator:    validator,
		log:          cfg.Log.Component("websocket"),
		writeTimeout: cfg.WSWriteTimeout,
		pongTimeout:  cfg.WSPongTimeout,
		pingPeriod:   cfg.WSPongTimeout * 9 / 10,
		replyBuffer:  cfg.WSSendBuffer,
		live:         make(map[string]*websocket.Conn),
	}
	if h.replyBuffer <= 0 {
		h.replyBuffer = config.DefaultWSSendBuffer
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = config.DefaultWSWriteTimeout
	}
	if h.pongTimeout <= 0 {
		h.pongTimeout = config.DefaultWSPongTimeout
		h.pingPeriod = h.pongTimeout * 9 / 10
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.WSAllowedOrigins),
	}
	return h
}

// originChecker allows the configured origins. With none configured only
// same-host browsers are accepted; "*" accepts everyone.
func originChecker(allowed []string) func(r *http.Request) bool {
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(allowed) == 0 {
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		}
		for _, o := range allowed {
			if strings.EqualFold(strings.TrimRight(o, "/"), origin) {
				return true
			}
		}
		return false
	}
}

func (h *Handler) RegisterRoutes(router *httprouter.Router) {
	router.GET("/ws", h.Serve)
}

type connection struct {
	id      string
	ws      *websocket.Conn
	sub     *broadcast.Subscription
	replies chan model.Event
	done    chan struct{}
}

func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// Counted before the upgrade, while the server still tracks the request,
	// so Drain cannot miss a connection that is being set up.
	h.conns.Add(1)
	defer h.conns.Done()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c := &connection{
		id:      uuid.NewString(),
		ws:      ws,
		replies: make(chan model.Event, h.replyBuffer),
		done:    make(chan struct{}),
	}

	c.sub, err = h.hub.Subscribe(ctx, c.id)
	if err != nil {
		h.log.Error("Failed to subscribe connection", "connection_id", c.id, "error", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event channel unavailable"),
			time.Now().Add(h.writeTimeout))
		_ = ws.Close()
		return
	}

	if !h.track(c) {
		h.hub.Unsubscribe(c.sub)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.writeTimeout))
		_ = ws.Close()
		return
	}
	defer h.untrack(c.id)

	h.log.Info("Websocket connected", "connection_id", c.id, "remote_addr", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(c)
	}()

	h.readLoop(ctx, c)

	h.manager.Disconnect(ctx, c.id)
	close(c.done)
	h.hub.Unsubscribe(c.sub)
	<-writerDone
	_ = ws.Close()

	h.log.Info("Websocket disconnected", "connection_id", c.id)
}

func (h *Handler) track(c *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.live[c.id] = c.ws
	return true
}

func (h *Handler) untrack(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.live, connID)
}

// Drain closes every live connection and waits until each one has run its
// disconnect cleanup, or until ctx is done. Connections arriving afterwards
// are turned away. It must run before the soft-lock store is closed.
func (h *Handler) Drain(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	for _, ws := range h.live {
		_ = ws.Close()
	}
	open := len(h.live)
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Websocket connections drained", "closed", open)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) readLoop(ctx context.Context, c *connection) {
	c.ws.SetReadLimit(maxMessageSize)
	extend := func() {
		_ = c.ws.SetReadDeadline(time.Now().Add(h.pongTimeout))
	}
	extend()
	c.ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Debug("Websocket read failed", "connection_id", c.id, "error", err)
			}
			return
		}
		extend()

		var msg model.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(c, errorEvent("message must be a JSON object"))
			continue
		}
		h.dispatch(ctx, c, &msg)
	}
}

func (h *Handler) dispatch(ctx context.Context, c *connection, msg *model.ClientMessage) {
	if err := h.validator.ValidateClientMessage(msg); err != nil {
		h.reply(c, errorEvent(err.Error()))
		return
	}

	var err error
	switch msg.Kind {
	case model.ClientSlotSelect:
		err = h.manager.Select(ctx, c.id, msg.Slot())
	case model.ClientSlotClear:
		err = h.manager.Clear(ctx, c.id)
	}
	if err != nil {
		h.log.Error("Failed to apply client message",
			"connection_id", c.id,
			"kind", msg.Kind,
			"error", err,
		)
		h.reply(c, errorEvent("soft-lock service unavailable"))
	}
}

// reply queues an event for this connection only. It never blocks the reader.
func (h *Handler) reply(c *connection, event model.Event) {
	select {
	case c.replies <- event:
	default:
		h.log.Warn("Dropping reply for slow connection", "connection_id", c.id, "kind", event.Kind)
	}
}

func (h *Handler) writeLoop(c *connection) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		// Unblocks the reader when the writer gives up first.
		_ = c.ws.Close()
	}()

	if err := h.write(c, model.Event{Kind: model.EventConnected, ConnectionID: c.id}); err != nil {
		return
	}

	for {
		select {
		case event, ok := <-c.sub.C:
			if !ok {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(h.writeTimeout))
				return
			}
			if err := h.write(c, event); err != nil {
				return
			}
		case event := <-c.replies:
			if err := h.write(c, event); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Handler) write(c *connection, event model.Event) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	err := c.ws.WriteJSON(event)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		h.log.Debug("Websocket write failed", "connection_id", c.id, "kind", event.Kind, "error", err)
	}
	return err
}

func errorEvent(message string) model.Event {
	return model.Event{Kind: model.EventError, Message: message}
}
