package broadcast

import (
	"context"
	"errors"
	"sync/atomic"

	"slotboard/pkg/logger"
	"slotboard/pkg/model"
)

var ErrHubStopped = errors.New("broadcast hub stopped")

// Envelope is one event addressed to every subscriber except Origin.
type Envelope struct {
	Event  model.Event `json:"event"`
	Origin string      `json:"origin,omitempty"`
}

// ToAll addresses event to every subscriber.
func ToAll(event model.Event) Envelope {
	return Envelope{Event: event}
}

// ToOthers addresses event to every subscriber except origin.
func ToOthers(event model.Event, origin string) Envelope {
	return Envelope{Event: event, Origin: origin}
}

// Publisher delivers an envelope to the connected clients it addresses.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Subscription is one connection's feed of events. C is closed when the
// subscription is removed or the hub stops.
type Subscription struct {
	ID string
	C  <-chan model.Event

	ch chan model.Event
}

type subscribeRequest struct {
	sub  *Subscription
	done chan struct{}
}

type unsubscribeRequest struct {
	sub  *Subscription
	done chan struct{}
}

// Hub fans events out to local subscribers. Registration, removal and
// dispatch all run on one goroutine, so each subscriber sees events in
// publish order. Delivery never blocks: a subscriber whose buffer is full
// misses the event.
type Hub struct {
	log        *logger.Logger
	bufferSize int

	subscribe   chan subscribeRequest
	unsubscribe chan unsubscribeRequest
	publish     chan Envelope

	quit    chan struct{}
	stopped chan struct{}
	stop    atomic.Bool

	dropped atomic.Int64
}

// NewHub starts the dispatch loop. Each subscriber buffers up to bufferSize
// events.
func NewHub(log *logger.Logger, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	h := &Hub{
		log:         log.Component("broadcast"),
		bufferSize:  bufferSize,
		subscribe:   make(chan subscribeRequest),
		unsubscribe: make(chan unsubscribeRequest),
		publish:     make(chan Envelope),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)

	subs := make(map[string]*Subscription)

	for {
		select {
		case req := <-h.subscribe:
			if old, ok := subs[req.sub.ID]; ok {
				close(old.ch)
			}
			subs[req.sub.ID] = req.sub
			close(req.done)

		case req := <-h.unsubscribe:
			if cur, ok := subs[req.sub.ID]; ok && cur == req.sub {
				delete(subs, req.sub.ID)
				close(cur.ch)
			}
			close(req.done)

		case env := <-h.publish:
			for id, sub := range subs {
				if env.Origin != "" && id == env.Origin {
					continue
				}
				select {
				case sub.ch <- env.Event:
				default:
					h.dropped.Add(1)
					h.log.Warn("Dropping event for slow subscriber",
						"connection_id", id,
						"kind", env.Event.Kind,
					)
				}
			}

		case <-h.quit:
			for _, sub := range subs {
				close(sub.ch)
			}
			return
		}
	}
}

// Subscribe registers connID. Events published after Subscribe returns are
// delivered to the subscription. Subscribing an id again replaces the old
// subscription and closes its channel.
func (h *Hub) Subscribe(ctx context.Context, connID string) (*Subscription, error) {
	ch := make(chan model.Event, h.bufferSize)
	sub := &Subscription{ID: connID, C: ch, ch: ch}
	req := subscribeRequest{sub: sub, done: make(chan struct{})}

	select {
	case h.subscribe <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.quit:
		return nil, ErrHubStopped
	}
	<-req.done
	return sub, nil
}

// Unsubscribe removes sub and closes its channel. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	req := unsubscribeRequest{sub: sub, done: make(chan struct{})}
	select {
	case h.unsubscribe <- req:
		<-req.done
	case <-h.quit:
	}
}

// Publish hands env to the dispatch loop. It returns once the loop has taken
// it, not when every subscriber has received it.
func (h *Hub) Publish(ctx context.Context, env Envelope) error {
	select {
	case h.publish <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.quit:
		return ErrHubStopped
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Stop terminates the loop and closes every subscription channel.
func (h *Hub) Stop() {
	if h.stop.CompareAndSwap(false, true) {
		close(h.quit)
	}
	<-h.stopped
}
