package engine

import (
	"context"
	"sync/atomic"
)

// Hub fans events out to subscribers. A subscriber whose buffer is full
// misses the event rather than stalling the device loop; every miss is
// counted and reported to the drop handler.
type Hub struct {
	events     chan Event
	register   chan chan Event
	unregister chan chan Event
	stopped    chan struct{}
	subs       map[chan Event]struct{}
	subBuf     int
	dropped    atomic.Uint64
	onDrop     func(Event)
}

type Option func(*Hub)

func WithBroadcastBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.events = make(chan Event, size)
		}
	}
}

func WithClientBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.subBuf = size
		}
	}
}

// WithDropHandler is called from the hub goroutine for every event a
// subscriber could not take.
func WithDropHandler(fn func(Event)) Option {
	return func(h *Hub) {
		h.onDrop = fn
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		events:     make(chan Event, 256),
		register:   make(chan chan Event),
		unregister: make(chan chan Event),
		stopped:    make(chan struct{}),
		subs:       make(map[chan Event]struct{}),
		subBuf:     100,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run dispatches until ctx is done, then closes every subscription.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			for ch := range h.subs {
				close(ch)
			}
			h.subs = nil
			return
		case ch := <-h.register:
			h.subs[ch] = struct{}{}
		case ch := <-h.unregister:
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		case ev := <-h.events:
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev Event) {
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop(ev)
			}
		}
	}
}

func (h *Hub) Subscribe() chan Event {
	return h.SubscribeWithBuffer(h.subBuf)
}

// SubscribeWithBuffer registers a new subscription. After the hub stopped
// the returned channel is already closed.
func (h *Hub) SubscribeWithBuffer(size int) chan Event {
	if size <= 0 {
		size = h.subBuf
	}
	ch := make(chan Event, size)
	select {
	case h.register <- ch:
	case <-h.stopped:
		close(ch)
	}
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	select {
	case h.unregister <- ch:
	case <-h.stopped:
	}
}

// Publish queues ev for fan-out. It blocks while the queue is full and
// returns immediately once the hub stopped.
func (h *Hub) Publish(ev Event) {
	select {
	case h.events <- ev:
	case <-h.stopped:
	}
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
