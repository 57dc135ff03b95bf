package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Bus fans events out to subscribers. Handlers run synchronously on the
// publisher's goroutine in subscription order; a failing or panicking handler
// is logged and does not affect other subscribers.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]*subscription
	logger  *slog.Logger
	dropped atomic.Uint64
}

type subscription struct {
	id      uint64
	handler Handler
	types   map[Type]bool // empty = all
}

func (s *subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[uint64]*subscription),
		logger: slog.Default().With("component", "events"),
	}
}

// WithLogger overrides the logger used to report handler failures.
func (b *Bus) WithLogger(logger *slog.Logger) *Bus {
	b.logger = logger
	return b
}

// Subscribe registers h for the given types (all types when none given).
// The returned function removes the subscription.
func (b *Bus) Subscribe(h Handler, types ...Type) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		handler: h,
		types:   make(map[Type]bool, len(types)),
	}
	for _, t := range types {
		sub.types[t] = true
	}
	b.subs[sub.id] = sub

	id := sub.id
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// SubscribeChan delivers matching events on a buffered channel. Events that
// arrive while the buffer is full are dropped and counted (see Dropped).
// The cancel function unsubscribes and closes the channel.
func (b *Bus) SubscribeChan(buffer int, types ...Type) (<-chan Event, func()) {
	ch := &chanHandler{ch: make(chan Event, buffer), bus: b}
	unsubscribe := b.Subscribe(ch, types...)
	return ch.ch, func() {
		unsubscribe()
		ch.close()
	}
}

// Publish delivers ev to every matching subscriber.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(ev.Type) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	for _, sub := range targets {
		if err := b.deliver(ctx, sub.handler, ev); err != nil {
			b.logger.WarnContext(ctx, "event handler failed",
				"event_type", string(ev.Type),
				"event_id", ev.ID,
				"error", err,
			)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, ev)
}

// Dropped reports how many events channel subscribers have missed.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type chanHandler struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
	bus    *Bus
}

func (c *chanHandler) Handle(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.ch <- ev:
	default:
		c.bus.dropped.Add(1)
	}
	return nil
}

func (c *chanHandler) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
