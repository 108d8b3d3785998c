// Package bus is the in-process fan-out router for generation events.
// Publishers tag events with a scope; subscribers register a selector and
// receive matching events in publish order. Sequence numbers are assigned
// per scope at publish time, before fan-out, so every subscriber observes
// the same total order within a scope.
package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/genstream-io/genstream/internal/scope"
)

var (
	// ErrClosed is returned when publishing to or subscribing on a closed bus.
	ErrClosed = errors.New("bus closed")
)

// CloseReason explains why a subscription stopped delivering events.
type CloseReason string

const (
	// CloseReasonUnsubscribed means the owner unsubscribed or the bus shut down.
	CloseReasonUnsubscribed CloseReason = "unsubscribed"
	// CloseReasonOverflow means the subscriber fell too far behind and was
	// disconnected rather than silently losing events.
	CloseReasonOverflow CloseReason = "overflow"
)

// Kind tags the payload carried by an Event.
type Kind string

const (
	KindPartial  Kind = "partial"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
	KindStatus   Kind = "status"
)

// Event is one frame on a scope's ordered log. Seq is assigned by the bus at
// publish time and is strictly increasing per scope, never reused.
type Event struct {
	Scope scope.Scope `json:"scope"`
	Seq   uint64      `json:"seq"`
	Kind  Kind        `json:"kind"`

	TaskID  string    `json:"task_id,omitempty"`
	Content string    `json:"content,omitempty"`
	State   string    `json:"state,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// DefaultQueueDepth is the per-subscriber outbound queue bound used when the
// caller does not configure one.
const DefaultQueueDepth = 256

// Bus routes published events to matching subscriptions. Safe for concurrent use.
type Bus struct {
	queueDepth int

	mu     sync.Mutex
	seqs   map[scope.Scope]uint64
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// New creates a Bus. queueDepth bounds each subscriber's outbound queue;
// values <= 0 select DefaultQueueDepth.
func New(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Bus{
		queueDepth: queueDepth,
		seqs:       make(map[scope.Scope]uint64),
		subs:       make(map[uint64]*Subscription),
	}
}

// Publish assigns the event's per-scope sequence number and fans it out to
// every subscription whose selector matches. It never blocks on a slow
// subscriber: a subscriber whose queue is full is terminated with
// CloseReasonOverflow instead.
func (b *Bus) Publish(ev Event) (Event, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Event{}, ErrClosed
	}

	b.seqs[ev.Scope]++
	ev.Seq = b.seqs[ev.Scope]
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	var overflowed []*Subscription
	for _, sub := range b.subs {
		if !sub.selector.Matches(ev.Scope) {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	for _, sub := range overflowed {
		b.removeLocked(sub, CloseReasonOverflow)
	}
	b.mu.Unlock()

	return ev, nil
}

// Subscribe registers a selector and returns its subscription handle. Only
// events published after this call are delivered; there is no backlog replay.
func (b *Bus) Subscribe(sel scope.Selector) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		selector: sel,
		events:   make(chan Event, b.queueDepth),
		done:     make(chan struct{}),
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Unsubscribe removes the subscription. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	b.removeLocked(sub, CloseReasonUnsubscribed)
	b.mu.Unlock()
}

// Close shuts the bus down and terminates every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.reason = CloseReasonUnsubscribed
		close(sub.done)
	}
	b.subs = make(map[uint64]*Subscription)
}

// LastSeq returns the most recently assigned sequence number for a scope,
// or zero if nothing has been published to it.
func (b *Bus) LastSeq(s scope.Scope) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seqs[s]
}

func (b *Bus) removeLocked(sub *Subscription, reason CloseReason) {
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	sub.reason = reason
	close(sub.done)
}

// Subscription is one registered listener. It is owned exclusively by the
// stream session that created it; Events and Done must be drained together.
type Subscription struct {
	id       uint64
	selector scope.Selector
	events   chan Event
	done     chan struct{}
	reason   CloseReason
}

// Events delivers matching events in publish order.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed when the subscription has been removed from the bus.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// CloseReason reports why the subscription ended. Valid after Done is closed.
func (s *Subscription) CloseReason() CloseReason { return s.reason }
