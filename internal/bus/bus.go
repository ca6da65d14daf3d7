// Package bus is the control-plane notification fan-out. Publish invokes
// every current subscriber of a topic synchronously on the publisher's
// goroutine.
//
// Subscriber lists are immutable snapshots swapped atomically: Subscribe
// and Unsubscribe build a new list under a mutex, and Publish iterates
// whichever list it loaded. A publish already in flight may still reach a
// handler that has just unsubscribed.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrUnknownTopic       = errors.New("bus: unknown topic")
	ErrNilHandler         = errors.New("bus: nil handler")
	ErrSubscriberNotFound = errors.New("bus: subscriber not found")
	ErrBusClosed          = errors.New("bus: closed")
)

// Topic identifies a notification class.
type Topic uint8

const (
	EffectChanged Topic = iota
	FrameRendered
	PhaseChanged
	UnitDegraded
	CommandRejected
	numTopics
)

func (t Topic) String() string {
	switch t {
	case EffectChanged:
		return "effect_changed"
	case FrameRendered:
		return "frame_rendered"
	case PhaseChanged:
		return "phase_changed"
	case UnitDegraded:
		return "unit_degraded"
	case CommandRejected:
		return "command_rejected"
	default:
		return fmt.Sprintf("topic(%d)", uint8(t))
	}
}

// Event is a small fixed-size notification, passed by value.
type Event struct {
	Topic Topic
	P1    uint8
	P2    uint8
	P3    uint8
	P4    uint32
	// Seq is a topic-specific counter, for example the frame number.
	Seq uint64
}

// Handler receives events. It runs on the publisher's goroutine and must
// not block.
type Handler func(Event)

// Subscription identifies one registration.
type Subscription struct {
	topic Topic
	id    uint64
}

// Topic returns the subscribed topic.
func (s Subscription) Topic() Topic { return s.topic }

type subscriber struct {
	id uint64
	fn Handler
}

// Stats counts bus activity.
type Stats struct {
	Published  uint64
	Deliveries uint64
	Swaps      uint64
}

// Bus maps topics to subscriber snapshots.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	closed bool
	topics [numTopics]atomic.Pointer[[]subscriber]

	published  atomic.Uint64
	deliveries atomic.Uint64
	swaps      atomic.Uint64
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers fn for topic.
func (b *Bus) Subscribe(topic Topic, fn Handler) (Subscription, error) {
	if topic >= numTopics {
		return Subscription{}, fmt.Errorf("%w: %d", ErrUnknownTopic, topic)
	}
	if fn == nil {
		return Subscription{}, ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Subscription{}, ErrBusClosed
	}

	b.nextID++
	id := b.nextID

	var cur []subscriber
	if p := b.topics[topic].Load(); p != nil {
		cur = *p
	}
	next := make([]subscriber, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, subscriber{id: id, fn: fn})
	b.topics[topic].Store(&next)
	b.swaps.Add(1)

	return Subscription{topic: topic, id: id}, nil
}

// Unsubscribe removes a registration.
func (b *Bus) Unsubscribe(sub Subscription) error {
	if sub.topic >= numTopics {
		return fmt.Errorf("%w: %d", ErrUnknownTopic, sub.topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.topics[sub.topic].Load()
	if p == nil {
		return ErrSubscriberNotFound
	}
	cur := *p
	idx := -1
	for i, s := range cur {
		if s.id == sub.id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrSubscriberNotFound
	}

	next := make([]subscriber, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	b.topics[sub.topic].Store(&next)
	b.swaps.Add(1)
	return nil
}

// Publish delivers ev to every subscriber of ev.Topic and returns the
// number of handlers invoked. It takes no lock and does not allocate.
func (b *Bus) Publish(ev Event) int {
	if ev.Topic >= numTopics {
		return 0
	}
	b.published.Add(1)
	p := b.topics[ev.Topic].Load()
	if p == nil {
		return 0
	}
	subs := *p
	for i := range subs {
		subs[i].fn(ev)
	}
	b.deliveries.Add(uint64(len(subs)))
	return len(subs)
}

// Subscribers returns the current subscriber count of topic.
func (b *Bus) Subscribers(topic Topic) int {
	if topic >= numTopics {
		return 0
	}
	if p := b.topics[topic].Load(); p != nil {
		return len(*p)
	}
	return 0
}

// Close drops every subscriber and rejects further subscriptions.
// Publishing on a closed bus is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for i := range b.topics {
		b.topics[i].Store(nil)
	}
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:  b.published.Load(),
		Deliveries: b.deliveries.Load(),
		Swaps:      b.swaps.Load(),
	}
}
