// Package events is an in-process publish/subscribe bus. Producers publish
// from after-commit hooks, so subscribers only ever observe committed state.
package events

import (
	"fmt"
	"sync"
	"time"

	"fjacquet/sms-ledger/internal/logging"
)

// Topic names a kind of event.
type Topic string

// Topics published by the ledger.
const (
	TopicTransactionCreated   Topic = "transaction.created"
	TopicTransactionUpdated   Topic = "transaction.updated"
	TopicUnrecognizedQueued   Topic = "unrecognized.queued"
	TopicUnrecognizedResolved Topic = "unrecognized.resolved"
	TopicRulesChanged         Topic = "rules.changed"
	TopicMappingChanged       Topic = "mapping.changed"
	TopicRatesUpdated         Topic = "rates.updated"
)

// Event is delivered to subscribers. Payload is the committed entity, by value.
type Event struct {
	Topic   Topic
	Payload any
	At      time.Time
}

// Handler receives events. Handlers run on the publisher's goroutine and
// should return quickly.
type Handler func(Event)

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(topic Topic, payload any)
}

// Bus fans events out to subscribers synchronously, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscription
	nextID uint64
	closed bool
	logger logging.Logger
}

type subscription struct {
	id      uint64
	handler Handler
}

// NewBus creates an empty bus.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{
		subs:   make(map[Topic][]subscription),
		logger: logging.OrDiscard(logger),
	}
}

// Subscribe registers h for topic and returns a function that removes it.
func (b *Bus) Subscribe(topic Topic, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *Bus) remove(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	b.subs[topic] = out
}

// Publish delivers payload to every subscriber of topic. A panicking handler
// is logged and does not stop delivery to the others.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := append([]subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	ev := Event{Topic: topic, Payload: payload, At: time.Now().UTC()}
	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				logging.F("topic", string(ev.Topic)),
				logging.F(logging.FieldError, fmt.Sprint(r)))
		}
	}()
	s.handler(ev)
}

// Close drops all subscriptions. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[Topic][]subscription)
}

// Recorder is a Publisher that keeps every event, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records the event.
func (r *Recorder) Publish(topic Topic, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Topic: topic, Payload: payload, At: time.Now().UTC()})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Topics returns the topics of the recorded events, in order.
func (r *Recorder) Topics() []Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Topic, len(r.events))
	for i, e := range r.events {
		out[i] = e.Topic
	}
	return out
}
