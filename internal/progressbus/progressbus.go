// Package progressbus is the Progress Bus (C6): topic-based fan-out of
// workflow events to subscribers, with a bounded per-subscriber buffer and
// drop-oldest back-pressure. Grounded on the teacher's internal/sse.SSEHub
// (subscription map keyed by channel, one outbound channel per client), with
// two corrections: the teacher's Broadcast drops the newest event on a full
// buffer via `select default`, which is the wrong drop policy for a
// progress stream where the latest status matters more than a tick from
// three events ago; this implementation pops the oldest buffered event
// instead. It also gives late subscribers a lastEvent snapshot before
// tailing live traffic, generalizing the teacher's heartbeat+outbound-replay
// loop in SSEHub.ServeHTTP.
package progressbus

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultBufferSize is the per-subscriber bounded buffer depth (spec default
// of 128 events).
const DefaultBufferSize = 128

// Event is one Progress Bus message. Topic identifies which of
// workflow.<id>/project.<id>/user.<id> it was published on. Origin carries
// the publishing Bus's instance ID so a redisbus.Forwarder can recognize and
// drop its own echo rather than re-delivering an event to subscribers twice.
type Event struct {
	Topic    string         `json:"topic"`
	Event    string         `json:"event"`
	Data     map[string]any `json:"data,omitempty"`
	Sequence uint64         `json:"sequence"`
	Origin   string         `json:"origin"`
}

// Subscription is a live handle a caller drains via Events(); Close releases
// it from every topic it was registered under.
type Subscription struct {
	id     uuid.UUID
	bus    *Bus
	events chan Event

	mu     sync.Mutex
	topics map[string]bool
}

func (s *Subscription) Events() <-chan Event { return s.events }

func (s *Subscription) Close() {
	s.bus.unsubscribeAll(s)
}

// enqueue applies drop-oldest back pressure: if the subscriber's buffer is
// full, its single oldest buffered event is discarded to make room for the
// new one, rather than dropping the new event (the teacher's policy) or
// blocking the publisher.
func (s *Subscription) enqueue(evt Event) {
	for {
		select {
		case s.events <- evt:
			return
		default:
		}
		select {
		case <-s.events:
		default:
			return
		}
	}
}

// Bus is the in-process half of the Progress Bus: topic fan-out plus a
// per-topic lastEvent cache for late subscribers. A redisbus.Forwarder can be
// layered on top to mirror Publish calls across processes (§4.6).
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]map[*Subscription]bool
	lastEvent map[string]Event
	seq       uint64

	bufferSize int
	forward    func(Event)
	instanceID string
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithBufferSize overrides DefaultBufferSize.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithForwarder registers a callback invoked synchronously after every local
// Publish, for mirroring events onto a cross-process transport (the Redis
// forwarder in internal/progressbus/redisbus).
func WithForwarder(fn func(Event)) Option {
	return func(b *Bus) { b.forward = fn }
}

func New(opts ...Option) *Bus {
	b := &Bus{
		subs:       map[string]map[*Subscription]bool{},
		lastEvent:  map[string]Event{},
		bufferSize: DefaultBufferSize,
		instanceID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish fans an event out to every current subscriber of topic and records
// it as the topic's lastEvent for subsequent Subscribe calls. Delivery is
// at-most-once per subscriber and best-effort (P8: a single subscriber that
// doesn't drop sees its own events in publish order, since each subscriber's
// channel is FIFO and Publish holds the bus lock for the whole fan-out).
func (b *Bus) Publish(topic, event string, data map[string]any) {
	b.mu.Lock()
	b.seq++
	evt := Event{Topic: topic, Event: event, Data: data, Sequence: b.seq, Origin: b.instanceID}
	b.lastEvent[topic] = evt
	for s := range b.subs[topic] {
		s.enqueue(evt)
	}
	forward := b.forward
	b.mu.Unlock()

	if forward != nil {
		forward(evt)
	}
}

// Ingest feeds an event received from a remote process (via the Redis
// forwarder) into this process's local fan-out, without re-forwarding it
// (avoids an infinite publish loop across processes). An event whose Origin
// matches this Bus's own instance ID is its own publish echoed back by
// Redis's pub/sub (a subscriber also receives its own published messages)
// and is dropped, since Publish already delivered it locally once.
func (b *Bus) Ingest(evt Event) {
	b.mu.RLock()
	self := evt.Origin == b.instanceID
	b.mu.RUnlock()
	if self {
		return
	}

	b.mu.Lock()
	if evt.Sequence > b.seq {
		b.seq = evt.Sequence
	}
	b.lastEvent[evt.Topic] = evt
	subs := b.subs[evt.Topic]
	targets := make([]*Subscription, 0, len(subs))
	for s := range subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.enqueue(evt)
	}
}

// Subscribe registers a new subscription across one or more topics. If any
// of the topics has a recorded lastEvent, it is delivered immediately so a
// late subscriber doesn't start blind (§4.6: "late subscribers can request a
// snapshot (lastEvent) + live stream").
func (b *Bus) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{
		id:     uuid.New(),
		bus:    b,
		events: make(chan Event, b.bufferSizeOrDefault()),
		topics: map[string]bool{},
	}

	b.mu.Lock()
	var snapshots []Event
	for _, topic := range topics {
		if topic == "" {
			continue
		}
		sub.topics[topic] = true
		set, ok := b.subs[topic]
		if !ok {
			set = map[*Subscription]bool{}
			b.subs[topic] = set
		}
		set[sub] = true
		if last, ok := b.lastEvent[topic]; ok {
			snapshots = append(snapshots, last)
		}
	}
	b.mu.Unlock()

	for _, evt := range snapshots {
		sub.enqueue(evt)
	}
	return sub
}

func (b *Bus) bufferSizeOrDefault() int {
	if b.bufferSize <= 0 {
		return DefaultBufferSize
	}
	return b.bufferSize
}

func (b *Bus) unsubscribeAll(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic := range sub.topics {
		if set, ok := b.subs[topic]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, topic)
			}
		}
	}
}

// WorkflowTopic, ProjectTopic, and UserTopic build the three canonical
// topic names a workflow event fans out to (§4.6).
func WorkflowTopic(workflowID uuid.UUID) string { return "workflow." + workflowID.String() }
func ProjectTopic(projectID uuid.UUID) string   { return "project." + projectID.String() }
func UserTopic(userID uuid.UUID) string         { return "user." + userID.String() }
