// Package eventbus is an in-process, topic-based publish/subscribe fan-out.
// Topics are plain strings (board:<id>, user:<id>, global); each subscriber
// owns a bounded queue and a slow subscriber never slows down a publisher —
// on overflow the oldest queued event is dropped, never the newest.
package eventbus

import (
	"sync"

	"github.com/kira-kanban/dispatch-core/internal/metrics"
)

// QueueCapacity is the bound on each subscriber's per-topic queue.
const QueueCapacity = 100

// Event is a tagged, component-specific record published to a topic.
type Event struct {
	Type    string
	Payload any
}

// Handle identifies one subscription, used to unsubscribe.
type Handle struct {
	topic string
	id    uint64
}

type subscriber struct {
	id     uint64
	topic  string
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// enqueue pushes e onto the subscriber's queue, dropping the oldest queued
// event if the queue is full. Guarded by mu because a publisher racing a
// concurrent drop-and-retry on the same subscriber must not interleave, and
// because closed must be checked under the same lock Unsubscribe closes
// ch under: otherwise a Publish already past that check could still send on
// a channel Unsubscribe closes concurrently, panicking.
func (sub *subscriber) enqueue(e Event, m *metrics.Recorder) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.closed {
		return
	}

	for {
		select {
		case sub.ch <- e:
			return
		default:
			select {
			case <-sub.ch:
				m.RecordEventbusDrop(sub.topic)
			default:
				// Channel drained concurrently by the reader; loop and retry.
			}
		}
	}
}

// Bus is the in-process event bus. One bus-wide RWMutex guards the
// subscriber lists of all topics; there is no lock per topic. Publish only
// holds the read lock long enough to snapshot the subscriber list, then
// enqueues outside the lock so a full subscriber queue never blocks other
// publishers or other topics.
type Bus struct {
	mu      sync.RWMutex
	topics  map[string]map[uint64]*subscriber
	nextID  uint64
	idMu    sync.Mutex
	metrics *metrics.Recorder
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string]map[uint64]*subscriber), metrics: metrics.NewRecorder()}
}

// Subscribe registers a new subscriber on topic and returns its handle and
// receive-only event stream. The caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(topic string) (Handle, <-chan Event) {
	b.idMu.Lock()
	b.nextID++
	id := b.nextID
	b.idMu.Unlock()

	sub := &subscriber{id: id, topic: topic, ch: make(chan Event, QueueCapacity)}

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[uint64]*subscriber)
		b.topics[topic] = subs
	}
	subs[id] = sub
	count := len(subs)
	b.mu.Unlock()

	b.metrics.SetEventbusSubscribers(topic, count)
	return Handle{topic: topic, id: id}, sub.ch
}

// Unsubscribe removes the subscriber identified by h and closes its channel.
// Safe to call more than once.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	subs, ok := b.topics[h.topic]
	if !ok {
		b.mu.Unlock()
		return
	}
	sub, ok := subs[h.id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(subs, h.id)
	count := len(subs)
	if count == 0 {
		delete(b.topics, h.topic)
	}
	b.mu.Unlock()

	b.metrics.SetEventbusSubscribers(h.topic, count)

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()
}

// Publish delivers e to every current subscriber of topic. Non-blocking:
// enqueue onto a full subscriber queue drops that subscriber's oldest event
// rather than waiting. Publish never returns an error; there is no observer
// of delivery failure by design: drop-oldest is not an error condition.
func (b *Bus) Publish(topic string, e Event) {
	b.mu.RLock()
	subs := b.topics[topic]
	snapshot := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	for _, sub := range snapshot {
		sub.enqueue(e, b.metrics)
	}
}

// SubscriberCount reports how many subscribers currently listen on topic,
// for Prometheus instrumentation (gauge per topic prefix).
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
