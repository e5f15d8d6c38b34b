package events

import (
	"sync"

	"github.com/taskflux/taskflux/observability"
)

// subscriberBuffer bounds how far a slow subscriber can lag before newly
// published events are dropped in favor of the producer staying non-blocking.
const subscriberBuffer = 64

// Stream is a multicast channel of Events: every Publish fans out to every
// currently-registered Subscription. Grounded in the teacher's
// streaming.Publisher/Subscriber split (control_plane/streaming/interface.go),
// adapted from topic-based pub/sub to a single typed lifecycle stream since
// the scheduler facade owns exactly one of these per instance.
type Stream struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// NewStream creates an empty Stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscription is a live registration on a Stream. Callers must call
// Unsubscribe exactly once when done listening.
type Subscription struct {
	id     int
	ch     chan Event
	stream *Stream
}

// C returns the channel of events for this subscription.
func (s *Subscription) C() <-chan Event { return s.ch }

// Unsubscribe removes this subscription from the stream; events already
// buffered on its channel are left there.
func (s *Subscription) Unsubscribe() {
	s.stream.mu.Lock()
	delete(s.stream.subs, s.id)
	s.stream.mu.Unlock()
}

// Subscribe registers a new listener. Per the facade's runNow contract,
// callers must subscribe before triggering the action whose terminal event
// they intend to observe.
func (s *Stream) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Event, subscriberBuffer)
	s.subs[id] = ch
	return &Subscription{id: id, ch: ch, stream: s}
}

// Publish fans the event out to every current subscriber. Delivery is
// best-effort and non-blocking: a subscriber whose buffer is full has the
// event dropped rather than stalling the publisher, so a slow consumer
// never blocks the polling loop.
func (s *Stream) Publish(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			observability.EventPublishFailures.WithLabelValues(string(e.Kind), "subscriber_buffer_full").Inc()
		}
	}
}

// SubscriberCount reports the number of live subscriptions, mostly useful
// for tests.
func (s *Stream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
