package events

import (
	"sync"
	"time"

	"github.com/meshcore/meshnode/pkg/types"
)

// DropPolicy controls what Topic.Publish does when every subscriber buffer is
// full: DropOldest discards the oldest buffered value to make room for the
// new one, Block waits for a subscriber to drain.
type DropPolicy int

const (
	DropOldest DropPolicy = iota
	Block
)

// Topic is a bounded, typed pub/sub channel for one event kind. Unlike a
// single untyped bus, each Topic picks its own buffer size and backpressure
// policy appropriate to its producer: fire the wrong Topic's policy and a
// component's own send loop pays for it, not a stranger's.
type Topic[T any] struct {
	mu          sync.RWMutex
	subscribers map[chan T]struct{}
	capacity    int
	policy      DropPolicy
}

// NewTopic creates a Topic with the given per-subscriber buffer capacity and
// drop policy.
func NewTopic[T any](capacity int, policy DropPolicy) *Topic[T] {
	return &Topic[T]{
		subscribers: make(map[chan T]struct{}),
		capacity:    capacity,
		policy:      policy,
	}
}

// Subscribe registers a new subscriber and returns its channel along with an
// unsubscribe function. Callers must invoke the returned function exactly
// once when done.
func (t *Topic[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, t.capacity)

	t.mu.Lock()
	t.subscribers[ch] = struct{}{}
	t.mu.Unlock()

	unsubscribe := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subscribers[ch]; ok {
			delete(t.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Publish delivers v to every current subscriber, applying the Topic's drop
// policy if a subscriber's buffer is full. Publish never blocks the caller
// under DropOldest; under Block it can, so producers on a latency-sensitive
// path (the Router, the Peer Manager) must use DropOldest topics.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for ch := range t.subscribers {
		select {
		case ch <- v:
		default:
			switch t.policy {
			case DropOldest:
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- v:
				default:
				}
			case Block:
				ch <- v
			}
		}
	}
}

// SubscriberCount reports the number of active subscribers, mainly for tests
// and metrics.
func (t *Topic[T]) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}

// PeerObserved fires each time Discovery hears an advertisement from a
// node_id other than its own, whether or not that node_id was reported
// before. It carries no session or reputation information
// — that's the Peer Manager's to establish — only the fact that a node_id
// is reachable at an address.
type PeerObserved struct {
	PeerID  string
	Address string
	At      time.Time
}

// PeerConnected fires once a handshake completes and a peer transitions into
// the Peer Manager's table with an active session.
type PeerConnected struct {
	PeerID    string
	Addresses []string
	At        time.Time
}

// PeerDisconnected fires when a peer's session ends without eviction (clean
// GOODBYE, connection reset, local shutdown).
type PeerDisconnected struct {
	PeerID string
	Reason string
	At     time.Time
}

// PeerEvicted fires when the Peer Manager removes a peer from its capped
// table to make room, or because the Heartbeat Monitor marked it DEAD beyond
// the retention window.
type PeerEvicted struct {
	PeerID string
	Reason string
	At     time.Time
}

// TaskStatusChanged fires on every Status Tracker transition, including the
// initial QUEUED observation.
type TaskStatusChanged struct {
	TaskID string
	Kind   types.TaskStatusKind
	At     time.Time
}

// RoutingFailed fires when the Router exhausts its retries or detects a
// structural problem (TTL exhaustion, no reachable peer, loop) forwarding a
// Message.
type RoutingFailed struct {
	MessageID   string
	RecipientID string
	Reason      string
	At          time.Time
}

// Bus is the fixed set of typed topics a node's components publish to and
// subscribe from. It replaces a single catch-all event channel: every kind
// gets its own buffer size and drop policy instead of sharing one queue.
type Bus struct {
	PeerObserved      *Topic[PeerObserved]
	PeerConnected     *Topic[PeerConnected]
	PeerDisconnected  *Topic[PeerDisconnected]
	PeerEvicted       *Topic[PeerEvicted]
	TaskStatusChanged *Topic[TaskStatusChanged]
	RoutingFailed     *Topic[RoutingFailed]
}

// Capacities and policies below are sized for the producers that own each
// topic. Peer lifecycle events are low-rate and valuable individually, so
// they keep a deep buffer under DropOldest rather than ever blocking the
// Peer Manager. TaskStatusChanged can be high-rate under load (one per
// worker per task) and is consumed mainly for long-poll/notification
// purposes where only the latest status matters, so it drops oldest too.
const (
	peerTopicCapacity   = 128
	statusTopicCapacity = 1024
	routingTopicCapacity = 256
)

// NewBus constructs a Bus with every topic ready to subscribe to.
func NewBus() *Bus {
	return &Bus{
		PeerObserved:      NewTopic[PeerObserved](peerTopicCapacity, DropOldest),
		PeerConnected:     NewTopic[PeerConnected](peerTopicCapacity, DropOldest),
		PeerDisconnected:  NewTopic[PeerDisconnected](peerTopicCapacity, DropOldest),
		PeerEvicted:       NewTopic[PeerEvicted](peerTopicCapacity, DropOldest),
		TaskStatusChanged: NewTopic[TaskStatusChanged](statusTopicCapacity, DropOldest),
		RoutingFailed:     NewTopic[RoutingFailed](routingTopicCapacity, DropOldest),
	}
}
