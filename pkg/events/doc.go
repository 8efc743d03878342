/*
Package events provides the typed, bounded publish/subscribe topics a mesh
node's components use to observe each other without direct coupling.

Rather than one untyped event bus with a shared Event struct, each event kind
gets its own generic Topic[T] with a capacity and DropPolicy sized for its
producer:

	bus := events.NewBus()

	ch, unsubscribe := bus.PeerConnected.Subscribe()
	defer unsubscribe()

	bus.PeerConnected.Publish(events.PeerConnected{PeerID: id, At: time.Now()})

Publish under DropOldest never blocks the publishing goroutine: if every
subscriber's buffer is full, the oldest buffered value is discarded to make
room. This matters because the Router, Peer Manager and Status Tracker
publish from their own latency-sensitive loops and must never stall waiting
on a slow subscriber (a Control Plane long-poll, a test assertion).

A Bus bundles one Topic per kind (PeerObserved, PeerConnected,
PeerDisconnected, PeerEvicted, TaskStatusChanged, RoutingFailed) so a component only has to
hold one *events.Bus reference to both publish and subscribe across all of
them.
*/
package events
