package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcore/meshnode/pkg/events"
	"github.com/meshcore/meshnode/pkg/types"
)

// fakePeers is a minimal peers implementation: a fixed PeerRecord list and
// a SendMessage that always succeeds, enough to exercise next-hop
// selection and TTL/dedup logic without a real session.
type fakePeers struct {
	mu      sync.Mutex
	records []types.PeerRecord
	sent    []types.Message
}

func newFakePeers(records ...types.PeerRecord) *fakePeers {
	return &fakePeers{records: records}
}

func (f *fakePeers) Peers() []types.PeerRecord { return f.records }

func (f *fakePeers) SendMessage(peerID string, msg types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func TestDistance_SymmetricAndZeroForSelf(t *testing.T) {
	idA := "aa11aa11aa11aa11aa11aa11aa11aa11"[:32]
	idB := "bb22bb22bb22bb22bb22bb22bb22bb22"[:32]

	assert.Equal(t, 0, distance(idA, idA).Sign())
	assert.Equal(t, distance(idA, idB).String(), distance(idB, idA).String())
}

func TestRouter_DeliversLocallyWhenRecipientIsSelf(t *testing.T) {
	bus := events.NewBus()
	fp := newFakePeers()
	r, err := New("node-a", fp, bus, nil)
	require.NoError(t, err)

	var delivered types.Message
	done := make(chan struct{})
	r.SetDeliveryHandler(func(msg types.Message) {
		delivered = msg
		close(done)
	})

	r.HandleMessage("node-b", types.Message{
		MessageID:   "m1",
		SenderID:    "node-b",
		RecipientID: "node-a",
		TTL:         5,
		Kind:        types.MsgTaskDispatch,
	})

	select {
	case <-done:
		assert.Equal(t, "m1", delivered.MessageID)
	case <-time.After(time.Second):
		t.Fatal("expected local delivery")
	}
}

func TestRouter_DropsAlreadySeenMessage(t *testing.T) {
	bus := events.NewBus()
	fp := newFakePeers()
	r, err := New("node-a", fp, bus, nil)
	require.NoError(t, err)

	var count int
	r.SetDeliveryHandler(func(msg types.Message) { count++ })

	msg := types.Message{MessageID: "dup-1", RecipientID: "node-a", TTL: 5, Kind: types.MsgTaskDispatch}
	r.HandleMessage("node-b", msg)
	r.HandleMessage("node-b", msg)

	assert.Equal(t, 1, count)
}

func TestRouter_DiscardsOnTTLExhaustion(t *testing.T) {
	bus := events.NewBus()
	fp := newFakePeers(types.PeerRecord{PeerID: "node-c"})
	r, err := New("node-a", fp, bus, nil)
	require.NoError(t, err)

	ch, cancel := bus.RoutingFailed.Subscribe()
	defer cancel()

	r.HandleMessage("node-b", types.Message{MessageID: "ttl-1", RecipientID: "node-z", TTL: 1, Kind: types.MsgTaskDispatch})

	select {
	case <-ch:
		t.Fatal("ttl exhaustion is a discard, not a RoutingFailed event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRouter_NoRouteEmitsRoutingFailed(t *testing.T) {
	bus := events.NewBus()
	fp := newFakePeers() // no known peers at all
	r, err := New("node-a", fp, bus, nil)
	require.NoError(t, err)

	ch, cancel := bus.RoutingFailed.Subscribe()
	defer cancel()

	err = r.Route(types.Message{MessageID: "m2", RecipientID: "node-z", TTL: 5, Kind: types.MsgTaskDispatch})
	require.Error(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, "no_route", ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected RoutingFailed")
	}
}
