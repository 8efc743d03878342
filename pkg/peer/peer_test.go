package peer

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcore/meshnode/pkg/events"
	"github.com/meshcore/meshnode/pkg/security"
	"github.com/meshcore/meshnode/pkg/types"
)

// discardConn is a no-op net.Conn for tests that only need SendMessage to
// have somewhere to write, not a real peer reading the other end.
type discardConn struct{ net.Conn }

func (discardConn) Write(p []byte) (int, error) { return len(p), nil }
func (discardConn) Close() error                { return nil }

func newTestManager(t *testing.T, nodeID, listenAddr string, maxPeers int, bus *events.Bus) *Manager {
	t.Helper()
	return newTestManagerWithCapabilities(t, nodeID, listenAddr, maxPeers, bus, nil)
}

func newTestManagerWithCapabilities(t *testing.T, nodeID, listenAddr string, maxPeers int, bus *events.Bus, caps []string) *Manager {
	t.Helper()
	pub, seed, err := security.GenerateKeypair()
	require.NoError(t, err)

	mgr, err := New(Config{NodeID: nodeID, ListenAddress: listenAddr, MaxPeers: maxPeers, Capabilities: caps}, pub, seed, bus, nil)
	require.NoError(t, err)
	return mgr
}

func TestManager_ConnectCompletesHandshake(t *testing.T) {
	busA := events.NewBus()
	busB := events.NewBus()

	a := newTestManager(t, "node-a", "127.0.0.1:0", 4, busA)
	b := newTestManager(t, "node-b", "127.0.0.1:0", 4, busB)

	require.NoError(t, a.Start())
	defer a.Stop()
	require.NoError(t, b.Start())
	defer b.Stop()

	connected, cancel := busA.PeerConnected.Subscribe()
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	err := a.Connect(ctx, "node-b", b.listener.Addr().String())
	require.NoError(t, err)

	select {
	case ev := <-connected:
		assert.Equal(t, "node-b", ev.PeerID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected PeerConnected on the dialing side")
	}

	require.Eventually(t, func() bool { return b.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	rec, ok := a.Get("node-b")
	require.True(t, ok)
	assert.Equal(t, types.PeerAlive, rec.Health)
}

func TestManager_ConnectRejectsVersionMismatch(t *testing.T) {
	t.Skip("version mismatch requires a second protocol version to construct; exercised via versionCompatible unit test below")
}

func TestVersionCompatible(t *testing.T) {
	assert.True(t, versionCompatible("1.0", "1.3"))
	assert.False(t, versionCompatible("1.0", "2.0"))
}

func TestManager_DisconnectRemovesRecordAndPublishes(t *testing.T) {
	bus := events.NewBus()
	m := newTestManager(t, "node-a", "127.0.0.1:0", 4, bus)

	m.mu.Lock()
	m.records["node-x"] = types.PeerRecord{PeerID: "node-x", Health: types.PeerAlive, HasSession: true}
	m.mu.Unlock()

	ch, cancel := bus.PeerDisconnected.Subscribe()
	defer cancel()

	m.Disconnect("node-x", "local shutdown")

	_, ok := m.Get("node-x")
	assert.False(t, ok)

	select {
	case ev := <-ch:
		assert.Equal(t, "node-x", ev.PeerID)
		assert.Equal(t, "local shutdown", ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected PeerDisconnected")
	}
}

func TestManager_ConnectAnnouncesCapabilitiesToNeighbour(t *testing.T) {
	busA := events.NewBus()
	busB := events.NewBus()

	a := newTestManagerWithCapabilities(t, "node-a", "127.0.0.1:0", 4, busA, []string{"echo"})
	b := newTestManagerWithCapabilities(t, "node-b", "127.0.0.1:0", 4, busB, nil)
	b.SetMessageHandler(b.HandleCapabilityAnnounce)

	require.NoError(t, a.Start())
	defer a.Stop()
	require.NoError(t, b.Start())
	defer b.Stop()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	require.NoError(t, a.Connect(ctx, "node-b", b.listener.Addr().String()))

	require.Eventually(t, func() bool {
		rec, ok := b.Get("node-a")
		return ok && len(rec.Capabilities) == 1 && rec.Capabilities[0] == "echo"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_HandlePeerQueryAnswersWithNeighbourList(t *testing.T) {
	bus := events.NewBus()
	m := newTestManager(t, "node-a", "127.0.0.1:0", 4, bus)

	m.mu.Lock()
	m.records["node-x"] = types.PeerRecord{PeerID: "node-x", Health: types.PeerAlive, HasSession: true}
	m.sessions["node-x"] = &session{conn: &discardConn{}}
	m.mu.Unlock()

	m.HandlePeerQuery("node-x", types.Message{MessageID: "q1", SenderID: "node-x", RecipientID: "node-a", Kind: types.MsgPeerQuery})
}

func TestManager_HandleCapabilityAnnounceUpdatesRecord(t *testing.T) {
	bus := events.NewBus()
	m := newTestManager(t, "node-a", "127.0.0.1:0", 4, bus)

	m.mu.Lock()
	m.records["node-y"] = types.PeerRecord{PeerID: "node-y", Health: types.PeerAlive, HasSession: true}
	m.mu.Unlock()

	payload, err := json.Marshal([]string{"classify", "echo"})
	require.NoError(t, err)

	m.HandleCapabilityAnnounce("node-y", types.Message{Payload: payload})

	rec, ok := m.Get("node-y")
	require.True(t, ok)
	assert.Equal(t, []string{"classify", "echo"}, rec.Capabilities)
}

func TestManager_SetHealthDeadEvicts(t *testing.T) {
	bus := events.NewBus()
	m := newTestManager(t, "node-a", "127.0.0.1:0", 4, bus)

	m.mu.Lock()
	m.records["node-y"] = types.PeerRecord{PeerID: "node-y", Health: types.PeerAlive, HasSession: true}
	m.mu.Unlock()

	ch, cancel := bus.PeerEvicted.Subscribe()
	defer cancel()

	m.SetHealth("node-y", types.PeerDead)

	_, ok := m.Get("node-y")
	assert.False(t, ok)

	select {
	case ev := <-ch:
		assert.Equal(t, "node-y", ev.PeerID)
	case <-time.After(time.Second):
		t.Fatal("expected PeerEvicted")
	}
}
