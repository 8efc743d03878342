package heartbeat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcore/meshnode/pkg/types"
)

type fakePeers struct {
	mu      sync.Mutex
	records []types.PeerRecord
	sent    []types.Message
	health  map[string]types.PeerHealth
}

func newFakePeers(records ...types.PeerRecord) *fakePeers {
	return &fakePeers{records: records, health: make(map[string]types.PeerHealth)}
}

func (f *fakePeers) Peers() []types.PeerRecord { return f.records }

func (f *fakePeers) SendMessage(peerID string, msg types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakePeers) SetHealth(peerID string, health types.PeerHealth) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[peerID] = health
}

func (f *fakePeers) healthOf(peerID string) (types.PeerHealth, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.health[peerID]
	return h, ok
}

func TestMonitor_HandleHeartbeatSendsAck(t *testing.T) {
	fp := newFakePeers()
	m := New(fp, "node-a", time.Second, nil)

	m.HandleMessage("node-b", types.Message{Kind: types.MsgHeartbeat, SenderID: "node-b"})

	require.Len(t, fp.sent, 1)
	assert.Equal(t, types.MsgHeartbeatAck, fp.sent[0].Kind)
	assert.Equal(t, "node-b", fp.sent[0].RecipientID)
}

func TestMonitor_EvaluateAliveWithinInterval(t *testing.T) {
	now := time.Now()
	fp := newFakePeers(types.PeerRecord{PeerID: "node-b", ConnectedSince: now})
	clock := func() time.Time { return now }
	m := New(fp, "node-a", 10*time.Second, clock)

	m.HandleMessage("node-b", types.Message{Kind: types.MsgHeartbeatAck, SenderID: "node-b"})
	m.probeAll()

	health, ok := fp.healthOf("node-b")
	require.True(t, ok)
	assert.Equal(t, types.PeerAlive, health)
}

func TestMonitor_EvaluateSlowThenDead(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	fp := newFakePeers(types.PeerRecord{PeerID: "node-b", ConnectedSince: now})
	m := New(fp, "node-a", 10*time.Second, clock)

	m.HandleMessage("node-b", types.Message{Kind: types.MsgHeartbeatAck, SenderID: "node-b"})

	now = now.Add(20 * time.Second) // within 3x interval
	m.probeAll()
	health, _ := fp.healthOf("node-b")
	assert.Equal(t, types.PeerSlow, health)

	now = now.Add(25 * time.Second) // beyond 4x interval
	m.probeAll()
	health, _ = fp.healthOf("node-b")
	assert.Equal(t, types.PeerDead, health)
}

func TestMonitor_NeverAckedJudgedFromConnectedSince(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	fp := newFakePeers(types.PeerRecord{PeerID: "node-b", ConnectedSince: now})
	m := New(fp, "node-a", 10*time.Second, clock)

	now = now.Add(45 * time.Second)
	m.probeAll()

	health, ok := fp.healthOf("node-b")
	require.True(t, ok)
	assert.Equal(t, types.PeerDead, health)
}
