// Package heartbeat implements the Heartbeat Monitor (spec §4.C9):
// per-peer liveness probing that feeds a three-state health observation
// (ALIVE/SLOW/DEAD) to the Peer Manager, the only component allowed to
// write PeerRecord.Health.
package heartbeat

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshcore/meshnode/pkg/log"
	"github.com/meshcore/meshnode/pkg/peer"
	"github.com/meshcore/meshnode/pkg/types"
	"github.com/meshcore/meshnode/pkg/wire"
)

// peers is the subset of peer.Manager the Monitor depends on, kept narrow
// so tests can supply a fake without standing up real TLS sessions.
type peers interface {
	Peers() []types.PeerRecord
	SendMessage(peerID string, msg types.Message) error
	SetHealth(peerID string, health types.PeerHealth)
}

// Monitor sends a HEARTBEAT to every known peer every interval and tracks
// the most recent HEARTBEAT_ACK per peer to derive ALIVE/SLOW/DEAD.
type Monitor struct {
	peers    peers
	nodeID   string
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastAck  map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Monitor. interval defaults to 10s (spec's
// health_check_interval default) if <= 0.
func New(p peers, nodeID string, interval time.Duration, now func() time.Time) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		peers:    p,
		nodeID:   nodeID,
		interval: interval,
		logger:   log.WithComponent("heartbeat"),
		now:      now,
		lastAck:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the probe loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop ends the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// HandleMessage handles HEARTBEAT and HEARTBEAT_ACK frames; the Lifecycle
// Controller's dispatchInbound, the handler registered with
// peer.Manager.SetMessageHandler, forwards those kinds here.
func (m *Monitor) HandleMessage(peerID string, msg types.Message) {
	switch msg.Kind {
	case types.MsgHeartbeat:
		ack := wire.NewMessage(m.nodeID, peerID, types.MsgHeartbeatAck, nil, 1)
		ack.Timestamp = m.now()
		if err := m.peers.SendMessage(peerID, ack); err != nil {
			m.logger.Debug().Err(err).Str("peer_id", peerID).Msg("failed to send heartbeat ack")
		}
	case types.MsgHeartbeatAck:
		m.recordAck(peerID)
	}
}

func (m *Monitor) recordAck(peerID string) {
	m.mu.Lock()
	m.lastAck[peerID] = m.now()
	m.mu.Unlock()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probeAll()
		}
	}
}

func (m *Monitor) probeAll() {
	now := m.now()
	for _, rec := range m.peers.Peers() {
		hb := wire.NewMessage(m.nodeID, rec.PeerID, types.MsgHeartbeat, nil, 1)
		hb.Timestamp = now
		if err := m.peers.SendMessage(rec.PeerID, hb); err != nil {
			m.logger.Debug().Err(err).Str("peer_id", rec.PeerID).Msg("failed to send heartbeat")
		}
		m.evaluate(rec, now)
	}
}

// evaluate applies the three-state model (spec §4.C9): ALIVE if the last
// ACK is within interval, SLOW within 3*interval, DEAD beyond 3*interval
// plus one probe cycle, observed-only — the actual PeerRecord write
// happens in the Peer Manager via SetHealth. A peer that has never ACKed
// is judged against its ConnectedSince time rather than exempted, so a
// peer that is dead from the moment it connects still gets evicted.
func (m *Monitor) evaluate(rec types.PeerRecord, now time.Time) {
	m.mu.Lock()
	last, ok := m.lastAck[rec.PeerID]
	m.mu.Unlock()
	if !ok {
		last = rec.ConnectedSince
	}

	age := now.Sub(last)
	switch {
	case age <= m.interval:
		m.peers.SetHealth(rec.PeerID, types.PeerAlive)
	case age <= 3*m.interval:
		m.peers.SetHealth(rec.PeerID, types.PeerSlow)
	case age > 4*m.interval:
		m.peers.SetHealth(rec.PeerID, types.PeerDead)
	}
}
