// Package peer implements the Peer Manager (spec §4.C8): the authoritative
// PeerRecord table, session dial/accept over a TLS-wrapped TCP transport,
// the node_id/version/signature handshake, eviction at capacity, and
// connect/disconnect/evict event publication.
package peer

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshcore/meshnode/pkg/errkind"
	"github.com/meshcore/meshnode/pkg/events"
	"github.com/meshcore/meshnode/pkg/log"
	"github.com/meshcore/meshnode/pkg/metrics"
	"github.com/meshcore/meshnode/pkg/security"
	"github.com/meshcore/meshnode/pkg/types"
	"github.com/meshcore/meshnode/pkg/wire"
)

// MessageHandler is invoked for every application-level Message read off a
// session, once its signature has been verified against the sending peer's
// handshake-verified public key. The Manager holds a single handler slot,
// set via SetMessageHandler; the Lifecycle Controller registers its
// dispatchInbound there, which fans out on msg.Kind to the Heartbeat
// Monitor, the Router and this Manager.
type MessageHandler func(peerID string, msg types.Message)

// Version is this node's protocol version, compared against a peer's
// advertised version during the handshake: exact major, any minor.
const Version = "1.0"

// Backoff schedule for transient dial failures (spec §4.C8): start at 1s,
// double up to 30s, five attempts max.
const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	maxDialAttempts = 5
)

const handshakeNonceSize = 32

// Config is the static wiring the Peer Manager needs beyond corectx.Context.
type Config struct {
	NodeID        string
	ListenAddress string // host:port to bind for inbound sessions
	MaxPeers      int
	Capabilities  []string // announced to every neighbour on handshake
}

// session pairs a live connection with the peer's public key, needed to
// verify signed application-level Messages once the handshake installs it.
type session struct {
	conn      net.Conn
	publicKey []byte
	latency   time.Duration
}

// Manager owns the PeerRecord table and the sessions backing it. Exactly
// one session exists per peer_id with health != DEAD, per spec's invariant.
type Manager struct {
	cfg    Config
	seed   []byte
	pubKey []byte
	cert   tls.Certificate
	bus    *events.Bus
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	records  map[string]types.PeerRecord
	sessions map[string]*session
	onMsg    MessageHandler

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// SetMessageHandler registers the callback invoked for every verified
// application Message received on any session. Must be called before
// Start; it is not safe to change once sessions are reading.
func (m *Manager) SetMessageHandler(h MessageHandler) {
	m.onMsg = h
}

// SendMessage signs msg with this node's identity and writes it to
// peerID's session. Returns errkind.PeerUnreachable if no session exists.
func (m *Manager) SendMessage(peerID string, msg types.Message) error {
	conn, _, ok := m.Session(peerID)
	if !ok {
		return errkind.New(errkind.PeerUnreachable)
	}
	signed, err := wire.Sign(msg, m.seed)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	if err := wire.WriteFrame(conn, signed); err != nil {
		return errkind.Wrap(errkind.PeerUnreachable, err)
	}
	return nil
}

// New builds a Manager and derives its self-signed TLS certificate from the
// node's Ed25519 identity.
func New(cfg Config, identityPub, identitySeed []byte, bus *events.Bus, now func() time.Time) (*Manager, error) {
	if now == nil {
		now = time.Now
	}
	cert, err := security.SelfSignedTLSCertificate(identitySeed, cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("derive peer transport certificate: %w", err)
	}
	return &Manager{
		cfg:      cfg,
		seed:     identitySeed,
		pubKey:   identityPub,
		cert:     cert,
		bus:      bus,
		logger:   log.WithComponent("peer"),
		now:      now,
		records:  make(map[string]types.PeerRecord),
		sessions: make(map[string]*session),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start binds the inbound listener and begins accepting sessions.
func (m *Manager) Start() error {
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{m.cert},
		MinVersion:   tls.VersionTLS13,
		// There is no CA: any peer may connect. Authentication is the
		// Ed25519 signature challenge performed after TLS, not the cert.
		ClientAuth:         tls.NoClientCert,
		InsecureSkipVerify: true,
	}
	ln, err := tls.Listen("tcp", m.cfg.ListenAddress, tlsCfg)
	if err != nil {
		return errkind.Wrap(errkind.Internal, fmt.Errorf("bind peer listener: %w", err))
	}
	m.listener = ln

	m.wg.Add(1)
	go m.acceptLoop()
	m.logger.Info().Str("address", m.cfg.ListenAddress).Msg("peer manager listening")
	return nil
}

// Stop closes the listener and every live session, then waits for the
// accept loop to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	if m.listener != nil {
		_ = m.listener.Close()
	}
	m.mu.Lock()
	for id, s := range m.sessions {
		_ = s.conn.Close()
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Peers returns a snapshot of the current PeerRecord table.
func (m *Manager) Peers() []types.PeerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.PeerRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out
}

// Get returns the PeerRecord for peerID, if known.
func (m *Manager) Get(peerID string) (types.PeerRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[peerID]
	return r, ok
}

// Count reports the number of peers currently in the table.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				m.logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		go m.handleInbound(conn)
	}
}

func (m *Manager) handleInbound(conn net.Conn) {
	peerID, pubKey, err := m.handshake(conn)
	if err != nil {
		m.logger.Warn().Err(err).Msg("inbound handshake rejected")
		_ = conn.Close()
		return
	}
	m.installSession(peerID, pubKey, conn, nil)
}

// Connect dials addr and installs a session for peerID, retrying transient
// failures with exponential backoff (1s, doubling to 30s, five attempts).
// Permanent failures (bad signature, version mismatch) are never retried.
func (m *Manager) Connect(ctx context.Context, peerID, addr string) error {
	if _, exists := m.Get(peerID); exists {
		return nil
	}
	if m.Count() >= m.cfg.MaxPeers {
		return errkind.New(errkind.Backpressure)
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxDialAttempts; attempt++ {
		conn, err := (&net.Dialer{Timeout: 5 * time.Second}).DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			if !waitBackoff(ctx, backoff) {
				return errkind.Wrap(errkind.PeerUnreachable, ctx.Err())
			}
			backoff = nextBackoff(backoff)
			continue
		}

		tlsConn := tls.Client(conn, &tls.Config{
			Certificates:       []tls.Certificate{m.cert},
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS13,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			lastErr = err
			if !waitBackoff(ctx, backoff) {
				return errkind.Wrap(errkind.PeerUnreachable, ctx.Err())
			}
			backoff = nextBackoff(backoff)
			continue
		}

		remoteID, remotePub, err := m.handshake(tlsConn)
		if err != nil {
			_ = tlsConn.Close()
			if isPermanentHandshakeErr(err) {
				return errkind.Wrap(errkind.HandshakeRejected, err)
			}
			lastErr = err
			if !waitBackoff(ctx, backoff) {
				return errkind.Wrap(errkind.PeerUnreachable, ctx.Err())
			}
			backoff = nextBackoff(backoff)
			continue
		}
		if remoteID != peerID {
			_ = tlsConn.Close()
			return errkind.Wrap(errkind.HandshakeRejected, fmt.Errorf("peer: expected node_id %s, got %s", peerID, remoteID))
		}

		return m.installSession(remoteID, remotePub, tlsConn, []string{addr})
	}
	return errkind.Wrap(errkind.PeerUnreachable, lastErr)
}

func waitBackoff(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

type handshakeRejectedErr struct{ msg string }

func (e *handshakeRejectedErr) Error() string { return e.msg }

func isPermanentHandshakeErr(err error) bool {
	_, ok := err.(*handshakeRejectedErr)
	return ok
}

// handshakeFrame is the pre-authentication {node_id, version, public_key}
// exchange, and the nonce/signature challenge that follows it. It is plain
// length-prefixed JSON, not a signed Message envelope — there is no verified
// peer key yet to check a Message signature against.
type handshakeFrame struct {
	NodeID    string `json:"node_id"`
	Version   string `json:"version"`
	PublicKey []byte `json:"public_key,omitempty"`
	Nonce     []byte `json:"nonce,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

// handshake runs the symmetric {node_id, version} exchange, version
// compatibility check, and mutual Ed25519 signature challenge. Both the
// dialer and the acceptor run the same steps (spec §4.C8: "inbound dials
// perform the mirror handshake").
func (m *Manager) handshake(conn net.Conn) (string, []byte, error) {
	if err := writeFrame(conn, handshakeFrame{NodeID: m.cfg.NodeID, Version: Version, PublicKey: m.pubKey}); err != nil {
		return "", nil, err
	}
	var remote handshakeFrame
	if err := readFrame(conn, &remote); err != nil {
		return "", nil, err
	}
	if !versionCompatible(Version, remote.Version) {
		return "", nil, &handshakeRejectedErr{msg: fmt.Sprintf("peer: incompatible version %s (local %s)", remote.Version, Version)}
	}

	localNonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(localNonce); err != nil {
		return "", nil, err
	}
	if err := writeFrame(conn, handshakeFrame{Nonce: localNonce}); err != nil {
		return "", nil, err
	}

	var remoteNonce handshakeFrame
	if err := readFrame(conn, &remoteNonce); err != nil {
		return "", nil, err
	}
	sig := security.Sign(m.seed, remoteNonce.Nonce)
	if err := writeFrame(conn, handshakeFrame{Signature: sig}); err != nil {
		return "", nil, err
	}

	var remoteSig handshakeFrame
	if err := readFrame(conn, &remoteSig); err != nil {
		return "", nil, err
	}
	if !security.Verify(remote.PublicKey, localNonce, remoteSig.Signature) {
		return "", nil, &handshakeRejectedErr{msg: "peer: signature challenge failed"}
	}

	return remote.NodeID, remote.PublicKey, nil
}

func versionCompatible(local, remote string) bool {
	lp := strings.SplitN(local, ".", 2)
	rp := strings.SplitN(remote, ".", 2)
	if len(lp) == 0 || len(rp) == 0 {
		return false
	}
	return lp[0] == rp[0]
}

func writeFrame(w io.Writer, v handshakeFrame) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readFrame(r io.Reader, v *handshakeFrame) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > 1<<16 {
		return fmt.Errorf("peer: handshake frame too large (%d bytes)", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// installSession adds peerID to the table, evicting a lower-reputation peer
// if the table is at capacity, and publishes PeerConnected. Returns
// errkind.Backpressure (and closes conn) if eviction isn't possible.
func (m *Manager) installSession(peerID string, pubKey []byte, conn net.Conn, addresses []string) error {
	m.mu.Lock()
	if _, exists := m.records[peerID]; exists {
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	if len(m.records) >= m.cfg.MaxPeers {
		if !m.evictLocked() {
			m.mu.Unlock()
			_ = conn.Close()
			return errkind.New(errkind.Backpressure)
		}
	}

	now := m.now()
	m.records[peerID] = types.PeerRecord{
		PeerID:         peerID,
		Addresses:      addresses,
		Version:        Version,
		LastSeen:       now,
		Health:         types.PeerAlive,
		Reputation:     0,
		HasSession:     true,
		ConnectedSince: now,
	}
	m.sessions[peerID] = &session{conn: conn, publicKey: pubKey}
	m.mu.Unlock()

	metrics.PeersTotal.Set(float64(m.Count()))
	m.bus.PeerConnected.Publish(events.PeerConnected{PeerID: peerID, Addresses: addresses, At: now})

	m.wg.Add(1)
	go m.readLoop(peerID, conn, pubKey)
	m.announceCapabilities(peerID)
	return nil
}

// announceCapabilities sends this node's capability list to peerID once its
// session is installed (spec's Open Question on capability exchange,
// resolved as: always announce to direct neighbours on handshake). Best
// effort: a failure here doesn't tear down the session, since capabilities
// are advisory metadata, not required for routing or heartbeats.
func (m *Manager) announceCapabilities(peerID string) {
	payload, err := json.Marshal(m.cfg.Capabilities)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to encode capability announcement")
		return
	}
	msg := wire.NewMessage(m.cfg.NodeID, peerID, types.MsgCapabilityAnnounce, payload, 1)
	if err := m.SendMessage(peerID, msg); err != nil {
		m.logger.Debug().Err(err).Str("peer_id", peerID).Msg("failed to announce capabilities")
	}
}

// HandleCapabilityAnnounce records peerID's advertised capabilities. It is
// the Peer Manager's MessageHandler-dispatched counterpart to
// announceCapabilities; PeerRecord.Capabilities is written nowhere else,
// preserving the single-writer rule spec §5 requires for PeerRecord.
func (m *Manager) HandleCapabilityAnnounce(peerID string, msg types.Message) {
	var caps []string
	if err := json.Unmarshal(msg.Payload, &caps); err != nil {
		m.logger.Warn().Err(err).Str("peer_id", peerID).Msg("malformed capability_announce payload")
		return
	}
	m.mu.Lock()
	r, ok := m.records[peerID]
	if ok {
		r.Capabilities = caps
		m.records[peerID] = r
	}
	m.mu.Unlock()
}

// HandlePeerQuery answers a PEER_QUERY from peerID with this node's direct
// neighbour list (spec's Open Question, resolved as query-on-demand rather
// than gossip/flood: no component ever forwards another peer's neighbour
// list beyond this one hop).
func (m *Manager) HandlePeerQuery(peerID string, msg types.Message) {
	neighbours := m.Peers()
	ids := make([]string, 0, len(neighbours))
	for _, r := range neighbours {
		ids = append(ids, r.PeerID)
	}
	payload, err := json.Marshal(ids)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to encode peer_query response")
		return
	}
	resp := wire.NewMessage(m.cfg.NodeID, peerID, types.MsgPeerResponse, payload, 1)
	if err := m.SendMessage(peerID, resp); err != nil {
		m.logger.Debug().Err(err).Str("peer_id", peerID).Msg("failed to answer peer_query")
	}
}

// readLoop owns conn's reads for peerID's lifetime: it's the only
// goroutine that ever reads this session's wire frames, dispatching each
// verified Message to the registered MessageHandler. Exits (and tears the
// session down as a disconnect, not an eviction) when the connection errs.
func (m *Manager) readLoop(peerID string, conn net.Conn, pubKey []byte) {
	defer m.wg.Done()
	for {
		msg, err := wire.ReadFrame(conn)
		if err != nil {
			m.sessionClosed(peerID, err)
			return
		}
		if !wire.Verify(msg, pubKey) {
			m.logger.Warn().Str("peer_id", peerID).Msg("dropping message with invalid signature")
			continue
		}
		if m.onMsg != nil {
			m.onMsg(peerID, msg)
		}
	}
}

func (m *Manager) sessionClosed(peerID string, cause error) {
	m.mu.Lock()
	_, stillPresent := m.sessions[peerID]
	if stillPresent {
		delete(m.sessions, peerID)
		delete(m.records, peerID)
	}
	m.mu.Unlock()

	if !stillPresent {
		return // already torn down via Stop/Disconnect/eviction
	}
	m.logger.Debug().Err(cause).Str("peer_id", peerID).Msg("session closed")
	metrics.PeersTotal.Set(float64(m.Count()))
	m.bus.PeerDisconnected.Publish(events.PeerDisconnected{PeerID: peerID, Reason: "connection closed", At: m.now()})
}

// evictLocked drops the lowest-reputation peer that isn't ALIVE with a
// session, per spec's eviction policy. Caller must hold m.mu. Returns false
// if every peer is active (refuse the new peer instead).
func (m *Manager) evictLocked() bool {
	var victim string
	lowest := math.MaxInt
	found := false
	for id, r := range m.records {
		if r.Health == types.PeerAlive && r.HasSession {
			continue
		}
		if r.Reputation < lowest {
			lowest = r.Reputation
			victim = id
			found = true
		}
	}
	if !found {
		return false
	}
	m.evictPeerLocked(victim, "table at capacity")
	return true
}

func (m *Manager) evictPeerLocked(peerID, reason string) {
	if s, ok := m.sessions[peerID]; ok {
		_ = s.conn.Close()
		delete(m.sessions, peerID)
	}
	delete(m.records, peerID)
	metrics.PeerEvictionsTotal.WithLabelValues(reason).Inc()
	m.bus.PeerEvicted.Publish(events.PeerEvicted{PeerID: peerID, Reason: reason, At: m.now()})
}

// Disconnect tears down peerID's session without eviction (e.g. a clean
// GOODBYE or local shutdown).
func (m *Manager) Disconnect(peerID, reason string) {
	m.mu.Lock()
	if s, ok := m.sessions[peerID]; ok {
		_ = s.conn.Close()
		delete(m.sessions, peerID)
	}
	delete(m.records, peerID)
	m.mu.Unlock()

	metrics.PeersTotal.Set(float64(m.Count()))
	m.bus.PeerDisconnected.Publish(events.PeerDisconnected{PeerID: peerID, Reason: reason, At: m.now()})
}

// SetHealth updates peerID's health, called exclusively by the Heartbeat
// Monitor's observations (spec §4.C9: "only the Peer Manager modifies
// PeerRecord health"). Transitioning to DEAD tears down the session.
func (m *Manager) SetHealth(peerID string, health types.PeerHealth) {
	m.mu.Lock()
	r, ok := m.records[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	r.Health = health
	if health == types.PeerAlive {
		r.LastSeen = m.now()
	}
	r.HasSession = health != types.PeerDead
	m.records[peerID] = r

	if health == types.PeerDead {
		m.evictPeerLocked(peerID, "heartbeat dead")
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
}

// Session returns the live connection and public key for peerID, for the
// Router to write/read Messages over.
func (m *Manager) Session(peerID string) (net.Conn, []byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[peerID]
	if !ok {
		return nil, nil, false
	}
	return s.conn, s.publicKey, true
}
