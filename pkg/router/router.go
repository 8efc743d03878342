// Package router implements the Router (spec §4.C10): hop-by-hop Message
// forwarding toward recipient_id by closest-known-peer distance, TTL
// enforcement, per-hop acknowledgement with retry over alternate paths,
// and duplicate suppression by message_id.
package router

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/meshcore/meshnode/pkg/errkind"
	"github.com/meshcore/meshnode/pkg/events"
	"github.com/meshcore/meshnode/pkg/log"
	"github.com/meshcore/meshnode/pkg/metrics"
	"github.com/meshcore/meshnode/pkg/types"
)

// Tuning constants from spec §4.C10.
const (
	AckTimeout      = 5 * time.Second
	MaxRetries      = 3
	DedupCacheSize  = 10000
)

// peers is the subset of peer.Manager the Router depends on.
type peers interface {
	Peers() []types.PeerRecord
	SendMessage(peerID string, msg types.Message) error
}

// DeliveryHandler is invoked when a Message's recipient_id is this node.
type DeliveryHandler func(msg types.Message)

// Router forwards Messages hop-by-hop. It never reads a session directly —
// it only ever calls peers.SendMessage and is fed inbound frames via
// HandleMessage, which the Lifecycle Controller's dispatchInbound (the
// handler registered with peer.Manager) calls for the routable kinds.
type Router struct {
	nodeID  string
	peers   peers
	bus     *events.Bus
	logger  zerolog.Logger
	now     func() time.Time
	deliver DeliveryHandler

	seen *lru.Cache // message_id -> struct{}, duplicate suppression

	mu      sync.Mutex
	pending map[string]chan struct{} // message_id -> ack signal for an in-flight forward
}

// New constructs a Router. deliver is called for Messages addressed to
// nodeID; it may be nil until the Lifecycle Controller wires it (messages
// arriving before that point are dropped, same as an unreachable handler).
func New(nodeID string, p peers, bus *events.Bus, now func() time.Time) (*Router, error) {
	if now == nil {
		now = time.Now
	}
	cache, err := lru.New(DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("router: create dedup cache: %w", err)
	}
	return &Router{
		nodeID:  nodeID,
		peers:   p,
		bus:     bus,
		logger:  log.WithComponent("router"),
		now:     now,
		seen:    cache,
		pending: make(map[string]chan struct{}),
	}, nil
}

// SetDeliveryHandler registers the local-delivery callback.
func (r *Router) SetDeliveryHandler(h DeliveryHandler) {
	r.deliver = h
}

// Route is the entry point for a Message this node originates (e.g. a
// Control Plane submit_task routed to a remote executor). It skips
// duplicate suppression and hop-ack bookkeeping done for inbound frames,
// since there is no upstream peer to ack.
func (r *Router) Route(msg types.Message) error {
	r.seen.Add(msg.MessageID, struct{}{})
	if msg.RecipientID == r.nodeID {
		r.deliverLocally(msg)
		return nil
	}
	return r.forward(msg, nil)
}

// HandleMessage is the peer.MessageHandler registered for everything
// dispatchInbound routes by default (TASK_DISPATCH, TASK_RESULT, and any
// PEER_RESPONSE that isn't a hop-ack; CAPABILITY_ANNOUNCE and PEER_QUERY are
// answered directly by the Peer Manager and never reach here). fromPeer is
// the immediate neighbor that sent this frame over its session, used both
// to ack and to avoid bouncing a forward straight back where it came from.
func (r *Router) HandleMessage(fromPeer string, msg types.Message) {
	if msg.Kind == types.MsgPeerResponse && r.isHopAck(msg) {
		r.signalAck(string(msg.Payload))
		return
	}

	mlog := log.WithMessageID(r.logger, msg.MessageID)

	if r.seen.Contains(msg.MessageID) {
		return // already delivered once; idempotent per message_id
	}
	r.seen.Add(msg.MessageID, struct{}{})

	r.ackHop(fromPeer, msg.MessageID)

	if msg.RecipientID == r.nodeID {
		r.deliverLocally(msg)
		return
	}

	msg.TTL--
	if msg.TTL <= 0 {
		mlog.Warn().Str("recipient_id", msg.RecipientID).Msg("message discarded: ttl exhausted")
		metrics.RoutingFailuresTotal.WithLabelValues("ttl_exceeded").Inc()
		return
	}

	if err := r.forward(msg, []string{fromPeer}); err != nil {
		mlog.Warn().Err(err).Msg("forward failed")
	}
}

// isHopAck reports whether msg is a Router-internal hop acknowledgement
// rather than an application-level PEER_RESPONSE. Hop-acks carry the
// acknowledged message's id as their payload and an empty recipient
// beyond this hop; there is no dedicated wire kind for this in spec §3's
// enumeration, so the Router reuses PEER_RESPONSE, the closest generic
// "response" kind, with a reserved payload shape.
func (r *Router) isHopAck(msg types.Message) bool {
	return len(msg.Payload) > 0 && string(msg.Payload[:min(len(msg.Payload), 4)]) == "ack:"
}

func (r *Router) ackHop(toPeer, messageID string) {
	if toPeer == "" {
		return
	}
	ack := types.Message{
		MessageID:   messageID + "-ack",
		SenderID:    r.nodeID,
		RecipientID: toPeer,
		TTL:         1,
		Kind:        types.MsgPeerResponse,
		Payload:     []byte("ack:" + messageID),
		Timestamp:   r.now(),
	}
	if err := r.peers.SendMessage(toPeer, ack); err != nil {
		r.logger.Debug().Err(err).Str("peer_id", toPeer).Msg("failed to send hop ack")
	}
}

func (r *Router) signalAck(payloadMessageID string) {
	id := payloadMessageID
	if len(id) > 4 {
		id = id[4:]
	}
	r.mu.Lock()
	ch, ok := r.pending[id]
	r.mu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (r *Router) deliverLocally(msg types.Message) {
	if r.deliver == nil {
		r.logger.Warn().Str("message_id", msg.MessageID).Msg("no delivery handler registered, dropping")
		return
	}
	r.deliver(msg)
}

// forward selects the closest known peer to msg.RecipientID (excluding
// excluded), sends, and waits up to AckTimeout for a hop-ack, retrying
// over alternate next hops up to MaxRetries times before giving up and
// emitting RoutingFailed.
func (r *Router) forward(msg types.Message, excluded []string) error {
	candidates := r.closestPeers(msg.RecipientID, excluded)
	if len(candidates) == 0 {
		return r.giveUp(msg, "no_route")
	}

	attempts := 0
	for _, candidate := range candidates {
		if attempts > MaxRetries {
			break
		}
		attempts++

		ackCh := make(chan struct{}, 1)
		r.mu.Lock()
		r.pending[msg.MessageID] = ackCh
		r.mu.Unlock()

		err := r.peers.SendMessage(candidate.PeerID, msg)
		if err != nil {
			r.clearPending(msg.MessageID)
			continue
		}

		select {
		case <-ackCh:
			r.clearPending(msg.MessageID)
			metrics.RouterHopCount.Observe(float64(types.DefaultTTLHops - msg.TTL))
			return nil
		case <-time.After(AckTimeout):
			r.clearPending(msg.MessageID)
			metrics.RouterRetriesTotal.Inc()
			continue
		}
	}

	return r.giveUp(msg, "no_ack")
}

func (r *Router) clearPending(messageID string) {
	r.mu.Lock()
	delete(r.pending, messageID)
	r.mu.Unlock()
}

func (r *Router) giveUp(msg types.Message, reason string) error {
	metrics.RoutingFailuresTotal.WithLabelValues(reason).Inc()
	r.bus.RoutingFailed.Publish(events.RoutingFailed{
		MessageID:   msg.MessageID,
		RecipientID: msg.RecipientID,
		Reason:      reason,
		At:          r.now(),
	})
	return errkind.New(errkind.RoutingFailed)
}

// closestPeers returns known peers (excluding those in excluded) sorted
// by ascending XOR distance from target node_id, a monotone distance
// function, tie-broken by lowest reputation-independent ordering of
// peer_id (a stand-in for "lowest session latency" when latency data is
// unavailable).
func (r *Router) closestPeers(target string, excluded []string) []types.PeerRecord {
	skip := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}

	all := r.peers.Peers()
	out := make([]types.PeerRecord, 0, len(all))
	for _, p := range all {
		if _, ok := skip[p.PeerID]; ok {
			continue
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		di, dj := distance(out[i].PeerID, target), distance(out[j].PeerID, target)
		c := di.Cmp(dj)
		if c != 0 {
			return c < 0
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// distance is a monotone XOR distance over node_ids interpreted as hex
// digests. Any two distinct node_ids have a nonzero distance and the
// triangle-ish monotonicity XOR distance guarantees are sufficient for a
// closest-peer heuristic; cryptographic properties of node_id (itself a
// SHA-256 digest, see pkg/identity) make this effectively uniform.
func distance(a, b string) *big.Int {
	ab, errA := hex.DecodeString(a)
	bb, errB := hex.DecodeString(b)
	if errA != nil || errB != nil || len(ab) != len(bb) {
		// Fall back to string comparison distance for malformed ids
		// (shouldn't occur for real node_ids, which are always 32 hex
		// chars) rather than panicking on a length mismatch.
		if a == b {
			return big.NewInt(0)
		}
		return big.NewInt(1)
	}
	out := make([]byte, len(ab))
	for i := range ab {
		out[i] = ab[i] ^ bb[i]
	}
	return new(big.Int).SetBytes(out)
}
