// Package discovery implements the Discovery component (spec §4.C7):
// periodic UDP broadcast of this node's JoinAdvertisement on the local
// segment, and a listener that turns received advertisements into
// PeerObserved events for the Peer Manager. Discovery never dials a
// session itself.
package discovery

import (
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshcore/meshnode/pkg/events"
	"github.com/meshcore/meshnode/pkg/log"
	"github.com/meshcore/meshnode/pkg/metrics"
	"github.com/meshcore/meshnode/pkg/types"
)

// AdvertiseInterval is the steady rate at which this node broadcasts its
// JoinAdvertisement; RecordTTL is how long a received record is kept
// without a refresh before it's considered gone.
const (
	AdvertiseInterval = time.Second
	RecordTTL         = 5 * time.Second
	sweepInterval     = time.Second
)

// Version is advertised in every JoinAdvertisement so peers can check
// compatibility during the handshake (spec §4.C8).
const Version = "1.0"

// Config holds the wiring Service needs beyond corectx.Context: the UDP
// broadcast address and port are network-topology-specific, not identity
// or persistence concerns.
type Config struct {
	NodeID         string
	ListenAddress  string
	Capacity       int
	BroadcastAddr  string // e.g. "255.255.255.255:7946"
	Port           int
	BootstrapAddrs []string
	Now            func() time.Time
}

// Service broadcasts this node's presence and tracks peers it has heard
// from. It owns no PeerRecords; PeerObserved events are its only output,
// consumed by the Peer Manager.
type Service struct {
	cfg    Config
	bus    *events.Bus
	logger zerolog.Logger
	now    func() time.Time

	conn *net.UDPConn

	mu       sync.Mutex
	lastSeen map[string]time.Time // node_id -> last time we heard from it

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Service. BootstrapAddrs are returned unconditionally by
// BootstrapAddresses; neither the Peer Manager nor the Lifecycle Controller
// calls it, so they are never dialed.
func New(cfg Config, bus *events.Bus) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		cfg:      cfg,
		bus:      bus,
		logger:   log.WithComponent("discovery"),
		now:      now,
		lastSeen: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// BootstrapAddresses returns the static addresses configured for this
// node, for use when broadcast discovery is unavailable (spec §4.C7's
// fallback).
func (s *Service) BootstrapAddresses() []string {
	return append([]string(nil), s.cfg.BootstrapAddrs...)
}

// Start opens the broadcast socket and launches the advertise and listen
// loops plus the TTL sweep. If the socket can't be opened, Start logs the
// degradation to bootstrap-only operation and returns nil rather than
// failing node startup, per spec §4.C7.
func (s *Service) Start() error {
	addr, err := net.ResolveUDPAddr("udp4", s.localBindAddr())
	if err != nil {
		s.degrade(err)
		return nil
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		s.degrade(err)
		return nil
	}
	if err := conn.SetWriteBuffer(64 * 1024); err != nil {
		s.logger.Debug().Err(err).Msg("failed to set discovery socket write buffer")
	}
	s.conn = conn

	s.wg.Add(3)
	go s.advertiseLoop()
	go s.listenLoop()
	go s.sweepLoop()

	s.logger.Info().Str("bind", s.localBindAddr()).Msg("discovery started")
	return nil
}

// Stop closes the broadcast socket and waits for every loop to exit.
func (s *Service) Stop() {
	close(s.stopCh)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.wg.Wait()
}

func (s *Service) localBindAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(s.cfg.Port))
}

func (s *Service) degrade(err error) {
	s.logger.Warn().Err(err).Msg("discovery broadcast unavailable, falling back to bootstrap_addresses")
}

func (s *Service) advertiseLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(AdvertiseInterval)
	defer ticker.Stop()

	broadcastAddr, err := net.ResolveUDPAddr("udp4", s.cfg.BroadcastAddr)
	if err != nil {
		s.logger.Warn().Err(err).Msg("invalid discovery broadcast address, advertising disabled")
		return
	}

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.advertiseOnce(broadcastAddr)
		}
	}
}

func (s *Service) advertiseOnce(broadcastAddr *net.UDPAddr) {
	adv := types.JoinAdvertisement{
		NodeID:        s.cfg.NodeID,
		ListenAddress: s.cfg.ListenAddress,
		Version:       Version,
		Capacity:      s.cfg.Capacity,
		AdvertisedAt:  s.now(),
	}
	data, err := json.Marshal(adv)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal advertisement")
		return
	}
	if _, err := s.conn.WriteToUDP(data, broadcastAddr); err != nil {
		s.logger.Debug().Err(err).Msg("failed to send advertisement")
		return
	}
	metrics.DiscoveryAdvertisementsTotal.Inc()
}

func (s *Service) listenLoop() {
	defer s.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Debug().Err(err).Msg("discovery read failed")
				continue
			}
		}
		s.handleDatagram(buf[:n])
	}
}

func (s *Service) handleDatagram(data []byte) {
	var adv types.JoinAdvertisement
	if err := json.Unmarshal(data, &adv); err != nil {
		return
	}
	if adv.NodeID == "" || adv.NodeID == s.cfg.NodeID {
		return
	}

	s.mu.Lock()
	_, known := s.lastSeen[adv.NodeID]
	s.lastSeen[adv.NodeID] = s.now()
	s.mu.Unlock()

	if !known {
		s.logger.Debug().Str("peer_id", adv.NodeID).Str("address", adv.ListenAddress).Msg("peer observed")
	}
	s.bus.PeerObserved.Publish(events.PeerObserved{
		PeerID:  adv.NodeID,
		Address: adv.ListenAddress,
		At:      s.now(),
	})
}

// sweepLoop drops records that haven't been refreshed within RecordTTL.
// Discovery doesn't own PeerRecord eviction — that's the Peer Manager's
// job driven by PeerDisconnected/health — this only forgets its own
// bookkeeping of "have I seen this node_id recently".
func (s *Service) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	cutoff := s.now().Add(-RecordTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, last := range s.lastSeen {
		if last.Before(cutoff) {
			delete(s.lastSeen, id)
		}
	}
}
