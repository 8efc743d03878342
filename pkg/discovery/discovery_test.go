package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcore/meshnode/pkg/events"
)

func newTestService(t *testing.T, now func() time.Time) *Service {
	t.Helper()
	cfg := Config{
		NodeID:         "node-a",
		ListenAddress:  "10.0.0.1:7946",
		Capacity:       4,
		BroadcastAddr:  "255.255.255.255:7946",
		Port:           7946,
		BootstrapAddrs: []string{"10.0.0.2:7946", "10.0.0.3:7946"},
		Now:            now,
	}
	return New(cfg, events.NewBus())
}

func TestService_BootstrapAddresses(t *testing.T) {
	s := newTestService(t, nil)
	assert.Equal(t, []string{"10.0.0.2:7946", "10.0.0.3:7946"}, s.BootstrapAddresses())
}

func TestService_HandleDatagramPublishesPeerObserved(t *testing.T) {
	s := newTestService(t, nil)

	ch, cancel := s.bus.PeerObserved.Subscribe()
	defer cancel()

	s.handleDatagram([]byte(`{"NodeID":"node-b","ListenAddress":"10.0.0.9:7946","Version":"1.0","Capacity":2}`))

	select {
	case ev := <-ch:
		assert.Equal(t, "node-b", ev.PeerID)
		assert.Equal(t, "10.0.0.9:7946", ev.Address)
	case <-time.After(time.Second):
		t.Fatal("expected a PeerObserved event")
	}
}

func TestService_HandleDatagramIgnoresSelf(t *testing.T) {
	s := newTestService(t, nil)

	ch, cancel := s.bus.PeerObserved.Subscribe()
	defer cancel()

	s.handleDatagram([]byte(`{"NodeID":"node-a","ListenAddress":"10.0.0.1:7946"}`))

	select {
	case ev := <-ch:
		t.Fatalf("did not expect an event for self-advertisement, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestService_HandleDatagramIgnoresGarbage(t *testing.T) {
	s := newTestService(t, nil)
	ch, cancel := s.bus.PeerObserved.Subscribe()
	defer cancel()

	s.handleDatagram([]byte("not json"))

	select {
	case ev := <-ch:
		t.Fatalf("did not expect an event for malformed data, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestService_SweepDropsStaleEntries(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := newTestService(t, clock)

	s.handleDatagram([]byte(`{"NodeID":"node-b","ListenAddress":"10.0.0.9:7946"}`))
	require.Len(t, s.lastSeen, 1)

	now = now.Add(RecordTTL + time.Second)
	s.sweep()
	assert.Empty(t, s.lastSeen)
}
