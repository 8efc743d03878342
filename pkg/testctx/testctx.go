// Package testctx builds a memstore-backed corectx.Context for component
// tests, so tests never touch the filesystem or a real clock.
package testctx

import (
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshcore/meshnode/pkg/config"
	"github.com/meshcore/meshnode/pkg/corectx"
	"github.com/meshcore/meshnode/pkg/events"
	"github.com/meshcore/meshnode/pkg/identity"
	"github.com/meshcore/meshnode/pkg/storage/memstore"
	"github.com/meshcore/meshnode/pkg/types"
)

// New builds a Context over an in-memory Store, a fixed placeholder
// identity (constant key bytes, not a generated Ed25519 keypair, so it
// cannot produce valid signatures), a discarding logger, and a fixed clock pinned at at (or time.Now if
// at.IsZero()). Deterministic across runs given the same at.
func New(at time.Time) *corectx.Context {
	if at.IsZero() {
		at = time.Now()
	}

	cfg := &config.Config{
		ListenPort:          17946,
		MaxPeers:            8,
		MaxConcurrentTasks:  4,
		StoragePath:         "",
		HealthCheckInterval: 10,
		MaxMemory:           256 * 1024 * 1024,
		LogLevel:            "debug",
	}

	pub := []byte("test-public-key-0000000000000000")[:32]
	priv := []byte("test-private-key-seed-00000000000")[:32]

	id := &types.NodeIdentity{
		PublicKey:  pub,
		PrivateKey: priv,
		NodeID:     identity.DeriveID(pub),
		CreatedAt:  at,
	}

	store := memstore.New()
	bus := events.NewBus()

	ctx := corectx.New(cfg, id, zerolog.Nop(), store, bus)
	ctx.Now = func() time.Time { return at }
	ctx.Rand = rand.New(rand.NewSource(1))
	return ctx
}
