// Package corectx holds the small set of shared dependencies the node is
// assembled from, instead of package globals. A Context is built once at
// startup by cmd/meshnoded and handed to the Lifecycle Controller, which
// passes the individual fields components need to their constructors.
package corectx

import (
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshcore/meshnode/pkg/config"
	"github.com/meshcore/meshnode/pkg/events"
	"github.com/meshcore/meshnode/pkg/storage"
	"github.com/meshcore/meshnode/pkg/types"
)

// Context bundles the nodes' shared, cross-cutting dependencies: config,
// logger, the event bus, the Persistence Port, and the clock/randomness
// sources tests substitute to get determinism. It deliberately does not
// reference any component (Worker Pool, Router, ...).
type Context struct {
	Config   *config.Config
	Identity *types.NodeIdentity
	Logger   zerolog.Logger
	Store    storage.Store
	Bus      *events.Bus

	// Now and Rand are the node's sources of time and randomness. Every
	// component reads time through Now (never time.Now directly) so tests
	// can run with a fixed or simulated clock.
	Now  func() time.Time
	Rand *rand.Rand
}

// New builds a Context with Now set to time.Now and Rand seeded from the
// current time. Callers that need determinism overwrite both fields after
// New returns (pkg/testctx does).
func New(cfg *config.Config, identity *types.NodeIdentity, logger zerolog.Logger, store storage.Store, bus *events.Bus) *Context {
	return &Context{
		Config:   cfg,
		Identity: identity,
		Logger:   logger,
		Store:    store,
		Bus:      bus,
		Now:      time.Now,
		Rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}
