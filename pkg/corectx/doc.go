/*
Package corectx provides the single struct components depend on for
cross-cutting concerns, instead of package-level globals: Config, Identity,
Logger, Store, Bus, and the Now/Rand sources. Component constructors do not
take a *corectx.Context: the Lifecycle Controller holds it and passes each
constructor the fields it needs alongside whatever is specific to it (the
Worker Pool takes a status.Tracker, a results.Store and the Bus; the Router
takes the peer.Manager, the Bus and Now).

Tests build a Context over pkg/storage/memstore and a fixed clock/seeded
Rand (see pkg/testctx) to get fully deterministic component behavior without
touching the filesystem or the network.
*/
package corectx
