/*
Package testctx builds a fully in-memory, deterministic corectx.Context for
component unit tests: a memstore Store, a fixed test identity, a discarding
logger, and a clock pinned at the time the caller supplies. Nothing it
builds touches the filesystem, the network, or the wall clock.
*/
package testctx
