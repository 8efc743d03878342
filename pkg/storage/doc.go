/*
Package storage defines the node's Persistence Port: a small namespaced
key-value contract (Put, Get, Delete, Iterate) that every durable component
writes through, and nothing more. Components never depend on bbolt or any
other storage library directly — they depend on storage.Store.

Two implementations satisfy it:

  - pkg/storage/memstore — an in-memory map, used by tests and by nodes with
    no configured data directory. Nothing survives a restart.
  - pkg/storage/boltstore — a bbolt-backed store, one bucket per namespace,
    used in production. Survives a restart; ACID per-call since every method
    is a single bbolt transaction.

Namespaces (NamespaceIdentity, NamespacePeers, NamespaceResults,
NamespaceStatus, NamespaceConfig) are the only structure the port imposes.
Within a namespace, keys are opaque strings; a component that needs
time-ordered iteration encodes a sortable timestamp as a key prefix, since
Iterate always returns keys in ascending lexicographic order.

	identityBytes, err := store.Get(storage.NamespaceIdentity, "self")

	results, err := store.Iterate(storage.NamespaceResults, "")
*/
package storage
