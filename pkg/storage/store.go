// Package storage defines the Persistence Port every durable component
// writes through (node identity, the peer table, task results, cached
// config) and provides two implementations: memstore, an in-memory map for
// tests and ephemeral nodes, and boltstore, a bbolt-backed implementation
// for production use. Both satisfy the same narrow Store interface so the
// rest of the node never branches on which backend is in use.
package storage

// Well-known namespaces. A namespace is a bbolt bucket name under boltstore
// and a top-level map key under memstore; callers never see the difference.
const (
	NamespaceIdentity = "identity"
	NamespacePeers    = "peers"
	NamespaceResults  = "results"
	NamespaceStatus   = "status"
	NamespaceConfig   = "config"
)

// KV is one key/value pair returned by Iterate, in key order.
type KV struct {
	Key   string
	Value []byte
}

// Store is the Persistence Port: a namespaced, ordered key-value contract.
// Get returns an *errkind.Error with Kind errkind.NotFound when the key is
// absent. Iterate returns every key in namespace whose key has the given
// prefix, in ascending lexicographic key order — callers that need
// time-ordered iteration encode a sortable timestamp as the key prefix (see
// pkg/results).
type Store interface {
	Put(namespace, key string, value []byte) error
	Get(namespace, key string) ([]byte, error)
	Delete(namespace, key string) error
	Iterate(namespace, prefix string) ([]KV, error)
	Close() error
}
