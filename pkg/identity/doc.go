/*
Package identity implements the node's Identity Store: creating and loading
the long-lived Ed25519 signing key that gives the node its stable node_id.

LoadOrCreate generates a keypair on first run, persists it atomically (write
to a temp sibling, chmod owner-only, rename over the final path — a reader
never sees a half-written file), and on every subsequent call loads and
verifies it. DeriveID(public_key) is pure and deterministic: the same key
always yields the same node_id, which LoadOrCreate checks against the
persisted node_id on every load, failing with IdentityCorrupt on mismatch.
*/
package identity
