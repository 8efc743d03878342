/*
Package peer implements the Peer Manager: the capped PeerRecord table,
TLS-wrapped TCP sessions, and the node_id/version/Ed25519-signature
handshake that installs them. Dial and accept run the same handshake
symmetrically. At capacity, a lower-reputation non-active peer is evicted
to make room; if every peer is active the new one is refused. Health is
observed-only from the outside — only SetHealth, called by the Heartbeat
Monitor, may change a PeerRecord's health.
*/
package peer
