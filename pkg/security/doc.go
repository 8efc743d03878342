/*
Package security wraps crypto/ed25519, crypto/subtle and crypto/tls behind
the three operations the rest of the node needs: generate an identity
keypair, sign/verify with it, and derive wire-transport TLS credentials from
it. There is no certificate authority and no cert rotation — peer
authentication happens through the Ed25519 signature challenge in the Peer
Manager's handshake, so TLS here exists only to encrypt the link, not to
authenticate it.
*/
package security
