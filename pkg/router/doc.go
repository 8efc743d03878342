/*
Package router implements hop-by-hop Message forwarding: next-hop
selection by XOR distance on node_ids, TTL enforcement, a bounded LRU of
seen message_ids for idempotent delivery, and a 5s-timeout/3-retry
hop-acknowledgement scheme over alternate next hops before giving up and
publishing events.RoutingFailed. There is no dedicated acknowledgement
wire kind in the Message taxonomy, so the Router reuses PEER_RESPONSE
with a reserved "ack:"-prefixed payload for hop-acks, distinguishable from
genuine application-level peer responses.
*/
package router
