/*
Package heartbeat implements per-peer liveness probing: a HEARTBEAT sent to
every known peer on a steady interval, and the three-state ALIVE/SLOW/DEAD
judgment derived from how long ago each peer's HEARTBEAT_ACK arrived. The
Monitor only observes and reports; PeerRecord.Health is written by the
Peer Manager via SetHealth.
*/
package heartbeat
