/*
Package results implements the Result Store: the durable, time-indexed
record of every task that reached a terminal status.

Put stamps ExpiresAt if the caller didn't set one, evicts the oldest
records first if the write would push the store past its configured
cardinality cap, and then writes both an in-memory index (for O(1) point
lookups and ordered scans) and a Persistence Port entry keyed so that
lexicographic key order matches completion-time order. A failure to persist
is logged, never returned to the caller — the Result Store's in-memory view
is authoritative for the running process; durability is best-effort.

StartExpirySweep runs a periodic background pass removing records whose
ExpiresAt has passed; it takes the store's write lock only for the
duration of each removal; it never blocks a concurrent Get or scan for
longer than that.
*/
package results
