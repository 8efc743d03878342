/*
Package metrics defines and registers the node's Prometheus metrics and serves
them over HTTP, alongside liveness/readiness health reporting.

Counters, histograms and the table-size gauges are updated inline by the
component that owns the event or table (the Router increments
RouterRetriesTotal the moment it retries, the Worker Pool observes
TaskExecutionDuration the moment a task finishes and sets TaskQueueDepth on
every enqueue and dequeue, the Peer Manager sets PeersTotal, the Result Store
sets ResultStoreSize). Process stats (ProcessMemoryBytes, ProcessGoroutines,
ProcessUptimeSeconds) are set only by a Collector refreshing on a timer; the
Lifecycle Controller does not start one, so those gauges stay at zero unless
the embedding program runs a Collector itself:

	collector := metrics.NewCollector(metrics.Sources{
		PeerCount:  peerManager.Count,
		QueueDepth: workerPool.QueueDepth,
	})
	collector.Start(15 * time.Second)
	defer collector.Stop()

HealthChecker tracks a small set of named components (lifecycle, control,
worker, peer, discovery, heartbeat) each registers itself against via
RegisterComponent/UpdateComponent as the Lifecycle Controller brings them
up. GetHealth reports overall health across whatever is currently
registered; GetReadiness is stricter and is keyed off the "lifecycle"
component specifically, whose Healthy flag and Message track the
Controller's five-state FSM (STOPPED/INITIALIZING/REGISTERING/ACTIVE/
SHUTTING_DOWN) — the node only reports ready once lifecycle reaches
ACTIVE and the runtime components it spun up on the way there (control,
worker, peer) are themselves healthy. HealthHandler, ReadyHandler,
LivenessHandler and Handler (the Prometheus registry) are ordinary net/http
handlers. The Lifecycle Controller's observability mux serves
LivenessHandler at /healthz, ReadyHandler at /readyz and Handler at
/metrics; it does not mount HealthHandler.
*/
package metrics
