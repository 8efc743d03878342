// Package lifecycle implements the Lifecycle Controller (spec §4.C11): the
// composition root that wires every other component into a running node and
// drives the five-state startup/shutdown FSM around them. Nothing outside
// this package constructs a Discovery Service, Peer Manager, Heartbeat
// Monitor, Router, Worker Pool or Control Plane — cmd/meshnoded builds a
// corectx.Context and an Adapter and hands both to New.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/meshcore/meshnode/pkg/control"
	"github.com/meshcore/meshnode/pkg/corectx"
	"github.com/meshcore/meshnode/pkg/discovery"
	"github.com/meshcore/meshnode/pkg/heartbeat"
	"github.com/meshcore/meshnode/pkg/log"
	"github.com/meshcore/meshnode/pkg/metrics"
	"github.com/meshcore/meshnode/pkg/peer"
	"github.com/meshcore/meshnode/pkg/results"
	"github.com/meshcore/meshnode/pkg/router"
	"github.com/meshcore/meshnode/pkg/status"
	"github.com/meshcore/meshnode/pkg/storage"
	"github.com/meshcore/meshnode/pkg/types"
	"github.com/meshcore/meshnode/pkg/wire"
	"github.com/meshcore/meshnode/pkg/worker"

	"github.com/rs/zerolog"
)

// State is one of the five FSM states of spec §4.C11.
type State string

const (
	StateStopped      State = "STOPPED"
	StateInitializing State = "INITIALIZING"
	StateRegistering  State = "REGISTERING"
	StateActive       State = "ACTIVE"
	StateShuttingDown State = "SHUTTING_DOWN"
)

// validNext enumerates the FSM's allowed transitions; anything else is
// rejected rather than silently applied.
var validNext = map[State][]State{
	StateStopped:      {StateInitializing},
	StateInitializing: {StateRegistering, StateStopped},
	StateRegistering:  {StateActive, StateStopped},
	StateActive:       {StateShuttingDown},
	StateShuttingDown: {StateStopped},
}

// ShutdownBudget is the hard wall-clock ceiling for the entire shutdown
// sequence (spec §4.C11); exceeding it means the process exits 130 instead
// of 0.
const ShutdownBudget = 8 * time.Second

// inFlightDrainBudget is how long shutdown waits for RUNNING tasks to finish
// on their own before force-cancelling them.
const inFlightDrainBudget = 5 * time.Second

// Controller owns every component for the lifetime of one running node and
// drives it through INITIALIZING -> REGISTERING -> ACTIVE and, on shutdown,
// ACTIVE -> SHUTTING_DOWN -> STOPPED.
type Controller struct {
	ctx          *corectx.Context
	adapter      worker.Adapter
	version      string
	capabilities []string
	logger       zerolog.Logger

	mu    sync.Mutex
	state State

	startedAt time.Time

	tracker   *status.Tracker
	resultSt  *results.Store
	pool      *worker.Pool
	discovery *discovery.Service
	peers     *peer.Manager
	heartbeat *heartbeat.Monitor
	router    *router.Router
	control   *control.Server
	obs       *http.Server

	resultSweepStop chan struct{}

	shutdownCh chan string
}

// New constructs a Controller. adapter runs whatever inference kind this
// node executes locally; version is reported in node_status; capabilities
// is announced to every direct neighbour on handshake (spec's capability
// Open Question, §10.8).
func New(ctx *corectx.Context, adapter worker.Adapter, version string, capabilities ...string) *Controller {
	metrics.RegisterComponent("lifecycle", false, string(StateStopped))
	return &Controller{
		ctx:          ctx,
		adapter:      adapter,
		version:      version,
		capabilities: capabilities,
		logger:       log.WithComponent("lifecycle"),
		state:        StateStopped,
		shutdownCh:   make(chan string, 1),
	}
}

// State reports the current FSM state; it satisfies control.LifecycleView
// so the Control Plane can answer node_status without importing this
// package.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.state)
}

// RequestShutdown asks the Controller to begin shutting down. It satisfies
// control.Stopper. Safe to call more than once and from any goroutine; only
// the first call has effect.
func (c *Controller) RequestShutdown(reason string) {
	select {
	case c.shutdownCh <- reason:
	default:
	}
}

func (c *Controller) transition(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, allowed := range validNext[c.state] {
		if allowed == next {
			c.logger.Info().Str("from", string(c.state)).Str("to", string(next)).Msg("lifecycle transition")
			c.state = next
			metrics.UpdateComponent("lifecycle", next == StateActive, string(next))
			return nil
		}
	}
	return fmt.Errorf("lifecycle: invalid transition %s -> %s", c.state, next)
}

// Run executes the full startup sequence, blocks until a shutdown is
// requested (via RequestShutdown or ctx.Done()), then executes the shutdown
// sequence. It returns the process exit code the caller should use: 0 on a
// clean shutdown, 130 if the shutdown budget was exceeded, or a non-zero
// code if startup itself failed.
func (c *Controller) Run(ctx context.Context) (int, error) {
	if err := c.startup(); err != nil {
		c.logger.Error().Err(err).Msg("startup failed")
		return 1, err
	}

	var reason string
	select {
	case <-ctx.Done():
		reason = "context cancelled"
	case reason = <-c.shutdownCh:
	}

	if c.shutdown(reason) {
		return 0, nil
	}
	return 130, nil
}

// startup drives STOPPED -> INITIALIZING -> REGISTERING -> ACTIVE, wiring
// every component in the order spec §4.C11 lists. Identity (step 1) and the
// Config snapshot (step 2) are assumed already loaded into c.ctx by the
// caller (cmd/meshnoded), since both are prerequisites for building a
// corectx.Context at all.
func (c *Controller) startup() error {
	if err := c.transition(StateInitializing); err != nil {
		return err
	}
	c.startedAt = c.ctx.Now()
	metrics.SetVersion(c.version)

	cfg := c.ctx.Config
	identity := c.ctx.Identity
	nodeID := identity.NodeID

	c.startObservability(cfg.MetricsPort)

	c.tracker = status.New(c.ctx.Bus, c.ctx.Now)
	c.resultSt = results.New(c.ctx.Store, types.DefaultMaxStoredResults, types.DefaultResultTTL)
	c.pool = worker.New(c.adapter, c.tracker, c.resultSt, c.ctx.Bus, nodeID, cfg.MaxConcurrentTasks, c.ctx.Now)

	// Step 3: bind the Control Plane's listening address and start serving.
	// The Control Plane is constructed (not yet serving RPCs that touch the
	// Worker Pool) before step 4 actually starts the pool and result sweep,
	// honoring spec's literal step order while keeping Go's "no use before
	// construction" requirement: none of this traffic can arrive before
	// Start below binds the listener.
	controlSrv, err := control.New(
		control.Config{
			NodeID:           nodeID,
			Version:          c.version,
			ListenAddress:    fmt.Sprintf(":%d", cfg.ControlPort),
			SnapshotInterval: control.DefaultSnapshotInterval,
		},
		identity.PrivateKey, c.ctx.Bus, c.tracker, c.resultSt, c.pool,
		nil, c.ctx.Store, c, c, c.ctx.Now,
	)
	if err != nil {
		c.transition(StateStopped)
		return fmt.Errorf("lifecycle: construct control plane: %w", err)
	}
	c.control = controlSrv
	if err := c.control.Start(); err != nil {
		c.transition(StateStopped)
		return fmt.Errorf("lifecycle: start control plane: %w", err)
	}
	metrics.RegisterComponent("control", true, "serving")

	// Step 4: start Persistence's background obligations, Result Store,
	// Status Tracker (already constructed above; it has no background
	// loop), Worker Pool.
	c.resultSweepStop = make(chan struct{})
	c.resultSt.StartExpirySweep(time.Minute, c.resultSweepStop)
	c.pool.Start(context.Background())
	metrics.RegisterComponent("worker", true, "running")

	if err := c.transition(StateRegistering); err != nil {
		return err
	}

	// Step 5: construct the Peer Manager (C8), Router (C10), Heartbeat
	// Monitor (C9) and Discovery (C7), then start the Peer Manager,
	// Discovery and the Heartbeat Monitor in that order (the Router has no
	// start step). Discovery's PeerObserved events are what drives the Peer
	// Manager to dial, so that subscription is wired before either starts.
	peerMgr, err := peer.New(
		peer.Config{NodeID: nodeID, ListenAddress: fmt.Sprintf(":%d", cfg.ListenPort), MaxPeers: cfg.MaxPeers, Capabilities: c.capabilities},
		identity.PublicKey, identity.PrivateKey, c.ctx.Bus, c.ctx.Now,
	)
	if err != nil {
		c.transition(StateStopped)
		return fmt.Errorf("lifecycle: construct peer manager: %w", err)
	}
	c.peers = peerMgr
	c.control.SetPeers(c.peers)

	rtr, err := router.New(nodeID, c.peers, c.ctx.Bus, c.ctx.Now)
	if err != nil {
		c.transition(StateStopped)
		return fmt.Errorf("lifecycle: construct router: %w", err)
	}
	c.router = rtr
	c.router.SetDeliveryHandler(c.deliverLocally)

	c.heartbeat = heartbeat.New(c.peers, nodeID, time.Duration(cfg.HealthCheckInterval.Seconds())*time.Second, c.ctx.Now)
	c.peers.SetMessageHandler(c.dispatchInbound)

	c.discovery = discovery.New(discovery.Config{
		NodeID:        nodeID,
		ListenAddress: fmt.Sprintf(":%d", cfg.ListenPort),
		Capacity:      cfg.MaxPeers,
		BroadcastAddr: fmt.Sprintf("255.255.255.255:%d", cfg.ListenPort),
		Port:          cfg.ListenPort,
		BootstrapAddrs: cfg.BootstrapAddresses,
		Now:           c.ctx.Now,
	}, c.ctx.Bus)

	c.subscribeObservedPeers()

	if err := c.peers.Start(); err != nil {
		c.transition(StateStopped)
		return fmt.Errorf("lifecycle: start peer manager: %w", err)
	}
	metrics.RegisterComponent("peer", true, "listening")

	if err := c.discovery.Start(); err != nil {
		// Discovery degrades itself to bootstrap-only and returns nil in
		// the normal case; a non-nil error here means even that fallback
		// construction failed.
		c.transition(StateStopped)
		return fmt.Errorf("lifecycle: start discovery: %w", err)
	}
	metrics.RegisterComponent("discovery", true, "advertising")

	c.heartbeat.Start()
	metrics.RegisterComponent("heartbeat", true, "probing")

	if err := c.selfVerify(); err != nil {
		c.transition(StateStopped)
		return err
	}

	return c.transition(StateActive)
}

// startObservability mounts the independent HTTP surface of spec §6.1 —
// /healthz, /readyz and /metrics — on its own port, separate from the
// Control Plane's gRPC listener. It runs for the whole process lifetime,
// including while the FSM is still INITIALIZING, so an external prober sees
// the process as live even before it's ready to serve.
func (c *Controller) startObservability(port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", metrics.LivenessHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())
	mux.Handle("/metrics", metrics.Handler())

	c.obs = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := c.obs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Warn().Err(err).Msg("observability server stopped")
		}
	}()
	c.logger.Info().Int("port", port).Msg("observability endpoints listening")
}

// subscribeObservedPeers wires Discovery's PeerObserved events to the Peer
// Manager's dial path: Discovery never dials itself (spec §4.C7), so
// something downstream must turn "node_id reachable at address" into a
// Connect call. The Lifecycle Controller is that something, since it is the
// only component that already holds references to both.
func (c *Controller) subscribeObservedPeers() {
	ch, _ := c.ctx.Bus.PeerObserved.Subscribe()
	go func() {
		for obs := range ch {
			if _, known := c.peers.Get(obs.PeerID); known {
				continue
			}
			go func(peerID, addr string) {
				dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := c.peers.Connect(dialCtx, peerID, addr); err != nil {
					c.logger.Debug().Err(err).Str("peer_id", peerID).Msg("dial from discovery observation failed")
				}
			}(obs.PeerID, obs.Address)
		}
	}()
}

// dispatchInbound is the sole peer.MessageHandler registered with the Peer
// Manager. It fans out by message kind: HEARTBEAT and HEARTBEAT_ACK to the
// Heartbeat Monitor; GOODBYE, CAPABILITY_ANNOUNCE and PEER_QUERY back to the
// Peer Manager; everything else to the Router.
func (c *Controller) dispatchInbound(peerID string, msg types.Message) {
	switch msg.Kind {
	case types.MsgHeartbeat, types.MsgHeartbeatAck:
		c.heartbeat.HandleMessage(peerID, msg)
	case types.MsgGoodbye:
		c.peers.Disconnect(peerID, "goodbye")
	case types.MsgCapabilityAnnounce:
		c.peers.HandleCapabilityAnnounce(peerID, msg)
	case types.MsgPeerQuery:
		c.peers.HandlePeerQuery(peerID, msg)
	default:
		c.router.HandleMessage(peerID, msg)
	}
}

// deliverLocally is the Router's DeliveryHandler for Messages addressed to
// this node. A TASK_DISPATCH enqueues work on the Worker Pool; TASK_RESULT
// stores a forwarded result. CAPABILITY_ANNOUNCE and PEER_QUERY never reach
// here — dispatchInbound answers them directly through the Peer Manager
// before the Router sees them. A genuine PEER_RESPONSE (the answer to a
// PEER_QUERY this node issued) would land here, but nothing in this
// implementation issues queries of its own, so it is logged and dropped.
func (c *Controller) deliverLocally(msg types.Message) {
	switch msg.Kind {
	case types.MsgTaskDispatch:
		var task types.Task
		if err := unmarshalPayload(msg.Payload, &task); err != nil {
			c.logger.Warn().Err(err).Str("message_id", msg.MessageID).Msg("malformed task_dispatch payload")
			return
		}
		if err := c.pool.Submit(task); err != nil {
			c.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("dispatched task rejected")
		}
	case types.MsgTaskResult:
		var rec types.ResultRecord
		if err := unmarshalPayload(msg.Payload, &rec); err != nil {
			c.logger.Warn().Err(err).Str("message_id", msg.MessageID).Msg("malformed task_result payload")
			return
		}
		if err := c.resultSt.Put(rec); err != nil {
			c.logger.Warn().Err(err).Str("task_id", rec.TaskID).Msg("storing forwarded result failed")
		}
	default:
		c.logger.Debug().Str("kind", string(msg.Kind)).Msg("message delivered locally, no handler")
	}
}

// selfVerify runs the startup sequence's final checks (spec §4.C11): at
// least one worker idle and a persistence put/get round-trip. The peer
// listener and Discovery are not re-checked here; they count as up once
// their Start calls above have returned nil.
func (c *Controller) selfVerify() error {
	if c.pool.BusyCount() >= c.ctx.Config.MaxConcurrentTasks {
		return fmt.Errorf("lifecycle: self-verification failed: no idle worker")
	}

	const probeKey = "startup-probe"
	probe := []byte(fmt.Sprintf("%d", c.ctx.Now().UnixNano()))
	if err := c.ctx.Store.Put(storage.NamespaceStatus, probeKey, probe); err != nil {
		return fmt.Errorf("lifecycle: self-verification failed: persistence put: %w", err)
	}
	if _, err := c.ctx.Store.Get(storage.NamespaceStatus, probeKey); err != nil {
		return fmt.Errorf("lifecycle: self-verification failed: persistence get: %w", err)
	}
	_ = c.ctx.Store.Delete(storage.NamespaceStatus, probeKey)

	return nil
}

// shutdown executes the six shutdown steps of spec §4.C11 under a hard
// budget. It returns true if every step completed within ShutdownBudget,
// false if the caller should exit 130.
func (c *Controller) shutdown(reason string) bool {
	c.logger.Info().Str("reason", reason).Msg("shutdown requested")
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.runShutdownSteps(reason)
	}()

	select {
	case <-done:
		return true
	case <-time.After(ShutdownBudget):
		c.logger.Error().Msg("shutdown exceeded budget, exiting immediately")
		return false
	}
}

func (c *Controller) runShutdownSteps(reason string) {
	if err := c.transition(StateShuttingDown); err != nil {
		c.logger.Warn().Err(err).Msg("shutdown transition rejected, proceeding anyway")
	}

	// Step 1: Control Plane starts rejecting new submissions.
	c.control.RejectSubmissions()

	// Step 2: best-effort GOODBYE broadcast to live peers.
	if c.peers != nil {
		for _, rec := range c.peers.Peers() {
			if !rec.HasSession {
				continue
			}
			goodbye := wire.NewMessage(c.ctx.Identity.NodeID, rec.PeerID, types.MsgGoodbye, nil, 1)
			_ = c.peers.SendMessage(rec.PeerID, goodbye)
		}
	}

	// Step 3: wait up to inFlightDrainBudget for in-flight tasks, then
	// force-cancel whatever's left; Pool.Stop cancels the shared worker
	// context, and execute()'s context.Canceled branch marks any still
	// RUNNING task FAILED with errkind.ShutdownForced.
	deadline := time.Now().Add(inFlightDrainBudget)
	for c.pool.BusyCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	c.pool.Stop()

	// Step 4: flush is implicit — the Result Store already writes through
	// the Persistence Port synchronously on Put (see pkg/results); nothing
	// further to drain here beyond stopping its background sweep.
	if c.resultSweepStop != nil {
		close(c.resultSweepStop)
	}

	// Step 5: tear down sessions, stop Discovery.
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	if c.discovery != nil {
		c.discovery.Stop()
	}
	if c.peers != nil {
		c.peers.Stop()
	}
	if c.control != nil {
		c.control.Stop()
	}
	if c.obs != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.obs.Shutdown(shutdownCtx)
		cancel()
	}

	// Step 6: release resources held by this process; PID file release and
	// log finalization are cmd/meshnoded's responsibility (it owns the PID
	// file via pkg/daemon), not this package's.
	_ = c.ctx.Store.Close()
	c.transition(StateStopped)
	c.logger.Info().Msg("shutdown complete")
}

// unmarshalPayload decodes a Message payload into a domain type (Task,
// ResultRecord) for deliverLocally; these shapes belong to pkg/types, not
// pkg/wire, so the decoding lives with the caller that knows them.
func unmarshalPayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// Uptime reports how long this Controller has been running, for
// NodeStatus/metrics callers that don't want to read startedAt directly.
func (c *Controller) Uptime() time.Duration {
	if c.startedAt.IsZero() {
		return 0
	}
	return c.ctx.Now().Sub(c.startedAt)
}

// GoroutineCount is a small wrapper so callers building NodeStatus don't
// need to import "runtime" themselves.
func GoroutineCount() int { return runtime.NumGoroutine() }
