// Package control implements the Control Plane (spec §4.C13): the
// request/response interface the external CLI consumes to submit tasks and
// inspect node/peer/task state. Transport is gRPC (matching the teacher's
// TLS-wrapped grpc.Server shape) carrying the plain Go structs of
// messages.go over a hand-registered JSON codec instead of generated
// protobuf stubs, since this repository has no protoc toolchain.
package control

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	gstatus "google.golang.org/grpc/status"

	"github.com/meshcore/meshnode/pkg/errkind"
	"github.com/meshcore/meshnode/pkg/events"
	"github.com/meshcore/meshnode/pkg/log"
	"github.com/meshcore/meshnode/pkg/metrics"
	"github.com/meshcore/meshnode/pkg/results"
	"github.com/meshcore/meshnode/pkg/security"
	"github.com/meshcore/meshnode/pkg/status"
	"github.com/meshcore/meshnode/pkg/storage"
	"github.com/meshcore/meshnode/pkg/types"
)

// snapshotKey is the Persistence Port key node_status.json snapshots are
// written under. Spec §6 describes this as a literal file at
// <data_dir>/node_status.json; under the Store port abstraction (which
// backs onto a single on-disk file for boltstore but an opaque key for an
// external KV backend) that literal path becomes a NamespaceStatus key of
// the same name.
const snapshotKey = "node_status.json"

// DefaultSnapshotInterval is the steady interval node_status.json is
// refreshed at when Config.SnapshotInterval is unset.
const DefaultSnapshotInterval = 5 * time.Second

// Submitter is the subset of worker.Pool the Control Plane depends on.
type Submitter interface {
	Submit(task types.Task) error
}

// Peers is the subset of peer.Manager the Control Plane depends on.
type Peers interface {
	Peers() []types.PeerRecord
	Count() int
}

// LifecycleView lets node_status() report the current FSM state without
// control importing lifecycle (which itself depends on control).
type LifecycleView interface {
	State() string
}

// Stopper lets the stop() RPC request a graceful shutdown without control
// importing lifecycle directly.
type Stopper interface {
	RequestShutdown(reason string)
}

// Config bundles construction-time parameters for New.
type Config struct {
	NodeID           string
	Version          string
	ListenAddress    string // host:port the gRPC listener binds
	SnapshotInterval time.Duration
}

type taskMeta struct {
	Kind       string
	SubmitTime time.Time
}

// Server implements ControlPlaneServer and owns the gRPC listener, the
// node_status.json snapshot loop, and a small in-memory task registry
// (kind + submit_time per task_id) that the Status Tracker and Result
// Store don't otherwise retain.
type Server struct {
	cfg         Config
	tracker     *status.Tracker
	store       *results.Store
	submitter   Submitter
	peers       Peers
	lifecycle   LifecycleView
	stopper     Stopper
	persistence storage.Store
	logger      zerolog.Logger
	now         func() time.Time
	startedAt   time.Time
	cert        tls.Certificate

	mu    sync.Mutex
	tasks map[string]taskMeta

	submitted uint64
	completed uint64
	failed    uint64
	timedOut  uint64

	grpcServer *grpc.Server
	listener   net.Listener
	stopCh     chan struct{}
	wg         sync.WaitGroup

	rejecting atomic.Bool
}

// New constructs a Server. identitySeed derives the TLS certificate the
// gRPC listener encrypts its connections with, the same way pkg/peer
// derives its session cert — there is no CA here either; the control
// interface is a local/trusted-network administrative surface, not a
// peer-to-peer one, so encryption without an additional auth layer is
// sufficient.
func New(cfg Config, identitySeed []byte, bus *events.Bus, tracker *status.Tracker, store *results.Store, submitter Submitter, peers Peers, persistence storage.Store, lifecycle LifecycleView, stopper Stopper, now func() time.Time) (*Server, error) {
	if now == nil {
		now = time.Now
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}

	cert, err := security.SelfSignedTLSCertificate(identitySeed, cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("control: derive tls certificate: %w", err)
	}

	s := &Server{
		cfg:         cfg,
		tracker:     tracker,
		store:       store,
		submitter:   submitter,
		peers:       peers,
		lifecycle:   lifecycle,
		stopper:     stopper,
		persistence: persistence,
		logger:      log.WithComponent("control"),
		now:         now,
		startedAt:   now(),
		cert:        cert,
		tasks:       make(map[string]taskMeta),
		stopCh:      make(chan struct{}),
	}

	if bus != nil {
		ch, _ := bus.TaskStatusChanged.Subscribe()
		go s.watchTaskStatus(ch)
	}

	return s, nil
}

func (s *Server) watchTaskStatus(ch <-chan events.TaskStatusChanged) {
	for ev := range ch {
		switch ev.Kind {
		case types.TaskCompleted:
			atomic.AddUint64(&s.completed, 1)
		case types.TaskFailed:
			atomic.AddUint64(&s.failed, 1)
		case types.TaskTimeout:
			atomic.AddUint64(&s.timedOut, 1)
		}
	}
}

// Start binds the gRPC listener and begins serving and snapshotting in
// background goroutines. Returns once the listener is bound.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("control: listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.listener = lis

	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{s.cert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS13,
	})
	s.grpcServer = grpc.NewServer(
		grpc.Creds(creds),
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.UnaryInterceptor(s.metricsInterceptor),
	)
	RegisterControlPlaneServer(s.grpcServer, s)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Debug().Err(err).Msg("control plane listener stopped")
		}
	}()

	s.wg.Add(1)
	go s.snapshotLoop()

	s.logger.Info().Str("address", s.cfg.ListenAddress).Msg("control plane listening")
	return nil
}

// SetPeers installs the Peer Manager view once it exists. The Control Plane
// is constructed and bound to its listening address (spec §4.C11 startup
// step 3) before the Peer Manager is built (step 5), so this is set later in
// the startup sequence than New itself.
func (s *Server) SetPeers(p Peers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = p
}

// RejectSubmissions makes SubmitTask return NodeShuttingDown for every
// subsequent call, per shutdown step 1 of spec §4.C11. It does not affect
// tasks already accepted.
func (s *Server) RejectSubmissions() {
	s.rejecting.Store(true)
}

// Stop gracefully stops the gRPC server and the snapshot loop.
func (s *Server) Stop() {
	close(s.stopCh)
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	s.wg.Wait()
}

// metricsInterceptor records ControlRequestsTotal/ControlRequestDuration for
// every RPC, matching the teacher's convention of a single interceptor
// covering request logging and metrics rather than per-handler bookkeeping.
func (s *Server) metricsInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	timer := metrics.NewTimer()
	resp, err := handler(ctx, req)

	code := codes.OK.String()
	if err != nil {
		code = gstatus.Code(err).String()
	}
	metrics.ControlRequestsTotal.WithLabelValues(info.FullMethod, code).Inc()
	metrics.ControlRequestDuration.WithLabelValues(info.FullMethod).Observe(timer.Duration().Seconds())
	return resp, err
}

func (s *Server) snapshotLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeSnapshot()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) writeSnapshot() {
	if s.persistence == nil {
		return
	}
	snap := s.buildNodeStatus()
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal node_status snapshot")
		return
	}
	if err := s.persistence.Put(storage.NamespaceStatus, snapshotKey, data); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist node_status snapshot")
	}
}

func (s *Server) buildNodeStatus() types.NodeStatus {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	state := "UNKNOWN"
	if s.lifecycle != nil {
		state = s.lifecycle.State()
	}
	peerCount := 0
	if s.peers != nil {
		peerCount = s.peers.Count()
	}

	return types.NodeStatus{
		NodeID:         s.cfg.NodeID,
		LifecycleState: state,
		Version:        s.cfg.Version,
		UptimeSeconds:  s.now().Sub(s.startedAt).Seconds(),
		PeerCount:      peerCount,
		MemoryBytes:    mem.Alloc,
		Goroutines:     runtime.NumGoroutine(),
		Submitted:      atomic.LoadUint64(&s.submitted),
		Completed:      atomic.LoadUint64(&s.completed),
		Failed:         atomic.LoadUint64(&s.failed),
		TimedOut:       atomic.LoadUint64(&s.timedOut),
		GeneratedAt:    s.now(),
	}
}

// SubmitTask implements ControlPlaneServer.
func (s *Server) SubmitTask(ctx context.Context, req *SubmitTaskRequest) (*SubmitTaskResponse, error) {
	if s.rejecting.Load() {
		return nil, toGRPCStatus(errkind.New(errkind.NodeShuttingDown))
	}

	taskID := uuid.NewString()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = types.DefaultTimeout
	}

	task := types.Task{
		TaskID:       taskID,
		Kind:         req.Kind,
		Input:        req.Input,
		Priority:     req.Priority,
		Timeout:      timeout,
		OriginNodeID: s.cfg.NodeID,
		SubmitTime:   s.now(),
		TTLHops:      types.DefaultTTLHops,
	}

	if err := s.submitter.Submit(task); err != nil {
		return nil, toGRPCStatus(err)
	}

	s.mu.Lock()
	s.tasks[taskID] = taskMeta{Kind: task.Kind, SubmitTime: task.SubmitTime}
	s.mu.Unlock()
	atomic.AddUint64(&s.submitted, 1)

	return &SubmitTaskResponse{TaskID: taskID}, nil
}

// TaskStatus implements ControlPlaneServer.
func (s *Server) TaskStatus(ctx context.Context, req *TaskStatusRequest) (*TaskStatusResponse, error) {
	st, err := s.tracker.Get(req.TaskID)
	if err != nil {
		return nil, toGRPCStatus(err)
	}
	return &TaskStatusResponse{Status: st}, nil
}

// TaskResult implements ControlPlaneServer.
func (s *Server) TaskResult(ctx context.Context, req *TaskResultRequest) (*TaskResultResponse, error) {
	rec, err := s.store.Get(req.TaskID)
	if err != nil {
		return nil, toGRPCStatus(err)
	}
	return &TaskResultResponse{Result: rec}, nil
}

// ListTasks implements ControlPlaneServer, returning TaskSummary entries
// ordered by submit_time descending.
func (s *Server) ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksResponse, error) {
	s.mu.Lock()
	summaries := make([]types.TaskSummary, 0, len(s.tasks))
	for taskID, meta := range s.tasks {
		kind := types.TaskQueued
		if st, err := s.tracker.Get(taskID); err == nil {
			kind = st.Kind
		}
		summaries = append(summaries, types.TaskSummary{
			TaskID:     taskID,
			Kind:       meta.Kind,
			Status:     kind,
			SubmitTime: meta.SubmitTime,
		})
	}
	s.mu.Unlock()

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].SubmitTime.After(summaries[j].SubmitTime)
	})

	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > len(summaries) {
		offset = len(summaries)
	}
	summaries = summaries[offset:]

	limit := req.Limit
	if limit > 0 && limit < len(summaries) {
		summaries = summaries[:limit]
	}

	return &ListTasksResponse{Tasks: summaries}, nil
}

// ListPeers implements ControlPlaneServer.
func (s *Server) ListPeers(ctx context.Context, req *ListPeersRequest) (*ListPeersResponse, error) {
	var recs []types.PeerRecord
	if s.peers != nil {
		recs = s.peers.Peers()
	}
	return &ListPeersResponse{Peers: recs}, nil
}

// NodeStatus implements ControlPlaneServer.
func (s *Server) NodeStatus(ctx context.Context, req *NodeStatusRequest) (*NodeStatusResponse, error) {
	return &NodeStatusResponse{Status: s.buildNodeStatus()}, nil
}

// Stop implements ControlPlaneServer's stop RPC: it requests a graceful
// shutdown through the Lifecycle Controller and returns immediately,
// rather than blocking the RPC on the full shutdown sequence. Idempotent
// per spec §8: a second call, once shutdown is already underway, returns
// NodeShuttingDown instead of requesting a second shutdown sequence.
func (s *Server) Stop(ctx context.Context, req *StopRequest) (*StopResponse, error) {
	if s.rejecting.Load() {
		return nil, toGRPCStatus(errkind.New(errkind.NodeShuttingDown))
	}
	s.rejecting.Store(true)
	if s.stopper != nil {
		s.stopper.RequestShutdown("control_plane_stop_rpc")
	}
	return &StopResponse{}, nil
}

// toGRPCStatus maps the error taxonomy (errkind.Kind) onto gRPC status
// codes; the external CLI further maps these down to the exit codes spec
// §6 enumerates (0 accepted, 2 rejected, 3 not found, 4 deadline exceeded,
// 1 internal).
func toGRPCStatus(err error) error {
	e, ok := errkind.As(err)
	if !ok {
		return gstatus.Error(codes.Internal, err.Error())
	}
	switch e.Kind {
	case errkind.NotFound:
		return gstatus.Error(codes.NotFound, e.Error())
	case errkind.Backpressure, errkind.ConfigInvalid:
		return gstatus.Error(codes.ResourceExhausted, e.Error())
	case errkind.NodeShuttingDown:
		return gstatus.Error(codes.Unavailable, e.Error())
	case errkind.DeadlineExceeded, errkind.TaskTimeout:
		return gstatus.Error(codes.DeadlineExceeded, e.Error())
	default:
		return gstatus.Error(codes.Internal, e.Error())
	}
}
