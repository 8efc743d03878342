package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	gstatus "google.golang.org/grpc/status"

	"github.com/meshcore/meshnode/pkg/errkind"
	"github.com/meshcore/meshnode/pkg/events"
	"github.com/meshcore/meshnode/pkg/results"
	"github.com/meshcore/meshnode/pkg/security"
	"github.com/meshcore/meshnode/pkg/status"
	"github.com/meshcore/meshnode/pkg/types"
)

type fakeSubmitter struct {
	err  error
	last types.Task
}

func (f *fakeSubmitter) Submit(task types.Task) error {
	f.last = task
	return f.err
}

type fakePeers struct{ records []types.PeerRecord }

func (f *fakePeers) Peers() []types.PeerRecord { return f.records }
func (f *fakePeers) Count() int                { return len(f.records) }

type fakeLifecycle struct{ state string }

func (f *fakeLifecycle) State() string { return f.state }

type fakeStopper struct{ reason string }

func (f *fakeStopper) RequestShutdown(reason string) { f.reason = reason }

func newTestServer(t *testing.T, now func() time.Time, sub *fakeSubmitter) (*Server, *status.Tracker, *results.Store) {
	t.Helper()
	_, seed, err := security.GenerateKeypair()
	require.NoError(t, err)

	bus := events.NewBus()
	tracker := status.New(bus, now)
	store := results.New(nil, 10, time.Hour)

	srv, err := New(
		Config{NodeID: "node-a", Version: "test", ListenAddress: "127.0.0.1:0"},
		seed, bus, tracker, store, sub,
		&fakePeers{}, nil, &fakeLifecycle{state: "ACTIVE"}, &fakeStopper{}, now,
	)
	require.NoError(t, err)
	return srv, tracker, store
}

func TestServer_SubmitTaskAccepted(t *testing.T) {
	now := time.Now()
	sub := &fakeSubmitter{}
	srv, _, _ := newTestServer(t, func() time.Time { return now }, sub)

	resp, err := srv.SubmitTask(context.Background(), &SubmitTaskRequest{Kind: "echo", Input: []byte("hi")})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "echo", sub.last.Kind)
}

func TestServer_SubmitTaskBackpressureMapsToResourceExhausted(t *testing.T) {
	sub := &fakeSubmitter{err: errkind.New(errkind.Backpressure)}
	srv, _, _ := newTestServer(t, nil, sub)

	_, err := srv.SubmitTask(context.Background(), &SubmitTaskRequest{Kind: "echo"})
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, gstatus.Code(err))
}

func TestServer_TaskStatusNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, &fakeSubmitter{})

	_, err := srv.TaskStatus(context.Background(), &TaskStatusRequest{TaskID: "missing"})
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, gstatus.Code(err))
}

func TestServer_TaskResultRoundTrip(t *testing.T) {
	now := time.Now()
	srv, _, store := newTestServer(t, func() time.Time { return now }, &fakeSubmitter{})

	require.NoError(t, store.Put(types.ResultRecord{
		TaskID:      "t1",
		Kind:        "echo",
		Status:      types.TaskCompleted,
		Output:      []byte("hello"),
		CompletedAt: now,
	}))

	resp, err := srv.TaskResult(context.Background(), &TaskResultRequest{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resp.Result.Output)
}

func TestServer_ListTasksOrderedBySubmitTimeDesc(t *testing.T) {
	now := time.Now()
	sub := &fakeSubmitter{}
	srv, _, _ := newTestServer(t, func() time.Time { return now }, sub)

	first, err := srv.SubmitTask(context.Background(), &SubmitTaskRequest{Kind: "a"})
	require.NoError(t, err)
	now = now.Add(time.Second)
	second, err := srv.SubmitTask(context.Background(), &SubmitTaskRequest{Kind: "b"})
	require.NoError(t, err)

	list, err := srv.ListTasks(context.Background(), &ListTasksRequest{})
	require.NoError(t, err)
	require.Len(t, list.Tasks, 2)
	assert.Equal(t, second.TaskID, list.Tasks[0].TaskID)
	assert.Equal(t, first.TaskID, list.Tasks[1].TaskID)
}

func TestServer_NodeStatusReportsLifecycleAndPeerCount(t *testing.T) {
	now := time.Now()
	srv, _, _ := newTestServer(t, func() time.Time { return now }, &fakeSubmitter{})
	srv.peers = &fakePeers{records: []types.PeerRecord{{PeerID: "p1"}, {PeerID: "p2"}}}

	resp, err := srv.NodeStatus(context.Background(), &NodeStatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", resp.Status.LifecycleState)
	assert.Equal(t, 2, resp.Status.PeerCount)
}

func TestServer_StopRequestsShutdown(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, &fakeSubmitter{})
	stopper := &fakeStopper{}
	srv.stopper = stopper

	_, err := srv.Stop(context.Background(), &StopRequest{})
	require.NoError(t, err)
	assert.Equal(t, "control_plane_stop_rpc", stopper.reason)
}

func TestServer_StopTwiceYieldsExactlyOneShutdownSequence(t *testing.T) {
	srv, _, _ := newTestServer(t, nil, &fakeSubmitter{})
	stopper := &fakeStopper{}
	srv.stopper = stopper

	_, err := srv.Stop(context.Background(), &StopRequest{})
	require.NoError(t, err)
	assert.Equal(t, "control_plane_stop_rpc", stopper.reason)

	stopper.reason = ""
	_, err = srv.Stop(context.Background(), &StopRequest{})
	require.Error(t, err)
	st, ok := gstatus.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Unavailable, st.Code())
	assert.Empty(t, stopper.reason, "second Stop must not request a second shutdown")
}
