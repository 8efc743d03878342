package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcore/meshnode/pkg/testctx"
	"github.com/meshcore/meshnode/pkg/types"
	"github.com/meshcore/meshnode/pkg/worker"
)

func echoAdapter(ctx context.Context, task types.Task) ([]byte, error) {
	return task.Input, nil
}

func TestController_TransitionTableRejectsInvalidMoves(t *testing.T) {
	c := &Controller{state: StateStopped}

	assert.NoError(t, c.transition(StateInitializing))
	assert.Error(t, c.transition(StateActive))
	assert.NoError(t, c.transition(StateRegistering))
	assert.NoError(t, c.transition(StateActive))
	assert.Error(t, c.transition(StateRegistering))
}

func TestController_RunDrivesStartupThroughActiveThenShutsDownCleanly(t *testing.T) {
	ctx := testctx.New(time.Time{})
	ctx.Config.ListenPort = 27946
	ctx.Config.ControlPort = 0
	ctx.Config.MetricsPort = 0

	c := New(ctx, worker.AdapterFunc(echoAdapter), "test")

	runCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	exitCode, err := c.Run(runCtx)
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)
	assert.Equal(t, string(StateStopped), c.State())
}

func TestController_RequestShutdownIsNonBlockingAndIdempotent(t *testing.T) {
	c := New(testctx.New(time.Time{}), worker.AdapterFunc(echoAdapter), "test")

	c.RequestShutdown("first")
	c.RequestShutdown("second")

	select {
	case reason := <-c.shutdownCh:
		assert.Equal(t, "first", reason)
	default:
		t.Fatal("expected a buffered shutdown reason")
	}
}
