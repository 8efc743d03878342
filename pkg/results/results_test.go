package results

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcore/meshnode/pkg/errkind"
	"github.com/meshcore/meshnode/pkg/storage/memstore"
	"github.com/meshcore/meshnode/pkg/types"
)

func TestStore_PutAndGet(t *testing.T) {
	s := New(memstore.New(), 10, time.Hour)

	rec := types.ResultRecord{
		TaskID:      "task-1",
		Kind:        "embedding",
		Status:      types.TaskCompleted,
		CompletedAt: time.Now(),
	}
	require.NoError(t, s.Put(rec))

	got, err := s.Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", got.TaskID)
	assert.False(t, got.ExpiresAt.IsZero())
}

func TestStore_GetMissingIsNotFound(t *testing.T) {
	s := New(memstore.New(), 10, time.Hour)

	_, err := s.Get("missing")
	require.Error(t, err)
	var e *errkind.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errkind.NotFound, e.Kind)
}

func TestStore_EvictsOldestWhenOverCapacity(t *testing.T) {
	s := New(memstore.New(), 2, time.Hour)

	base := time.Now()
	require.NoError(t, s.Put(types.ResultRecord{TaskID: "t1", CompletedAt: base}))
	require.NoError(t, s.Put(types.ResultRecord{TaskID: "t2", CompletedAt: base.Add(time.Minute)}))
	require.NoError(t, s.Put(types.ResultRecord{TaskID: "t3", CompletedAt: base.Add(2 * time.Minute)}))

	assert.Equal(t, 2, s.Len())
	_, err := s.Get("t1")
	assert.Error(t, err, "oldest record should have been evicted")

	_, err = s.Get("t3")
	assert.NoError(t, err)
}

func TestStore_SweepRemovesExpired(t *testing.T) {
	s := New(memstore.New(), 10, time.Hour)

	past := time.Now().Add(-time.Hour)
	rec := types.ResultRecord{TaskID: "expired", CompletedAt: past, ExpiresAt: past.Add(time.Minute)}
	require.NoError(t, s.Put(rec))

	s.sweepExpired(time.Now())

	assert.Equal(t, 0, s.Len())
}

func TestStore_ByTimeRange(t *testing.T) {
	s := New(memstore.New(), 10, time.Hour)

	base := time.Now()
	require.NoError(t, s.Put(types.ResultRecord{TaskID: "early", CompletedAt: base}))
	require.NoError(t, s.Put(types.ResultRecord{TaskID: "late", CompletedAt: base.Add(time.Hour)}))

	in := s.ByTimeRange(base.Add(-time.Minute), base.Add(time.Minute))
	require.Len(t, in, 1)
	assert.Equal(t, "early", in[0].TaskID)
}
