package jobstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seawork/trawler/internal/shared/errdefs"
	"github.com/seawork/trawler/internal/store"
)

func intPtr(n int) *int { return &n }

func TestMarkTaskDone_Success(t *testing.T) {
	c, gw := newTestClient()
	ctx := context.Background()

	seedTask(t, gw, TaskRecord{TaskID: "t1", JobID: "j1", PhaseNum: 0, State: TaskStateDispatched})

	require.NoError(t, c.MarkTaskDone(ctx, "t1", intPtr(3), "", ""))

	recs, err := gw.Find(ctx, BucketTaskOutputs, store.Query{Filter: store.Eq("taskId", "t1")})
	require.NoError(t, err)
	require.Len(t, recs, 3)

	task := fetchTask(t, c, "t1")
	require.Equal(t, TaskStateDone, task.State)
	require.Equal(t, TaskResultOK, task.Result)
	require.Equal(t, 3, task.NOutputs)

	// Never-set lifecycle fields get safety defaults.
	require.NotEmpty(t, task.TimeAccepted)
	require.NotEmpty(t, task.TimeStarted)
	require.NotEmpty(t, task.TimeDone)
	require.Equal(t, "unknown", task.Machine)
}

func TestMarkTaskDone_ZeroOutputs(t *testing.T) {
	c, gw := newTestClient()
	ctx := context.Background()

	seedTask(t, gw, TaskRecord{TaskID: "t1", JobID: "j1", State: TaskStateAccepted})
	require.NoError(t, c.MarkTaskDone(ctx, "t1", intPtr(0), "", ""))

	recs, err := gw.Find(ctx, BucketTaskOutputs, store.Query{Filter: store.Eq("taskId", "t1")})
	require.NoError(t, err)
	require.Empty(t, recs)

	task := fetchTask(t, c, "t1")
	require.Equal(t, TaskResultOK, task.Result)
}

func TestMarkTaskDone_Failure(t *testing.T) {
	c, gw := newTestClient()
	ctx := context.Background()

	seedTask(t, gw, TaskRecord{
		TaskID: "t1", JobID: "j1", PhaseNum: 1,
		State: TaskStateAccepted, Input: "/mid/x", P0Input: "/in/x",
	})
	require.NoError(t, c.MarkTaskDone(ctx, "t1", nil, "UserTaskError", "exited with status 2"))

	recs, err := gw.Find(ctx, BucketErrors, store.Query{Filter: store.Eq("taskId", "t1")})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	task := fetchTask(t, c, "t1")
	require.Equal(t, TaskResultFail, task.Result)

	// Parentage is propagated so the failure traces back to its job input.
	keys := collect(t, c.FetchFailedJobInputs(ctx, "j1"))
	require.Equal(t, []string{"/in/x"}, keys)
}

func TestMarkTaskDone_SecondCallConflicts(t *testing.T) {
	c, gw := newTestClient()
	ctx := context.Background()

	seedTask(t, gw, TaskRecord{TaskID: "t1", JobID: "j1", State: TaskStateDispatched})
	require.NoError(t, c.MarkTaskDone(ctx, "t1", intPtr(2), "", ""))

	err := c.MarkTaskDone(ctx, "t1", intPtr(2), "", "")
	require.True(t, errdefs.IsConflict(err))

	// No duplicate records from the rejected second call.
	recs, findErr := gw.Find(ctx, BucketTaskOutputs, store.Query{Filter: store.Eq("taskId", "t1")})
	require.NoError(t, findErr)
	require.Len(t, recs, 2)
}

func TestMarkTaskDone_MissingTask(t *testing.T) {
	c, _ := newTestClient()
	err := c.MarkTaskDone(context.Background(), "ghost", nil, "x", "y")
	require.True(t, errdefs.IsNotFound(err))
}

func fetchTask(t *testing.T, c *Client, taskID string) *TaskRecord {
	t.Helper()
	rec, err := c.gw.Get(context.Background(), BucketTasks, taskID)
	require.NoError(t, err)
	var task TaskRecord
	require.NoError(t, json.Unmarshal(rec.Value, &task))
	return &task
}
