package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seawork/trawler/internal/shared/errdefs"
	"github.com/seawork/trawler/internal/shared/logging"
	"github.com/seawork/trawler/internal/shared/retry"
	"github.com/seawork/trawler/internal/store"
)

// mockLogger is a no-op logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(msg string, args ...any)   {}
func (m *mockLogger) Info(msg string, args ...any)    {}
func (m *mockLogger) Warn(msg string, args ...any)    {}
func (m *mockLogger) Error(msg string, args ...any)   {}
func (m *mockLogger) Fatal(msg string, args ...any)   {}
func (m *mockLogger) With(args ...any) logging.Logger { return m }

func newTestClient() (*Client, *store.Memory) {
	gw := store.NewMemory()
	c := NewClient(gw, []string{"13.3.6", "14.2.0", "15.0.1"}, &mockLogger{})
	return c, gw
}

func validSpec() *JobSpec {
	return &JobSpec{
		Name:      "wordcount",
		Owner:     "bob123",
		AuthToken: "tok-1",
		Auth: &AuthContext{
			Login:  "bob123",
			UUID:   "7a7a41f6-31c8-4b36-9e6c-000000000001",
			Groups: []string{"staff"},
			Token:  "tok-1",
		},
		Phases: []Phase{
			{Type: "map", Exec: "wc -w"},
			{Type: "reduce", Exec: "awk '{s+=$1} END {print s}'", Count: 1},
		},
	}
}

func seedTask(t *testing.T, gw *store.Memory, task TaskRecord) {
	t.Helper()
	value, err := json.Marshal(task)
	require.NoError(t, err)
	_, err = gw.Put(context.Background(), BucketTasks, task.TaskID, value, store.PutOptions{})
	require.NoError(t, err)
}

func TestCreateJob_AssignsIDAndInitialState(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()

	jobID, err := c.CreateJob(ctx, validSpec())
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := c.FetchJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, JobStateQueued, job.State)
	require.NotEmpty(t, job.TimeCreated)
	require.Empty(t, job.TimeInputDone)
}

func TestCreateJob_OptionsRequireOperators(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()

	spec := validSpec()
	spec.Options = map[string]any{"frequentCheckpoint": true}
	_, err := c.CreateJob(ctx, spec)
	require.True(t, errdefs.IsValidation(err))

	spec.Auth.Groups = []string{"staff", "operators"}
	_, err = c.CreateJob(ctx, spec)
	require.NoError(t, err)
}

func TestFetchJob_Missing(t *testing.T) {
	c, _ := newTestClient()
	_, err := c.FetchJob(context.Background(), "nope")
	require.True(t, errdefs.IsNotFound(err))
}

func TestCancelJob_ReturnsPreMutationSnapshot(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()

	jobID, err := c.CreateJob(ctx, validSpec())
	require.NoError(t, err)

	snap, err := c.CancelJob(ctx, jobID, retry.Once)
	require.NoError(t, err)
	require.Empty(t, snap.TimeCancelled, "snapshot must be pre-mutation")

	// A second cancel returns the already-cancelled snapshot, letting the
	// caller detect the double cancel.
	snap2, err := c.CancelJob(ctx, jobID, retry.Once)
	require.NoError(t, err)
	require.NotEmpty(t, snap2.TimeCancelled)

	job, err := c.FetchJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, snap2.TimeCancelled, job.TimeCancelled, "timeCancelled is never cleared or reset")
}

func TestEndJobInput_PipedJobRejected(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()

	spec := validSpec()
	spec.Input = "other-job-outputs"
	jobID, err := c.CreateJob(ctx, spec)
	require.NoError(t, err)

	_, err = c.EndJobInput(ctx, jobID, retry.Once)
	require.True(t, errdefs.IsInvalidState(err))

	plainID, err := c.CreateJob(ctx, validSpec())
	require.NoError(t, err)
	snap, err := c.EndJobInput(ctx, plainID, retry.Once)
	require.NoError(t, err)
	require.Empty(t, snap.TimeInputDone)

	job, err := c.FetchJob(ctx, plainID)
	require.NoError(t, err)
	require.NotEmpty(t, job.TimeInputDone)
}

// racingGateway injects a concurrent job mutation just before the first
// conditional put, forcing an etag mismatch on that attempt.
type racingGateway struct {
	*store.Memory
	once   sync.Once
	mutate func()
}

func (g *racingGateway) Put(ctx context.Context, bucket, key string, value []byte, opts store.PutOptions) (string, error) {
	if opts.Etag != "" {
		g.once.Do(g.mutate)
	}
	return g.Memory.Put(ctx, bucket, key, value, opts)
}

func TestUpdateJob_ConflictSurfacedWithoutPolicy(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	var jobID string
	gw := &racingGateway{Memory: mem}
	gw.mutate = func() {
		rec, err := mem.Get(ctx, BucketJobs, jobID)
		require.NoError(t, err)
		_, err = mem.Put(ctx, BucketJobs, jobID, rec.Value, store.PutOptions{})
		require.NoError(t, err)
	}

	c := NewClient(gw, []string{"13.3.6"}, &mockLogger{})
	var err error
	jobID, err = c.CreateJob(ctx, validSpec())
	require.NoError(t, err)

	_, err = c.CancelJob(ctx, jobID, retry.Once)
	require.True(t, errdefs.IsConflict(err))
}

func TestUpdateJob_ConflictRetriedUnderPolicy(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	var jobID string
	gw := &racingGateway{Memory: mem}
	gw.mutate = func() {
		rec, err := mem.Get(ctx, BucketJobs, jobID)
		require.NoError(t, err)
		_, err = mem.Put(ctx, BucketJobs, jobID, rec.Value, store.PutOptions{})
		require.NoError(t, err)
	}

	c := NewClient(gw, []string{"13.3.6"}, &mockLogger{})
	var err error
	jobID, err = c.CreateJob(ctx, validSpec())
	require.NoError(t, err)

	_, err = c.CancelJob(ctx, jobID, retry.Policy{MaxAttempts: 3})
	require.NoError(t, err)

	job, err := c.FetchJob(ctx, jobID)
	require.NoError(t, err)
	require.NotEmpty(t, job.TimeCancelled)
}

func TestAddJobInput_DoesNotRequireJob(t *testing.T) {
	c, gw := newTestClient()
	ctx := context.Background()

	require.NoError(t, c.AddJobInput(ctx, "not-yet-created", "/bob/stor/in.txt"))

	recs, err := gw.Find(ctx, BucketJobInputs, store.Query{Filter: store.Eq("jobId", "not-yet-created")})
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestDeleteJob_CascadesAndIsIdempotent(t *testing.T) {
	c, gw := newTestClient()
	c.deleteLimit = 3
	ctx := context.Background()

	jobID, err := c.CreateJob(ctx, validSpec())
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		seedTask(t, gw, TaskRecord{TaskID: fmt.Sprintf("t%d", i), JobID: jobID, State: TaskStateDispatched})
		require.NoError(t, c.AddJobInput(ctx, jobID, fmt.Sprintf("/in/%d", i)))
	}

	require.NoError(t, c.DeleteJob(ctx, jobID))

	for _, bucket := range []string{BucketJobInputs, BucketTasks, BucketErrors, BucketTaskOutputs} {
		recs, err := gw.Find(ctx, bucket, store.Query{Filter: store.Eq("jobId", jobID)})
		require.NoError(t, err)
		require.Empty(t, recs, bucket)
	}
	_, err = c.FetchJob(ctx, jobID)
	require.True(t, errdefs.IsNotFound(err))

	// Second invocation finds nothing left and still succeeds.
	require.NoError(t, c.DeleteJob(ctx, jobID))
}

func TestFetchDetails_FanOut(t *testing.T) {
	c, gw := newTestClient()
	ctx := context.Background()

	jobID, err := c.CreateJob(ctx, validSpec())
	require.NoError(t, err)
	require.NoError(t, c.AddJobInput(ctx, jobID, "/in/a"))
	seedTask(t, gw, TaskRecord{TaskID: "t1", JobID: jobID, State: TaskStateDispatched})

	details, err := c.FetchDetails(ctx, jobID, false, 100)
	require.NoError(t, err)
	require.Equal(t, jobID, details.Job.JobID)
	require.Len(t, details.JobInputs, 1)
	require.Len(t, details.Tasks, 1)
	require.Empty(t, details.Errors)
}

func TestFetchDetails_MissingJobNamesBucket(t *testing.T) {
	c, _ := newTestClient()
	_, err := c.FetchDetails(context.Background(), "ghost", false, 10)
	require.Error(t, err)
	require.Contains(t, err.Error(), BucketJobs)
}
