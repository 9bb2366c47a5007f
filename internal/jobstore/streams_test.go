package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seawork/trawler/internal/shared/retry"
	"github.com/seawork/trawler/internal/store"
)

func seedError(t *testing.T, gw *store.Memory, rec ErrorRecord) {
	t.Helper()
	value, err := json.Marshal(rec)
	require.NoError(t, err)
	_, err = gw.Put(context.Background(), BucketErrors, rec.ErrorID, value, store.PutOptions{})
	require.NoError(t, err)
}

func seedOutput(t *testing.T, gw *store.Memory, rec TaskOutputRecord) {
	t.Helper()
	value, err := json.Marshal(rec)
	require.NoError(t, err)
	_, err = gw.Put(context.Background(), BucketTaskOutputs, rec.OutputID, value, store.PutOptions{})
	require.NoError(t, err)
}

func collect[T any](t *testing.T, ch <-chan Item[T]) []T {
	t.Helper()
	var out []T
	for item := range ch {
		require.NoError(t, item.Err)
		out = append(out, item.Value)
	}
	return out
}

func TestFetchErrors_SummariesAndRetriedSplit(t *testing.T) {
	c, gw := newTestClient()
	ctx := context.Background()

	seedError(t, gw, ErrorRecord{
		ErrorID: "e1", JobID: "j1", TaskID: "t1", PhaseNum: 0,
		Code: "UserTaskError", Message: "exited 1", Input: "/bob/stor/in.txt",
		TimeCreated: "2026-01-01T00:00:00.000Z",
	})
	seedError(t, gw, ErrorRecord{
		ErrorID: "e2", JobID: "j1", TaskID: "t2", PhaseNum: 1,
		Code: "UserTaskError", Message: "killed", Retried: true,
		TimeCreated: "2026-01-01T00:00:01.000Z",
	})

	errs := collect(t, c.FetchErrors(ctx, "j1", FetchOptions{}))
	require.Len(t, errs, 1)
	require.Equal(t, "e1", errs[0].Record.ErrorID)
	require.Equal(t, `map failed on input "/bob/stor/in.txt"`, errs[0].What)

	retries := collect(t, c.FetchRetries(ctx, "j1", FetchOptions{}))
	require.Len(t, retries, 1)
	require.Equal(t, "e2", retries[0].Record.ErrorID)
	require.Equal(t, "reduce failed in phase 1", retries[0].What)
}

func TestErrorSummary_Framing(t *testing.T) {
	require.Equal(t, "reduce failed in phase 2",
		(&ErrorRecord{PhaseNum: 2}).Summary())
	require.Equal(t, `map failed on input "/in/a"`,
		(&ErrorRecord{PhaseNum: 0, Input: "/in/a"}).Summary())
	require.Equal(t, `map failed in phase 1 on intermediate object "/tmp/x"`,
		(&ErrorRecord{PhaseNum: 1, Input: "/tmp/x"}).Summary())
}

func TestFetchFailedJobInputs_TraceableOnly(t *testing.T) {
	c, gw := newTestClient()
	ctx := context.Background()

	// Phase-0 failure traced by its own input.
	seedError(t, gw, ErrorRecord{ErrorID: "e1", JobID: "j1", PhaseNum: 0, Input: "/in/a", Code: "x", Message: "m"})
	// Later-phase failure traced by the originating job input.
	seedError(t, gw, ErrorRecord{ErrorID: "e2", JobID: "j1", PhaseNum: 1, Input: "/mid/b", P0Input: "/in/b", Code: "x", Message: "m"})
	// Untraceable reduce failure.
	seedError(t, gw, ErrorRecord{ErrorID: "e3", JobID: "j1", PhaseNum: 1, Code: "x", Message: "m"})

	keys := collect(t, c.FetchFailedJobInputs(ctx, "j1"))
	require.ElementsMatch(t, []string{"/in/a", "/in/b"}, keys)
}

func TestFetchOutputs_CommittedValidSinglePhase(t *testing.T) {
	c, gw := newTestClient()
	ctx := context.Background()

	seedOutput(t, gw, TaskOutputRecord{OutputID: "o1", JobID: "j1", PhaseNum: 1, Output: "/out/1", Valid: true, TimeCommitted: "2026-01-01T00:00:00.000Z"})
	seedOutput(t, gw, TaskOutputRecord{OutputID: "o2", JobID: "j1", PhaseNum: 0, Output: "/out/0", Valid: true, TimeCommitted: "2026-01-01T00:00:00.000Z"})
	seedOutput(t, gw, TaskOutputRecord{OutputID: "o3", JobID: "j1", PhaseNum: 1, Output: "/out/uncommitted", Valid: true})
	seedOutput(t, gw, TaskOutputRecord{OutputID: "o4", JobID: "j1", PhaseNum: 1, Output: "/out/invalid", Valid: false, TimeCommitted: "2026-01-01T00:00:00.000Z"})

	keys := collect(t, c.FetchOutputs(ctx, "j1", 1, FetchOptions{}))
	require.Equal(t, []string{"/out/1"}, keys)
}

func TestFetchInputs_PagesUntilExhaustion(t *testing.T) {
	c, _ := newTestClient()
	c.pageLimit = 2
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.AddJobInput(ctx, "j1", fmt.Sprintf("/in/%d", i)))
	}

	keys := collect(t, c.FetchInputs(ctx, "j1", FetchOptions{}))
	require.Len(t, keys, 5)
}

func TestListJobs_OwnerFilter(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()

	spec := validSpec()
	spec.Owner = "bob123"
	_, err := c.CreateJob(ctx, spec)
	require.NoError(t, err)

	other := validSpec()
	other.Owner = "alice"
	_, err = c.CreateJob(ctx, other)
	require.NoError(t, err)

	jobs := collect(t, c.ListJobs(ctx, ListJobsOptions{Owner: "bob123"}))
	require.Len(t, jobs, 1)
	require.Equal(t, "bob123", jobs[0].Owner)
}

func TestListJobs_InvalidFilterValueOmitted(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()

	_, err := c.CreateJob(ctx, validSpec())
	require.NoError(t, err)
	other := validSpec()
	other.Owner = "alice"
	_, err = c.CreateJob(ctx, other)
	require.NoError(t, err)

	// The injection-shaped value fails the token pattern, the filter is
	// dropped, and the query degrades to all jobs rather than erroring.
	jobs := collect(t, c.ListJobs(ctx, ListJobsOptions{Owner: "bob; drop"}))
	require.Len(t, jobs, 2)
}

func TestListJobs_CancelledAndMarker(t *testing.T) {
	c, _ := newTestClient()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := c.CreateJob(ctx, validSpec())
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := c.CancelJob(ctx, ids[1], retry.Once)
	require.NoError(t, err)

	cancelled := collect(t, c.ListJobs(ctx, ListJobsOptions{Cancelled: true}))
	require.Len(t, cancelled, 1)
	require.Equal(t, ids[1], cancelled[0].JobID)

	all := collect(t, c.ListJobs(ctx, ListJobsOptions{Limit: 2}))
	require.Len(t, all, 2)
}
