package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/seawork/trawler/internal/shared/errdefs"
	"github.com/seawork/trawler/internal/shared/logging"
	"github.com/seawork/trawler/internal/shared/retry"
	"github.com/seawork/trawler/internal/store"
)

const (
	// deletePageLimit bounds per-call work of the cascading delete
	// regardless of job size.
	deletePageLimit = 1000

	// findPageLimit is the page size for lazy sequences.
	findPageLimit = 500

	// maxOutputWriters bounds concurrent task-output writes in
	// MarkTaskDone.
	maxOutputWriters = 8
)

// Client is the job/task store client. All operations are single-shot;
// read-modify-write operations retry per a caller-supplied policy.
type Client struct {
	gw       store.Gateway
	images   []string
	validate *validator.Validate
	logger   logging.Logger

	deleteLimit int
	pageLimit   int
}

func NewClient(gw store.Gateway, supportedImages []string, logger logging.Logger) *Client {
	return &Client{
		gw:          gw,
		images:      supportedImages,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
		deleteLimit: deletePageLimit,
		pageLimit:   findPageLimit,
	}
}

// CreateJob validates the spec and writes the initial job record in
// state queued, assigning a generated id if none was supplied.
func (c *Client) CreateJob(ctx context.Context, spec *JobSpec) (string, error) {
	privileged := false
	if spec.Auth != nil {
		for _, g := range spec.Auth.Groups {
			if g == "operators" {
				privileged = true
			}
		}
	}
	if err := c.ValidateJob(spec, privileged); err != nil {
		return "", err
	}

	jobID := spec.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	now := formatTime(time.Now())
	job := JobRecord{
		JobID:       jobID,
		Name:        spec.Name,
		Owner:       spec.Owner,
		Phases:      spec.Phases,
		Auth:        spec.Auth,
		AuthToken:   spec.AuthToken,
		Options:     spec.Options,
		State:       JobStateQueued,
		Input:       spec.Input,
		TimeCreated: now,
		Mtime:       now,
	}

	if err := c.putJob(ctx, &job, store.PutOptions{}); err != nil {
		return "", err
	}

	c.logger.Info("Job created", "job_id", jobID, "owner", spec.Owner, "num_phases", len(spec.Phases))
	return jobID, nil
}

// FetchJob performs a direct point read.
func (c *Client) FetchJob(ctx context.Context, jobID string) (*JobRecord, error) {
	rec, err := c.gw.Get(ctx, BucketJobs, jobID)
	if err != nil {
		return nil, err
	}
	var job JobRecord
	if err := json.Unmarshal(rec.Value, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// updateJob is the read-modify-write primitive: read the record and its
// etag, apply the pure mutation, write back conditioned on the unchanged
// etag. A token mismatch retries the whole cycle per the policy. The
// returned record is the pre-mutation snapshot.
func (c *Client) updateJob(ctx context.Context, jobID string, pol retry.Policy, mutate func(*JobRecord) error) (*JobRecord, error) {
	if pol.Retryable == nil {
		pol.Retryable = func(err error) bool {
			return errdefs.IsConflict(err) || errdefs.IsTransport(err)
		}
	}

	var snapshot *JobRecord
	err := retry.Do(ctx, pol, func(ctx context.Context) error {
		rec, err := c.gw.Get(ctx, BucketJobs, jobID)
		if err != nil {
			return err
		}
		var job JobRecord
		if err := json.Unmarshal(rec.Value, &job); err != nil {
			return fmt.Errorf("failed to decode job %s: %w", jobID, err)
		}
		snap := job

		if err := mutate(&job); err != nil {
			return err
		}
		job.Mtime = formatTime(time.Now())

		if err := c.putJob(ctx, &job, store.PutOptions{Etag: rec.Etag}); err != nil {
			return err
		}
		snapshot = &snap
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (c *Client) putJob(ctx context.Context, job *JobRecord, opts store.PutOptions) error {
	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.JobID, err)
	}
	_, err = c.gw.Put(ctx, BucketJobs, job.JobID, value, opts)
	return err
}

// CancelJob marks the job cancelled. The returned pre-mutation snapshot
// lets the caller detect a double cancel; timeCancelled is set once and
// never cleared.
func (c *Client) CancelJob(ctx context.Context, jobID string, pol retry.Policy) (*JobRecord, error) {
	return c.updateJob(ctx, jobID, pol, func(job *JobRecord) error {
		now := formatTime(time.Now())
		if job.TimeCancelled == "" {
			job.TimeCancelled = now
		}
		if job.TimeInputDone == "" {
			job.TimeInputDone = now
		}
		job.State = JobStateDone
		if job.TimeDone == "" {
			job.TimeDone = now
		}
		return nil
	})
}

// EndJobInput declares that no more inputs will be submitted. A job fed
// by a piped input source never accepts an explicit end-of-input.
func (c *Client) EndJobInput(ctx context.Context, jobID string, pol retry.Policy) (*JobRecord, error) {
	return c.updateJob(ctx, jobID, pol, func(job *JobRecord) error {
		if job.Input != "" {
			return errdefs.InvalidStatef("job %s: input is piped from %q and cannot be ended explicitly", jobID, job.Input)
		}
		if job.TimeInputDone == "" {
			job.TimeInputDone = formatTime(time.Now())
		}
		return nil
	})
}

// ArchiveStart records the archival worker taking ownership of the job.
func (c *Client) ArchiveStart(ctx context.Context, jobID, wrasse string, pol retry.Policy) (*JobRecord, error) {
	return c.updateJob(ctx, jobID, pol, func(job *JobRecord) error {
		job.Wrasse = wrasse
		if job.TimeArchiveStarted == "" {
			job.TimeArchiveStarted = formatTime(time.Now())
		}
		return nil
	})
}

// ArchiveHeartbeat refreshes the archival start time so a stalled
// archival worker can be detected and the job reassigned.
func (c *Client) ArchiveHeartbeat(ctx context.Context, jobID string, pol retry.Policy) (*JobRecord, error) {
	return c.updateJob(ctx, jobID, pol, func(job *JobRecord) error {
		job.TimeArchiveStarted = formatTime(time.Now())
		return nil
	})
}

// ArchiveDone records archival completion.
func (c *Client) ArchiveDone(ctx context.Context, jobID string, pol retry.Policy) (*JobRecord, error) {
	return c.updateJob(ctx, jobID, pol, func(job *JobRecord) error {
		if job.TimeArchiveDone == "" {
			job.TimeArchiveDone = formatTime(time.Now())
		}
		return nil
	})
}

// AddJobInput inserts an immutable job-input record. The job record is
// not required to exist yet: jobs and their inputs may race during
// submission.
func (c *Client) AddJobInput(ctx context.Context, jobID, key string) error {
	input := JobInputRecord{
		InputID:     uuid.NewString(),
		JobID:       jobID,
		Input:       key,
		TimeCreated: formatTime(time.Now()),
	}
	value, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to encode job input: %w", err)
	}
	_, err = c.gw.Put(ctx, BucketJobInputs, input.InputID, value, store.PutOptions{})
	return err
}

// AddJobInputPatterns expands glob patterns against the local filesystem
// and submits every regular-file match as a job input key.
func (c *Client) AddJobInputPatterns(ctx context.Context, jobID string, patterns []string) (int, error) {
	added := 0
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return added, errdefs.Validationf("invalid input pattern %q: %v", pattern, err)
		}
		for _, name := range matches {
			if err := c.AddJobInput(ctx, jobID, name); err != nil {
				return added, err
			}
			added++
		}
	}
	return added, nil
}

// DeleteJob cascades: child buckets are drained in batched page-limited
// delete-many calls, a bucket staying in the next batch only while it
// keeps deleting a full page, and the job record is removed last so the
// parent never becomes unreachable while orphaned children remain.
// Idempotent on retry; fails fast on any batch error.
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	active := []string{BucketJobInputs, BucketErrors, BucketTasks, BucketTaskInputs, BucketTaskOutputs}

	for len(active) > 0 {
		reqs := make([]store.DeleteRequest, len(active))
		for i, bucket := range active {
			reqs[i] = store.DeleteRequest{
				Bucket: bucket,
				Filter: store.Eq("jobId", jobID),
				Limit:  c.deleteLimit,
			}
		}

		counts, err := c.gw.DeleteMany(ctx, reqs)
		if err != nil {
			return fmt.Errorf("cascading delete of job %s failed: %w", jobID, err)
		}

		var remaining []string
		for i, bucket := range active {
			if counts[i] == c.deleteLimit {
				remaining = append(remaining, bucket)
			}
		}
		active = remaining
	}

	if err := c.gw.Delete(ctx, BucketJobs, jobID); err != nil {
		return err
	}
	c.logger.Info("Job deleted", "job_id", jobID)
	return nil
}

// FetchDetails reads the job plus all related buckets in parallel, each
// capped at limit records. Any single bucket's failure fails the whole
// call with the originating bucket named.
func (c *Client) FetchDetails(ctx context.Context, jobID string, includeTaskInputs bool, limit int) (*JobDetails, error) {
	details := &JobDetails{}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(bucket string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", bucket, err)
		}
	}
	fetch := func(bucket string, decode func([]store.Record) error) {
		defer wg.Done()
		recs, err := c.gw.Find(ctx, bucket, store.Query{
			Filter: store.Eq("jobId", jobID),
			Limit:  limit,
		})
		if err != nil {
			fail(bucket, err)
			return
		}
		if err := decode(recs); err != nil {
			fail(bucket, err)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		job, err := c.FetchJob(ctx, jobID)
		if err != nil {
			fail(BucketJobs, err)
			return
		}
		details.Job = job
	}()

	wg.Add(4)
	go fetch(BucketJobInputs, func(recs []store.Record) error {
		return decodeInto(recs, &details.JobInputs)
	})
	go fetch(BucketTasks, func(recs []store.Record) error {
		return decodeInto(recs, &details.Tasks)
	})
	go fetch(BucketErrors, func(recs []store.Record) error {
		return decodeInto(recs, &details.Errors)
	})
	go fetch(BucketTaskOutputs, func(recs []store.Record) error {
		return decodeInto(recs, &details.TaskOutputs)
	})
	if includeTaskInputs {
		wg.Add(1)
		go fetch(BucketTaskInputs, func(recs []store.Record) error {
			return decodeInto(recs, &details.TaskInputs)
		})
	}

	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return details, nil
}

func decodeInto[T any](recs []store.Record, out *[]T) error {
	decoded := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return fmt.Errorf("failed to decode record %s: %w", rec.Key, err)
		}
		decoded = append(decoded, v)
	}
	*out = decoded
	return nil
}
