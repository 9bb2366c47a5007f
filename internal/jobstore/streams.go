package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/seawork/trawler/internal/store"
)

// filterToken restricts list-filter values. Values that fail the
// pattern are silently dropped rather than erroring, degrading the
// query instead of rejecting the call.
var filterToken = regexp.MustCompile(`^[\d\w-]+$`)

// FetchOptions tunes a lazy sequence. Marker resumes after the given
// internal record id; a zero Limit pages until exhaustion.
type FetchOptions struct {
	Marker int64
	Limit  int
}

// stream pages a bucket query lazily, invoking emit per record until a
// page comes back short of the page limit. emit returns false to stop
// early (consumer gone).
func (c *Client) stream(ctx context.Context, bucket string, filter store.Filter, opts FetchOptions, emit func(store.Record) bool) error {
	marker := opts.Marker
	seen := 0
	for {
		limit := c.pageLimit
		if opts.Limit > 0 && opts.Limit-seen < limit {
			limit = opts.Limit - seen
		}
		if limit <= 0 {
			return nil
		}

		recs, err := c.gw.Find(ctx, bucket, store.Query{
			Filter: filter,
			Limit:  limit,
			Marker: marker,
		})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if !emit(rec) {
				return nil
			}
			marker = rec.ID
			seen++
		}
		if len(recs) < limit {
			return nil
		}
	}
}

func sendItem[T any](ctx context.Context, out chan<- Item[T], item Item[T]) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// streamDecoded adapts stream to a typed channel sequence: records are
// decoded and transformed, an error is delivered as the final item, and
// the close of the channel is the end event.
func streamDecoded[R any, T any](ctx context.Context, c *Client, bucket string, filter store.Filter, opts FetchOptions, transform func(R) (T, bool)) <-chan Item[T] {
	out := make(chan Item[T])
	go func() {
		defer close(out)
		err := c.stream(ctx, bucket, filter, opts, func(rec store.Record) bool {
			var raw R
			if err := json.Unmarshal(rec.Value, &raw); err != nil {
				sendItem(ctx, out, Item[T]{Err: fmt.Errorf("failed to decode record %s: %w", rec.Key, err)})
				return false
			}
			v, ok := transform(raw)
			if !ok {
				return true
			}
			return sendItem(ctx, out, Item[T]{Value: v})
		})
		if err != nil {
			sendItem(ctx, out, Item[T]{Err: err})
		}
	}()
	return out
}

// FetchErrors produces a lazy sequence of decoded, human-framed error
// summaries for errors that have not been retried.
func (c *Client) FetchErrors(ctx context.Context, jobID string, opts FetchOptions) <-chan Item[ErrorSummary] {
	return c.fetchErrors(ctx, jobID, opts, false)
}

// FetchRetries is FetchErrors with the retried flag flipped: errors
// that were superseded by a retry of the same work.
func (c *Client) FetchRetries(ctx context.Context, jobID string, opts FetchOptions) <-chan Item[ErrorSummary] {
	return c.fetchErrors(ctx, jobID, opts, true)
}

func (c *Client) fetchErrors(ctx context.Context, jobID string, opts FetchOptions, retried bool) <-chan Item[ErrorSummary] {
	filter := store.And(
		store.Eq("jobId", jobID),
		store.Eq("retried", strconv.FormatBool(retried)),
	)
	return streamDecoded(ctx, c, BucketErrors, filter, opts, func(rec ErrorRecord) (ErrorSummary, bool) {
		return ErrorSummary{Record: rec, What: rec.Summary()}, true
	})
}

// FetchFailedJobInputs re-runs the error stream and re-emits only the
// originating job-input keys of traceable failures.
func (c *Client) FetchFailedJobInputs(ctx context.Context, jobID string) <-chan Item[string] {
	out := make(chan Item[string])
	go func() {
		defer close(out)
		for item := range c.FetchErrors(ctx, jobID, FetchOptions{}) {
			if item.Err != nil {
				sendItem(ctx, out, Item[string]{Err: item.Err})
				return
			}
			key := item.Value.Record.P0Input
			if item.Value.Record.PhaseNum == 0 {
				key = item.Value.Record.Input
			}
			if key == "" {
				continue
			}
			if !sendItem(ctx, out, Item[string]{Value: key}) {
				return
			}
		}
	}()
	return out
}

// FetchInputs produces the job's submitted input keys.
func (c *Client) FetchInputs(ctx context.Context, jobID string, opts FetchOptions) <-chan Item[string] {
	filter := store.Eq("jobId", jobID)
	return streamDecoded(ctx, c, BucketJobInputs, filter, opts, func(rec JobInputRecord) (string, bool) {
		return rec.Input, true
	})
}

// FetchOutputs produces the output keys of one phase, restricted to
// committed, valid records.
func (c *Client) FetchOutputs(ctx context.Context, jobID string, phase int, opts FetchOptions) <-chan Item[string] {
	filter := store.And(
		store.Eq("jobId", jobID),
		store.Eq("phaseNum", strconv.Itoa(phase)),
		store.Present("timeCommitted"),
		store.Eq("valid", "true"),
	)
	return streamDecoded(ctx, c, BucketTaskOutputs, filter, opts, func(rec TaskOutputRecord) (string, bool) {
		return rec.Output, true
	})
}

// ListJobsOptions is the allow-listed set of job list filters. String
// values failing the token pattern are omitted, not rejected.
type ListJobsOptions struct {
	State  string
	Name   string
	Owner  string
	JobID  string
	Worker string

	Cancelled      bool
	Archived       bool
	NotYetArchived bool

	ArchivedBefore       time.Time
	ArchiveStartedBefore time.Time

	Wrasse        string
	WrassePresent bool
	WrasseAbsent  bool

	DoneSince   time.Time
	MtimeSince  time.Time
	MtimeBefore time.Time

	Sort       string
	Descending bool
	Marker     int64
	Limit      int
}

// listFilter builds the conjunctive query. Every value is validated
// against the token pattern before inclusion; unrecognized or invalid
// values degrade the query toward "all jobs".
func listFilter(opts ListJobsOptions) store.Filter {
	var terms []store.Filter
	addToken := func(attr, value string) {
		if value == "" {
			return
		}
		if !filterToken.MatchString(value) {
			return
		}
		terms = append(terms, store.Eq(attr, value))
	}

	addToken("state", opts.State)
	addToken("name", opts.Name)
	addToken("owner", opts.Owner)
	addToken("jobId", opts.JobID)
	addToken("worker", opts.Worker)
	addToken("wrasse", opts.Wrasse)

	if opts.Cancelled {
		terms = append(terms, store.Present("timeCancelled"))
	}
	if opts.Archived {
		terms = append(terms, store.Present("timeArchiveDone"))
	}
	if opts.NotYetArchived {
		terms = append(terms, store.Not(store.Present("timeArchiveDone")))
	}
	if !opts.ArchivedBefore.IsZero() {
		terms = append(terms, store.Le("timeArchiveDone", formatTime(opts.ArchivedBefore)))
	}
	if !opts.ArchiveStartedBefore.IsZero() {
		terms = append(terms, store.Le("timeArchiveStarted", formatTime(opts.ArchiveStartedBefore)))
	}
	if opts.WrassePresent {
		terms = append(terms, store.Present("wrasse"))
	}
	if opts.WrasseAbsent {
		terms = append(terms, store.Not(store.Present("wrasse")))
	}
	if !opts.DoneSince.IsZero() {
		terms = append(terms, store.Ge("timeDone", formatTime(opts.DoneSince)))
	}
	if !opts.MtimeSince.IsZero() {
		terms = append(terms, store.Ge("mtime", formatTime(opts.MtimeSince)))
	}
	if !opts.MtimeBefore.IsZero() {
		terms = append(terms, store.Le("mtime", formatTime(opts.MtimeBefore)))
	}

	if len(terms) == 0 {
		return store.Present("jobId")
	}
	return store.And(terms...)
}

// ListJobs produces a lazy sequence of job records matching the
// filters, ordered by internal record id ascending unless overridden,
// restartable via the marker.
func (c *Client) ListJobs(ctx context.Context, opts ListJobsOptions) <-chan Item[JobRecord] {
	out := make(chan Item[JobRecord])
	filter := listFilter(opts)

	go func() {
		defer close(out)
		marker := opts.Marker
		seen := 0
		for {
			limit := c.pageLimit
			if opts.Limit > 0 && opts.Limit-seen < limit {
				limit = opts.Limit - seen
			}
			if limit <= 0 {
				return
			}

			recs, err := c.gw.Find(ctx, BucketJobs, store.Query{
				Filter:     filter,
				Sort:       opts.Sort,
				Descending: opts.Descending,
				Limit:      limit,
				Marker:     marker,
			})
			if err != nil {
				sendItem(ctx, out, Item[JobRecord]{Err: err})
				return
			}
			for _, rec := range recs {
				var job JobRecord
				if err := json.Unmarshal(rec.Value, &job); err != nil {
					sendItem(ctx, out, Item[JobRecord]{Err: fmt.Errorf("failed to decode job %s: %w", rec.Key, err)})
					return
				}
				if !sendItem(ctx, out, Item[JobRecord]{Value: job}) {
					return
				}
				marker = rec.ID
				seen++
			}
			if len(recs) < limit {
				return
			}
		}
	}()
	return out
}
