package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/seawork/trawler/internal/store"
)

// FetchLog merges two independently paginated queries, the job record
// and the job's task records, into a single lazily-produced unordered
// sequence of named lifecycle events. The task query re-pages until a
// page comes back short. The channel closes exactly once, only after
// both feeds have completed; that close is the "end" event.
func (c *Client) FetchLog(ctx context.Context, jobID string) <-chan Item[LogEntry] {
	out := make(chan Item[LogEntry])

	var wg sync.WaitGroup
	emit := func(entry LogEntry) bool {
		return sendItem(ctx, out, Item[LogEntry]{Value: entry})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		job, err := c.FetchJob(ctx, jobID)
		if err != nil {
			sendItem(ctx, out, Item[LogEntry]{Err: fmt.Errorf("%s: %w", BucketJobs, err)})
			return
		}
		for _, ev := range jobEvents(job) {
			if !emit(ev) {
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := c.stream(ctx, BucketTasks, store.Eq("jobId", jobID), FetchOptions{}, func(rec store.Record) bool {
			var task TaskRecord
			if err := json.Unmarshal(rec.Value, &task); err != nil {
				sendItem(ctx, out, Item[LogEntry]{Err: fmt.Errorf("failed to decode task %s: %w", rec.Key, err)})
				return false
			}
			for _, ev := range taskEvents(&task) {
				if !emit(ev) {
					return false
				}
			}
			return true
		})
		if err != nil {
			sendItem(ctx, out, Item[LogEntry]{Err: fmt.Errorf("%s: %w", BucketTasks, err)})
		}
	}()

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// jobEvents reconstructs causally-meaningful events from the job's
// unordered timestamp fields.
func jobEvents(job *JobRecord) []LogEntry {
	var events []LogEntry
	add := func(what, at string) {
		if at != "" {
			events = append(events, LogEntry{What: what, Time: at})
		}
	}
	add("job submitted", job.TimeCreated)
	add("job input done", job.TimeInputDone)
	add("job cancelled", job.TimeCancelled)
	add("job archive started", job.TimeArchiveStarted)
	add("job archive done", job.TimeArchiveDone)
	add("job done", job.TimeDone)
	return events
}

func taskEvents(task *TaskRecord) []LogEntry {
	var events []LogEntry
	add := func(what, at string) {
		if at != "" {
			events = append(events, LogEntry{What: what, Time: at, TaskID: task.TaskID})
		}
	}
	add("dispatched", task.TimeDispatched)
	add("accepted", task.TimeAccepted)
	add("input done", task.TimeInputDone)
	add("started", task.TimeStarted)
	add("done", task.TimeDone)
	add("committed", task.TimeCommitted)
	return events
}
