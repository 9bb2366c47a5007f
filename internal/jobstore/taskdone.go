package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seawork/trawler/internal/shared/errdefs"
	"github.com/seawork/trawler/internal/store"
)

// MarkTaskDone finalizes a task in three stages: fetch the task
// (conflict if already done), write its error or output records, then
// write the task back as done conditioned on the etag from the first
// stage. With a nil output count one error record is written; with a
// count >= 1 that many task-output records are written with bounded
// concurrency, aborting remaining writes on first failure; a count of
// zero writes nothing.
func (c *Client) MarkTaskDone(ctx context.Context, taskID string, nOutputs *int, errCode, errMessage string) error {
	rec, err := c.gw.Get(ctx, BucketTasks, taskID)
	if err != nil {
		return err
	}
	var task TaskRecord
	if err := json.Unmarshal(rec.Value, &task); err != nil {
		return fmt.Errorf("failed to decode task %s: %w", taskID, err)
	}
	if task.State == TaskStateDone {
		return errdefs.Conflictf("task %s is already done", taskID)
	}

	now := formatTime(time.Now())

	if nOutputs == nil {
		if err := c.writeTaskError(ctx, &task, errCode, errMessage, now); err != nil {
			return err
		}
	} else if *nOutputs >= 1 {
		if err := c.writeTaskOutputs(ctx, &task, *nOutputs, now); err != nil {
			return err
		}
	}

	task.State = TaskStateDone
	if nOutputs != nil {
		task.Result = TaskResultOK
		task.NOutputs = *nOutputs
	} else {
		task.Result = TaskResultFail
	}

	// Lifecycle fields that were never set get a current-time default so
	// downstream consumers always see a complete timeline.
	if task.Machine == "" {
		task.Machine = "unknown"
	}
	if task.TimeAccepted == "" {
		task.TimeAccepted = now
	}
	if task.TimeStarted == "" {
		task.TimeStarted = now
	}
	task.TimeDone = now

	value, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", taskID, err)
	}
	if _, err := c.gw.Put(ctx, BucketTasks, taskID, value, store.PutOptions{Etag: rec.Etag}); err != nil {
		return err
	}

	c.logger.Info("Task finalized", "task_id", taskID, "result", task.Result, "n_outputs", task.NOutputs)
	return nil
}

func (c *Client) writeTaskError(ctx context.Context, task *TaskRecord, code, message, now string) error {
	if code == "" {
		code = "TaskFailed"
	}
	errRec := ErrorRecord{
		ErrorID:       uuid.NewString(),
		JobID:         task.JobID,
		TaskID:        task.TaskID,
		PhaseNum:      task.PhaseNum,
		Worker:        task.Worker,
		Machine:       task.Machine,
		Server:        task.Machine,
		Code:          code,
		Message:       message,
		Input:         task.Input,
		P0Input:       task.P0Input,
		TimeCreated:   now,
		TimeCommitted: now,
	}
	value, err := json.Marshal(errRec)
	if err != nil {
		return fmt.Errorf("failed to encode error record: %w", err)
	}
	_, err = c.gw.Put(ctx, BucketErrors, errRec.ErrorID, value, store.PutOptions{})
	return err
}

func (c *Client) writeTaskOutputs(ctx context.Context, task *TaskRecord, n int, now string) error {
	sem := make(chan struct{}, maxOutputWriters)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}

	for i := 0; i < n; i++ {
		if failed() {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			outRec := TaskOutputRecord{
				OutputID:      uuid.NewString(),
				JobID:         task.JobID,
				TaskID:        task.TaskID,
				PhaseNum:      task.PhaseNum,
				Output:        fmt.Sprintf("%s/%s.%d.out", task.JobID, task.TaskID, idx),
				Valid:         true,
				TimeCreated:   now,
				TimeCommitted: now,
			}
			value, err := json.Marshal(outRec)
			if err == nil {
				_, err = c.gw.Put(ctx, BucketTaskOutputs, outRec.OutputID, value, store.PutOptions{})
			}
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	return firstErr
}
