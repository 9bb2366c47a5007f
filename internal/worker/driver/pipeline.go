package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	"github.com/seawork/trawler/internal/worker/agentrpc"
	"github.com/seawork/trawler/internal/worker/executor"
)

// pipelineResult collects what the four stages produced. Only cleanup
// and spawn can fail the pipeline; the capture stages run regardless
// and only the first capture error is kept, as a secondary cause.
type pipelineResult struct {
	pipelineErr error
	spawned     bool
	exec        executor.Result
	captureErr  error
}

// outcome decides the reported failure by priority: pipeline error,
// executor-internal error, core dump, signal, non-zero exit, capture
// error. Nil means success.
func (r pipelineResult) outcome() *agentrpc.ErrorReport {
	switch {
	case r.pipelineErr != nil:
		return &agentrpc.ErrorReport{
			Message:  "failed to execute task",
			Internal: r.pipelineErr.Error(),
		}
	case r.exec.Err != nil:
		return &agentrpc.ErrorReport{
			Message:  "failed to execute task",
			Internal: r.exec.Err.Error(),
		}
	case r.exec.CoreDumped:
		return &agentrpc.ErrorReport{
			Message: fmt.Sprintf("user command dumped core (%s)", r.exec.Signal),
		}
	case r.exec.Signal != "":
		return &agentrpc.ErrorReport{
			Message: fmt.Sprintf("user command killed by signal %s", r.exec.Signal),
		}
	case r.exec.ExitCode != 0:
		return &agentrpc.ErrorReport{
			Message: fmt.Sprintf("user command exited with code %d", r.exec.ExitCode),
		}
	case r.captureErr != nil:
		return &agentrpc.ErrorReport{
			Message:  "failed to save task output",
			Internal: r.captureErr.Error(),
		}
	}
	return nil
}

// runPipeline executes the four task stages in order: cleanup, spawn,
// captureStdout, captureStderr. The capture stages always run so that
// output is uploaded even after a failed execution.
func (d *Driver) runPipeline(ctx context.Context, st *taskState) pipelineResult {
	var res pipelineResult

	if err := d.cleanupCaptures(); err != nil {
		res.pipelineErr = err
	} else {
		res.exec, res.pipelineErr = d.spawn(ctx, st)
		res.spawned = res.pipelineErr == nil
	}

	if !st.stdoutStreamed.Load() {
		if err := d.uploads.UploadFile(ctx, captureKey(st, "stdout"), d.stdoutPath); err != nil {
			res.captureErr = err
		}
	}
	if !res.spawned || res.exec.Failed() {
		if err := d.uploads.UploadFile(ctx, captureKey(st, "stderr"), d.stderrPath); err != nil && res.captureErr == nil {
			res.captureErr = err
		}
	}

	return res
}

// cleanupCaptures removes the previous task's capture files. Already
// absent files are fine.
func (d *Driver) cleanupCaptures() error {
	for _, p := range []string{d.stdoutPath, d.stderrPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale capture %s: %w", p, err)
		}
	}
	return nil
}

// spawn builds the execution environment, starts the child, and waits
// for its single completion result. For reduce tasks fed from a remote
// stream a feeder goroutine delivers input batches to the child's stdin
// under the backpressure protocol.
func (d *Driver) spawn(ctx context.Context, st *taskState) (executor.Result, error) {
	stdout, err := os.Create(d.stdoutPath)
	if err != nil {
		return executor.Result{}, fmt.Errorf("failed to create stdout capture: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.Create(d.stderrPath)
	if err != nil {
		return executor.Result{}, fmt.Errorf("failed to create stderr capture: %w", err)
	}
	defer stderr.Close()

	cmd := executor.Command{
		Exec:   st.desc.Exec,
		Env:    taskEnv(st.desc),
		Stdout: stdout,
		Stderr: stderr,
	}

	var (
		feedDone chan error
		stopFeed context.CancelFunc
		pipeR    *io.PipeReader
	)
	switch {
	case st.desc.RIdx != nil:
		var feedCtx context.Context
		feedCtx, stopFeed = context.WithCancel(ctx)
		defer stopFeed()

		var pipeW *io.PipeWriter
		pipeR, pipeW = io.Pipe()
		cmd.Stdin = pipeR
		feedDone = make(chan error, 1)
		go func() {
			feedDone <- d.feedReduce(feedCtx, st, pipeW)
		}()
	case st.desc.Input != "" && st.desc.InputRemote != "":
		body, err := d.streams.Fetch(ctx, st.desc.InputRemote, st.desc.Input)
		if err != nil {
			return executor.Result{}, err
		}
		defer body.Close()
		cmd.Stdin = body
	}

	handle, err := d.exec.Start(ctx, cmd)
	if err != nil {
		return executor.Result{}, fmt.Errorf("failed to start user command: %w", err)
	}
	res := <-handle.Done()

	if feedDone != nil {
		// Unblock a feeder stuck writing to a child that exited early,
		// then collect its verdict. Feed errors caused by the shutdown
		// itself are not real failures.
		stopFeed()
		pipeR.CloseWithError(io.ErrClosedPipe)
		ferr := <-feedDone
		if ferr != nil && !errors.Is(ferr, io.ErrClosedPipe) && !res.Failed() && ctx.Err() == nil {
			return res, ferr
		}
	}
	return res, nil
}

func taskEnv(desc *agentrpc.TaskDescriptor) []string {
	env := append(os.Environ(),
		"TRAWLER_JOB_ID="+desc.JobID,
		"TRAWLER_TASK_ID="+desc.TaskID,
		"TRAWLER_PHASE="+strconv.Itoa(desc.PhaseNum),
	)
	if desc.Input != "" {
		env = append(env, "TRAWLER_INPUT="+desc.Input)
	}
	if desc.RIdx != nil {
		env = append(env, "TRAWLER_REDUCER="+strconv.Itoa(*desc.RIdx))
	}
	return env
}

func captureKey(st *taskState, stream string) string {
	return path.Join(st.desc.JobID, st.desc.TaskID, stream)
}
