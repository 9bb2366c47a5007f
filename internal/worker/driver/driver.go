// Package driver runs the worker's long-poll/execute/report loop. The
// driver processes exactly one task at a time: it fetches a task
// descriptor from the parent agent, runs the execution pipeline, and
// reports the outcome through the same agent client.
package driver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seawork/trawler/internal/shared/errdefs"
	"github.com/seawork/trawler/internal/shared/logging"
	"github.com/seawork/trawler/internal/worker/agentrpc"
	"github.com/seawork/trawler/internal/worker/capture"
	"github.com/seawork/trawler/internal/worker/executor"
	"github.com/seawork/trawler/internal/worker/streamcache"
)

// Config carries the driver's runtime knobs.
type Config struct {
	AgentAddr         string
	StdoutPath        string
	StderrPath        string
	HeartbeatInterval time.Duration
}

// taskState is the task-local state of the driver. It exists only
// between a successful fetch and the completion of reporting; the run
// loop checks it is empty before every fetch.
type taskState struct {
	desc *agentrpc.TaskDescriptor

	// stdoutStreamed is set by the proxy when the child ships its own
	// stdout upstream, which suppresses the stdout capture stage.
	stdoutStreamed atomic.Bool

	// finalized is set when the child commits or fails the task itself
	// through the reserved control paths. The in-task outcome wins over
	// the driver's inferred one.
	finalized atomic.Bool
}

type Driver struct {
	agent   *agentrpc.Client
	exec    executor.Executor
	uploads *capture.Uploader
	streams *streamcache.Cache
	logger  logging.Logger

	agentAddr         string
	stdoutPath        string
	stderrPath        string
	heartbeatInterval time.Duration
	proxyTransport    http.RoundTripper

	mu   sync.Mutex
	task *taskState

	heartbeatBusy atomic.Bool
}

func New(cfg Config, agent *agentrpc.Client, exec executor.Executor, uploads *capture.Uploader, streams *streamcache.Cache, logger logging.Logger) *Driver {
	return &Driver{
		agent:             agent,
		exec:              exec,
		uploads:           uploads,
		streams:           streams,
		logger:            logger,
		agentAddr:         cfg.AgentAddr,
		stdoutPath:        cfg.StdoutPath,
		stderrPath:        cfg.StderrPath,
		heartbeatInterval: cfg.HeartbeatInterval,
		proxyTransport: &http.Transport{
			// Hold the proxied body back until the agent has read it, so
			// a forwarded Expect: 100-continue keeps its end-to-end
			// meaning instead of being answered locally.
			ExpectContinueTimeout: time.Minute,
		},
	}
}

// Run executes tasks until the context is cancelled. A 4xx from the
// agent outside 409/410 indicates a protocol bug and stops the loop;
// everything else is retried inside the agent client.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info("Driver started", "agent", d.agentAddr)
	for {
		if err := d.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				d.logger.Info("Driver stopped")
				return nil
			}
			d.logger.Error("Driver stopping", "error", err)
			return err
		}
	}
}

func (d *Driver) runOnce(ctx context.Context) error {
	d.mu.Lock()
	stale := d.task != nil
	d.mu.Unlock()
	if stale {
		return fmt.Errorf("task state not cleared before fetch")
	}

	desc, err := d.agent.FetchTask(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("Task accepted", "taskId", desc.TaskID, "jobId", desc.JobID, "phase", desc.PhaseNum)

	st := &taskState{desc: desc}
	d.mu.Lock()
	d.task = st
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.task = nil
		d.mu.Unlock()
	}()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go d.heartbeatLoop(hbCtx)
	res := d.runPipeline(ctx, st)
	stopHeartbeat()

	return d.report(ctx, st, res)
}

// currentTask returns the in-flight task state, or nil when idle.
func (d *Driver) currentTask() *taskState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.task
}

// heartbeatLoop sends liveness pings while a task is running. At most
// one heartbeat is in flight at a time: a tick that finds the previous
// ping still pending is skipped, not queued.
func (d *Driver) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.heartbeatBusy.CompareAndSwap(false, true) {
				continue
			}
			go func() {
				defer d.heartbeatBusy.Store(false)
				if err := d.agent.Live(ctx); err != nil && ctx.Err() == nil {
					d.logger.Warn("Heartbeat failed", "error", err)
				}
			}()
		}
	}
}

// report sends the task's terminal outcome upstream. A 409 means the
// child already finalized the task through the control surface; the
// explicit in-task outcome wins, so the conflict is treated as success.
func (d *Driver) report(ctx context.Context, st *taskState, res pipelineResult) error {
	if st.finalized.Load() {
		d.logger.Info("Task finalized by child", "taskId", st.desc.TaskID)
		return nil
	}

	var err error
	if rep := res.outcome(); rep != nil {
		d.logger.Info("Task failed", "taskId", st.desc.TaskID, "message", rep.Message)
		err = d.agent.Fail(ctx, rep)
	} else {
		d.logger.Info("Task done", "taskId", st.desc.TaskID)
		err = d.agent.CommitDone(ctx)
	}
	if errdefs.IsConflict(err) {
		return nil
	}
	return err
}
