package executor

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
)

// OSExecutor runs commands via the shell in their own process group, so
// a task's whole process tree shares one signal scope.
type OSExecutor struct {
	Shell string
}

func NewOSExecutor() *OSExecutor {
	return &OSExecutor{Shell: "/bin/sh"}
}

type osHandle struct {
	done chan Result
}

func (h *osHandle) Done() <-chan Result { return h.done }

func (e *OSExecutor) Start(ctx context.Context, cmd Command) (Handle, error) {
	child := exec.CommandContext(ctx, e.Shell, "-c", cmd.Exec)
	child.Env = cmd.Env
	child.Dir = cmd.Dir
	child.Stdin = cmd.Stdin
	child.Stdout = cmd.Stdout
	child.Stderr = cmd.Stderr
	child.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := child.Start(); err != nil {
		return nil, err
	}

	h := &osHandle{done: make(chan Result, 1)}
	go func() {
		h.done <- decodeWait(child.Wait())
	}()
	return h, nil
}

// decodeWait turns the wait outcome into the completion result,
// distinguishing signal termination and core dumps from plain non-zero
// exits.
func decodeWait(err error) Result {
	if err == nil {
		return Result{}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Result{Err: err}
	}

	res := Result{ExitCode: exitErr.ExitCode()}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		res.Signal = ws.Signal().String()
		res.CoreDumped = ws.CoreDump()
		res.ExitCode = 128 + int(ws.Signal())
	}
	return res
}
