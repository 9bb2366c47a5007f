// Package executor is the process-spawning collaborator of the task
// execution driver. It produces exactly one completion result per
// started command, carrying the exit code, terminating signal, and
// core-dump flag.
package executor

import (
	"context"
	"io"
)

// Command describes one child process invocation. Exec is run through
// the shell, matching how user phases are written.
type Command struct {
	Exec   string
	Env    []string
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Result is the single completion event of a command. Err reports an
// executor-internal failure (spawn or wait machinery), distinct from
// the child's own exit disposition.
type Result struct {
	ExitCode   int
	Signal     string
	CoreDumped bool
	Err        error
}

// Failed reports whether the child terminated abnormally in any way.
func (r Result) Failed() bool {
	return r.Err != nil || r.CoreDumped || r.Signal != "" || r.ExitCode != 0
}

// Handle subscribes to a running command's completion.
type Handle interface {
	Done() <-chan Result
}

// Executor starts commands. Implementations deliver exactly one Result
// on the handle's Done channel.
type Executor interface {
	Start(ctx context.Context, cmd Command) (Handle, error)
}
