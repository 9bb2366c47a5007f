// Package jobstore is the data-access layer for job and task records.
// It builds typed records on top of the store gateway, guards every
// mutation with the record's optimistic-concurrency etag, and exposes
// lazy channel-based sequences for listing and log reconstruction.
package jobstore

import (
	"fmt"
	"time"
)

// Bucket names for the record families a job owns. Cascading delete
// drains all child buckets before removing the job record itself.
const (
	BucketJobs        = "trawler_jobs"
	BucketJobInputs   = "trawler_jobinputs"
	BucketTasks       = "trawler_tasks"
	BucketTaskInputs  = "trawler_taskinputs"
	BucketErrors      = "trawler_errors"
	BucketTaskOutputs = "trawler_taskoutputs"
)

// TimeFormat is fixed-width UTC so lexicographic comparison in store
// filters matches chronological order.
const TimeFormat = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string { return t.UTC().Format(TimeFormat) }

type JobState string

const (
	JobStateQueued  JobState = "queued"
	JobStateRunning JobState = "running"
	JobStateDone    JobState = "done"
)

type TaskState string

const (
	TaskStateDispatched TaskState = "dispatched"
	TaskStateAccepted   TaskState = "accepted"
	TaskStateDone       TaskState = "done"
)

type TaskResult string

const (
	TaskResultOK   TaskResult = "ok"
	TaskResultFail TaskResult = "fail"
)

// AuthContext is the authentication context captured at job submission.
type AuthContext struct {
	Login  string   `json:"login" validate:"required"`
	UUID   string   `json:"uuid" validate:"required"`
	Groups []string `json:"groups"`
	Token  string   `json:"token" validate:"required"`
}

// Phase is one stage of a job's pipeline. Count is the reduce task
// count and applies to reduce phases only. Image constrains the compute
// image version as a semver range.
type Phase struct {
	Type  string `json:"type,omitempty" validate:"omitempty,oneof=map reduce"`
	Exec  string `json:"exec" validate:"required"`
	Image string `json:"image,omitempty"`
	Count int    `json:"count,omitempty" validate:"omitempty,min=1"`
}

// JobSpec is the job submission input format.
type JobSpec struct {
	JobID     string         `json:"jobId,omitempty"`
	Name      string         `json:"name,omitempty"`
	Owner     string         `json:"owner" validate:"required"`
	AuthToken string         `json:"authToken" validate:"required"`
	Auth      *AuthContext   `json:"auth" validate:"required"`
	Phases    []Phase        `json:"phases" validate:"required,min=1,dive"`
	Input     string         `json:"input,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// JobRecord is the persisted job. Lifecycle timestamps are set once and
// never cleared. Mtime is refreshed on every write and backs the
// modified-window list filters.
type JobRecord struct {
	JobID     string         `json:"jobId"`
	Name      string         `json:"name,omitempty"`
	Owner     string         `json:"owner"`
	Phases    []Phase        `json:"phases"`
	Auth      *AuthContext   `json:"auth,omitempty"`
	AuthToken string         `json:"authToken,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	State     JobState       `json:"state"`
	Input     string         `json:"input,omitempty"`
	Worker    string         `json:"worker,omitempty"`
	Wrasse    string         `json:"wrasse,omitempty"`

	TimeCreated        string `json:"timeCreated"`
	TimeInputDone      string `json:"timeInputDone,omitempty"`
	TimeCancelled      string `json:"timeCancelled,omitempty"`
	TimeArchiveStarted string `json:"timeArchiveStarted,omitempty"`
	TimeArchiveDone    string `json:"timeArchiveDone,omitempty"`
	TimeDone           string `json:"timeDone,omitempty"`
	Mtime              string `json:"mtime"`
}

// JobInputRecord is one input key submitted to a job, immutable once
// written. Jobs and their inputs may race during submission, so the job
// record is not required to exist yet.
type JobInputRecord struct {
	InputID     string `json:"inputId"`
	JobID       string `json:"jobId"`
	Input       string `json:"input"`
	TimeCreated string `json:"timeCreated"`
}

// TaskRecord is one scheduled unit of work: a map invocation on a
// single input, or a reduce invocation covering a batch of keys.
type TaskRecord struct {
	TaskID   string     `json:"taskId"`
	JobID    string     `json:"jobId"`
	PhaseNum int        `json:"phaseNum"`
	State    TaskState  `json:"state"`
	Result   TaskResult `json:"result,omitempty"`
	Worker   string     `json:"worker,omitempty"`
	Machine  string     `json:"machine,omitempty"`

	// Input is the map input key; P0Input traces a phase>0 task back to
	// the originating job input.
	Input    string `json:"input,omitempty"`
	P0Input  string `json:"p0input,omitempty"`
	RIdx     *int   `json:"rIdx,omitempty"`
	NOutputs int    `json:"nOutputs,omitempty"`

	TimeDispatched string `json:"timeDispatched,omitempty"`
	TimeAccepted   string `json:"timeAccepted,omitempty"`
	TimeInputDone  string `json:"timeInputDone,omitempty"`
	TimeStarted    string `json:"timeStarted,omitempty"`
	TimeDone       string `json:"timeDone,omitempty"`
	TimeCommitted  string `json:"timeCommitted,omitempty"`
}

// ErrorRecord is created once per task failure and is immutable once
// committed. Input/P0Input parentage lets a failure be traced back to
// the job input that caused it.
type ErrorRecord struct {
	ErrorID  string `json:"errorId"`
	JobID    string `json:"jobId"`
	TaskID   string `json:"taskId"`
	PhaseNum int    `json:"phaseNum"`
	Worker   string `json:"worker,omitempty"`
	Machine  string `json:"machine,omitempty"`
	Server   string `json:"server,omitempty"`

	Code    string `json:"code"`
	Message string `json:"message"`

	StderrKey string `json:"stderr,omitempty"`
	CoreKey   string `json:"core,omitempty"`
	Input     string `json:"input,omitempty"`
	P0Input   string `json:"p0input,omitempty"`
	Retried   bool   `json:"retried"`

	TimeCreated   string `json:"timeCreated"`
	TimeCommitted string `json:"timeCommitted,omitempty"`
}

// Summary frames what failed from the phase number and the presence of
// a map input: reduce, first-phase map, or chained map.
func (e *ErrorRecord) Summary() string {
	switch {
	case e.Input == "":
		return fmt.Sprintf("reduce failed in phase %d", e.PhaseNum)
	case e.PhaseNum == 0:
		return fmt.Sprintf("map failed on input %q", e.Input)
	default:
		return fmt.Sprintf("map failed in phase %d on intermediate object %q", e.PhaseNum, e.Input)
	}
}

// TaskOutputRecord is created once per emitted output object of a
// successful task; immutable.
type TaskOutputRecord struct {
	OutputID      string `json:"outputId"`
	JobID         string `json:"jobId"`
	TaskID        string `json:"taskId"`
	PhaseNum      int    `json:"phaseNum"`
	Output        string `json:"output"`
	Valid         bool   `json:"valid"`
	TimeCreated   string `json:"timeCreated"`
	TimeCommitted string `json:"timeCommitted,omitempty"`
}

// ErrorSummary pairs a decoded error record with its human-readable
// framing.
type ErrorSummary struct {
	Record ErrorRecord
	What   string
}

// JobDetails is the fan-out read of a job plus all related buckets.
type JobDetails struct {
	Job         *JobRecord
	JobInputs   []JobInputRecord
	Tasks       []TaskRecord
	Errors      []ErrorRecord
	TaskOutputs []TaskOutputRecord
	TaskInputs  []JobInputRecord
}

// LogEntry is one named lifecycle event reconstructed from a job or
// task record. Entries are unordered; the stream's close is the single
// "end" event.
type LogEntry struct {
	What   string
	Time   string
	TaskID string
}

// Item carries one element of a lazy sequence. A non-nil Err terminates
// the sequence; channel close signals end.
type Item[T any] struct {
	Value T
	Err   error
}
