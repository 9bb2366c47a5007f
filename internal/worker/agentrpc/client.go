// Package agentrpc is the retry-with-backoff wrapper around requests to
// the upstream coordinating agent. Transport failures and 5xx responses
// are retried; 409/410 surface as conflicts; any other 4xx is a
// protocol bug and is fatal.
package agentrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seawork/trawler/internal/shared/errdefs"
	"github.com/seawork/trawler/internal/shared/logging"
	"github.com/seawork/trawler/internal/shared/retry"
)

// TaskDescriptor is what the agent hands out on the long-poll. For a
// reduce task, InputKeys is the current batch and InputDone reports
// whether more keys may still arrive.
type TaskDescriptor struct {
	TaskID   string `json:"taskId"`
	JobID    string `json:"jobId"`
	PhaseNum int    `json:"phaseNum"`
	Exec     string `json:"exec"`
	RIdx     *int   `json:"rIdx,omitempty"`

	Input       string   `json:"input,omitempty"`
	InputKeys   []string `json:"taskInputKeys,omitempty"`
	InputDone   bool     `json:"taskInputDone"`
	InputRemote string   `json:"taskInputRemote,omitempty"`
}

// ErrorReport is the body of a failure report. Internal detail is kept
// out of user-visible error messages.
type ErrorReport struct {
	Message  string `json:"message"`
	Internal string `json:"internal,omitempty"`
}

// CommitBody commits a reduce batch: the first key of the just-drained
// batch and the count of keys drained. An empty body commits task
// success.
type CommitBody struct {
	Key   string `json:"key"`
	NKeys int    `json:"nKeys"`
}

// PendingRequest describes one in-flight call to the agent, kept for
// diagnostics only.
type PendingRequest struct {
	ID       string
	Op       string
	Issued   time.Time
	Attempts int
}

type Client struct {
	base   string
	http   *http.Client
	policy retry.Policy
	logger logging.Logger

	mu      sync.Mutex
	pending map[string]*PendingRequest
}

// New builds a client for the agent's control socket. retryDelay is the
// fixed inter-retry delay of the retry-forever policy.
func New(addr string, retryDelay time.Duration, logger logging.Logger) *Client {
	pol := retry.Forever(retryDelay)
	pol.Retryable = errdefs.IsTransport
	return &Client{
		base:    "http://" + addr,
		http:    &http.Client{},
		policy:  pol,
		logger:  logger,
		pending: make(map[string]*PendingRequest),
	}
}

// FetchTask long-polls for the next task. The request is held open by
// the agent until work is available; transport failures and 5xx retry
// forever with the fixed delay, while 4xx other than 409/410 are fatal.
func (c *Client) FetchTask(ctx context.Context) (*TaskDescriptor, error) {
	var task TaskDescriptor
	if err := c.do(ctx, "fetch task", http.MethodGet, "/task?wait=true", nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CommitBatch reports a drained reduce batch.
func (c *Client) CommitBatch(ctx context.Context, key string, nKeys int) error {
	return c.do(ctx, "commit batch", http.MethodPost, "/commit", &CommitBody{Key: key, NKeys: nKeys}, nil)
}

// CommitDone reports task success with an empty commit.
func (c *Client) CommitDone(ctx context.Context) error {
	return c.do(ctx, "commit done", http.MethodPost, "/commit", nil, nil)
}

// Fail reports task failure.
func (c *Client) Fail(ctx context.Context, report *ErrorReport) error {
	return c.do(ctx, "fail", http.MethodPost, "/fail", report, nil)
}

// Live sends a liveness heartbeat.
func (c *Client) Live(ctx context.Context) error {
	return c.do(ctx, "live", http.MethodPost, "/live", nil, nil)
}

// Pending snapshots the in-flight request ledger.
func (c *Client) Pending() []PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, *p)
	}
	return out
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
	}

	reqID := uuid.NewString()
	entry := &PendingRequest{ID: reqID, Op: op, Issued: time.Now().UTC()}
	c.mu.Lock()
	c.pending[reqID] = entry
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		c.mu.Lock()
		entry.Attempts++
		attempt := entry.Attempts
		c.mu.Unlock()

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if attempt == 1 {
				c.logger.Warn("Agent request failed, retrying", "op", op, "error", err)
			}
			return &errdefs.TransportError{Op: op, Err: err}
		}
		defer resp.Body.Close()

		if err := classify(op, resp.StatusCode); err != nil {
			return err
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return &errdefs.TransportError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
			}
		}
		return nil
	})
}

// classify maps a response status to the error taxonomy: 2xx succeed,
// 409/410 are conflicts the caller may tolerate, any other 4xx is a
// fatal protocol violation, everything else retries.
func classify(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict || status == http.StatusGone:
		return errdefs.Conflictf("%s: already finalized (status %d)", op, status)
	case status >= 400 && status < 500:
		return &errdefs.UpstreamClientError{Op: op, StatusCode: status}
	default:
		return &errdefs.TransportError{Op: op, Err: fmt.Errorf("status %d", status)}
	}
}
