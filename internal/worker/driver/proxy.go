package driver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/seawork/trawler/internal/shared/errdefs"
	"github.com/seawork/trawler/internal/worker/agentrpc"
)

// StreamHeader marks a proxied PUT as the child streaming its own
// stdout upstream, which suppresses the stdout capture stage.
const StreamHeader = "X-Trawler-Stream"

// Handler serves the worker-local HTTP surface. The /task/ prefix is
// reserved for the child's control calls; every other path is proxied
// verbatim to the parent agent.
func (d *Driver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /task/commit", d.handleCommit)
	mux.HandleFunc("POST /task/fail", d.handleFail)
	mux.HandleFunc("POST /task/live", d.handleLive)
	mux.HandleFunc("/", d.handleProxy)
	return mux
}

// handleCommit forwards a commit from the child. A body with a key is
// a reduce batch commit; an empty body commits task success and
// finalizes the task so the driver's own report is suppressed.
func (d *Driver) handleCommit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if len(body) == 0 {
		if err := d.agent.CommitDone(r.Context()); err != nil {
			writeAgentError(w, err)
			return
		}
		d.markFinalized()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var commit agentrpc.CommitBody
	if err := json.Unmarshal(body, &commit); err != nil {
		http.Error(w, "malformed commit body", http.StatusBadRequest)
		return
	}
	if err := d.agent.CommitBatch(r.Context(), commit.Key, commit.NKeys); err != nil {
		writeAgentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Driver) handleFail(w http.ResponseWriter, r *http.Request) {
	var report agentrpc.ErrorReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "malformed error report", http.StatusBadRequest)
		return
	}
	if err := d.agent.Fail(r.Context(), &report); err != nil {
		writeAgentError(w, err)
		return
	}
	d.markFinalized()
	w.WriteHeader(http.StatusNoContent)
}

func (d *Driver) handleLive(w http.ResponseWriter, r *http.Request) {
	if err := d.agent.Live(r.Context()); err != nil {
		writeAgentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Driver) markFinalized() {
	if st := d.currentTask(); st != nil {
		st.finalized.Store(true)
	}
}

// handleProxy forwards the request to the parent agent. An Expect:
// 100-continue is forwarded upstream rather than answered locally: the
// transport withholds the body until the agent reads it, and the local
// server only emits its 100 once the body is first read.
func (d *Driver) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPut && r.Header.Get(StreamHeader) == "stdout" {
		if st := d.currentTask(); st != nil {
			st.stdoutStreamed.Store(true)
		}
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.URL.Scheme = "http"
	out.URL.Host = d.agentAddr
	out.Host = d.agentAddr
	out.Header.Del("Connection")

	resp, err := d.proxyTransport.RoundTrip(out)
	if err != nil {
		d.logger.Warn("Proxy request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "upstream agent unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vals := range resp.Header {
		for _, v := range vals {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		d.logger.Warn("Proxy response truncated", "path", r.URL.Path, "error", err)
	}
}

func writeAgentError(w http.ResponseWriter, err error) {
	var upstream *errdefs.UpstreamClientError
	switch {
	case errdefs.IsConflict(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &upstream):
		http.Error(w, err.Error(), upstream.StatusCode)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}
