package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"daylog/internal/analysis"
	"daylog/internal/workflow"
)

// sseEnvelope frames every message on the monitor stream.
type sseEnvelope struct {
	Type      string           `json:"type"` // watch | stream | complete | error
	RunID     string           `json:"runId,omitempty"`
	Chunk     *sseChunk        `json:"chunk,omitempty"`
	Result    *workflow.Result `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	Timestamp string           `json:"timestamp"`
}

type sseChunk struct {
	Type     string         `json:"type"` // event kind
	StepID   string         `json:"stepId,omitempty"`
	Instance string         `json:"instance,omitempty"`
	Status   string         `json:"status,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// registerMonitor wires the SSE endpoint outside huma; the streaming
// response does not fit a schema-described operation.
func registerMonitor(router chi.Router, basePath string, cfg Config) {
	router.Get(basePath+"/workflows/{workflow_id}/monitor", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "workflow_id") != analysis.WorkflowName {
			writeJSONError(w, http.StatusNotFound, "not_found",
				fmt.Sprintf("unknown workflow %q", chi.URLParam(r, "workflow_id")))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
			return
		}

		date := r.URL.Query().Get("date")
		if date == "" {
			date = yesterday(cfg.now())
		}
		if _, err := time.Parse("2006-01-02", date); err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad_request",
				fmt.Sprintf("invalid date %q, want YYYY-MM-DD", date))
			return
		}
		force := r.URL.Query().Get("force") == "true"

		run := cfg.Supervisor.Engine.CreateRun(workflow.Input{Date: date, Force: force})
		// Lossy on purpose: a slow monitor client loses old events, never
		// stalls the run. Persistence rides the reliable subscription.
		sub := run.Events.Subscribe(256)

		// The run must survive the client hanging up mid-stream.
		go cfg.Supervisor.Supervise(context.WithoutCancel(r.Context()), run)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		send := func(env sseEnvelope) bool {
			env.Timestamp = cfg.now().UTC().Format(time.RFC3339)
			data, err := json.Marshal(env)
			if err != nil {
				return false
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return false
			}
			flusher.Flush()
			return true
		}

		if !send(sseEnvelope{Type: "watch", RunID: run.ID}) {
			return
		}
		for {
			select {
			case <-r.Context().Done():
				return
			case ev, open := <-sub.Events():
				if !open {
					// The producer closed without a Finish. The client
					// still gets a terminal frame.
					send(sseEnvelope{Type: "error", RunID: run.ID, Error: "run ended without a result"})
					return
				}
				env := envelopeFor(run.ID, ev)
				if !send(env) {
					return
				}
				if env.Type == "complete" {
					return
				}
			}
		}
	})
}

// envelopeFor maps one engine event to its wire frame. The switch covers the
// whole event union.
func envelopeFor(runID string, ev workflow.Event) sseEnvelope {
	env := sseEnvelope{Type: "stream", RunID: runID}
	switch e := ev.(type) {
	case workflow.StepStart:
		env.Chunk = &sseChunk{Type: string(workflow.KindStepStart), StepID: string(e.StepID), Instance: e.Instance}
	case workflow.StepOutput:
		env.Chunk = &sseChunk{Type: string(workflow.KindStepOutput), StepID: string(e.StepID), Instance: e.Instance, Payload: e.Payload}
	case workflow.StepResult:
		env.Chunk = &sseChunk{Type: string(workflow.KindStepResult), StepID: string(e.StepID), Instance: e.Instance, Status: string(e.Status), Error: e.Err}
	case workflow.Error:
		env.Chunk = &sseChunk{Type: string(workflow.KindError), StepID: string(e.StepID), Error: e.Message}
	case workflow.Finish:
		env.Type = "complete"
		res := e.Result
		env.Result = &res
		if res.Status == workflow.RunFailed {
			env.Error = res.Err
		}
	}
	return env
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}
