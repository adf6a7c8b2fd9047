package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"daylog/internal/domain"
	"daylog/internal/repo"
)

// Run outcome statuses reported to callers.
const (
	StatusSuccess           = "success"
	StatusErrorWithFallback = "error_with_fallback"
	StatusFatalError        = "fatal_error"
)

// EventSink persists run events. Implementations receive every event the
// engine emits, in order, via a reliable subscription.
type EventSink interface {
	Record(ctx context.Context, runID string, ev Event) error
}

// ProgressEntry is a compact record of one event, kept for run summaries.
type ProgressEntry struct {
	Type      string    `json:"type"`
	StepID    string    `json:"stepId,omitempty"`
	Instance  string    `json:"instance,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome is what the supervisor reports after a run settles, whichever way
// it went. Err is set for the two failure statuses.
type Outcome struct {
	Success       bool
	Status        string
	RunID         string
	Date          string
	Version       int
	LogID         string
	Halted        bool
	ExecutionTime time.Duration
	Progress      []ProgressEntry
	Err           error
}

// Supervisor drives a run end to end: it reserves a version, records the
// event stream, and on engine failure writes a fallback log so the day is
// never left without a record.
type Supervisor struct {
	Engine *Engine
	Store  repo.Repo
	Sink   EventSink
	Log    *slog.Logger
	Now    func() time.Time
}

func (s *Supervisor) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Supervisor) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// RunSupervised executes a run for input and blocks until it settles.
func (s *Supervisor) RunSupervised(ctx context.Context, input Input) Outcome {
	run := s.Engine.CreateRun(input)
	return s.Supervise(ctx, run)
}

// Supervise executes an already-created run. Callers that need to observe
// the run (the monitor endpoint) subscribe to run.Events before calling.
//
// The version is read before the run starts. Two concurrent runs for the
// same date can both read the same count and write the same version; the
// store appends both rows rather than rejecting one, and the latest write
// wins on read. Runs are triggered once a day in practice, so the race is
// tolerated instead of locked around.
func (s *Supervisor) Supervise(ctx context.Context, run *Run) Outcome {
	log := s.log().With("run_id", run.ID, "date", run.Input.Date)
	start := s.now()

	out := Outcome{RunID: run.ID, Date: run.Input.Date, Status: StatusFatalError}

	version, err := s.Store.NextVersion(ctx, run.Input.Date)
	if err != nil {
		out.Err = fmt.Errorf("next version: %w", err)
		out.ExecutionTime = s.now().Sub(start)
		// Subscribers still get a terminal frame even though the engine
		// never ran.
		at := s.now()
		run.Events.Publish(Error{Message: "version lookup failed", At: at})
		run.Events.Publish(Finish{Result: Result{
			RunID:  run.ID,
			Status: RunFailed,
			Date:   run.Input.Date,
			Err:    "version lookup failed",
		}, At: at})
		run.Events.Close()
		log.Error("run aborted before start", "error", out.Err)
		return out
	}
	out.Version = version

	sub := run.Events.SubscribeReliable()
	var wg sync.WaitGroup
	var progress []ProgressEntry
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range sub.Events() {
			progress = append(progress, summarize(ev))
			if s.Sink != nil {
				// Sink failures must not stall the run.
				if err := s.Sink.Record(context.WithoutCancel(ctx), run.ID, ev); err != nil {
					log.Warn("event not persisted", "error", err)
				}
			}
		}
	}()

	res, execErr := s.Engine.Execute(ctx, run, version)
	wg.Wait()

	out.Progress = progress
	out.LogID = res.LogID
	out.Halted = res.Halted
	out.ExecutionTime = s.now().Sub(start)

	if execErr == nil {
		// A run halted before doing anything (preferences off, missing
		// token) is clean but not a success; a halt that points at an
		// existing log is.
		out.Success = !res.Halted || res.LogID != ""
		out.Status = StatusSuccess
		log.Info("run completed", "version", version, "log_id", res.LogID, "halted", res.Halted)
		return out
	}

	out.Err = execErr
	logID, fbErr := s.writeFallback(ctx, run.Input.Date, version, execErr, out.ExecutionTime)
	if fbErr != nil {
		out.Status = StatusFatalError
		log.Error("fallback log failed", "error", fbErr, "run_error", execErr)
		return out
	}
	out.LogID = logID
	out.Status = StatusErrorWithFallback
	log.Warn("run failed, fallback log written", "log_id", logID, "error", execErr)
	return out
}

// writeFallback records a minimal error log for the date so consumers see
// that generation was attempted and failed.
func (s *Supervisor) writeFallback(ctx context.Context, date string, version int, runErr error, elapsed time.Duration) (string, error) {
	now := s.now().UTC().Format(time.RFC3339)
	log := domain.ActivityLog{
		Date:    date,
		LogType: domain.LogTypeGlobal,
		Title:   fmt.Sprintf("GitHub Activity - %s (v%d - Error)", date, version),
		Summary: "Analysis workflow failed. A fallback log was generated.",
		Bullets: []string{"Workflow error occurred", "Check logs for details"},
		RawData: map[string]any{
			"error":     runErr.Error(),
			"version":   version,
			"timestamp": now,
		},
		Metadata: map[string]any{
			"version":       version,
			"status":        "error",
			"executionTime": elapsed.Milliseconds(),
		},
		Processed:     false,
		AnalysisDepth: "fallback",
	}
	return s.Store.InsertLog(context.WithoutCancel(ctx), log, nil)
}

func summarize(ev Event) ProgressEntry {
	entry := ProgressEntry{Type: string(ev.EventKind()), Timestamp: ev.OccurredAt()}
	switch e := ev.(type) {
	case StepStart:
		entry.StepID = string(e.StepID)
		entry.Instance = e.Instance
		entry.Status = string(StepRunning)
	case StepOutput:
		entry.StepID = string(e.StepID)
		entry.Instance = e.Instance
	case StepResult:
		entry.StepID = string(e.StepID)
		entry.Instance = e.Instance
		entry.Status = string(e.Status)
		entry.Message = e.Err
	case Finish:
		entry.Status = string(e.Result.Status)
	case Error:
		entry.StepID = string(e.StepID)
		entry.Message = e.Message
	}
	return entry
}
