package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"daylog/internal/domain"
)

// Input is what a caller supplies to start a run.
type Input struct {
	Date  string // YYYY-MM-DD
	Force bool
}

// Result summarizes a finished run.
type Result struct {
	RunID   string    `json:"runId"`
	Status  RunStatus `json:"status"`
	Date    string    `json:"date"`
	Version int       `json:"version"`
	LogID   string    `json:"logId,omitempty"`
	Halted  bool      `json:"halted"`
	Err     string    `json:"error,omitempty"`
}

// StepState is the engine's record of one step instance.
type StepState struct {
	ID       StepID
	Instance string
	Status   StepStatus
	Err      string
	Started  time.Time
	Ended    time.Time
}

// Run is one execution of a definition. Events carries the run's stream and
// stays open until the run reaches a terminal state.
type Run struct {
	ID     string
	Input  Input
	Events *Broadcaster

	mu     sync.Mutex
	status RunStatus
	steps  map[string]*StepState
	order  []string
}

// Status reports the run's current lifecycle state.
func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Run) setStatus(s RunStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// StepStates returns a snapshot of every step instance in creation order.
func (r *Run) StepStates() []StepState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StepState, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, *r.steps[k])
	}
	return out
}

func (r *Run) stepKey(id StepID, instance string) string {
	if instance == "" {
		return string(id)
	}
	return fmt.Sprintf("%s[%s]", id, instance)
}

func (r *Run) trackStep(id StepID, instance string, status StepStatus, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := r.stepKey(id, instance)
	st, ok := r.steps[key]
	if !ok {
		st = &StepState{ID: id, Instance: instance}
		r.steps[key] = st
		r.order = append(r.order, key)
	}
	st.Status = status
	if status == StepRunning {
		st.Started = now
	}
}

func (r *Run) finishStep(id StepID, instance string, status StepStatus, errMsg string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.steps[r.stepKey(id, instance)]
	if !ok {
		return
	}
	st.Status = status
	st.Err = errMsg
	st.Ended = now
}

// Engine executes runs of a single definition. MaxConcurrent bounds the
// fan-out stage; zero or negative means unbounded.
type Engine struct {
	Def           Definition
	MaxConcurrent int
	Log           *slog.Logger
	Now           func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// CreateRun allocates a run and its event stream without starting it, so
// callers can subscribe before the first event fires.
func (e *Engine) CreateRun(input Input) *Run {
	return &Run{
		ID:     uuid.NewString(),
		Input:  input,
		Events: NewBroadcaster(),
		status: RunPending,
		steps:  make(map[string]*StepState),
	}
}

// Execute walks the definition in order, fanning out over the branch step
// and short-circuiting when a step halts the run. The run's event stream is
// closed before Execute returns. Execute is not safe to call twice on the
// same run.
func (e *Engine) Execute(ctx context.Context, run *Run, version int) (Result, error) {
	log := e.log().With("run_id", run.ID, "workflow", e.Def.Name())
	run.setStatus(RunRunning)

	st := &State{
		Date:    run.Input.Date,
		Force:   run.Input.Force,
		Version: version,
	}

	res := Result{RunID: run.ID, Date: st.Date, Version: version}
	var runErr error

	for _, step := range e.Def.Steps() {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if step.Branch != nil {
			e.fanOut(ctx, run, step, st, log)
			continue
		}
		err := e.runStep(ctx, run, step, st, log)
		if err != nil && step.Hard {
			runErr = fmt.Errorf("step %s: %w", step.ID, err)
			break
		}
		if st.Halted {
			log.Info("run short-circuited", "reason", st.HaltReason)
			res.Halted = true
			res.LogID = st.ExistingID
			break
		}
	}

	now := e.now()
	if runErr != nil {
		run.setStatus(RunFailed)
		res.Status = RunFailed
		res.Err = runErr.Error()
		run.Events.Publish(Error{Message: runErr.Error(), At: now})
	} else {
		run.setStatus(RunSuccess)
		res.Status = RunSuccess
		if res.LogID == "" {
			res.LogID = st.LogID
		}
	}
	run.Events.Publish(Finish{Result: res, At: now})
	run.Events.Close()
	return res, runErr
}

// runStep invokes a singular step, converting panics into step failures so
// one bad step cannot take the whole process down.
func (e *Engine) runStep(ctx context.Context, run *Run, step Step, st *State, log *slog.Logger) error {
	start := e.now()
	run.trackStep(step.ID, "", StepRunning, start)
	run.Events.Publish(StepStart{StepID: step.ID, At: start})

	st.emit = func(payload map[string]any) {
		run.Events.Publish(StepOutput{StepID: step.ID, Payload: payload, At: e.now()})
	}
	err := e.invoke(ctx, step, st)
	st.emit = nil

	end := e.now()
	if err != nil {
		log.Error("step failed", "step", step.ID, "error", err)
		run.finishStep(step.ID, "", StepFailed, err.Error(), end)
		run.Events.Publish(Error{StepID: step.ID, Message: err.Error(), At: end})
		run.Events.Publish(StepResult{StepID: step.ID, Status: StepFailed, Err: err.Error(), At: end})
		return err
	}
	run.finishStep(step.ID, "", StepCompleted, "", end)
	run.Events.Publish(StepResult{StepID: step.ID, Status: StepCompleted, At: end})
	return nil
}

func (e *Engine) invoke(ctx context.Context, step Step, st *State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", step.ID, r)
		}
	}()
	return step.Run(ctx, st)
}

// fanOut runs one branch per prepared commit under a bounded pool and joins
// them at the barrier. Branch failures are recorded but never abort the run;
// collect-analyses decides whether losing everything is fatal.
func (e *Engine) fanOut(ctx context.Context, run *Run, step Step, st *State, log *slog.Logger) {
	commits := st.Prepared
	if len(commits) == 0 {
		return
	}

	var mu sync.Mutex
	results := make([]*domain.CommitAnalysis, len(commits))

	g, gctx := errgroup.WithContext(ctx)
	if e.MaxConcurrent > 0 {
		g.SetLimit(e.MaxConcurrent)
	}
	for i, c := range commits {
		i, c := i, c
		instance := shortSHA(c.SHA)
		run.trackStep(step.ID, instance, StepPending, e.now())
		g.Go(func() error {
			start := e.now()
			run.trackStep(step.ID, instance, StepRunning, start)
			run.Events.Publish(StepStart{StepID: step.ID, Instance: instance, At: start})

			a, err := e.invokeBranch(gctx, step, st, c)
			end := e.now()
			if err != nil {
				log.Error("branch failed", "step", step.ID, "sha", c.SHA, "error", err)
				run.finishStep(step.ID, instance, StepFailed, err.Error(), end)
				run.Events.Publish(StepResult{StepID: step.ID, Instance: instance, Status: StepFailed, Err: err.Error(), At: end})
				mu.Lock()
				st.BranchErrors = append(st.BranchErrors, fmt.Sprintf("%s: %v", c.SHA, err))
				mu.Unlock()
				return nil
			}
			run.Events.Publish(StepOutput{StepID: step.ID, Instance: instance, Payload: map[string]any{
				"repository": a.Repository,
				"sha":        a.SHA,
				"category":   a.Category,
			}, At: end})
			run.finishStep(step.ID, instance, StepCompleted, "", end)
			run.Events.Publish(StepResult{StepID: step.ID, Instance: instance, Status: StepCompleted, At: end})
			mu.Lock()
			results[i] = &a
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // barrier: every branch settles before fan-in

	for _, a := range results {
		if a != nil {
			st.Analyses = append(st.Analyses, *a)
		}
	}
	sort.SliceStable(st.Analyses, func(i, j int) bool {
		if st.Analyses[i].Repository != st.Analyses[j].Repository {
			return st.Analyses[i].Repository < st.Analyses[j].Repository
		}
		return st.Analyses[i].SHA < st.Analyses[j].SHA
	})
}

func (e *Engine) invokeBranch(ctx context.Context, step Step, st *State, c domain.Commit) (a domain.CommitAnalysis, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("branch panicked: %v", r)
		}
	}()
	return step.Branch(ctx, st, c)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
