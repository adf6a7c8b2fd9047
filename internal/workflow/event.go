package workflow

import "time"

// Kind discriminates the event union.
type Kind string

const (
	KindStepStart  Kind = "step-start"
	KindStepOutput Kind = "step-output"
	KindStepResult Kind = "step-result"
	KindFinish     Kind = "finish"
	KindError      Kind = "error"
)

// StepStatus is the lifecycle of a single step instance.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// RunStatus is the lifecycle of a whole run.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Event is the closed union of everything the engine emits. Consumers switch
// on the concrete type; the unexported method keeps the union closed.
type Event interface {
	EventKind() Kind
	OccurredAt() time.Time
	sealed()
}

// StepStart is emitted immediately before a step instance is invoked.
type StepStart struct {
	StepID   StepID
	Instance string // fan-out branch key, empty for singular steps
	At       time.Time
}

// StepOutput carries an intermediate payload a running step chose to surface.
type StepOutput struct {
	StepID   StepID
	Instance string
	Payload  map[string]any
	At       time.Time
}

// StepResult is emitted when a step instance reaches a terminal state.
type StepResult struct {
	StepID   StepID
	Instance string
	Status   StepStatus
	Err      string // set when Status is StepFailed
	At       time.Time
}

// Finish is the terminal event of every run, success or not.
type Finish struct {
	Result Result
	At     time.Time
}

// Error records a failure; StepID is empty for run-level failures.
type Error struct {
	StepID  StepID
	Message string
	At      time.Time
}

func (e StepStart) EventKind() Kind  { return KindStepStart }
func (e StepOutput) EventKind() Kind { return KindStepOutput }
func (e StepResult) EventKind() Kind { return KindStepResult }
func (e Finish) EventKind() Kind     { return KindFinish }
func (e Error) EventKind() Kind      { return KindError }

func (e StepStart) OccurredAt() time.Time  { return e.At }
func (e StepOutput) OccurredAt() time.Time { return e.At }
func (e StepResult) OccurredAt() time.Time { return e.At }
func (e Finish) OccurredAt() time.Time     { return e.At }
func (e Error) OccurredAt() time.Time      { return e.At }

func (StepStart) sealed()  {}
func (StepOutput) sealed() {}
func (StepResult) sealed() {}
func (Finish) sealed()     {}
func (Error) sealed()      {}
