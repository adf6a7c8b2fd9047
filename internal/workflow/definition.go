package workflow

import (
	"context"

	"daylog/internal/domain"
)

// StepID names a step in a workflow definition.
type StepID string

const (
	StepCheckExistingLog StepID = "check-existing-log"
	StepFetchCommits     StepID = "fetch-commits"
	StepPrepareCommits   StepID = "prepare-commits"
	StepAnalyzeCommit    StepID = "analyze-single-commit"
	StepCollectAnalyses  StepID = "collect-analyses"
	StepGenerateGlobal   StepID = "generate-global-analysis"
	StepStoreAnalysis    StepID = "store-analysis"
)

// StepFunc runs one singular step against the shared run state.
type StepFunc func(ctx context.Context, st *State) error

// BranchFunc runs one fan-out branch for a single commit. Branches never
// touch the shared state; the engine collects their results at the barrier.
type BranchFunc func(ctx context.Context, st *State, c domain.Commit) (domain.CommitAnalysis, error)

// Step is one node of the graph. Exactly one of Run and Branch is set;
// Branch marks the fan-out stage. Hard steps abort the run on failure,
// soft steps record the failure and let downstream steps proceed.
type Step struct {
	ID        StepID
	DependsOn []StepID
	Run       StepFunc
	Branch    BranchFunc
	Hard      bool
}

// Definition is an immutable description of a workflow. Build one with
// NewDefinition and share it freely; the engine never mutates it.
type Definition struct {
	name  string
	steps []Step
}

func NewDefinition(name string, steps []Step) Definition {
	cp := make([]Step, len(steps))
	copy(cp, steps)
	return Definition{name: name, steps: cp}
}

func (d Definition) Name() string { return d.name }

// Steps returns the steps in execution order.
func (d Definition) Steps() []Step {
	cp := make([]Step, len(d.steps))
	copy(cp, d.steps)
	return cp
}

// Len reports the number of steps in the graph.
func (d Definition) Len() int { return len(d.steps) }

// State is the data a run accumulates as steps execute. Singular steps own
// it exclusively; fan-out branches only read the fields set by upstream
// steps.
type State struct {
	Date    string
	Force   bool
	Version int

	// Halted is set by check-existing-log to short-circuit the run.
	Halted     bool
	HaltReason string
	ExistingID string

	AnalysisDepth string

	Repositories []domain.Repository
	RepoIDs      map[string]string // "owner/name" -> repository id
	Commits      []domain.Commit
	Prepared     []domain.Commit
	Analyses     []domain.CommitAnalysis
	BranchErrors []string
	Counts       domain.ActivityCounts
	Global       domain.GlobalAnalysis
	LogID        string

	emit func(payload map[string]any)
}

// Output publishes a step-output event for the step currently running.
func (st *State) Output(payload map[string]any) {
	if st.emit != nil {
		st.emit(payload)
	}
}
