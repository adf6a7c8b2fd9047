package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"daylog/internal/domain"
	"daylog/internal/workflow"
)

type generateRequest struct {
	Date            string `json:"date,omitempty" doc:"Target date YYYY-MM-DD, defaults to yesterday (UTC)"`
	ForceRegenerate bool   `json:"forceRegenerate,omitempty" doc:"Run even when a log already exists for the date"`
}

type progressSummary struct {
	TotalSteps int                      `json:"totalSteps"`
	Steps      []workflow.ProgressEntry `json:"steps"`
}

type generateResponse struct {
	Success         bool            `json:"success"`
	RunID           string          `json:"runId"`
	Status          string          `json:"status" enum:"success,error_with_fallback,fatal_error"`
	Date            string          `json:"date"`
	Version         int             `json:"version"`
	LogCreated      bool            `json:"logCreated"`
	LogID           string          `json:"logId,omitempty"`
	Halted          bool            `json:"halted,omitempty"`
	ExecutionTime   int64           `json:"executionTime" doc:"Wall time in milliseconds"`
	Result          string          `json:"result"`
	Error           string          `json:"error,omitempty"`
	ProgressSummary progressSummary `json:"progressSummary"`
	Timestamp       string          `json:"timestamp" format:"date-time"`
}

type generateOutput struct {
	Status int
	Body   generateResponse
}

// progressTail is how many trailing events the trigger response includes.
const progressTail = 5

func newGenerateResponse(outcome workflow.Outcome, logCreated bool, now time.Time) generateResponse {
	resp := generateResponse{
		Success:       outcome.Success,
		RunID:         outcome.RunID,
		Status:        outcome.Status,
		Date:          outcome.Date,
		Version:       outcome.Version,
		LogCreated:    logCreated,
		LogID:         outcome.LogID,
		Halted:        outcome.Halted,
		ExecutionTime: outcome.ExecutionTime.Milliseconds(),
		Timestamp:     now.UTC().Format(time.RFC3339),
	}

	steps := outcome.Progress
	resp.ProgressSummary.TotalSteps = len(steps)
	if len(steps) > progressTail {
		steps = steps[len(steps)-progressTail:]
	}
	resp.ProgressSummary.Steps = steps

	switch outcome.Status {
	case workflow.StatusSuccess:
		if outcome.Halted {
			resp.Result = fmt.Sprintf("log already exists for %s", outcome.Date)
		} else {
			resp.Result = fmt.Sprintf("activity log v%d generated for %s", outcome.Version, outcome.Date)
		}
	case workflow.StatusErrorWithFallback:
		resp.Result = fmt.Sprintf("workflow failed, fallback log v%d written for %s", outcome.Version, outcome.Date)
	default:
		resp.Result = "workflow failed and no log could be written"
	}
	if outcome.Err != nil {
		resp.Error = outcome.Err.Error()
	}
	return resp
}

type logWithDetails struct {
	domain.ActivityLog
	Details []domain.ActivityDetail `json:"details"`
}

type addRepositoryRequest struct {
	FullName      string `json:"full_name,omitempty" doc:"owner/name shorthand, alternative to owner+name"`
	Owner         string `json:"owner,omitempty"`
	Name          string `json:"name,omitempty"`
	Description   string `json:"description,omitempty"`
	Language      string `json:"language,omitempty"`
	DefaultBranch string `json:"default_branch,omitempty"`
	IsPrivate     bool   `json:"is_private,omitempty"`
	AnalysisDepth string `json:"analysis_depth,omitempty" enum:"basic,standard,deep"`
}

func (r addRepositoryRequest) toDomain() (domain.Repository, error) {
	owner, name := r.Owner, r.Name
	if r.FullName != "" {
		parts := strings.SplitN(r.FullName, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return domain.Repository{}, fmt.Errorf("invalid full_name %q, want owner/name", r.FullName)
		}
		owner, name = parts[0], parts[1]
	}
	if owner == "" || name == "" {
		return domain.Repository{}, fmt.Errorf("owner and name are required")
	}
	branch := r.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	depth := r.AnalysisDepth
	if depth == "" {
		depth = "standard"
	}
	return domain.Repository{
		ID:              uuid.NewString(),
		Owner:           owner,
		Name:            name,
		FullName:        owner + "/" + name,
		Description:     r.Description,
		Language:        r.Language,
		DefaultBranch:   branch,
		IsPrivate:       r.IsPrivate,
		AnalysisEnabled: true,
		AnalysisDepth:   depth,
	}, nil
}

type updateRepositoryRequest struct {
	AnalysisEnabled *bool   `json:"analysis_enabled,omitempty"`
	AnalysisDepth   *string `json:"analysis_depth,omitempty" enum:"basic,standard,deep"`
	Description     *string `json:"description,omitempty"`
}
