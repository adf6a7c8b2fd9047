package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"daylog/internal/domain"
	"daylog/internal/events"
	"daylog/internal/repo"
	"daylog/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Store      repo.Repo
	Supervisor *workflow.Supervisor
	Events     events.Recorder
	BasePath   string
	Log        *slog.Logger
	Now        func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Config) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"activity log not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope. Internal errors never expose more
// than their message; stack traces stay in the server log.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the daylog API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Daylog API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerGenerate(group, cfg)
	registerLogs(group, cfg)
	registerRepositories(group, cfg)
	registerRuns(group, cfg)
	registerMonitor(router, basePath, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	default:
		return "internal_error"
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerGenerate(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-log",
		Method:      http.MethodPost,
		Path:        "/logs/generate",
		Summary:     "Run the daily analysis workflow",
		Description: "Triggers the daily-github-analysis workflow and blocks until it settles. A failed run still writes a fallback log; only a run that could not write anything returns 500.",
	}, func(ctx context.Context, input *struct {
		Body generateRequest
	}) (*generateOutput, error) {
		date := input.Body.Date
		if date == "" {
			date = yesterday(cfg.now())
		}
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request",
				fmt.Sprintf("invalid date %q, want YYYY-MM-DD", date), nil)
		}

		start := cfg.now().UTC().Truncate(time.Second)
		outcome := cfg.Supervisor.RunSupervised(ctx, workflow.Input{
			Date:  date,
			Force: input.Body.ForceRegenerate,
		})

		// Verify the write by reading the row back. A halted run points at a
		// log from an earlier request, which does not count as created.
		logCreated := false
		if outcome.LogID != "" {
			if log, err := cfg.Store.GetLog(ctx, outcome.LogID); err == nil {
				if created, perr := time.Parse(time.RFC3339, log.CreatedAt); perr == nil && !created.Before(start) {
					logCreated = true
				}
			} else {
				cfg.log().Error("log readback failed", "log_id", outcome.LogID, "error", err)
			}
		}

		out := &generateOutput{Status: http.StatusOK}
		out.Body = newGenerateResponse(outcome, logCreated, cfg.now())
		if outcome.Status == workflow.StatusFatalError {
			out.Status = http.StatusInternalServerError
		}
		return out, nil
	})
}

func registerLogs(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "List activity logs",
	}, func(ctx context.Context, input *struct {
		Date  string `query:"date" doc:"Filter to one YYYY-MM-DD date"`
		Limit int    `query:"limit" doc:"Maximum rows, default 50"`
	}) (*struct {
		Body struct {
			Logs []domain.ActivityLog `json:"logs"`
		}
	}, error) {
		if input.Date != "" {
			if _, err := time.Parse("2006-01-02", input.Date); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request",
					fmt.Sprintf("invalid date %q, want YYYY-MM-DD", input.Date), nil)
			}
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		logs, err := cfg.Store.ListLogs(ctx, input.Date, limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Logs []domain.ActivityLog `json:"logs"`
			}
		}{}
		out.Body.Logs = logs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-log",
		Method:      http.MethodGet,
		Path:        "/logs/{log_id}",
		Summary:     "Fetch one activity log with its details",
	}, func(ctx context.Context, input *struct {
		LogID string `path:"log_id"`
	}) (*struct {
		Body logWithDetails
	}, error) {
		log, err := cfg.Store.GetLog(ctx, input.LogID)
		if err != nil {
			return nil, handleError(err)
		}
		details, err := cfg.Store.LogDetails(ctx, log.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body logWithDetails
		}{Body: logWithDetails{ActivityLog: log, Details: details}}, nil
	})
}

func registerRepositories(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-repositories",
		Method:      http.MethodGet,
		Path:        "/repositories",
		Summary:     "List tracked repositories",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Repositories []domain.Repository `json:"repositories"`
		}
	}, error) {
		repos, err := cfg.Store.ListRepositories(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Repositories []domain.Repository `json:"repositories"`
			}
		}{}
		out.Body.Repositories = repos
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-repository",
		Method:      http.MethodPost,
		Path:        "/repositories",
		Summary:     "Track a repository",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body addRepositoryRequest
	}) (*struct {
		Body domain.Repository
	}, error) {
		rep, err := input.Body.toDomain()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		created, err := cfg.Store.InsertRepository(ctx, rep)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "unique") {
				return nil, newAPIError(http.StatusConflict, "conflict",
					fmt.Sprintf("repository %s already tracked", rep.FullName), nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Repository
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-repository",
		Method:      http.MethodPatch,
		Path:        "/repositories/{repository_id}",
		Summary:     "Update repository analysis settings",
	}, func(ctx context.Context, input *struct {
		RepositoryID string `path:"repository_id"`
		Body         updateRepositoryRequest
	}) (*struct {
		Body domain.Repository
	}, error) {
		updated, err := cfg.Store.UpdateRepository(ctx, input.RepositoryID, repo.RepositoryUpdate{
			AnalysisEnabled: input.Body.AnalysisEnabled,
			AnalysisDepth:   input.Body.AnalysisDepth,
			Description:     input.Body.Description,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Repository
		}{Body: updated}, nil
	})
}

func registerRuns(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "run-events",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/events",
		Summary:     "Persisted events of one run",
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body struct {
			RunID  string                    `json:"runId"`
			Events []domain.WorkflowEventRow `json:"events"`
		}
	}, error) {
		rows, err := cfg.Events.ListRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		if len(rows) == 0 {
			return nil, newAPIError(http.StatusNotFound, "not_found",
				fmt.Sprintf("no events recorded for run %s", input.RunID), nil)
		}
		out := &struct {
			Body struct {
				RunID  string                    `json:"runId"`
				Events []domain.WorkflowEventRow `json:"events"`
			}
		}{}
		out.Body.RunID = input.RunID
		out.Body.Events = rows
		return out, nil
	})
}

func yesterday(now time.Time) string {
	return now.UTC().AddDate(0, 0, -1).Format("2006-01-02")
}
