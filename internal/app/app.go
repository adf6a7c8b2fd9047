// Package app assembles the pieces of a running daylog instance: database,
// configuration, and the supervised workflow.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"daylog/internal/analysis"
	"daylog/internal/config"
	"daylog/internal/db"
	"daylog/internal/domain"
	"daylog/internal/events"
	"daylog/internal/github"
	"daylog/internal/llm"
	"daylog/internal/migrate"
	"daylog/internal/repo"
	"daylog/internal/workflow"
)

type App struct {
	DB    *sql.DB
	Store repo.Repo
	Cfg   *config.Config
	Log   *slog.Logger
}

// Bootstrap opens the workspace database, applies migrations, loads config,
// and seeds default preferences when the store is empty.
func Bootstrap(ctx context.Context, workspace string, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(workspace)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{DB: conn, Store: repo.Repo{DB: conn}, Cfg: cfg, Log: log}
	if err := a.seedPreferences(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) Close() error { return a.DB.Close() }

func (a *App) seedPreferences(ctx context.Context) error {
	_, err := a.Store.GetPreferences(ctx, analysis.DefaultUser)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("load preferences: %w", err)
	}
	_, err = a.Store.UpsertPreferences(ctx, domain.UserPreferences{
		UserID:               analysis.DefaultUser,
		GlobalLogsEnabled:    true,
		DefaultAnalysisDepth: a.Cfg.Analysis.Depth,
	})
	if err != nil {
		return fmt.Errorf("seed preferences: %w", err)
	}
	return nil
}

// Supervisor wires the production workflow: GitHub as the commit source, the
// configured model endpoint as the analyzer, and event persistence on.
func (a *App) Supervisor() *workflow.Supervisor {
	source := github.New(a.Cfg.GitHub.BaseURL, a.Cfg.GitHub.Token)
	source.Log = a.Log

	analyzer := llm.New(a.Cfg.Analyzer.BaseURL, a.Cfg.Analyzer.APIKey, a.Cfg.Analyzer.Model)
	analyzer.Log = a.Log
	if a.Cfg.Analyzer.Temperature > 0 {
		analyzer.Temperature = a.Cfg.Analyzer.Temperature
	}
	if a.Cfg.Analyzer.MaxRetries > 0 {
		analyzer.MaxRetries = a.Cfg.Analyzer.MaxRetries
	}

	return a.NewSupervisor(source, analyzer)
}

// NewSupervisor builds a supervisor around explicit collaborators. Tests use
// it to substitute fakes for the network clients.
func (a *App) NewSupervisor(source analysis.CommitSource, analyzer analysis.Analyzer) *workflow.Supervisor {
	def := analysis.NewDefinition(analysis.Deps{
		Store:    a.Store,
		Source:   source,
		Analyzer: analyzer,
		Cfg:      a.Cfg,
		Log:      a.Log,
	})
	return &workflow.Supervisor{
		Engine: &workflow.Engine{
			Def:           def,
			MaxConcurrent: a.Cfg.Analysis.MaxConcurrent,
			Log:           a.Log,
		},
		Store: a.Store,
		Sink:  events.Recorder{DB: a.DB},
		Log:   a.Log,
	}
}

// Events returns the run-event store backed by this app's database.
func (a *App) Events() events.Recorder {
	return events.Recorder{DB: a.DB}
}

// Yesterday is the default target date for generation runs.
func Yesterday(now func() time.Time) string {
	if now == nil {
		now = time.Now
	}
	return now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
}
