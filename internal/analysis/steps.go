// Package analysis wires the daily-github-analysis workflow: the concrete
// steps, their ordering, and the collaborators they run against.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"daylog/internal/config"
	"daylog/internal/domain"
	"daylog/internal/repo"
	"daylog/internal/workflow"
)

// WorkflowName identifies the one workflow this service runs.
const WorkflowName = "daily-github-analysis"

// DefaultUser owns the preferences consulted by the gating step.
const DefaultUser = "default"

// CommitSource lists the commits a repository received on a given date.
type CommitSource interface {
	CommitsForDate(ctx context.Context, rep domain.Repository, date string) ([]domain.Commit, error)
}

// Analyzer turns raw commits into analyses and synthesizes the day's log.
type Analyzer interface {
	AnalyzeCommit(ctx context.Context, c domain.Commit, rules []domain.AnalysisRule) (domain.CommitAnalysis, error)
	Synthesize(ctx context.Context, date string, analyses []domain.CommitAnalysis, counts domain.ActivityCounts) (domain.GlobalAnalysis, error)
}

// Deps are the collaborators the steps close over.
type Deps struct {
	Store    repo.Repo
	Source   CommitSource
	Analyzer Analyzer
	Cfg      *config.Config
	Log      *slog.Logger
}

func (d Deps) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// NewDefinition builds the fixed seven-step graph. The returned definition
// is immutable; build a fresh one to change collaborators.
func NewDefinition(d Deps) workflow.Definition {
	return workflow.NewDefinition(WorkflowName, []workflow.Step{
		{ID: workflow.StepCheckExistingLog, Run: d.checkExistingLog},
		{ID: workflow.StepFetchCommits, DependsOn: []workflow.StepID{workflow.StepCheckExistingLog}, Run: d.fetchCommits},
		{ID: workflow.StepPrepareCommits, DependsOn: []workflow.StepID{workflow.StepFetchCommits}, Run: d.prepareCommits},
		{ID: workflow.StepAnalyzeCommit, DependsOn: []workflow.StepID{workflow.StepPrepareCommits}, Branch: d.analyzeCommit},
		{ID: workflow.StepCollectAnalyses, DependsOn: []workflow.StepID{workflow.StepAnalyzeCommit}, Run: d.collectAnalyses, Hard: true},
		{ID: workflow.StepGenerateGlobal, DependsOn: []workflow.StepID{workflow.StepCollectAnalyses}, Run: d.generateGlobal, Hard: true},
		{ID: workflow.StepStoreAnalysis, DependsOn: []workflow.StepID{workflow.StepGenerateGlobal}, Run: d.storeAnalysis, Hard: true},
	})
}

// checkExistingLog gates the run: an existing global log for the date halts
// it unless the caller forced regeneration, and disabled preferences halt it
// outright.
func (d Deps) checkExistingLog(ctx context.Context, st *workflow.State) error {
	st.AnalysisDepth = d.Cfg.Analysis.Depth

	if d.Cfg.GitHub.Token == "" {
		st.Halted = true
		st.HaltReason = "github token not configured"
		st.Output(map[string]any{"halted": true, "reason": st.HaltReason})
		return nil
	}

	prefs, err := d.Store.GetPreferences(ctx, DefaultUser)
	switch {
	case err == nil:
		if !prefs.GlobalLogsEnabled {
			st.Halted = true
			st.HaltReason = "global logs disabled in preferences"
			st.Output(map[string]any{"halted": true, "reason": st.HaltReason})
			return nil
		}
		if prefs.DefaultAnalysisDepth != "" {
			st.AnalysisDepth = prefs.DefaultAnalysisDepth
		}
	case errors.Is(err, repo.ErrNotFound):
		// No stored preferences yet: run with configured defaults.
	default:
		return fmt.Errorf("load preferences: %w", err)
	}

	if st.Force {
		st.Output(map[string]any{"force": true})
		return nil
	}

	existing, err := d.Store.LatestLog(ctx, st.Date, domain.LogTypeGlobal)
	if err == nil {
		st.Halted = true
		st.HaltReason = "log already exists for date"
		st.ExistingID = existing.ID
		st.Output(map[string]any{"halted": true, "existingLogId": existing.ID})
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("check existing log: %w", err)
	}
	return nil
}

// fetchCommits walks every enabled repository. A single repository failing
// to fetch loses that repository's commits, not the run.
func (d Deps) fetchCommits(ctx context.Context, st *workflow.State) error {
	repos, err := d.Store.EnabledRepositories(ctx)
	if err != nil {
		return fmt.Errorf("list repositories: %w", err)
	}
	st.Repositories = repos
	st.RepoIDs = make(map[string]string, len(repos))

	languages := make(map[string]bool)
	activeRepos := 0
	for _, rep := range repos {
		st.RepoIDs[rep.FullName] = rep.ID
		commits, err := d.Source.CommitsForDate(ctx, rep, st.Date)
		if err != nil {
			d.log().Warn("commit fetch failed", "repository", rep.FullName, "error", err)
			continue
		}
		if len(commits) == 0 {
			continue
		}
		activeRepos++
		if rep.Language != "" {
			languages[rep.Language] = true
		}
		st.Commits = append(st.Commits, commits...)
	}

	st.Counts.TotalCommits = len(st.Commits)
	st.Counts.TotalRepos = activeRepos
	for lang := range languages {
		st.Counts.Languages = append(st.Counts.Languages, lang)
	}
	sort.Strings(st.Counts.Languages)

	st.Output(map[string]any{
		"repositories": len(repos),
		"activeRepos":  activeRepos,
		"commits":      len(st.Commits),
	})
	return nil
}

// prepareCommits dedupes and orders the fetched commits and caps the batch
// so one busy day cannot fan out without bound.
func (d Deps) prepareCommits(ctx context.Context, st *workflow.State) error {
	seen := make(map[string]bool, len(st.Commits))
	prepared := make([]domain.Commit, 0, len(st.Commits))
	for _, c := range st.Commits {
		key := c.Repository + "@" + c.SHA
		if seen[key] {
			continue
		}
		seen[key] = true
		prepared = append(prepared, c)
	}
	sort.SliceStable(prepared, func(i, j int) bool {
		if prepared[i].Repository != prepared[j].Repository {
			return prepared[i].Repository < prepared[j].Repository
		}
		return prepared[i].AuthorDate < prepared[j].AuthorDate
	})

	truncated := false
	if max := d.Cfg.Analysis.MaxCommits; max > 0 && len(prepared) > max {
		prepared = prepared[:max]
		truncated = true
	}
	st.Prepared = prepared

	st.Output(map[string]any{"prepared": len(prepared), "truncated": truncated})
	return nil
}

// analyzeCommit is the fan-out branch: one commit in, one analysis out.
func (d Deps) analyzeCommit(ctx context.Context, st *workflow.State, c domain.Commit) (domain.CommitAnalysis, error) {
	var rules []domain.AnalysisRule
	if id, ok := st.RepoIDs[c.Repository]; ok {
		var err error
		rules, err = d.Store.RulesForRepository(ctx, id)
		if err != nil {
			d.log().Warn("rules unavailable", "repository", c.Repository, "error", err)
		}
	}
	a, err := d.Analyzer.AnalyzeCommit(ctx, c, rules)
	if err != nil {
		return domain.CommitAnalysis{}, err
	}
	if a.Repository == "" {
		a.Repository = c.Repository
	}
	if a.SHA == "" {
		a.SHA = c.SHA
	}
	if a.URL == "" {
		a.URL = c.URL
	}
	return a, nil
}

// collectAnalyses is the fan-in barrier check. Partial branch failure is
// fine; losing every branch means the day cannot be summarized.
func (d Deps) collectAnalyses(ctx context.Context, st *workflow.State) error {
	if len(st.Prepared) > 0 && len(st.Analyses) == 0 {
		return fmt.Errorf("all %d commit analyses failed", len(st.Prepared))
	}
	st.Output(map[string]any{
		"analyzed": len(st.Analyses),
		"failed":   len(st.BranchErrors),
	})
	return nil
}

func (d Deps) generateGlobal(ctx context.Context, st *workflow.State) error {
	global, err := d.Analyzer.Synthesize(ctx, st.Date, st.Analyses, st.Counts)
	if err != nil {
		return fmt.Errorf("synthesize global analysis: %w", err)
	}
	if global.Title == "" {
		global.Title = fmt.Sprintf("GitHub Activity - %s (v%d)", st.Date, st.Version)
	}
	if countsEmpty(global.Metrics) {
		global.Metrics = st.Counts
	}
	st.Global = global
	st.Output(map[string]any{"title": global.Title, "highlights": len(global.Highlights)})
	return nil
}

// storeAnalysis appends the versioned log row plus one detail per analysis.
func (d Deps) storeAnalysis(ctx context.Context, st *workflow.State) error {
	log := domain.ActivityLog{
		Date:    st.Date,
		LogType: domain.LogTypeGlobal,
		Title:   st.Global.Title,
		Summary: st.Global.Narrative,
		Bullets: st.Global.Highlights,
		RawData: map[string]any{
			"analyses":     st.Analyses,
			"branchErrors": st.BranchErrors,
		},
		Metadata: map[string]any{
			"version": st.Version,
			"status":  "success",
			"metrics": st.Global.Metrics,
			"themes":  st.Global.Themes,
		},
		Processed:     true,
		AnalysisDepth: st.AnalysisDepth,
	}

	details := make([]domain.ActivityDetail, 0, len(st.Analyses))
	for _, a := range st.Analyses {
		details = append(details, domain.ActivityDetail{
			Type:        domain.DetailTypeCommit,
			Title:       fmt.Sprintf("%s@%s", a.Repository, shortSHA(a.SHA)),
			Description: a.Summary,
			URL:         a.URL,
			Metadata: map[string]any{
				"repository": a.Repository,
				"sha":        a.SHA,
				"category":   a.Category,
				"impact":     a.Impact,
			},
		})
	}

	id, err := d.Store.InsertLog(ctx, log, details)
	if err != nil {
		return fmt.Errorf("store activity log: %w", err)
	}
	st.LogID = id
	st.Output(map[string]any{"logId": id, "version": st.Version})
	return nil
}

func countsEmpty(c domain.ActivityCounts) bool {
	return c.TotalCommits == 0 && c.TotalPullRequests == 0 && c.TotalIssues == 0 &&
		c.TotalRepos == 0 && len(c.Languages) == 0
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
