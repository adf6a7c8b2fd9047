package analysis_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"daylog/internal/analysis"
	"daylog/internal/config"
	"daylog/internal/db"
	"daylog/internal/domain"
	"daylog/internal/migrate"
	"daylog/internal/repo"
	"daylog/internal/workflow"
)

type fakeSource struct {
	commits map[string][]domain.Commit // keyed by full name
	err     error
	errFor  string
}

func (f fakeSource) CommitsForDate(ctx context.Context, rep domain.Repository, date string) ([]domain.Commit, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.errFor == rep.FullName {
		return nil, errors.New("api rate limited")
	}
	return f.commits[rep.FullName], nil
}

type fakeAnalyzer struct {
	failSHA       string
	failAll       bool
	synthesizeErr error
	rulesSeen     map[string]int
}

func (f *fakeAnalyzer) AnalyzeCommit(ctx context.Context, c domain.Commit, rules []domain.AnalysisRule) (domain.CommitAnalysis, error) {
	if f.rulesSeen != nil {
		f.rulesSeen[c.SHA] = len(rules)
	}
	if f.failAll || c.SHA == f.failSHA {
		return domain.CommitAnalysis{}, errors.New("model error")
	}
	return domain.CommitAnalysis{
		Repository: c.Repository,
		SHA:        c.SHA,
		Summary:    "summary of " + c.SHA,
		Category:   "feature",
	}, nil
}

func (f *fakeAnalyzer) Synthesize(ctx context.Context, date string, analyses []domain.CommitAnalysis, counts domain.ActivityCounts) (domain.GlobalAnalysis, error) {
	if f.synthesizeErr != nil {
		return domain.GlobalAnalysis{}, f.synthesizeErr
	}
	return domain.GlobalAnalysis{
		Narrative:  fmt.Sprintf("%d commits analyzed", len(analyses)),
		Highlights: []string{"shipped things"},
		Themes:     []string{"delivery"},
	}, nil
}

type testEnv struct {
	Store    repo.Repo
	Cfg      *config.Config
	Source   *fakeSource
	Analyzer *fakeAnalyzer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.GitHub.Token = "test-token"
	return &testEnv{
		Store:    repo.Repo{DB: conn},
		Cfg:      cfg,
		Source:   &fakeSource{commits: map[string][]domain.Commit{}},
		Analyzer: &fakeAnalyzer{},
	}
}

func (e *testEnv) supervisor() *workflow.Supervisor {
	def := analysis.NewDefinition(analysis.Deps{
		Store:    e.Store,
		Source:   e.Source,
		Analyzer: e.Analyzer,
		Cfg:      e.Cfg,
	})
	return &workflow.Supervisor{
		Engine: &workflow.Engine{Def: def, MaxConcurrent: e.Cfg.Analysis.MaxConcurrent},
		Store:  e.Store,
	}
}

func (e *testEnv) trackRepo(t *testing.T, fullName, language string) domain.Repository {
	t.Helper()
	owner, name := splitFull(fullName)
	rep, err := e.Store.InsertRepository(context.Background(), domain.Repository{
		Owner: owner, Name: name, Language: language, AnalysisEnabled: true,
	})
	if err != nil {
		t.Fatalf("track %s: %v", fullName, err)
	}
	return rep
}

func splitFull(s string) (string, string) {
	for i := range s {
		if s[i] == '/' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

func commit(fullName, sha string) domain.Commit {
	owner, name := splitFull(fullName)
	return domain.Commit{
		Repository: fullName, Owner: owner, Name: name,
		SHA: sha, Message: "change " + sha,
		URL:        "https://example.test/" + fullName + "/commit/" + sha,
		AuthorDate: "2026-08-27T12:00:00Z",
	}
}

func TestPipelineProducesVersionedLog(t *testing.T) {
	env := newTestEnv(t)
	env.trackRepo(t, "acme/widgets", "Go")
	env.trackRepo(t, "acme/site", "TypeScript")
	env.Source.commits["acme/widgets"] = []domain.Commit{commit("acme/widgets", "aaa111"), commit("acme/widgets", "bbb222")}
	env.Source.commits["acme/site"] = []domain.Commit{commit("acme/site", "ccc333")}

	out := env.supervisor().RunSupervised(context.Background(), workflow.Input{Date: "2026-08-27"})
	if !out.Success || out.Status != workflow.StatusSuccess {
		t.Fatalf("run failed: %+v", out)
	}
	if out.Version != 1 || out.LogID == "" {
		t.Fatalf("expected v1 with a log id: %+v", out)
	}

	log, err := env.Store.GetLog(context.Background(), out.LogID)
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if log.Date != "2026-08-27" || log.LogType != domain.LogTypeGlobal {
		t.Fatalf("bad log row: %+v", log)
	}
	if !log.Processed {
		t.Fatal("successful log must be processed")
	}
	if log.Title != "GitHub Activity - 2026-08-27 (v1)" {
		t.Fatalf("default title missing version: %q", log.Title)
	}
	if log.Summary != "3 commits analyzed" {
		t.Fatalf("bad summary: %q", log.Summary)
	}
	if log.Metadata["status"] != "success" {
		t.Fatalf("bad metadata: %v", log.Metadata)
	}

	details, err := env.Store.LogDetails(context.Background(), log.ID)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if len(details) != 3 {
		t.Fatalf("expected one detail per commit, got %d", len(details))
	}
}

func TestPipelineHaltsWhenLogExists(t *testing.T) {
	env := newTestEnv(t)
	env.trackRepo(t, "acme/widgets", "Go")
	env.Source.commits["acme/widgets"] = []domain.Commit{commit("acme/widgets", "aaa111")}

	first := env.supervisor().RunSupervised(context.Background(), workflow.Input{Date: "2026-08-27"})
	if !first.Success {
		t.Fatalf("seed run failed: %+v", first)
	}

	second := env.supervisor().RunSupervised(context.Background(), workflow.Input{Date: "2026-08-27"})
	if !second.Success || !second.Halted {
		t.Fatalf("expected halted run, got %+v", second)
	}
	if second.LogID != first.LogID {
		t.Fatalf("halted run must point at the existing log: %q vs %q", second.LogID, first.LogID)
	}

	forced := env.supervisor().RunSupervised(context.Background(), workflow.Input{Date: "2026-08-27", Force: true})
	if !forced.Success || forced.Halted {
		t.Fatalf("forced run must not halt: %+v", forced)
	}
	// The halted run stored nothing, so the forced run is the second take.
	if forced.Version != 2 {
		t.Fatalf("unexpected version %d", forced.Version)
	}
	if forced.LogID == first.LogID {
		t.Fatal("forced run must append a new take")
	}
}

func TestPipelineHaltsWhenDisabledByPreferences(t *testing.T) {
	env := newTestEnv(t)
	env.trackRepo(t, "acme/widgets", "Go")
	if _, err := env.Store.UpsertPreferences(context.Background(), domain.UserPreferences{
		UserID: analysis.DefaultUser, GlobalLogsEnabled: false,
	}); err != nil {
		t.Fatal(err)
	}

	out := env.supervisor().RunSupervised(context.Background(), workflow.Input{Date: "2026-08-27"})
	if !out.Halted || out.Status != workflow.StatusSuccess {
		t.Fatalf("expected clean halted run, got %+v", out)
	}
	if out.Success {
		t.Fatal("a run that produced nothing must not report success")
	}
	if out.LogID != "" {
		t.Fatalf("disabled run must not produce a log, got %q", out.LogID)
	}
}

func TestPipelineHaltsWithoutToken(t *testing.T) {
	env := newTestEnv(t)
	env.Cfg.GitHub.Token = ""
	env.trackRepo(t, "acme/widgets", "Go")

	out := env.supervisor().RunSupervised(context.Background(), workflow.Input{Date: "2026-08-27"})
	if out.Success || !out.Halted || out.LogID != "" {
		t.Fatalf("missing token must halt cleanly: %+v", out)
	}
}

func TestPipelineSurvivesOneRepositoryFailing(t *testing.T) {
	env := newTestEnv(t)
	env.trackRepo(t, "acme/widgets", "Go")
	env.trackRepo(t, "acme/flaky", "Rust")
	env.Source.commits["acme/widgets"] = []domain.Commit{commit("acme/widgets", "aaa111")}
	env.Source.errFor = "acme/flaky"

	out := env.supervisor().RunSupervised(context.Background(), workflow.Input{Date: "2026-08-27"})
	if !out.Success {
		t.Fatalf("one bad repository must not fail the run: %+v", out)
	}

	details, err := env.Store.LogDetails(context.Background(), out.LogID)
	if err != nil {
		t.Fatal(err)
	}
	if len(details) != 1 {
		t.Fatalf("expected the healthy repository's commit, got %d details", len(details))
	}
}

func TestPipelineFallsBackWhenAllBranchesFail(t *testing.T) {
	env := newTestEnv(t)
	env.trackRepo(t, "acme/widgets", "Go")
	env.Source.commits["acme/widgets"] = []domain.Commit{commit("acme/widgets", "aaa111"), commit("acme/widgets", "bbb222")}
	env.Analyzer.failAll = true

	out := env.supervisor().RunSupervised(context.Background(), workflow.Input{Date: "2026-08-27"})
	if out.Success || out.Status != workflow.StatusErrorWithFallback {
		t.Fatalf("expected error_with_fallback, got %+v", out)
	}

	log, err := env.Store.GetLog(context.Background(), out.LogID)
	if err != nil {
		t.Fatalf("fallback log missing: %v", err)
	}
	if log.Processed {
		t.Fatal("fallback log must not be processed")
	}
	if log.Metadata["status"] != "error" {
		t.Fatalf("bad fallback metadata: %v", log.Metadata)
	}
}

func TestPipelineQuietDayStillWritesLog(t *testing.T) {
	env := newTestEnv(t)
	env.trackRepo(t, "acme/widgets", "Go")
	// No commits at all.

	out := env.supervisor().RunSupervised(context.Background(), workflow.Input{Date: "2026-08-27"})
	if !out.Success || out.Halted {
		t.Fatalf("quiet day must still produce a log: %+v", out)
	}

	log, err := env.Store.GetLog(context.Background(), out.LogID)
	if err != nil {
		t.Fatal(err)
	}
	if log.Summary != "0 commits analyzed" {
		t.Fatalf("bad quiet-day summary: %q", log.Summary)
	}
}

func TestPipelineAppliesRepositoryRules(t *testing.T) {
	env := newTestEnv(t)
	rep := env.trackRepo(t, "acme/widgets", "Go")
	env.Source.commits["acme/widgets"] = []domain.Commit{commit("acme/widgets", "aaa111")}
	env.Analyzer.rulesSeen = map[string]int{}

	if _, err := env.Store.InsertRule(context.Background(), domain.AnalysisRule{
		RepositoryID: rep.ID, Name: "focus-api", Enabled: true, Priority: 5,
		RuleType: "focus", RuleContent: "pay attention to API changes",
	}); err != nil {
		t.Fatal(err)
	}

	out := env.supervisor().RunSupervised(context.Background(), workflow.Input{Date: "2026-08-27"})
	if !out.Success {
		t.Fatalf("run failed: %+v", out)
	}
	if env.Analyzer.rulesSeen["aaa111"] != 1 {
		t.Fatalf("rules not passed to analyzer: %v", env.Analyzer.rulesSeen)
	}
}

func TestPipelineCapsCommitBatch(t *testing.T) {
	env := newTestEnv(t)
	env.Cfg.Analysis.MaxCommits = 2
	env.trackRepo(t, "acme/widgets", "Go")
	env.Source.commits["acme/widgets"] = []domain.Commit{
		commit("acme/widgets", "aaa111"),
		commit("acme/widgets", "bbb222"),
		commit("acme/widgets", "ccc333"),
	}

	out := env.supervisor().RunSupervised(context.Background(), workflow.Input{Date: "2026-08-27"})
	if !out.Success {
		t.Fatalf("run failed: %+v", out)
	}
	details, err := env.Store.LogDetails(context.Background(), out.LogID)
	if err != nil {
		t.Fatal(err)
	}
	if len(details) != 2 {
		t.Fatalf("batch cap ignored: %d details", len(details))
	}
}
