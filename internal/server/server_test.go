package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"daylog/internal/analysis"
	"daylog/internal/config"
	"daylog/internal/db"
	"daylog/internal/domain"
	"daylog/internal/events"
	"daylog/internal/migrate"
	"daylog/internal/repo"
	"daylog/internal/workflow"
)

type fakeSource struct {
	commits map[string][]domain.Commit
}

func (f fakeSource) CommitsForDate(ctx context.Context, rep domain.Repository, date string) ([]domain.Commit, error) {
	return f.commits[rep.FullName], nil
}

type fakeAnalyzer struct {
	failAll bool
}

func (f fakeAnalyzer) AnalyzeCommit(ctx context.Context, c domain.Commit, rules []domain.AnalysisRule) (domain.CommitAnalysis, error) {
	if f.failAll {
		return domain.CommitAnalysis{}, errors.New("model error")
	}
	return domain.CommitAnalysis{Repository: c.Repository, SHA: c.SHA, Summary: "did " + c.SHA}, nil
}

func (f fakeAnalyzer) Synthesize(ctx context.Context, date string, analyses []domain.CommitAnalysis, counts domain.ActivityCounts) (domain.GlobalAnalysis, error) {
	return domain.GlobalAnalysis{Narrative: "a day of work", Highlights: []string{"stuff happened"}}, nil
}

type testServer struct {
	URL    string
	Store  repo.Repo
	Source *fakeSource
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T, analyzer analysis.Analyzer) *testServer {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := repo.Repo{DB: conn}
	source := &fakeSource{commits: map[string][]domain.Commit{}}
	cfg := config.Default()
	cfg.GitHub.Token = "test-token"

	def := analysis.NewDefinition(analysis.Deps{
		Store: store, Source: source, Analyzer: analyzer, Cfg: cfg,
	})
	sup := &workflow.Supervisor{
		Engine: &workflow.Engine{Def: def, MaxConcurrent: cfg.Analysis.MaxConcurrent},
		Store:  store,
		Sink:   events.Recorder{DB: conn},
	}

	handler, err := New(Config{
		Store:      store,
		Supervisor: sup,
		Events:     events.Recorder{DB: conn},
		BasePath:   "/v0",
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)

	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Store:  store,
		Source: source,
		close: func() {
			srv.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s %s (%d): %v\n%s", method, url, resp.StatusCode, err, data)
		}
	}
	return resp.StatusCode
}

func trackRepo(t *testing.T, ts *testServer, fullName string) domain.Repository {
	t.Helper()
	var rep domain.Repository
	code := doJSON(t, http.MethodPost, ts.URL+"/v0/repositories", map[string]any{"full_name": fullName}, &rep)
	if code != http.StatusCreated {
		t.Fatalf("add repository: status %d", code)
	}
	return rep
}

func TestGenerateEndpointSuccess(t *testing.T) {
	ts := newTestServer(t, fakeAnalyzer{})
	trackRepo(t, ts, "acme/widgets")
	ts.Source.commits["acme/widgets"] = []domain.Commit{
		{Repository: "acme/widgets", Owner: "acme", Name: "widgets", SHA: "abc1234", Message: "fix"},
	}

	var resp struct {
		Success         bool   `json:"success"`
		Status          string `json:"status"`
		RunID           string `json:"runId"`
		Version         int    `json:"version"`
		LogCreated      bool   `json:"logCreated"`
		LogID           string `json:"logId"`
		ProgressSummary struct {
			TotalSteps int `json:"totalSteps"`
			Steps      []struct {
				Type string `json:"type"`
			} `json:"steps"`
		} `json:"progressSummary"`
	}
	code := doJSON(t, http.MethodPost, ts.URL+"/v0/logs/generate", map[string]any{"date": "2026-08-27"}, &resp)
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if !resp.Success || resp.Status != "success" || resp.Version != 1 {
		t.Fatalf("bad response: %+v", resp)
	}
	if !resp.LogCreated || resp.LogID == "" {
		t.Fatalf("log not confirmed: %+v", resp)
	}
	if resp.ProgressSummary.TotalSteps == 0 || len(resp.ProgressSummary.Steps) > 5 {
		t.Fatalf("bad progress summary: %+v", resp.ProgressSummary)
	}

	// The run's events were persisted and are queryable.
	var evResp struct {
		Events []struct {
			Type string `json:"type"`
		} `json:"events"`
	}
	code = doJSON(t, http.MethodGet, ts.URL+"/v0/runs/"+resp.RunID+"/events", nil, &evResp)
	if code != http.StatusOK || len(evResp.Events) == 0 {
		t.Fatalf("run events: status %d, %d rows", code, len(evResp.Events))
	}
}

func TestGenerateEndpointRejectsBadDate(t *testing.T) {
	ts := newTestServer(t, fakeAnalyzer{})

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	code := doJSON(t, http.MethodPost, ts.URL+"/v0/logs/generate", map[string]any{"date": "27-08-2026"}, &envelope)
	if code != http.StatusBadRequest {
		t.Fatalf("status %d", code)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("bad error envelope: %+v", envelope)
	}
}

func TestGenerateEndpointFallbackStillOK(t *testing.T) {
	ts := newTestServer(t, fakeAnalyzer{failAll: true})
	trackRepo(t, ts, "acme/widgets")
	ts.Source.commits["acme/widgets"] = []domain.Commit{
		{Repository: "acme/widgets", Owner: "acme", Name: "widgets", SHA: "abc1234", Message: "fix"},
	}

	var resp struct {
		Success    bool   `json:"success"`
		Status     string `json:"status"`
		LogCreated bool   `json:"logCreated"`
		Error      string `json:"error"`
	}
	code := doJSON(t, http.MethodPost, ts.URL+"/v0/logs/generate", map[string]any{"date": "2026-08-27"}, &resp)
	if code != http.StatusOK {
		t.Fatalf("fallback outcome must still be 200, got %d", code)
	}
	if resp.Success || resp.Status != "error_with_fallback" {
		t.Fatalf("bad response: %+v", resp)
	}
	if !resp.LogCreated {
		t.Fatal("fallback log must be confirmed")
	}
	if resp.Error == "" || strings.Contains(resp.Error, "goroutine") {
		t.Fatalf("error must be a message without internals: %q", resp.Error)
	}
}

func TestRepositoryEndpoints(t *testing.T) {
	ts := newTestServer(t, fakeAnalyzer{})
	rep := trackRepo(t, ts, "acme/widgets")

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	code := doJSON(t, http.MethodPost, ts.URL+"/v0/repositories", map[string]any{"full_name": "acme/widgets"}, &envelope)
	if code != http.StatusConflict || envelope.Error.Code != "conflict" {
		t.Fatalf("duplicate: status %d, %+v", code, envelope)
	}

	var list struct {
		Repositories []domain.Repository `json:"repositories"`
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/v0/repositories", nil, &list); code != http.StatusOK {
		t.Fatalf("list: status %d", code)
	}
	if len(list.Repositories) != 1 || list.Repositories[0].FullName != "acme/widgets" {
		t.Fatalf("bad list: %+v", list)
	}

	var updated domain.Repository
	code = doJSON(t, http.MethodPatch, ts.URL+"/v0/repositories/"+rep.ID,
		map[string]any{"analysis_enabled": false}, &updated)
	if code != http.StatusOK || updated.AnalysisEnabled {
		t.Fatalf("patch: status %d, %+v", code, updated)
	}
}

func TestLogEndpoints(t *testing.T) {
	ts := newTestServer(t, fakeAnalyzer{})
	id, err := ts.Store.InsertLog(context.Background(), domain.ActivityLog{
		Date: "2026-08-27", LogType: domain.LogTypeGlobal, Summary: "s", Bullets: []string{"b"},
	}, []domain.ActivityDetail{{Type: domain.DetailTypeCommit, Title: "acme/widgets@abc"}})
	if err != nil {
		t.Fatal(err)
	}

	var list struct {
		Logs []domain.ActivityLog `json:"logs"`
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/v0/logs?date=2026-08-27", nil, &list); code != http.StatusOK {
		t.Fatalf("list: status %d", code)
	}
	if len(list.Logs) != 1 {
		t.Fatalf("bad list: %+v", list)
	}

	var got struct {
		ID      string                  `json:"id"`
		Details []domain.ActivityDetail `json:"details"`
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/v0/logs/"+id, nil, &got); code != http.StatusOK {
		t.Fatalf("get: status %d", code)
	}
	if got.ID != id || len(got.Details) != 1 {
		t.Fatalf("bad log body: %+v", got)
	}

	if code := doJSON(t, http.MethodGet, ts.URL+"/v0/logs/nope", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing log: status %d", code)
	}
}

func TestMonitorStream(t *testing.T) {
	ts := newTestServer(t, fakeAnalyzer{})
	trackRepo(t, ts, "acme/widgets")
	ts.Source.commits["acme/widgets"] = []domain.Commit{
		{Repository: "acme/widgets", Owner: "acme", Name: "widgets", SHA: "abc1234", Message: "fix"},
	}

	resp, err := http.Get(ts.URL + "/v0/workflows/" + analysis.WorkflowName + "/monitor?date=2026-08-27")
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	var frames []map[string]any
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		frames = append(frames, frame)
		if frame["type"] == "complete" {
			break
		}
	}
	if len(frames) < 3 {
		t.Fatalf("expected a full stream, got %d frames", len(frames))
	}
	if frames[0]["type"] != "watch" || frames[0]["runId"] == "" {
		t.Fatalf("first frame must announce the run: %+v", frames[0])
	}
	last := frames[len(frames)-1]
	if last["type"] != "complete" {
		t.Fatalf("stream must end with complete: %+v", last)
	}
	result, ok := last["result"].(map[string]any)
	if !ok || result["status"] != "success" {
		t.Fatalf("bad completion result: %+v", last)
	}
}

func TestMonitorUnknownWorkflow(t *testing.T) {
	ts := newTestServer(t, fakeAnalyzer{})
	resp, err := http.Get(ts.URL + "/v0/workflows/other/monitor")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, fakeAnalyzer{})
	var body map[string]string
	if code := doJSON(t, http.MethodGet, ts.URL+"/v0/health", nil, &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body["status"] != "ok" {
		t.Fatalf("bad body: %v", body)
	}
}
