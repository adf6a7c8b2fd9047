package events_test

import (
	"context"
	"testing"
	"time"

	"daylog/internal/db"
	"daylog/internal/events"
	"daylog/internal/migrate"
	"daylog/internal/workflow"
)

func newRecorder(t *testing.T) events.Recorder {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return events.Recorder{DB: conn}
}

func TestRecordAndListRun(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()
	at := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	runID := "run-1"

	evs := []workflow.Event{
		workflow.StepStart{StepID: workflow.StepFetchCommits, At: at},
		workflow.StepOutput{StepID: workflow.StepFetchCommits, Payload: map[string]any{"commits": 3}, At: at.Add(time.Second)},
		workflow.StepResult{StepID: workflow.StepAnalyzeCommit, Instance: "abc1234", Status: workflow.StepFailed, Err: "model error", At: at.Add(2 * time.Second)},
		workflow.Error{StepID: workflow.StepStoreAnalysis, Message: "storage offline", At: at.Add(3 * time.Second)},
		workflow.Finish{Result: workflow.Result{RunID: runID, Status: workflow.RunFailed, Version: 2}, At: at.Add(4 * time.Second)},
	}
	for _, ev := range evs {
		if err := r.Record(ctx, runID, ev); err != nil {
			t.Fatalf("record %s: %v", ev.EventKind(), err)
		}
	}
	// Another run's events stay out of the listing.
	if err := r.Record(ctx, "run-2", workflow.StepStart{StepID: workflow.StepFetchCommits, At: at}); err != nil {
		t.Fatal(err)
	}

	rows, err := r.ListRun(ctx, runID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != len(evs) {
		t.Fatalf("expected %d rows, got %d", len(evs), len(rows))
	}

	if rows[0].Type != string(workflow.KindStepStart) || rows[0].StepID != string(workflow.StepFetchCommits) {
		t.Fatalf("bad first row: %+v", rows[0])
	}
	if rows[1].Payload["commits"] != float64(3) {
		t.Fatalf("payload lost: %+v", rows[1])
	}
	if rows[2].StepID != "analyze-single-commit[abc1234]" || rows[2].Error != "model error" {
		t.Fatalf("instance key or error lost: %+v", rows[2])
	}
	if rows[3].Error != "storage offline" {
		t.Fatalf("error row broken: %+v", rows[3])
	}
	if rows[4].Type != string(workflow.KindFinish) || rows[4].Payload["version"] != float64(2) {
		t.Fatalf("finish row broken: %+v", rows[4])
	}
}

func TestListRunEmpty(t *testing.T) {
	r := newRecorder(t)
	rows, err := r.ListRun(context.Background(), "missing")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}
