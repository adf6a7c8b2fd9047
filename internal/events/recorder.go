// Package events persists workflow run events to the database. The recorder
// hangs off a reliable subscription, so every event of a run survives for
// post-hoc inspection even when no monitor was attached.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"daylog/internal/domain"
	"daylog/internal/workflow"
)

type Recorder struct {
	DB  *sql.DB
	Now func() time.Time
}

func (r Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Record writes one event as a workflow_events row.
func (r Recorder) Record(ctx context.Context, runID string, ev workflow.Event) error {
	var (
		stepID  string
		payload map[string]any
		errMsg  string
	)
	switch e := ev.(type) {
	case workflow.StepStart:
		stepID = instanceKey(e.StepID, e.Instance)
	case workflow.StepOutput:
		stepID = instanceKey(e.StepID, e.Instance)
		payload = e.Payload
	case workflow.StepResult:
		stepID = instanceKey(e.StepID, e.Instance)
		payload = map[string]any{"status": string(e.Status)}
		errMsg = e.Err
	case workflow.Finish:
		payload = map[string]any{
			"status":  string(e.Result.Status),
			"version": e.Result.Version,
			"logId":   e.Result.LogID,
			"halted":  e.Result.Halted,
		}
	case workflow.Error:
		stepID = string(e.StepID)
		errMsg = e.Message
	}

	var payloadJSON sql.NullString
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payloadJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO workflow_events (run_id, type, step_id, payload_json, error, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, string(ev.EventKind()), nullable(stepID), payloadJSON, nullable(errMsg),
		ev.OccurredAt().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// ListRun returns the persisted events of one run in emission order.
func (r Recorder) ListRun(ctx context.Context, runID string) ([]domain.WorkflowEventRow, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, run_id, type, step_id, payload_json, error, ts FROM workflow_events WHERE run_id = ? ORDER BY id`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WorkflowEventRow
	for rows.Next() {
		var (
			row         domain.WorkflowEventRow
			stepID      sql.NullString
			payloadJSON sql.NullString
			errMsg      sql.NullString
		)
		if err := rows.Scan(&row.ID, &row.RunID, &row.Type, &stepID, &payloadJSON, &errMsg, &row.Timestamp); err != nil {
			return nil, err
		}
		row.StepID = stepID.String
		row.Error = errMsg.String
		if payloadJSON.Valid {
			if err := json.Unmarshal([]byte(payloadJSON.String), &row.Payload); err != nil {
				return nil, fmt.Errorf("decode payload for event %d: %w", row.ID, err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func instanceKey(id workflow.StepID, instance string) string {
	if instance == "" {
		return string(id)
	}
	return fmt.Sprintf("%s[%s]", id, instance)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
