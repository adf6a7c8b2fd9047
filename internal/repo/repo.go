package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"daylog/internal/domain"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// --- repositories ---

func (r Repo) InsertRepository(ctx context.Context, rep domain.Repository) (domain.Repository, error) {
	if rep.ID == "" {
		rep.ID = uuid.New().String()
	}
	if rep.FullName == "" {
		rep.FullName = rep.Owner + "/" + rep.Name
	}
	if rep.DefaultBranch == "" {
		rep.DefaultBranch = "main"
	}
	if rep.AnalysisDepth == "" {
		rep.AnalysisDepth = "deep"
	}
	now := r.now().UTC().Format(time.RFC3339)
	rep.CreatedAt = now
	rep.UpdatedAt = now
	_, err := r.DB.ExecContext(ctx, `INSERT INTO repositories(id,owner,name,full_name,description,language,default_branch,is_private,analysis_enabled,analysis_depth,stars,topics_json,metadata_json,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rep.ID, rep.Owner, rep.Name, rep.FullName, nullable(rep.Description), nullable(rep.Language),
		rep.DefaultBranch, rep.IsPrivate, rep.AnalysisEnabled, rep.AnalysisDepth, rep.Stars,
		marshalJSON(rep.Topics), marshalJSON(rep.Metadata), rep.CreatedAt, rep.UpdatedAt)
	if err != nil {
		return domain.Repository{}, fmt.Errorf("insert repository: %w", err)
	}
	return rep, nil
}

const repositoryColumns = `id,owner,name,full_name,COALESCE(description,''),COALESCE(language,''),default_branch,is_private,analysis_enabled,analysis_depth,stars,topics_json,metadata_json,created_at,updated_at`

func scanRepository(row interface{ Scan(...any) error }) (domain.Repository, error) {
	var rep domain.Repository
	var topics, metadata sql.NullString
	err := row.Scan(&rep.ID, &rep.Owner, &rep.Name, &rep.FullName, &rep.Description, &rep.Language,
		&rep.DefaultBranch, &rep.IsPrivate, &rep.AnalysisEnabled, &rep.AnalysisDepth, &rep.Stars,
		&topics, &metadata, &rep.CreatedAt, &rep.UpdatedAt)
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	rep.Topics = decodeStringSlice(topics)
	rep.Metadata = decodeJSONMap(metadata)
	return rep, nil
}

func (r Repo) GetRepository(ctx context.Context, id string) (domain.Repository, error) {
	return scanRepository(r.DB.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id=?`, id))
}

func (r Repo) ListRepositories(ctx context.Context) ([]domain.Repository, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY full_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Repository
	for rows.Next() {
		rep, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

// EnabledRepositories returns repositories flagged for analysis.
func (r Repo) EnabledRepositories(ctx context.Context) ([]domain.Repository, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE analysis_enabled=1 ORDER BY full_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Repository
	for rows.Next() {
		rep, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

// RepositoryUpdate carries optional repository mutations.
type RepositoryUpdate struct {
	AnalysisEnabled *bool
	AnalysisDepth   *string
	Description     *string
}

func (r Repo) UpdateRepository(ctx context.Context, id string, upd RepositoryUpdate) (domain.Repository, error) {
	rep, err := r.GetRepository(ctx, id)
	if err != nil {
		return rep, err
	}
	if upd.AnalysisEnabled != nil {
		rep.AnalysisEnabled = *upd.AnalysisEnabled
	}
	if upd.AnalysisDepth != nil {
		rep.AnalysisDepth = *upd.AnalysisDepth
	}
	if upd.Description != nil {
		rep.Description = *upd.Description
	}
	rep.UpdatedAt = r.now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `UPDATE repositories SET analysis_enabled=?,analysis_depth=?,description=?,updated_at=? WHERE id=?`,
		rep.AnalysisEnabled, rep.AnalysisDepth, nullable(rep.Description), rep.UpdatedAt, rep.ID)
	if err != nil {
		return rep, fmt.Errorf("update repository: %w", err)
	}
	return rep, nil
}

// --- activity logs ---

// NextVersion derives the version for a new take: one more than the number of
// global logs already stored for the date. Read-then-insert, not serialized;
// concurrent runs for the same date can compute the same value.
func (r Repo) NextVersion(ctx context.Context, date string) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM activity_logs WHERE date=? AND log_type=?`, date, domain.LogTypeGlobal).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count logs for %s: %w", date, err)
	}
	return count + 1, nil
}

// InsertLog appends a new activity log take with its detail rows in one
// transaction. Prior rows for the same date are never touched.
func (r Repo) InsertLog(ctx context.Context, log domain.ActivityLog, details []domain.ActivityDetail) (string, error) {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.LogType == "" {
		log.LogType = domain.LogTypeGlobal
	}
	now := r.now().UTC().Format(time.RFC3339)
	if log.CreatedAt == "" {
		log.CreatedAt = now
	}
	log.UpdatedAt = log.CreatedAt
	if log.Bullets == nil {
		log.Bullets = []string{}
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var repoID any
	if log.RepositoryID != nil {
		repoID = *log.RepositoryID
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO activity_logs(id,date,log_type,repository_id,title,summary,bullets_json,raw_data_json,metadata_json,processed,analysis_depth,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		log.ID, log.Date, log.LogType, repoID, nullable(log.Title), log.Summary,
		marshalJSON(log.Bullets), marshalJSON(log.RawData), marshalJSON(log.Metadata),
		log.Processed, nullable(log.AnalysisDepth), log.CreatedAt, log.UpdatedAt); err != nil {
		return "", fmt.Errorf("insert activity log: %w", err)
	}
	for _, d := range details {
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		if d.CreatedAt == "" {
			d.CreatedAt = log.CreatedAt
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO activity_details(id,log_id,type,title,description,url,metadata_json,created_at)
			VALUES (?,?,?,?,?,?,?,?)`,
			d.ID, log.ID, d.Type, d.Title, nullable(d.Description), nullable(d.URL),
			marshalJSON(d.Metadata), d.CreatedAt); err != nil {
			return "", fmt.Errorf("insert activity detail: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return log.ID, nil
}

const logColumns = `id,date,log_type,repository_id,COALESCE(title,''),summary,bullets_json,raw_data_json,metadata_json,processed,COALESCE(analysis_depth,''),created_at,updated_at`

func scanLog(row interface{ Scan(...any) error }) (domain.ActivityLog, error) {
	var l domain.ActivityLog
	var repoID sql.NullString
	var bullets, raw, metadata sql.NullString
	err := row.Scan(&l.ID, &l.Date, &l.LogType, &repoID, &l.Title, &l.Summary,
		&bullets, &raw, &metadata, &l.Processed, &l.AnalysisDepth, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if repoID.Valid {
		l.RepositoryID = &repoID.String
	}
	l.Bullets = decodeStringSlice(bullets)
	l.RawData = decodeJSONMap(raw)
	l.Metadata = decodeJSONMap(metadata)
	return l, nil
}

func (r Repo) GetLog(ctx context.Context, id string) (domain.ActivityLog, error) {
	return scanLog(r.DB.QueryRowContext(ctx, `SELECT `+logColumns+` FROM activity_logs WHERE id=?`, id))
}

// LatestLog returns the newest take for (date, logType).
func (r Repo) LatestLog(ctx context.Context, date, logType string) (domain.ActivityLog, error) {
	return scanLog(r.DB.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM activity_logs WHERE date=? AND log_type=? ORDER BY created_at DESC, id DESC LIMIT 1`,
		date, logType))
}

// ListLogs returns logs newest first, optionally filtered by date.
func (r Repo) ListLogs(ctx context.Context, date string, limit int) ([]domain.ActivityLog, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + logColumns + ` FROM activity_logs`
	args := []any{}
	if date != "" {
		query += ` WHERE date=?`
		args = append(args, date)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// LogDetails returns the detail rows owned by a log.
func (r Repo) LogDetails(ctx context.Context, logID string) ([]domain.ActivityDetail, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,log_id,type,title,COALESCE(description,''),COALESCE(url,''),metadata_json,created_at FROM activity_details WHERE log_id=? ORDER BY created_at, id`, logID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityDetail
	for rows.Next() {
		var d domain.ActivityDetail
		var metadata sql.NullString
		if err := rows.Scan(&d.ID, &d.LogID, &d.Type, &d.Title, &d.Description, &d.URL, &metadata, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Metadata = decodeJSONMap(metadata)
		res = append(res, d)
	}
	return res, rows.Err()
}

// MarkProcessed flips the only mutable bit on a persisted log.
func (r Repo) MarkProcessed(ctx context.Context, logID string, processed bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE activity_logs SET processed=?, updated_at=? WHERE id=?`,
		processed, r.now().UTC().Format(time.RFC3339), logID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteLog(ctx context.Context, logID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM activity_logs WHERE id=?`, logID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- analysis rules ---

func (r Repo) InsertRule(ctx context.Context, rule domain.AnalysisRule) (domain.AnalysisRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := r.now().UTC().Format(time.RFC3339)
	rule.CreatedAt = now
	rule.UpdatedAt = now
	_, err := r.DB.ExecContext(ctx, `INSERT INTO analysis_rules(id,repository_id,name,description,enabled,priority,rule_type,rule_content,apply_to_json,metadata_json,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.RepositoryID, rule.Name, nullable(rule.Description), rule.Enabled, rule.Priority,
		rule.RuleType, rule.RuleContent, marshalJSON(rule.ApplyTo), marshalJSON(rule.Metadata),
		rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return domain.AnalysisRule{}, fmt.Errorf("insert rule: %w", err)
	}
	return rule, nil
}

// RulesForRepository returns enabled rules, highest priority first.
func (r Repo) RulesForRepository(ctx context.Context, repositoryID string) ([]domain.AnalysisRule, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,repository_id,name,COALESCE(description,''),enabled,priority,rule_type,rule_content,apply_to_json,metadata_json,created_at,updated_at
		 FROM analysis_rules WHERE repository_id=? AND enabled=1 ORDER BY priority DESC, name`, repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AnalysisRule
	for rows.Next() {
		var rule domain.AnalysisRule
		var applyTo, metadata sql.NullString
		if err := rows.Scan(&rule.ID, &rule.RepositoryID, &rule.Name, &rule.Description, &rule.Enabled,
			&rule.Priority, &rule.RuleType, &rule.RuleContent, &applyTo, &metadata, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		rule.ApplyTo = decodeJSONMap(applyTo)
		rule.Metadata = decodeJSONMap(metadata)
		res = append(res, rule)
	}
	return res, rows.Err()
}

// --- user preferences ---

func (r Repo) GetPreferences(ctx context.Context, userID string) (domain.UserPreferences, error) {
	var p domain.UserPreferences
	var focus, metadata sql.NullString
	var model, verbosity sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,user_id,global_logs_enabled,default_analysis_depth,focus_areas_json,ai_model,ai_verbosity,metadata_json,created_at,updated_at
		 FROM user_preferences WHERE user_id=?`, userID).
		Scan(&p.ID, &p.UserID, &p.GlobalLogsEnabled, &p.DefaultAnalysisDepth, &focus, &model, &verbosity, &metadata, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.FocusAreas = decodeStringSlice(focus)
	p.AIModel = model.String
	p.AIVerbosity = verbosity.String
	p.Metadata = decodeJSONMap(metadata)
	return p, nil
}

func (r Repo) UpsertPreferences(ctx context.Context, p domain.UserPreferences) (domain.UserPreferences, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.UserID == "" {
		p.UserID = "default"
	}
	if p.DefaultAnalysisDepth == "" {
		p.DefaultAnalysisDepth = "deep"
	}
	now := r.now().UTC().Format(time.RFC3339)
	if p.CreatedAt == "" {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := r.DB.ExecContext(ctx, `INSERT INTO user_preferences(id,user_id,global_logs_enabled,default_analysis_depth,focus_areas_json,ai_model,ai_verbosity,metadata_json,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET global_logs_enabled=excluded.global_logs_enabled,
			default_analysis_depth=excluded.default_analysis_depth, focus_areas_json=excluded.focus_areas_json,
			ai_model=excluded.ai_model, ai_verbosity=excluded.ai_verbosity, metadata_json=excluded.metadata_json,
			updated_at=excluded.updated_at`,
		p.ID, p.UserID, p.GlobalLogsEnabled, p.DefaultAnalysisDepth, marshalJSON(p.FocusAreas),
		nullable(p.AIModel), nullable(p.AIVerbosity), marshalJSON(p.Metadata), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return p, fmt.Errorf("upsert preferences: %w", err)
	}
	return p, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalJSON(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func decodeJSONMap(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var tmp map[string]any
	if err := json.Unmarshal([]byte(raw.String), &tmp); err != nil {
		return nil
	}
	return tmp
}

func decodeStringSlice(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var arr []string
	if err := json.Unmarshal([]byte(raw.String), &arr); err != nil {
		return nil
	}
	return arr
}
