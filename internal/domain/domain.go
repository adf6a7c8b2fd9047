package domain

// Log types for activity_logs rows.
const (
	LogTypeGlobal     = "global"
	LogTypeRepository = "repository"
)

// Detail types for activity_details rows.
const (
	DetailTypeCommit     = "commit"
	DetailTypePR         = "pr"
	DetailTypeIssue      = "issue"
	DetailTypeReview     = "review"
	DetailTypeRepository = "repository"
	DetailTypeSuggestion = "suggestion"
)

type Repository struct {
	ID              string         `json:"id"`
	Owner           string         `json:"owner"`
	Name            string         `json:"name"`
	FullName        string         `json:"full_name"`
	Description     string         `json:"description,omitempty"`
	Language        string         `json:"language,omitempty"`
	DefaultBranch   string         `json:"default_branch"`
	IsPrivate       bool           `json:"is_private"`
	AnalysisEnabled bool           `json:"analysis_enabled"`
	AnalysisDepth   string         `json:"analysis_depth" enum:"basic,standard,deep"`
	Stars           int            `json:"stars"`
	Topics          []string       `json:"topics,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
}

// ActivityLog is one persisted "take" of a day's analysis. Rows are
// append-only: a later run for the same date inserts a new row and never
// touches earlier ones.
type ActivityLog struct {
	ID            string         `json:"id"`
	Date          string         `json:"date"` // YYYY-MM-DD
	LogType       string         `json:"log_type" enum:"global,repository"`
	RepositoryID  *string        `json:"repository_id,omitempty"`
	Title         string         `json:"title,omitempty"`
	Summary       string         `json:"summary"`
	Bullets       []string       `json:"bullets"`
	RawData       map[string]any `json:"raw_data,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Processed     bool           `json:"processed"`
	AnalysisDepth string         `json:"analysis_depth,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

// ActivityDetail is a structured row owned by exactly one ActivityLog and
// cascade-deleted with it.
type ActivityDetail struct {
	ID          string         `json:"id"`
	LogID       string         `json:"log_id"`
	Type        string         `json:"type" enum:"commit,pr,issue,review,repository,suggestion"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

type AnalysisRule struct {
	ID           string         `json:"id"`
	RepositoryID string         `json:"repository_id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Enabled      bool           `json:"enabled"`
	Priority     int            `json:"priority"`
	RuleType     string         `json:"rule_type" enum:"prompt,pattern,focus,ignore"`
	RuleContent  string         `json:"rule_content"`
	ApplyTo      map[string]any `json:"apply_to,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	UpdatedAt    string         `json:"updated_at" format:"date-time"`
}

type UserPreferences struct {
	ID                   string         `json:"id"`
	UserID               string         `json:"user_id"`
	GlobalLogsEnabled    bool           `json:"global_logs_enabled"`
	DefaultAnalysisDepth string         `json:"default_analysis_depth" enum:"basic,standard,deep"`
	FocusAreas           []string       `json:"focus_areas,omitempty"`
	AIModel              string         `json:"ai_model,omitempty"`
	AIVerbosity          string         `json:"ai_verbosity,omitempty" enum:"concise,standard,detailed"`
	Metadata             map[string]any `json:"metadata,omitempty"`
	CreatedAt            string         `json:"created_at" format:"date-time"`
	UpdatedAt            string         `json:"updated_at" format:"date-time"`
}

// Commit is the descriptor produced by fetch-commits and fanned out to the
// per-commit analysis step.
type Commit struct {
	Repository string `json:"repository"` // owner/name
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	SHA        string `json:"sha"`
	Message    string `json:"message"`
	URL        string `json:"url"`
	AuthorName string `json:"author_name,omitempty"`
	AuthorDate string `json:"author_date,omitempty"`
}

// CommitAnalysis is the output of one analyze-single-commit branch.
type CommitAnalysis struct {
	Repository string   `json:"repository"`
	SHA        string   `json:"sha"`
	Summary    string   `json:"summary"`
	Impact     string   `json:"impact,omitempty"`
	Category   string   `json:"category,omitempty"`
	Details    []string `json:"details,omitempty"`
	URL        string   `json:"url,omitempty"`
}

// GlobalAnalysis is the fan-in product for a whole day.
type GlobalAnalysis struct {
	Title      string         `json:"title"`
	Narrative  string         `json:"narrative"`
	Highlights []string       `json:"highlights"`
	Themes     []string       `json:"themes,omitempty"`
	Metrics    ActivityCounts `json:"metrics"`
}

// ActivityCounts is the metrics block persisted in activity_logs.metadata.
type ActivityCounts struct {
	TotalCommits      int      `json:"totalCommits"`
	TotalPullRequests int      `json:"totalPullRequests"`
	TotalIssues       int      `json:"totalIssues"`
	TotalRepos        int      `json:"totalRepos"`
	Languages         []string `json:"languages,omitempty"`
}

// WorkflowEventRow is a persisted workflow event, written by the reliable
// event-channel consumer for post-hoc run inspection.
type WorkflowEventRow struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	Type      string         `json:"type"`
	StepID    string         `json:"step_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp string         `json:"timestamp" format:"date-time"`
}
