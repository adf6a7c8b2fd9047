// Package llm talks to an OpenAI-compatible chat completions endpoint and
// turns commits into structured analyses. Model answers are requested as
// JSON; responses that fail to parse degrade to plain-text summaries rather
// than failing the branch.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"daylog/internal/domain"
)

type Client struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxRetries  int
	HTTP        *http.Client
	Log         *slog.Logger
}

func New(baseURL, apiKey, model string) *Client {
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIKey:      apiKey,
		Model:       model,
		Temperature: 0.2,
		MaxRetries:  3,
		HTTP:        &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *Client) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// complete sends one chat request, retrying transient failures with a short
// linear backoff.
func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.Model,
		Messages: []message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: c.Temperature,
	})
	if err != nil {
		return "", err
	}

	retries := c.MaxRetries
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		content, retryable, err := c.send(ctx, body)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
		c.log().Warn("completion attempt failed", "attempt", attempt, "error", err)
	}
	return "", fmt.Errorf("completion failed after %d attempts: %w", retries, lastErr)
}

func (c *Client) send(ctx context.Context, body []byte) (content string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return "", true, fmt.Errorf("completion endpoint returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", false, fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, raw)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", true, fmt.Errorf("decode completion: %w", err)
	}
	if parsed.Error != nil {
		return "", false, fmt.Errorf("completion error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", true, fmt.Errorf("completion returned no choices")
	}
	return parsed.Choices[0].Message.Content, false, nil
}

// AnalyzeCommit asks the model for a structured take on one commit, with any
// repository rules folded into the prompt by priority.
func (c *Client) AnalyzeCommit(ctx context.Context, commit domain.Commit, rules []domain.AnalysisRule) (domain.CommitAnalysis, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Repository: %s\nCommit: %s\nAuthor: %s\nDate: %s\n\nMessage:\n%s\n",
		commit.Repository, commit.SHA, commit.AuthorName, commit.AuthorDate, commit.Message)
	if len(rules) > 0 {
		sb.WriteString("\nRepository analysis rules, highest priority first:\n")
		for _, r := range rules {
			fmt.Fprintf(&sb, "- [%s] %s: %s\n", r.RuleType, r.Name, r.RuleContent)
		}
	}

	content, err := c.complete(ctx, analyzeSystemPrompt, sb.String())
	if err != nil {
		return domain.CommitAnalysis{}, err
	}

	a := domain.CommitAnalysis{Repository: commit.Repository, SHA: commit.SHA, URL: commit.URL}
	var parsed struct {
		Summary  string   `json:"summary"`
		Impact   string   `json:"impact"`
		Category string   `json:"category"`
		Details  []string `json:"details"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &parsed); err != nil {
		a.Summary = strings.TrimSpace(content)
		return a, nil
	}
	a.Summary = parsed.Summary
	a.Impact = parsed.Impact
	a.Category = parsed.Category
	a.Details = parsed.Details
	return a, nil
}

// Synthesize folds the day's commit analyses into one global narrative.
func (c *Client) Synthesize(ctx context.Context, date string, analyses []domain.CommitAnalysis, counts domain.ActivityCounts) (domain.GlobalAnalysis, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Date: %s\nCommits: %d across %d repositories\n\n", date, counts.TotalCommits, counts.TotalRepos)
	if len(analyses) == 0 {
		sb.WriteString("No commit activity was recorded for this date.\n")
	}
	for _, a := range analyses {
		fmt.Fprintf(&sb, "- %s %s [%s]: %s\n", a.Repository, shortSHA(a.SHA), a.Category, a.Summary)
	}

	content, err := c.complete(ctx, synthesizeSystemPrompt, sb.String())
	if err != nil {
		return domain.GlobalAnalysis{}, err
	}

	g := domain.GlobalAnalysis{Metrics: counts}
	var parsed struct {
		Title      string   `json:"title"`
		Narrative  string   `json:"narrative"`
		Highlights []string `json:"highlights"`
		Themes     []string `json:"themes"`
	}
	if err := json.Unmarshal([]byte(extractJSON(content)), &parsed); err != nil {
		g.Narrative = strings.TrimSpace(content)
		return g, nil
	}
	g.Title = parsed.Title
	g.Narrative = parsed.Narrative
	g.Highlights = parsed.Highlights
	g.Themes = parsed.Themes
	return g, nil
}

const analyzeSystemPrompt = `You are a senior engineer reviewing a single git commit.
Respond with a JSON object only: {"summary": string, "impact": "low"|"medium"|"high", "category": string, "details": [string]}.
Summarize what changed and why it matters in one or two sentences.`

const synthesizeSystemPrompt = `You are writing a daily engineering activity log from per-commit analyses.
Respond with a JSON object only: {"title": string, "narrative": string, "highlights": [string], "themes": [string]}.
The narrative is a short paragraph; highlights are three to six bullet points.`

// extractJSON strips markdown fences and surrounding prose so a mostly-JSON
// answer still parses.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
