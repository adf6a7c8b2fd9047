// Package github fetches commit activity from the GitHub REST API. Only the
// fields the analysis pipeline consumes are decoded.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"daylog/internal/domain"
)

const defaultBaseURL = "https://api.github.com"

// perPage is the API maximum; a repository with more commits in one day is
// paginated.
const perPage = 100

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Log     *slog.Logger
}

func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) log() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

type commitEnvelope struct {
	SHA    string `json:"sha"`
	URL    string `json:"html_url"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
			Date string `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

// CommitsForDate lists the commits pushed to the repository's default branch
// during the given UTC day.
func (c *Client) CommitsForDate(ctx context.Context, rep domain.Repository, date string) ([]domain.Commit, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}
	since := day.UTC().Format(time.RFC3339)
	until := day.Add(24*time.Hour - time.Second).UTC().Format(time.RFC3339)

	var out []domain.Commit
	for page := 1; ; page++ {
		batch, err := c.commitsPage(ctx, rep, since, until, page)
		if err != nil {
			return nil, err
		}
		for _, env := range batch {
			out = append(out, domain.Commit{
				Repository: rep.FullName,
				Owner:      rep.Owner,
				Name:       rep.Name,
				SHA:        env.SHA,
				Message:    env.Commit.Message,
				URL:        env.URL,
				AuthorName: env.Commit.Author.Name,
				AuthorDate: env.Commit.Author.Date,
			})
		}
		if len(batch) < perPage {
			return out, nil
		}
	}
}

func (c *Client) commitsPage(ctx context.Context, rep domain.Repository, since, until string, page int) ([]commitEnvelope, error) {
	q := url.Values{}
	q.Set("since", since)
	q.Set("until", until)
	q.Set("sha", rep.DefaultBranch)
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("page", strconv.Itoa(page))
	endpoint := fmt.Sprintf("%s/repos/%s/%s/commits?%s", c.BaseURL, rep.Owner, rep.Name, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch commits for %s: %w", rep.FullName, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		// Empty repository.
		io.Copy(io.Discard, resp.Body)
		return nil, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log().Warn("github api error", "repository", rep.FullName, "status", resp.StatusCode)
		return nil, fmt.Errorf("github: %s returned %d: %s", rep.FullName, resp.StatusCode, body)
	}

	var batch []commitEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("decode commits for %s: %w", rep.FullName, err)
	}
	return batch, nil
}
