package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.github.com"

// GitHub implements API against the GitHub REST API.
type GitHub struct {
	token   string
	baseURL string
	client  *http.Client
}

// NewGitHub creates a GitHub adapter.
// baseURL is used for testing; pass empty string to use the real GitHub API.
// token is used when a session carries no token of its own.
func NewGitHub(token, baseURL string, timeout time.Duration) *GitHub {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GitHub{
		token:   token,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// PostPRComment posts a comment on the pull request conversation.
func (g *GitHub) PostPRComment(ctx context.Context, sess Session, url, message string) error {
	return g.post(ctx, sess, url, map[string]any{"body": message})
}

// PostPRReviewComment posts a review comment anchored to a line of the diff.
func (g *GitHub) PostPRReviewComment(ctx context.Context, sess Session, url, sha, path string, position int, message string) error {
	return g.post(ctx, sess, url, map[string]any{
		"body":      message,
		"commit_id": sha,
		"path":      path,
		"position":  position,
	})
}

// UpdateCommitStatus sets the status of a commit.
func (g *GitHub) UpdateCommitStatus(ctx context.Context, sess Session, status CommitStatus) error {
	c := status.Commit
	if c.Owner == "" || c.Repo == "" || c.SHA == "" {
		return fmt.Errorf("incomplete commit %s/%s@%s", c.Owner, c.Repo, c.SHA)
	}
	url := fmt.Sprintf("%s/repos/%s/%s/statuses/%s", g.baseURL, c.Owner, c.Repo, c.SHA)
	body := map[string]any{
		"state":       string(status.State),
		"description": truncate(status.Description, 140),
		"context":     status.Context,
	}
	if status.TargetURL != "" {
		body["target_url"] = status.TargetURL
	}
	return g.post(ctx, sess, url, body)
}

func (g *GitHub) post(ctx context.Context, sess Session, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	token := sess.Token
	if token == "" {
		token = g.token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("github API error: %s", resp.Status)
	}
	return nil
}

// GitHub rejects status descriptions longer than 140 characters.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
