// Package issues implements pool mode: several workers pulling agent tasks
// from a GitHub issue queue.
package issues

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jeanhaley32/sapphire-bee/internal/githubapp"
)

// TokenSource supplies a bearer token per request. *githubapp.TokenSource and
// githubapp.StaticToken implement it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Issue struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	CreatedAt   time.Time `json:"created_at"`
	Labels      []Label   `json:"labels"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

type Label struct {
	Name string `json:"name"`
}

// HasLabel reports whether the issue carries name.
func (i Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
}

// Client is a minimal GitHub REST v3 client scoped to one repository.
type Client struct {
	APIURL string
	Owner  string
	Repo   string
	Tokens TokenSource
	HTTP   *http.Client
}

// NewClient accepts repo as "owner/name".
func NewClient(apiURL, repo string, tokens TokenSource) (*Client, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("repository must be owner/name, got %q", repo)
	}
	if apiURL == "" {
		apiURL = githubapp.DefaultAPIURL
	}
	return &Client{
		APIURL: strings.TrimRight(apiURL, "/"),
		Owner:  owner,
		Repo:   name,
		Tokens: tokens,
		HTTP:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Client) repoPath(format string, args ...any) string {
	return fmt.Sprintf("/repos/%s/%s", url.PathEscape(c.Owner), url.PathEscape(c.Repo)) + fmt.Sprintf(format, args...)
}

// ListIssues returns open issues carrying label, oldest first. Pull requests are skipped.
func (c *Client) ListIssues(ctx context.Context, label string) ([]Issue, error) {
	q := url.Values{}
	q.Set("state", "open")
	q.Set("labels", label)
	q.Set("sort", "created")
	q.Set("direction", "asc")
	q.Set("per_page", "100")

	all, err := getPages[Issue](ctx, c, c.repoPath("/issues?%s", q.Encode()))
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, is := range all {
		if is.PullRequest == nil {
			out = append(out, is)
		}
	}
	return out, nil
}

func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	var is Issue
	if err := c.do(ctx, http.MethodGet, c.repoPath("/issues/%d", number), nil, &is); err != nil {
		return nil, err
	}
	return &is, nil
}

func (c *Client) AddLabels(ctx context.Context, number int, labels ...string) error {
	body := map[string][]string{"labels": labels}
	return c.do(ctx, http.MethodPost, c.repoPath("/issues/%d/labels", number), body, nil)
}

// RemoveLabel ignores labels that are already gone.
func (c *Client) RemoveLabel(ctx context.Context, number int, label string) error {
	err := c.do(ctx, http.MethodDelete, c.repoPath("/issues/%d/labels/%s", number, url.PathEscape(label)), nil, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) CreateComment(ctx context.Context, number int, body string) (*Comment, error) {
	var cm Comment
	if err := c.do(ctx, http.MethodPost, c.repoPath("/issues/%d/comments", number), map[string]string{"body": body}, &cm); err != nil {
		return nil, err
	}
	return &cm, nil
}

// ListComments returns every comment on the issue, following pagination so
// the newest claims are always seen.
func (c *Client) ListComments(ctx context.Context, number int) ([]Comment, error) {
	return getPages[Comment](ctx, c, c.repoPath("/issues/%d/comments?per_page=100", number))
}

// maxPages bounds a paginated listing.
const maxPages = 100

var nextLinkRe = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="next"`)

// getPages GETs path and every page its Link header points to.
func getPages[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var all []T
	for page := 0; path != "" && page < maxPages; page++ {
		var items []T
		header, err := c.send(ctx, http.MethodGet, path, nil, &items)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		path, err = c.nextPage(header)
		if err != nil {
			return nil, err
		}
	}
	return all, nil
}

// nextPage returns the API path of the rel="next" link, or "" on the last page.
func (c *Client) nextPage(h http.Header) (string, error) {
	m := nextLinkRe.FindStringSubmatch(h.Get("Link"))
	if m == nil {
		return "", nil
	}
	if !strings.HasPrefix(m[1], c.APIURL+"/") {
		return "", fmt.Errorf("pagination link %q leaves %s", m[1], c.APIURL)
	}
	return strings.TrimPrefix(m[1], c.APIURL), nil
}

// DeleteComment ignores comments that are already gone.
func (c *Client) DeleteComment(ctx context.Context, id int64) error {
	err := c.do(ctx, http.MethodDelete, c.repoPath("/issues/comments/%d", id), nil, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	_, err := c.send(ctx, method, path, in, out)
	return err
}

func (c *Client) send(ctx context.Context, method, path string, in, out any) (http.Header, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.APIURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubapp.APIVersion)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Tokens != nil {
		tok, err := c.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("github token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read github response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &msg)
		return nil, &githubapp.APIError{Status: resp.StatusCode, Message: msg.Message}
	}
	if out == nil || len(data) == 0 {
		return resp.Header, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode github response: %w", err)
	}
	return resp.Header, nil
}

func isNotFound(err error) bool {
	var apiErr *githubapp.APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
