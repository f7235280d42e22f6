package gitlab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/engramhq/engram/pkg/errkind"
)

// Commit is one commit as returned by the GitLab commits API.
type Commit struct {
	ID            string    `json:"id"`
	ShortID       string    `json:"short_id"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	AuthorName    string    `json:"author_name"`
	AuthorEmail   string    `json:"author_email"`
	CommittedDate time.Time `json:"committed_date"`
	ParentIDs     []string  `json:"parent_ids"`
	Stats         *Stats    `json:"stats,omitempty"`
}

// Stats carries per-commit change counts (requires with_stats=true).
type Stats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Total     int `json:"total"`
}

// Diff is one file-level diff from the commit diff API.
type Diff struct {
	OldPath     string `json:"old_path"`
	NewPath     string `json:"new_path"`
	Diff        string `json:"diff"`
	NewFile     bool   `json:"new_file"`
	RenamedFile bool   `json:"renamed_file"`
	DeletedFile bool   `json:"deleted_file"`
}

// DiffResult wraps the size-checked diff fetch into a non-exceptional
// outcome: oversize content is a tagged result, not an error.
type DiffResult struct {
	OK        bool
	Diffs     []Diff
	SizeBytes int64
	Kind      errkind.Kind
	Message   string
}

// CommitsQuery selects a window of commits.
type CommitsQuery struct {
	Since   time.Time
	Until   time.Time
	RefName string
	Page    int
	PerPage int
}

// ClientConfig configures the adapter.
type ClientConfig struct {
	BaseURL        string
	TenantID       string
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RequestTimeout time.Duration
	MaxInFlight    int
}

// Client is the GitLab HTTP adapter. All failures are classified into the
// shared error-kind enumeration; the raw token never reaches a log line.
type Client struct {
	cfg     ClientConfig
	httpc   *http.Client
	tokens  TokenProvider
	limiter Limiter
	gate    *inflightGate
}

// NewClient creates a GitLab adapter.
func NewClient(cfg ClientConfig, tokens TokenProvider, limiter Limiter) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	return &Client{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.RequestTimeout},
		tokens:  tokens,
		limiter: limiter,
		gate:    newInflightGate(cfg.MaxInFlight),
	}
}

// limiterKey scopes the shared bucket per (base_url, tenant).
func (c *Client) limiterKey() string {
	return c.cfg.BaseURL + "|" + c.cfg.TenantID
}

// doJSON performs one rate-limited, retried GET and decodes the body into
// out. Dispatch passes the per-tenant concurrency gate after the rate
// limiter. Retries cover timeouts, 429 and 5xx; Retry-After wins over
// computed backoff when present.
func (c *Client) doJSON(ctx context.Context, path string, query url.Values, out any) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, c.limiterKey()); err != nil {
				return errkind.Wrap(errkind.Timeout, "rate limiter wait", err)
			}
		}

		release, err := c.gate.acquire(ctx, c.limiterKey())
		if err != nil {
			return errkind.Wrap(errkind.Timeout, "concurrency gate wait", err)
		}
		retryAfter, err := c.doOnce(ctx, path, query, out)
		release()
		if err == nil {
			return nil
		}
		lastErr = err
		if !errkind.KindOf(err).Retryable() || attempt == c.cfg.MaxAttempts {
			return err
		}

		sleep := c.backoff(attempt)
		if retryAfter > 0 {
			sleep = retryAfter
		}
		slog.Debug("gitlab: retrying", "path", path, "attempt", attempt, "sleep", sleep, "error", err)
		select {
		case <-ctx.Done():
			return errkind.Wrap(errkind.Timeout, "context canceled during backoff", ctx.Err())
		case <-time.After(sleep):
		}
	}
	return lastErr
}

// backoff computes exponential backoff with full jitter, capped.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffBase << uint(attempt-1) //nolint:gosec // attempt is small
	if d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2) //nolint:gosec // jitter, not crypto
}

func (c *Client) doOnce(ctx context.Context, path string, query url.Values, out any) (time.Duration, error) {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, errkind.Wrap(errkind.Unknown, "build request", err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, errkind.Wrap(errkind.AuthError, "resolve token", err)
	}
	req.Header.Set("PRIVATE-TOKEN", token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, classifyTransportErr(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, errkind.Wrap(errkind.ParseError, "decode response", err)
		}
		return 0, nil
	}

	// Drain so the connection is reusable.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return retryAfter, errkind.New(errkind.RateLimited, "gitlab responded 429")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, errkind.New(errkind.AuthError, fmt.Sprintf("gitlab responded %d", resp.StatusCode))
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return 0, errkind.New(errkind.ContentTooLarge, "gitlab responded 413")
	case resp.StatusCode >= 500:
		return retryAfter, errkind.New(errkind.HTTPError, fmt.Sprintf("gitlab responded %d: %s", resp.StatusCode, string(body)))
	default:
		return 0, errkind.New(errkind.HTTPError, fmt.Sprintf("gitlab responded %d: %s", resp.StatusCode, string(body)))
	}
}

func classifyTransportErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errkind.Wrap(errkind.Timeout, "gitlab request timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errkind.Wrap(errkind.Timeout, "gitlab request timed out", err)
	}
	return errkind.Wrap(errkind.NetworkError, "gitlab request failed", err)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// GetCommits fetches one page of commits in the window, with stats.
func (c *Client) GetCommits(ctx context.Context, projectID string, q CommitsQuery) ([]Commit, error) {
	query := url.Values{}
	query.Set("with_stats", "true")
	query.Set("page", strconv.Itoa(max(q.Page, 1)))
	query.Set("per_page", strconv.Itoa(max(q.PerPage, 20)))
	if !q.Since.IsZero() {
		query.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		query.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	if q.RefName != "" {
		query.Set("ref_name", q.RefName)
	}

	var commits []Commit
	path := fmt.Sprintf("/api/v4/projects/%s/repository/commits", url.PathEscape(projectID))
	if err := c.doJSON(ctx, path, query, &commits); err != nil {
		return nil, err
	}
	return commits, nil
}

// GetCommitDiff fetches the file-level diffs of one commit.
func (c *Client) GetCommitDiff(ctx context.Context, projectID, sha string) ([]Diff, error) {
	var diffs []Diff
	path := fmt.Sprintf("/api/v4/projects/%s/repository/commits/%s/diff",
		url.PathEscape(projectID), url.PathEscape(sha))
	if err := c.doJSON(ctx, path, url.Values{"per_page": {"100"}}, &diffs); err != nil {
		return nil, err
	}
	return diffs, nil
}

// GetCommitDiffSafe wraps GetCommitDiff with a size ceiling. Both fetch
// failures and oversize content come back as a tagged DiffResult.
func (c *Client) GetCommitDiffSafe(ctx context.Context, projectID, sha string, maxSize int64) DiffResult {
	diffs, err := c.GetCommitDiff(ctx, projectID, sha)
	if err != nil {
		return DiffResult{Kind: errkind.KindOf(err), Message: err.Error()}
	}
	var size int64
	for _, d := range diffs {
		size += int64(len(d.Diff))
	}
	if maxSize > 0 && size > maxSize {
		return DiffResult{
			SizeBytes: size,
			Kind:      errkind.ContentTooLarge,
			Message:   fmt.Sprintf("diff is %d bytes, limit %d", size, maxSize),
		}
	}
	return DiffResult{OK: true, Diffs: diffs, SizeBytes: size}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
