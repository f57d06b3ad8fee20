// Package github implements tracker.Tracker and tracker.ChangeRequestLister
// against the GitHub REST API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public GitHub API.
	DefaultBaseURL = "https://api.github.com"

	apiVersion = "2022-11-28"

	// maxResponseBytes bounds a single response body.
	maxResponseBytes = 16 << 20

	perPage = 100
)

// Config configures a Client.
type Config struct {
	// BaseURL defaults to DefaultBaseURL. Plain HTTP is only accepted for
	// loopback hosts.
	BaseURL string

	// Owner and Repo name the repository. Both are required.
	Owner string
	Repo  string

	// Token is sent as a bearer token. Empty means unauthenticated.
	Token string

	// RequestsPerSecond caps the request rate. Zero means 5.
	RequestsPerSecond float64

	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Client talks to one GitHub repository.
type Client struct {
	baseURL    string
	owner      string
	repo       string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger
}

// NewClient validates cfg and returns a client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("github: invalid base url %q: %w", base, err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !isLoopback(u.Hostname()) {
			return nil, fmt.Errorf("github: API client requires HTTPS (got %q)", base)
		}
	default:
		return nil, fmt.Errorf("github: unsupported scheme in %q", base)
	}

	owner := strings.TrimSpace(cfg.Owner)
	repo := strings.TrimSpace(cfg.Repo)
	if owner == "" || repo == "" {
		return nil, errors.New("github: owner and repo are required")
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		baseURL:    base,
		owner:      owner,
		repo:       repo,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		log:        log,
	}, nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// ParseRepo splits "owner/repo".
func ParseRepo(s string) (owner, repo string, err error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("github: repository must be owner/repo, got %q", s)
	}
	return parts[0], parts[1], nil
}

func (c *Client) repoPath(format string, args ...any) string {
	return fmt.Sprintf("/repos/%s/%s", url.PathEscape(c.owner), url.PathEscape(c.repo)) + fmt.Sprintf(format, args...)
}

// doRaw sends one request after waiting on the rate limiter. The caller
// closes the response body.
func (c *Client) doRaw(ctx context.Context, method, target string, body any) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("github: encoding request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("github: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: %s %s: %w", method, target, err)
	}
	c.log.Debug("GitHub request",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))
	return resp, nil
}

// do sends a request to path and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	resp, err := c.doRaw(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("github: reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// listAll follows rel="next" links until the last page.
func listAll[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var all []T
	next := c.baseURL + path
	for next != "" {
		resp, err := c.doRaw(ctx, http.MethodGet, next, nil)
		if err != nil {
			return all, err
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		_ = resp.Body.Close()
		if err != nil {
			return all, fmt.Errorf("github: reading response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return all, parseAPIError(resp.StatusCode, data)
		}

		var page []T
		if err := json.Unmarshal(data, &page); err != nil {
			return all, fmt.Errorf("github: decoding page: %w", err)
		}
		all = append(all, page...)
		next = parseLinkNext(resp.Header.Get("Link"))
		if next != "" && !c.sameOrigin(next) {
			return all, fmt.Errorf("%w: %s", ErrForeignLink, next)
		}
	}
	return all, nil
}

// ErrForeignLink is returned when a pagination link points away from the
// configured API host. The token is never sent there.
var ErrForeignLink = errors.New("github: pagination link leaves the API host")

func (c *Client) sameOrigin(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, base.Scheme) && strings.EqualFold(u.Host, base.Host)
}

// parseLinkNext extracts the rel="next" URL from an RFC 8288 Link header.
//
// Format: <https://api.github.com/...?page=2>; rel="next", <...>; rel="last"
func parseLinkNext(header string) string {
	for _, part := range strings.Split(header, ",") {
		segments := strings.SplitN(strings.TrimSpace(part), ";", 2)
		if len(segments) != 2 {
			continue
		}
		target := strings.TrimSpace(segments[0])
		if !strings.Contains(segments[1], `rel="next"`) {
			continue
		}
		if strings.HasPrefix(target, "<") && strings.HasSuffix(target, ">") {
			return target[1 : len(target)-1]
		}
	}
	return ""
}
