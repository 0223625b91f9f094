// Package hub is a minimal client for the model hub's HTTP API: repository
// file listings and direct file downloads.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"modelswarm/internal/domain"
	"modelswarm/internal/tracker"
)

const maxInfoBytes = 16 << 20

type Client struct {
	endpoint string
	token    string
	repoType string
	http     *http.Client
	retry    tracker.RetryConfig
	logger   *slog.Logger
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithRepoType selects "model" (default), "dataset" or "space".
func WithRepoType(repoType string) Option {
	return func(c *Client) {
		if repoType != "" {
			c.repoType = repoType
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithRetry(cfg tracker.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		repoType: "model",
		// No overall timeout: weight files take as long as they take.
		http:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		retry:  tracker.DefaultRetryConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RepoInfo is the subset of the hub's repository metadata the downloader needs.
type RepoInfo struct {
	SHA   string
	Files []string
}

type repoInfoResponse struct {
	SHA      string `json:"sha"`
	Siblings []struct {
		RFilename string `json:"rfilename"`
	} `json:"siblings"`
}

// RepoInfo lists the files of key's snapshot. The returned SHA is the commit
// the revision resolved to.
func (c *Client) RepoInfo(ctx context.Context, key domain.RepoKey) (RepoInfo, error) {
	endpoint := fmt.Sprintf("%s/api/%ss/%s/revision/%s", c.endpoint, c.repoType, key.RepoID, url.PathEscape(key.Revision))

	var out repoInfoResponse
	err := tracker.RetryWithBackoff(ctx, c.retry, func() error {
		resp, err := c.get(ctx, endpoint)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		out = repoInfoResponse{}
		return json.NewDecoder(io.LimitReader(resp.Body, maxInfoBytes)).Decode(&out)
	})
	if err != nil {
		return RepoInfo{}, err
	}

	info := RepoInfo{SHA: out.SHA, Files: make([]string, 0, len(out.Siblings))}
	for _, s := range out.Siblings {
		if s.RFilename != "" {
			info.Files = append(info.Files, s.RFilename)
		}
	}
	return info, nil
}

// FileURL is where the hub serves filename for key.
func (c *Client) FileURL(key domain.RepoKey, filename string) string {
	prefix := ""
	switch c.repoType {
	case "dataset":
		prefix = "/datasets"
	case "space":
		prefix = "/spaces"
	}
	segments := strings.Split(filename, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return fmt.Sprintf("%s%s/%s/resolve/%s/%s", c.endpoint, prefix, key.RepoID, url.PathEscape(key.Revision), strings.Join(segments, "/"))
}

// Download streams filename into destination. The body lands in a temporary
// file next to destination and is renamed into place only when complete.
func (c *Client) Download(ctx context.Context, key domain.RepoKey, filename, destination string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return 0, fmt.Errorf("create destination dir: %w", err)
	}
	fileURL := c.FileURL(key, filename)
	start := time.Now()

	var written int64
	err := tracker.RetryWithBackoff(ctx, c.retry, func() error {
		resp, err := c.get(ctx, fileURL)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		written, err = writeAtomic(destination, resp.Body)
		return err
	})
	if err != nil {
		return 0, err
	}

	c.logger.Info("hub download complete",
		slog.String("repo", key.String()),
		slog.String("file", filename),
		slog.Int64("bytes", written),
		slog.Duration("elapsed", time.Since(start)),
	)
	return written, nil
}

func (c *Client) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, target)
	}
	return nil, &tracker.StatusError{
		Service:    "hub",
		Code:       resp.StatusCode,
		Body:       target,
		RetryAfter: tracker.ParseRetryAfter(resp.Header),
	}
}

func writeAtomic(destination string, body io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(destination), "."+filepath.Base(destination)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	n, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), destination); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("move into place: %w", err)
	}
	return n, nil
}
