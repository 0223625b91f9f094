package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"modelswarm/internal/domain"
	"modelswarm/internal/domain/ports"
	"modelswarm/internal/metrics"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 4 << 20
)

// StatusError is a non-2xx reply from the tracker or another upstream
// sharing its retry policy.
type StatusError struct {
	Service    string // empty means the tracker
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	service := e.Service
	if service == "" {
		service = "tracker"
	}
	return fmt.Sprintf("%s returned %d: %s", service, e.Code, e.Body)
}

// Client talks to the tracker registry.
type Client struct {
	baseURL string
	http    *http.Client
	retry   RetryConfig
	logger  *slog.Logger
}

var (
	_ ports.DescriptorResolver  = (*Client)(nil)
	_ ports.DescriptorPublisher = (*Client)(nil)
)

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithRetry(cfg RetryConfig) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry:  DefaultRetryConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

type listResponse struct {
	Data []domain.Descriptor `json:"data"`
}

// List returns every descriptor published for repoID.
func (c *Client) List(ctx context.Context, repoID string) ([]domain.Descriptor, error) {
	endpoint := c.baseURL + "/api/v1/torrents?" + url.Values{"repo_id": {repoID}}.Encode()

	var out listResponse
	err := RetryWithBackoff(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			out = listResponse{}
			return nil
		}
		if err := checkStatus(resp); err != nil {
			return err
		}
		out = listResponse{}
		return json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out)
	})
	if err != nil {
		metrics.TrackerRequestsTotal.WithLabelValues("list", "error").Inc()
		return nil, err
	}
	metrics.TrackerRequestsTotal.WithLabelValues("list", "ok").Inc()
	return out.Data, nil
}

// Resolve picks the descriptor matching key.Revision, or the newest one
// when the key has no revision.
func (c *Client) Resolve(ctx context.Context, key domain.RepoKey) (domain.Descriptor, error) {
	entries, err := c.List(ctx, key.RepoID)
	if err != nil {
		return domain.Descriptor{}, err
	}
	d, ok := selectDescriptor(entries, key.Revision)
	if !ok {
		c.logger.Debug("no descriptor on tracker", slog.String("repo", key.String()))
		return domain.Descriptor{}, fmt.Errorf("%w: %s", domain.ErrDescriptorNotFound, key)
	}
	if d.RepoID == "" {
		d.RepoID = key.RepoID
	}
	return d, nil
}

func selectDescriptor(entries []domain.Descriptor, revision string) (domain.Descriptor, bool) {
	var best domain.Descriptor
	found := false
	for _, d := range entries {
		if d.MagnetLink == "" {
			continue
		}
		if revision != "" {
			if d.Revision == revision {
				return d, true
			}
			continue
		}
		if !found || d.CreatedAt > best.CreatedAt {
			best, found = d, true
		}
	}
	return best, found
}

type publishRequest struct {
	RepoID      string `json:"repo_id"`
	Revision    string `json:"revision"`
	RepoType    string `json:"repo_type"`
	Name        string `json:"name"`
	InfoHash    string `json:"info_hash"`
	TotalSize   int64  `json:"total_size"`
	FileCount   int    `json:"file_count"`
	MagnetLink  string `json:"magnet_link"`
	PieceLength int64  `json:"piece_length"`
}

func (c *Client) Publish(ctx context.Context, d domain.Descriptor) error {
	body, err := json.Marshal(publishRequest{
		RepoID:      d.RepoID,
		Revision:    d.Revision,
		RepoType:    d.RepoType,
		Name:        d.Name,
		InfoHash:    d.InfoHash,
		TotalSize:   d.TotalSize,
		FileCount:   d.FileCount,
		MagnetLink:  d.MagnetLink,
		PieceLength: d.PieceLength,
	})
	if err != nil {
		return err
	}

	err = RetryWithBackoff(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/publish", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return checkStatus(resp)
	})
	if err != nil {
		metrics.TrackerRequestsTotal.WithLabelValues("publish", "error").Inc()
		return err
	}
	metrics.TrackerRequestsTotal.WithLabelValues("publish", "ok").Inc()
	c.logger.Info("descriptor published",
		slog.String("repo", d.RepoID+"@"+d.Revision),
		slog.String("infoHash", d.InfoHash),
	)
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		Code:       resp.StatusCode,
		Body:       strings.TrimSpace(string(snippet)),
		RetryAfter: ParseRetryAfter(resp.Header),
	}
}
