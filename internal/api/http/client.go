package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"modelswarm/internal/domain"
)

// Client talks to a running daemon. Its RegisterDownload has the same
// contract as the in-process coordinator, so the fetch layer can use either.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		// Downloads block server-side up to their own timeout.
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) RegisterDownload(ctx context.Context, key domain.RepoKey, filename, destination string, timeout time.Duration) error {
	body := downloadRequest{
		RepoID:         key.RepoID,
		Revision:       key.Revision,
		Filename:       filename,
		Destination:    destination,
		TimeoutSeconds: int(timeout.Round(time.Second) / time.Second),
	}
	return c.do(ctx, http.MethodPost, "/api/v1/downloads", body, nil)
}

// RegisterSeeding returns domain.ErrMetadataTimeout when the daemon accepted
// the seed but is still waiting for metadata.
func (c *Client) RegisterSeeding(ctx context.Context, key domain.RepoKey, rawDescriptor []byte) error {
	var out seedResponse
	body := seedRequest{RepoID: key.RepoID, Revision: key.Revision, Descriptor: rawDescriptor}
	if err := c.do(ctx, http.MethodPost, "/api/v1/seeds", body, &out); err != nil {
		return err
	}
	if out.Pending {
		return domain.ErrMetadataTimeout
	}
	return nil
}

func (c *Client) Status(ctx context.Context) ([]domain.SessionStatus, error) {
	var out []domain.SessionStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stop stops key, or every session when key is nil.
func (c *Client) Stop(ctx context.Context, key *domain.RepoKey) (int, error) {
	var body stopRequest
	if key != nil {
		body = stopRequest{RepoID: key.RepoID, Revision: key.Revision}
	}
	var out stopResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/stop", body, &out); err != nil {
		return 0, err
	}
	return out.Stopped, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out)
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Error.Code == "" {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if sentinel := errorForCode(env.Error.Code); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, env.Error.Message)
	}
	return fmt.Errorf("daemon returned %d (%s): %s", resp.StatusCode, env.Error.Code, env.Error.Message)
}
