package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/twinsync/internal/codec"
	"github.com/kalambet/twinsync/internal/media"
)

const defaultTimeout = 15 * time.Second

// Client talks to a peer's /sync endpoints.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a client for the peer at baseURL. Every request is
// bounded by timeout; zero selects the default.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// StatusError is returned when the peer answers with a non-200 status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func (c *Client) State(ctx context.Context) (StateResponse, error) {
	var out StateResponse
	err := c.do(ctx, http.MethodGet, "/sync/state", nil, &out)
	return out, err
}

func (c *Client) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	var out PushResponse
	err := c.do(ctx, http.MethodPost, "/sync/changes/push", req, &out)
	return out, err
}

func (c *Client) Pull(ctx context.Context, afterSeq int64, limit int) (PullResponse, error) {
	q := url.Values{}
	q.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	q.Set("limit", strconv.Itoa(limit))
	var out PullResponse
	err := c.do(ctx, http.MethodGet, "/sync/changes/pull?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) MediaManifest(ctx context.Context, after time.Time, limit int, refresh bool) (media.ManifestResponse, error) {
	q := url.Values{}
	if !after.IsZero() {
		q.Set("after_updated_at", codec.FormatTime(after))
	}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("refresh", strconv.FormatBool(refresh))
	var out media.ManifestResponse
	err := c.do(ctx, http.MethodGet, "/sync/media/manifest?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) MediaFetch(ctx context.Context, req media.FetchRequest) (media.FetchResponse, error) {
	var out media.FetchResponse
	err := c.do(ctx, http.MethodPost, "/sync/media/fetch", req, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
