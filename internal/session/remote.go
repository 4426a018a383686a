package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrOffline is returned when the online backend cannot be reached.
var ErrOffline = errors.New("session backend unreachable")

// Remote is the online copy of the session map.
type Remote interface {
	Fetch(ctx context.Context) (Map, error)
	Push(ctx context.Context, m Map) error
}

// RemoteClient talks to the session backend over HTTP.
type RemoteClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewRemoteClient returns a client for baseURL authenticated with token.
func NewRemoteClient(baseURL, token string) *RemoteClient {
	return &RemoteClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 0},
	}
}

func (c *RemoteClient) do(ctx context.Context, method string, body io.Reader) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/sessions", body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// Fetch downloads the remote session map.
func (c *RemoteClient) Fetch(ctx context.Context) (Map, error) {
	resp, err := c.do(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching sessions: unexpected status %d", resp.StatusCode)
	}
	m := Map{}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding sessions: %w", err)
	}
	return m, nil
}

// Push replaces the remote session map.
func (c *RemoteClient) Push(ctx context.Context, m Map) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding sessions: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPut, bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("pushing sessions: unexpected status %d", resp.StatusCode)
	}
	return nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
