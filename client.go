// Package connectlink is the Go SDK for ConnectLink messaging.
//
// It keeps a local, render-ready view of conversations consistent with the
// backend's append-only message log under real-time push updates: optimistic
// sends, authoritative re-reads on every change event, and idempotent
// reconciliation.
//
// Example:
//
//	client := connectlink.NewClient("https://xyz.example.co", anonKey,
//		connectlink.WithAccessToken(token))
//
//	user, _ := client.Auth().CurrentUser(ctx)
//	engine := connectlink.NewEngine(connectlink.EngineConfig{
//		Store:     client.Store(),
//		Directory: client.Store(),
//		Blobs:     client.Blobs(),
//		Transport: client.Realtime(nil),
//		SelfID:    user.ID,
//	})
//	defer engine.Shutdown()
//
//	view, _ := engine.Open(ctx, conversationID)
//	token, _ := engine.Send(ctx, conversationID, "hello", nil)
package connectlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultPageSize = 100
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the managed backend: REST rows, auth, storage, realtime.
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	logger     zerolog.Logger
	pageSize   int

	auth  *AuthClient
	store *RESTStore
	blobs *RESTBlobStore
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithAccessToken starts the client with an existing session token.
func WithAccessToken(token string) ClientOption {
	return func(c *Client) {
		if token != "" {
			c.auth.session = &Session{AccessToken: token}
		}
	}
}

// WithPageSize sets how many rows one paginated read asks for.
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// NewClient creates a client for the backend at baseURL. anonKey is the
// project's public API key; the user's access token, when present, is sent
// as the bearer credential.
func NewClient(baseURL, anonKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:   zerolog.Nop(),
		pageSize: DefaultPageSize,
	}
	c.auth = &AuthClient{client: c}

	for _, opt := range opts {
		opt(c)
	}

	c.store = &RESTStore{client: c}
	c.blobs = &RESTBlobStore{client: c}
	return c
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Auth returns the auth service client.
func (c *Client) Auth() *AuthClient {
	return c.auth
}

// Store returns the REST implementation of MessageStore and Directory.
func (c *Client) Store() *RESTStore {
	return c.store
}

// Blobs returns the attachment blob store.
func (c *Client) Blobs() *RESTBlobStore {
	return c.blobs
}

// Realtime creates a WebSocket change-feed transport bound to the current
// session. Call Close when done.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.auth.accessToken()
	}
	if cfg.APIKey == "" {
		cfg.APIKey = c.anonKey
	}
	cfg.defaults()
	return newRealtimeClient(c.baseURL, &cfg, c.logger)
}

// ============================================================================
// Internal request helper
// ============================================================================

type request struct {
	method      string
	path        string
	query       url.Values
	body        any
	contentType string
	header      map[string]string
}

func (c *Client) doRequest(ctx context.Context, r request) ([]byte, error) {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var bodyReader io.Reader
	contentType := r.contentType
	switch b := r.body.(type) {
	case nil:
	case []byte:
		bodyReader = bytes.NewReader(b)
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.anonKey != "" {
		req.Header.Set("apikey", c.anonKey)
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range r.header {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, transientError(r.method+" "+r.path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transientError(r.method+" "+r.path, err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		c.logger.Debug().
			Str("method", r.method).
			Str("path", r.path).
			Int("status", resp.StatusCode).
			Str("code", apiErr.Code).
			Msg("backend request failed")
		return nil, fmt.Errorf("%s %s: %w", r.method, r.path, apiErr)
	}
	return data, nil
}

func (c *Client) bearer() string {
	if t := c.auth.accessToken(); t != "" {
		return t
	}
	return c.anonKey
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm", ".heic": "image/heic",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		// Strip charset parameter (e.g. "text/plain; charset=utf-8" → "text/plain")
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
