package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/gridflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	// DefaultHTTPTimeout is the hard limit of one HTTP column request.
	DefaultHTTPTimeout = 30 * time.Second
	errorSnippetLen    = 200
)

// HTTPConfig configures the HTTP client.
type HTTPConfig struct {
	MaxResponseBody int64
	Timeout         time.Duration
	Client          *http.Client
}

// HTTPRequest is a fully resolved HTTP column request.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Auth    *schema.HTTPAuth
}

// HTTPResponse is a parsed response. Body is decoded JSON when the content
// type says so, else the body text.
type HTTPResponse struct {
	StatusCode  int
	ContentType string
	Body        any
	Duration    time.Duration
}

// HTTPClient executes HTTP column requests.
type HTTPClient struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPClient creates an HTTP client with defaults applied.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &HTTPClient{config: cfg, client: client}
}

// Timeout returns the configured per-request timeout.
func (c *HTTPClient) Timeout() time.Duration { return c.config.Timeout }

// Validate checks method and URL before a request is sent.
func (c *HTTPClient) Validate(req HTTPRequest) error {
	switch normalizeMethod(req.Method) {
	case http.MethodGet, http.MethodPost, http.MethodPut:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unsupported method %q", req.Method)
	}
	if strings.TrimSpace(req.URL) == "" {
		return schema.NewError(schema.ErrCodeValidation, "missing url")
	}
	u, err := url.ParseRequestURI(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", req.URL)
	}
	return nil
}

// Do sends req. Failures are GridErrors: TIMEOUT when the request outlives
// the configured timeout, ADAPTER_ERROR for network failures and non-2xx
// responses.
func (c *HTTPClient) Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	if err := c.Validate(req); err != nil {
		return nil, err
	}
	method := normalizeMethod(req.Method)

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var body io.Reader
	if req.Body != "" && method != http.MethodGet {
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "create request: %s", err.Error()).WithCause(err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", guessContentType(req.Body))
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	applyAuth(httpReq, req.Auth)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"request timed out after %s", c.config.Timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBody))
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"request timed out after %s", c.config.Timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "read response body: %s", err.Error()).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, schema.NewErrorf(schema.ErrCodeAdapter, "HTTP %d: %s", resp.StatusCode, snippet(bodyBytes, resp.StatusCode)).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}

	contentType := resp.Header.Get("Content-Type")
	return &HTTPResponse{
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Body:        parseBody(bodyBytes, contentType),
		Duration:    time.Since(start),
	}, nil
}

func normalizeMethod(m string) string {
	m = strings.ToUpper(strings.TrimSpace(m))
	if m == "" {
		return http.MethodGet
	}
	return m
}

func applyAuth(req *http.Request, auth *schema.HTTPAuth) {
	if auth == nil {
		return
	}
	switch strings.ToLower(auth.Type) {
	case "bearer":
		if auth.Token != "" {
			req.Header.Set("Authorization", "Bearer "+auth.Token)
		}
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	}
}

// guessContentType labels a request body as JSON when it parses as JSON.
func guessContentType(body string) string {
	if json.Valid([]byte(body)) {
		return "application/json"
	}
	return "text/plain; charset=utf-8"
}

func parseBody(b []byte, contentType string) any {
	if len(b) == 0 {
		return nil
	}
	if strings.Contains(strings.ToLower(contentType), "json") {
		var v any
		if err := json.Unmarshal(b, &v); err == nil {
			return v
		}
	}
	return string(b)
}

// snippet shortens an error body for the cell message. Empty bodies use the
// status text.
func snippet(b []byte, status int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > errorSnippetLen {
		return s[:errorSnippetLen] + "..."
	}
	if s == "" {
		return http.StatusText(status)
	}
	return s
}

// String renders the request for logs without credentials.
func (r HTTPRequest) String() string {
	return fmt.Sprintf("%s %s", normalizeMethod(r.Method), r.URL)
}
