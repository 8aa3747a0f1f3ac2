package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rendis/gridflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gridErr(t *testing.T, err error) *schema.GridError {
	t.Helper()
	var ge *schema.GridError
	require.True(t, errors.As(err, &ge), "expected GridError, got %v", err)
	return ge
}

func TestHTTPClient_GET_JSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		json.NewEncoder(w).Encode(map[string]any{"domain": "acme.com", "size": 42})
	}))
	defer srv.Close()

	resp, err := NewHTTPClient(HTTPConfig{}).Do(context.Background(), HTTPRequest{URL: srv.URL})
	require.NoError(t, err)

	assert.Equal(t, 200, resp.StatusCode)
	body, ok := resp.Body.(map[string]any)
	require.True(t, ok, "body should be parsed map")
	assert.Equal(t, "acme.com", body["domain"])
	assert.Equal(t, float64(42), body["size"])
}

func TestHTTPClient_TextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(`{"looks":"like json"}`))
	}))
	defer srv.Close()

	resp, err := NewHTTPClient(HTTPConfig{}).Do(context.Background(), HTTPRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, `{"looks":"like json"}`, resp.Body)
}

func TestHTTPClient_POST_HeadersBodyAuth(t *testing.T) {
	var (
		gotBody   map[string]any
		gotAuth   string
		gotHeader string
		gotCT     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		gotAuth = r.Header.Get("Authorization")
		gotHeader = r.Header.Get("X-Company")
		gotCT = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &gotBody)
		w.WriteHeader(201)
	}))
	defer srv.Close()

	resp, err := NewHTTPClient(HTTPConfig{}).Do(context.Background(), HTTPRequest{
		Method:  "post",
		URL:     srv.URL,
		Headers: map[string]string{"X-Company": "Acme"},
		Body:    `{"name":"Acme"}`,
		Auth:    &schema.HTTPAuth{Type: "bearer", Token: "tok-123"},
	})
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)
	assert.Nil(t, resp.Body)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "Acme", gotHeader)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, "Acme", gotBody["name"])
}

func TestHTTPClient_BasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "ada", u)
		assert.Equal(t, "secret", p)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(HTTPConfig{}).Do(context.Background(), HTTPRequest{
		Method: "PUT",
		URL:    srv.URL,
		Auth:   &schema.HTTPAuth{Type: "basic", Username: "ada", Password: "secret"},
	})
	require.NoError(t, err)
}

func TestHTTPClient_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		w.Write([]byte("no such company"))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(HTTPConfig{}).Do(context.Background(), HTTPRequest{URL: srv.URL})
	ge := gridErr(t, err)
	assert.Equal(t, schema.ErrCodeAdapter, ge.Code)
	assert.Equal(t, "HTTP 404: no such company", ge.Message)
}

func TestHTTPClient_Non2xxEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(HTTPConfig{}).Do(context.Background(), HTTPRequest{URL: srv.URL})
	ge := gridErr(t, err)
	assert.Equal(t, "HTTP 500: Internal Server Error", ge.Message)
}

func TestHTTPClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewHTTPClient(HTTPConfig{Timeout: 50 * time.Millisecond}).Do(context.Background(), HTTPRequest{URL: srv.URL})
	ge := gridErr(t, err)
	assert.Equal(t, schema.ErrCodeTimeout, ge.Code)
	assert.Contains(t, ge.Message, "timed out")
}

func TestHTTPClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPClient(HTTPConfig{}).Do(context.Background(), HTTPRequest{URL: url})
	ge := gridErr(t, err)
	assert.Equal(t, schema.ErrCodeAdapter, ge.Code)
}

func TestHTTPClient_Validate(t *testing.T) {
	c := NewHTTPClient(HTTPConfig{})
	assert.Equal(t, DefaultHTTPTimeout, c.Timeout())

	for _, req := range []HTTPRequest{
		{URL: ""},
		{URL: "ftp://example.com"},
		{URL: "not a url"},
		{Method: "DELETE", URL: "https://example.com"},
	} {
		err := c.Validate(req)
		require.Error(t, err, req.String())
		assert.Equal(t, schema.ErrCodeValidation, gridErr(t, err).Code)
	}
	assert.NoError(t, c.Validate(HTTPRequest{URL: "https://example.com/x"}))
}
