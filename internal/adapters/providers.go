package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/rendis/gridflow/pkg/schema"
)

// Call shapes of configured HTTP providers.
const (
	// ShapeLookup sends the input as a query parameter of a GET request.
	ShapeLookup = "lookup"
	// ShapeMatch posts {"query": input} as JSON.
	ShapeMatch = "match"
)

// ProviderConfig declares an HTTP-backed enrichment provider.
type ProviderConfig struct {
	Name        string            `mapstructure:"name" json:"name"`
	Description string            `mapstructure:"description" json:"description,omitempty"`
	URL         string            `mapstructure:"url" json:"url"`
	Shape       string            `mapstructure:"shape" json:"shape,omitempty"`
	Param       string            `mapstructure:"param" json:"param,omitempty"`
	Headers     map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	Token       string            `mapstructure:"token" json:"-"`
}

// HTTPProvider is an enrichment provider backed by a remote endpoint.
type HTTPProvider struct {
	config ProviderConfig
	http   *HTTPClient
}

// NewHTTPProvider validates cfg and creates the provider.
func NewHTTPProvider(cfg ProviderConfig, client *HTTPClient) (*HTTPProvider, error) {
	if cfg.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "provider name is empty")
	}
	if cfg.Shape == "" {
		cfg.Shape = ShapeLookup
	}
	if cfg.Shape != ShapeLookup && cfg.Shape != ShapeMatch {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "provider %q: unknown shape %q", cfg.Name, cfg.Shape)
	}
	if cfg.Param == "" {
		cfg.Param = "q"
	}
	if client == nil {
		client = NewHTTPClient(HTTPConfig{})
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "provider %q: invalid url %q", cfg.Name, cfg.URL)
	}
	return &HTTPProvider{config: cfg, http: client}, nil
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return p.config.Name }

// Describe returns the provider's description for listings.
func (p *HTTPProvider) Describe() string { return p.config.Description }

// Lookup calls the endpoint with input. An empty 2xx body or a 404 yields
// nil: the provider has no record for the input.
func (p *HTTPProvider) Lookup(ctx context.Context, input string) (any, error) {
	req := HTTPRequest{Headers: p.config.Headers}
	if p.config.Token != "" {
		req.Auth = &schema.HTTPAuth{Type: "bearer", Token: p.config.Token}
	}

	switch p.config.Shape {
	case ShapeMatch:
		body, err := json.Marshal(map[string]string{"query": input})
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeAdapter, "encode match body: %s", err.Error()).WithCause(err)
		}
		req.Method = "POST"
		req.URL = p.config.URL
		req.Body = string(body)
	default:
		u, err := url.Parse(p.config.URL)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeAdapter, "invalid url: %s", err.Error()).WithCause(err)
		}
		q := u.Query()
		q.Set(p.config.Param, input)
		u.RawQuery = q.Encode()
		req.Method = "GET"
		req.URL = u.String()
	}

	resp, err := p.http.Do(ctx, req)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if s, ok := resp.Body.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return resp.Body, nil
}

func isNotFound(err error) bool {
	var ge *schema.GridError
	if !errors.As(err, &ge) {
		return false
	}
	code, _ := ge.Details["status_code"].(int)
	return code == http.StatusNotFound
}

// RegisterHTTPProviders builds and registers every configured provider.
func RegisterHTTPProviders(reg ProviderRegistry, configs []ProviderConfig, client *HTTPClient) error {
	for _, cfg := range configs {
		p, err := NewHTTPProvider(cfg, client)
		if err != nil {
			return err
		}
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}

var _ Provider = (*HTTPProvider)(nil)
