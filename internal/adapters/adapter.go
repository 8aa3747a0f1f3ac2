package adapters

import (
	"context"
)

// Provider is a named enrichment function. A nil result with a nil error
// means the provider found nothing.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, input string) (any, error)
}

// ProviderRegistry resolves providers by name.
type ProviderRegistry interface {
	Register(p Provider) error
	Get(name string) (Provider, error)
	List() []ProviderInfo
}

// ProviderInfo is a summary of a registered provider for listing.
type ProviderInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ChatMessage is one message of a chat completion.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the input to a chat completion.
type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Model       string        `json:"model,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// ChatCompleter produces the text of a chat completion. Implementations
// return a RATE_LIMITED GridError when the service asks callers to back off.
type ChatCompleter interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc struct {
	ProviderName string
	Description  string
	Fn           func(ctx context.Context, input string) (any, error)
}

// Name implements Provider.
func (p *ProviderFunc) Name() string { return p.ProviderName }

// Describe returns the provider's description for listings.
func (p *ProviderFunc) Describe() string { return p.Description }

// Lookup implements Provider.
func (p *ProviderFunc) Lookup(ctx context.Context, input string) (any, error) {
	return p.Fn(ctx, input)
}

var _ Provider = (*ProviderFunc)(nil)
