package adapters

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/gridflow/pkg/schema"
)

const (
	// DefaultSystemPrompt keeps completions to the bare cell value.
	DefaultSystemPrompt = "Return only the requested value. No explanations, no labels, no surrounding quotes."
	// DefaultAIModel is used when neither the column nor the client names one.
	DefaultAIModel = "gpt-4o-mini"

	defaultAIBaseURL   = "https://api.openai.com/v1"
	defaultAITimeout   = 120 * time.Second
	streamDoneSentinel = "[DONE]"
	maxStreamLine      = 1024 * 1024
)

// AIClientConfig configures an OpenAI-compatible chat completion client.
type AIClientConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
	Client       *http.Client
}

// OpenAIClient implements ChatCompleter over the /chat/completions endpoint
// of any OpenAI-compatible service.
type OpenAIClient struct {
	config AIClientConfig
	client *http.Client
}

// NewOpenAIClient creates a chat completion client with defaults applied.
func NewOpenAIClient(cfg AIClientConfig) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultAIModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAITimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAIClient{config: cfg, client: client}
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Complete sends one chat completion. HTTP 429 becomes RATE_LIMITED; other
// failures are ADAPTER_ERROR.
func (c *OpenAIClient) Complete(ctx context.Context, req ChatRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.config.DefaultModel
	}
	payload, err := json.Marshal(completionRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	})
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeAdapter, "encode completion request: %s", err.Error()).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeAdapter, "create completion request: %s", err.Error()).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeAdapter, "completion request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLen*4))
		return "", schema.NewErrorf(schema.ErrCodeRateLimited, "rate limited: %s", snippet(b, resp.StatusCode)).
			WithDetails(map[string]any{"retry_after": resp.Header.Get("Retry-After")})
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, errorSnippetLen*4))
		return "", schema.NewErrorf(schema.ErrCodeAdapter, "AI API error %d: %s", resp.StatusCode, snippet(b, resp.StatusCode)).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}

	if req.Stream || strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readStream(resp.Body)
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeAdapter, "decode completion: %s", err.Error()).WithCause(err)
	}
	if len(out.Choices) == 0 {
		return "", schema.NewError(schema.ErrCodeAdapter, "completion returned no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// readStream accumulates server-sent delta events until the [DONE] sentinel
// or the end of the body.
func readStream(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)

	var sb strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == streamDoneSentinel {
			break
		}
		if data == "" {
			continue
		}
		var chunk completionResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		for _, ch := range chunk.Choices {
			sb.WriteString(ch.Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return "", schema.NewErrorf(schema.ErrCodeAdapter, "read completion stream: %s", err.Error()).WithCause(err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// BuildMessages returns the system + user message pair of an AI column.
// An empty system prompt uses DefaultSystemPrompt.
func BuildMessages(systemPrompt, prompt string) []ChatMessage {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return []ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}
}

var _ ChatCompleter = (*OpenAIClient)(nil)
