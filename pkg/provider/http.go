package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kadirpekel/agentcore/internal/telemetry"
)

// AuthScheme selects how the API key is attached to outbound requests.
type AuthScheme int

const (
	AuthBearer AuthScheme = iota
	AuthAPIKeyHeader
)

// HTTPConfig configures one chat-completions HTTP provider endpoint.
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	AuthScheme AuthScheme
	AuthHeader string // header name when AuthScheme == AuthAPIKeyHeader, e.g. "X-API-Key"
	TopP       float64
	DefaultMax int
	Timeout    time.Duration
	HTTPClient *http.Client

	// RateLimitRPS caps outbound requests per second against this
	// endpoint; zero means unlimited. RateLimitBurst defaults to 1 when
	// RateLimitRPS is set and RateLimitBurst is zero.
	RateLimitRPS   float64
	RateLimitBurst int
}

// HTTPClient implements Client against the standard chat-completions
// schema shared by OpenAI, Anthropic (via a compatible proxy),
// Perplexity, Nvidia NIM, and OpenClaw-compatible endpoints — only the
// base URL, auth header scheme, and default sampling parameters vary.
type HTTPClient struct {
	cfg     HTTPConfig
	http    *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient constructs an HTTPClient for a single provider endpoint.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst == 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	return &HTTPClient{cfg: cfg, http: httpClient, limiter: limiter}
}

// wait blocks until the rate limiter admits one more request, or
// returns ctx's error if it's cancelled first. It is a no-op when no
// limiter is configured.
func (c *HTTPClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

type chatMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type functionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type toolSchemaWire struct {
	Type     string         `json:"type"`
	Function functionSchema `json:"function"`
}

type chatCompletionRequest struct {
	Model          string           `json:"model"`
	Messages       []chatMessage    `json:"messages"`
	Temperature    float64          `json:"temperature,omitempty"`
	TopP           float64          `json:"top_p,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	Tools          []toolSchemaWire `json:"tools,omitempty"`
	Stream         bool             `json:"stream,omitempty"`
	ResponseFormat *responseFormat  `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *HTTPClient) buildRequest(req Request, stream bool) chatCompletionRequest {
	messages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		})
	}

	tools := make([]toolSchemaWire, 0, len(req.ToolSchemas))
	for _, t := range req.ToolSchemas {
		tools = append(tools, toolSchemaWire{
			Type: "function",
			Function: functionSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.DefaultMax
	}

	out := chatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        c.cfg.TopP,
		MaxTokens:   maxTokens,
		Tools:       tools,
		Stream:      stream,
	}
	if req.ResponseFormatJSON {
		out.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return out
}

func (c *HTTPClient) newHTTPRequest(ctx context.Context, body chatCompletionRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrBadResponse, err)
	}

	url := c.cfg.BaseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	switch c.cfg.AuthScheme {
	case AuthAPIKeyHeader:
		header := c.cfg.AuthHeader
		if header == "" {
			header = "X-API-Key"
		}
		httpReq.Header.Set(header, c.cfg.APIKey)
	default:
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return httpReq, nil
}

// Generate performs a single blocking chat-completions call.
func (c *HTTPClient) Generate(ctx context.Context, req Request) (string, Usage, error) {
	ctx, span := telemetry.StartSpan(ctx, "provider.generate")
	defer span.End()

	if err := c.wait(ctx); err != nil {
		return "", Usage{}, fmt.Errorf("%w: rate limit wait: %v", ErrTimeout, err)
	}

	httpReq, err := c.newHTTPRequest(ctx, c.buildRequest(req, false))
	if err != nil {
		return "", Usage{}, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", Usage{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", Usage{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("%w: read body: %v", ErrBadResponse, err)
	}

	if resp.StatusCode >= 500 {
		return "", Usage{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(raw))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", Usage{}, fmt.Errorf("%w: decode body: %v", ErrBadResponse, err)
	}
	if parsed.Error != nil {
		return "", Usage{}, fmt.Errorf("%w: %s", ErrBadResponse, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("%w: no choices returned", ErrBadResponse)
	}

	usage := Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
	}
	return parsed.Choices[0].Message.Content, usage, nil
}

// GenerateStream performs a server-sent-events chat-completions call,
// emitting one StreamToken per "data:" frame and a final Done token.
func (c *HTTPClient) GenerateStream(ctx context.Context, req Request) (<-chan StreamToken, error) {
	ctx, span := telemetry.StartSpan(ctx, "provider.generate_stream")

	if err := c.wait(ctx); err != nil {
		span.End()
		return nil, fmt.Errorf("%w: rate limit wait: %v", ErrTimeout, err)
	}

	httpReq, err := c.newHTTPRequest(ctx, c.buildRequest(req, true))
	if err != nil {
		span.End()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		span.End()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		span.End()
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	out := make(chan StreamToken)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		defer span.End()
		streamSSE(ctx, resp.Body, out)
	}()
	return out, nil
}

type sseDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// streamSSE reads a chat-completions "data: {...}" event stream and
// forwards decoded content deltas until "data: [DONE]" or the context
// is cancelled. Malformed frames are skipped rather than aborting the
// stream — a single bad chunk shouldn't kill an otherwise-working call.
func streamSSE(ctx context.Context, body io.Reader, out chan<- StreamToken) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			select {
			case out <- StreamToken{Done: true}:
			case <-ctx.Done():
			}
			return
		}

		var delta sseDelta
		if err := json.Unmarshal([]byte(data), &delta); err != nil {
			continue
		}
		for _, c := range delta.Choices {
			if c.Delta.Content == "" {
				continue
			}
			select {
			case out <- StreamToken{Text: c.Delta.Content}:
			case <-ctx.Done():
				return
			}
		}
	}
}
