// Package ai provides core.AIClient implementations. The planner uses the
// completion capability for plan synthesis and for generating dynamic tool
// code from failure samples; it never depends on a concrete backend.
//
// The package splits the concern in two: a Provider does one completion
// call against a concrete backend, and Client wraps a Provider with the
// retry and circuit-breaker policy the rest of the system uses for
// unreliable dependencies.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/barrhawk/labcore/core"
	"github.com/barrhawk/labcore/resilience"
)

// defaultModel is used when neither the client nor the options name one.
const defaultModel = "gpt-4o-mini"

// Provider executes a single completion request against one backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*core.AIResponse, error)
}

// Request is the provider-neutral completion request.
type Request struct {
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  float32
	MaxTokens    int
}

// apiError is a non-2xx backend response. Status drives the retry
// classification.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("AI API error (status %d): %s", e.status, e.body)
}

// transientCompletionError reports whether a completion failure is worth
// retrying: network trouble, throttling and server-side errors are;
// malformed requests and auth failures are not.
func transientCompletionError(err error) bool {
	var api *apiError
	if errors.As(err, &api) {
		return api.status == http.StatusRequestTimeout ||
			api.status == http.StatusTooManyRequests ||
			api.status >= 500
	}
	// Everything else from the provider is transport-level.
	return !core.IsValidation(err)
}

// Client implements core.AIClient over a Provider with bounded retries
// and a circuit breaker, mirroring how the bridge treats its transports.
type Client struct {
	provider Provider
	breaker  *resilience.CircuitBreaker
	retry    *resilience.RetryConfig
	model    string
	logger   core.Logger
}

// NewClient picks a provider from the environment. OPENAI_API_KEY (with
// optional OPENAI_BASE_URL for compatible backends) selects the
// OpenAI-style provider; with no key configured the client is still
// usable and every call reports the missing configuration.
func NewClient(logger core.Logger) *Client {
	return NewOpenAIClient(os.Getenv("OPENAI_API_KEY"), logger)
}

// NewOpenAIClient builds a client over the OpenAI-compatible provider.
// An empty apiKey falls back to OPENAI_API_KEY; an empty OPENAI_BASE_URL
// falls back to the public endpoint.
func NewOpenAIClient(apiKey string, logger core.Logger) *Client {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	baseURL := os.Getenv("OPENAI_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	log := core.ComponentLogger(logger, "ai/openai")

	breakerCfg := resilience.DefaultCircuitBreakerConfig("ai-completions")
	breakerCfg.ErrorClassifier = func(err error) bool {
		return err != nil && transientCompletionError(err)
	}
	breakerCfg.Logger = log

	return &Client{
		provider: &openAICompatible{
			apiKey:  apiKey,
			baseURL: baseURL,
			httpClient: &http.Client{
				Timeout: 60 * time.Second,
			},
		},
		breaker: resilience.NewCircuitBreaker(breakerCfg),
		retry: &resilience.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  200 * time.Millisecond,
			MaxDelay:      5 * time.Second,
			BackoffFactor: 2.0,
			JitterEnabled: true,
		},
		model:  defaultModel,
		logger: log,
	}
}

// SetModel overrides the default model used when options carry none.
func (c *Client) SetModel(model string) {
	if model != "" {
		c.model = model
	}
}

// SetProvider swaps the backend; tests and alternative deployments use
// this instead of environment wiring.
func (c *Client) SetProvider(p Provider) {
	if p != nil {
		c.provider = p
	}
}

// GenerateResponse generates a completion with retry and breaker
// protection. Transient backend failures are retried with backoff;
// validation-class failures surface immediately.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	if options == nil {
		options = &core.AIOptions{Temperature: 0.7, MaxTokens: 2000}
	}
	req := &Request{
		Model:        options.Model,
		SystemPrompt: options.SystemPrompt,
		Prompt:       prompt,
		Temperature:  options.Temperature,
		MaxTokens:    options.MaxTokens,
	}
	if req.Model == "" {
		req.Model = c.model
	}

	var resp *core.AIResponse
	err := resilience.RetryIf(ctx, c.retry, transientCompletionError, func() error {
		return c.breaker.Execute(ctx, func() error {
			var callErr error
			resp, callErr = c.provider.Complete(ctx, req)
			return callErr
		})
	})
	if err != nil {
		c.logger.Error("Completion failed", map[string]interface{}{
			"provider": c.provider.Name(),
			"model":    req.Model,
			"error":    err.Error(),
		})
		return nil, err
	}
	return resp, nil
}

// openAICompatible speaks the chat-completions wire shape shared by
// OpenAI and its self-hosted clones.
type openAICompatible struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *openAICompatible) Name() string { return "openai" }

func (p *openAICompatible) Complete(ctx context.Context, req *Request) (*core.AIResponse, error) {
	if p.apiKey == "" {
		return nil, core.NewCoreError("ai.Complete", core.KindValidation,
			fmt.Errorf("AI API key not configured"))
	}

	body := chatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, core.NewCoreError("ai.Complete", core.KindValidation, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, core.NewCoreError("ai.Complete", core.KindValidation, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewCoreError("ai.Complete", core.KindTransport,
			fmt.Errorf("%w: %v", core.ErrConnectionFailed, err))
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, core.NewCoreError("ai.Complete", core.KindTransport, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &apiError{status: httpResp.StatusCode, body: string(raw)}
	}

	var completion chatResponse
	if err := json.Unmarshal(raw, &completion); err != nil {
		return nil, core.NewCoreError("ai.Complete", core.KindTransport, err)
	}
	if len(completion.Choices) == 0 {
		return nil, core.NewCoreError("ai.Complete", core.KindTransport,
			fmt.Errorf("no completion choices returned"))
	}

	return &core.AIResponse{
		Content: completion.Choices[0].Message.Content,
		Model:   completion.Model,
		Usage: core.TokenUsage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		},
	}, nil
}
