package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/labcore/core"
)

func TestOpenAIClientGenerateResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Model    string              `json:"model"`
			Messages []map[string]string `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0]["role"])

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "test-model",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "a plan"}},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	defer ts.Close()

	t.Setenv("OPENAI_BASE_URL", ts.URL)
	client := NewOpenAIClient("test-key", &core.NoOpLogger{})

	resp, err := client.GenerateResponse(context.Background(), "make a plan", &core.AIOptions{
		Model:        "test-model",
		SystemPrompt: "you are a planner",
		MaxTokens:    100,
	})
	require.NoError(t, err)
	assert.Equal(t, "a plan", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestOpenAIClientErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer ts.Close()

	t.Setenv("OPENAI_BASE_URL", ts.URL)
	client := NewOpenAIClient("test-key", nil)

	_, err := client.GenerateResponse(context.Background(), "prompt", nil)
	assert.ErrorContains(t, err, "429")
}

func TestOpenAIClientMissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	client := NewOpenAIClient("", nil)
	_, err := client.GenerateResponse(context.Background(), "prompt", nil)
	assert.Error(t, err)
}

// flakyProvider fails a scripted number of times before succeeding.
type flakyProvider struct {
	failures int
	calls    int
	err      error
}

func (p *flakyProvider) Name() string { return "flaky" }

func (p *flakyProvider) Complete(ctx context.Context, req *Request) (*core.AIResponse, error) {
	p.calls++
	if p.calls <= p.failures {
		return nil, p.err
	}
	return &core.AIResponse{Content: "ok", Model: req.Model}, nil
}

func TestClientRetriesTransientProviderFailures(t *testing.T) {
	client := NewOpenAIClient("test-key", nil)
	provider := &flakyProvider{failures: 2, err: &apiError{status: 503, body: "overloaded"}}
	client.SetProvider(provider)

	resp, err := client.GenerateResponse(context.Background(), "prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, provider.calls)
}

func TestClientDoesNotRetryValidationFailures(t *testing.T) {
	client := NewOpenAIClient("test-key", nil)
	provider := &flakyProvider{failures: 10,
		err: core.NewCoreError("ai.Complete", core.KindValidation, errors.New("bad request"))}
	client.SetProvider(provider)

	_, err := client.GenerateResponse(context.Background(), "prompt", nil)
	require.Error(t, err)
	assert.Equal(t, 1, provider.calls, "validation failures must not be retried")
}

func TestTransientCompletionError(t *testing.T) {
	assert.True(t, transientCompletionError(&apiError{status: 429}))
	assert.True(t, transientCompletionError(&apiError{status: 500}))
	assert.True(t, transientCompletionError(&apiError{status: 408}))
	assert.False(t, transientCompletionError(&apiError{status: 400}))
	assert.False(t, transientCompletionError(&apiError{status: 401}))
	assert.True(t, transientCompletionError(core.ErrConnectionFailed))
	assert.False(t, transientCompletionError(
		core.NewCoreError("ai.Complete", core.KindValidation, errors.New("no key"))))
}

func TestMockClientScript(t *testing.T) {
	mock := NewMockClient().Enqueue("first").Enqueue("second")
	mock.EnqueueError(errors.New("backend down"))

	resp, err := mock.GenerateResponse(context.Background(), "p1", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Content)

	resp, err = mock.GenerateResponse(context.Background(), "p2", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Content)

	_, err = mock.GenerateResponse(context.Background(), "p3", nil)
	assert.Error(t, err)

	_, err = mock.GenerateResponse(context.Background(), "p4", nil)
	assert.Error(t, err, "exhausted script with no fallback errors")

	assert.Equal(t, []string{"p1", "p2", "p3", "p4"}, mock.Calls())
}

func TestMockClientFallback(t *testing.T) {
	mock := NewMockClient()
	mock.SetFallback(func(prompt string) (string, error) {
		return "fallback:" + prompt, nil
	})

	resp, err := mock.GenerateResponse(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback:hello", resp.Content)
}
