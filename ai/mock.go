package ai

import (
	"context"
	"fmt"
	"sync"

	"github.com/barrhawk/labcore/core"
)

// MockClient is a scripted core.AIClient for tests and offline runs.
// Responses are returned in FIFO order; when the script is exhausted the
// fallback function (if any) answers, otherwise an error is returned.
type MockClient struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     []string
	fallback  func(prompt string) (string, error)
}

// NewMockClient creates an empty mock.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Enqueue scripts a successful response.
func (m *MockClient) Enqueue(content string) *MockClient {
	m.mu.Lock()
	m.responses = append(m.responses, content)
	m.errs = append(m.errs, nil)
	m.mu.Unlock()
	return m
}

// EnqueueError scripts a failure.
func (m *MockClient) EnqueueError(err error) *MockClient {
	m.mu.Lock()
	m.responses = append(m.responses, "")
	m.errs = append(m.errs, err)
	m.mu.Unlock()
	return m
}

// SetFallback answers prompts after the script is exhausted.
func (m *MockClient) SetFallback(fn func(prompt string) (string, error)) {
	m.mu.Lock()
	m.fallback = fn
	m.mu.Unlock()
}

// Calls returns the prompts seen so far.
func (m *MockClient) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// GenerateResponse pops the next scripted response.
func (m *MockClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, prompt)
	if len(m.responses) == 0 {
		fb := m.fallback
		m.mu.Unlock()
		if fb != nil {
			content, err := fb(prompt)
			if err != nil {
				return nil, err
			}
			return &core.AIResponse{Content: content, Model: "mock"}, nil
		}
		return nil, fmt.Errorf("mock AI client: no scripted response")
	}
	content := m.responses[0]
	err := m.errs[0]
	m.responses = m.responses[1:]
	m.errs = m.errs[1:]
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &core.AIResponse{Content: content, Model: "mock"}, nil
}
