package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/labcore/core"
)

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHTTPSubmitIntent(t *testing.T) {
	h := newHarness(t, nil)
	h.mock.Enqueue(`[{"action": "navigate", "params": {"url": "https://example.com"}}, {"action": "close"}]`)
	router := h.planner.Router()

	rec := postJSON(t, router, "/intents", map[string]string{
		"intent": "open example.com",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var view struct {
		ID         string          `json:"id"`
		Status     core.PlanStatus `json:"status"`
		TotalSteps int             `json:"totalSteps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, 2, view.TotalSteps)

	// The plan is retrievable and reaches a terminal state.
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/plans/"+view.ID, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			return false
		}
		var got struct {
			Status core.PlanStatus `json:"status"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			return false
		}
		return got.Status == core.PlanCompleted
	}, 10*time.Second, 50*time.Millisecond)
}

func TestHTTPSubmitIntentValidation(t *testing.T) {
	h := newHarness(t, nil)
	router := h.planner.Router()

	rec := postJSON(t, router, "/intents", map[string]string{"intent": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, core.KindValidation, body.Kind)
}

func TestHTTPGetUnknownPlan(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/plans/nope", nil)
	rec := httptest.NewRecorder()
	h.planner.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPCancelFlow(t *testing.T) {
	h := newHarness(t, nil)
	router := h.planner.Router()

	plan := &core.Plan{
		ID: "cancel-me", Intent: "x", Status: core.PlanPending,
		TotalSteps: 1, Steps: []core.Step{{Action: core.ActionClose}},
		CreatedAt: time.Now(),
	}
	require.NoError(t, h.planner.store.save(context.Background(), plan))

	rec := postJSON(t, router, "/plans/cancel-me/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Cancelling a terminal plan conflicts.
	rec = postJSON(t, router, "/plans/cancel-me/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown plan is 404.
	rec = postJSON(t, router, "/plans/ghost/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPPatterns(t *testing.T) {
	h := newHarness(t, nil)
	h.planner.patterns.record(core.ActionClick, core.KindToolRuntime, "#x", "p1")

	req := httptest.NewRequest(http.MethodGet, "/patterns", nil)
	rec := httptest.NewRecorder()
	h.planner.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var patterns []FailurePattern
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &patterns))
	require.Len(t, patterns, 1)
	assert.Equal(t, core.ActionClick, patterns[0].Action)
}
