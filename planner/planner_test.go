package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/labcore/ai"
	"github.com/barrhawk/labcore/bridge"
	"github.com/barrhawk/labcore/core"
	"github.com/barrhawk/labcore/executor"
	"github.com/barrhawk/labcore/worker"
)

// harness wires planner, executor and worker onto one in-process bridge.
type harness struct {
	cfg     *core.Config
	bridge  *bridge.Bridge
	planner *Planner
	mock    *ai.MockClient
	driver  *worker.RecordingDriver
	worker  *worker.Worker
}

func newHarness(t *testing.T, mutate func(*core.Config)) *harness {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Worker.ToolsDir = t.TempDir()
	cfg.Bridge.TokensPerSecond = 1000
	cfg.Executor.StepTimeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	b := bridge.New(cfg, &core.NoOpLogger{})
	t.Cleanup(b.Stop)

	w, err := worker.New(cfg, &core.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(w.Shutdown)
	driver := worker.NewRecordingDriver()
	w.SetDriver(driver)
	frankClient, err := bridge.Connect(b, core.ComponentFrank, "1.0.0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = frankClient.Close() })
	w.AttachBus(frankClient)

	mock := ai.NewMockClient()
	p := New(cfg, mock, nil, &core.NoOpLogger{})
	t.Cleanup(p.Stop)
	doctorClient, err := bridge.Connect(b, core.ComponentDoctor, "1.0.0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = doctorClient.Close() })
	p.AttachBus(doctorClient)

	exec := executor.New(cfg, &core.NoOpLogger{})
	execClient, err := bridge.Connect(b, exec.ID(), "1.0.0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = execClient.Close() })
	exec.AttachBus(execClient)
	t.Cleanup(exec.Stop)

	// The executor registered after the planner attached; the broadcast
	// was observed, but make sure before tests proceed.
	require.Eventually(t, func() bool {
		return len(p.knownExecutors()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	return &harness{cfg: cfg, bridge: b, planner: p, mock: mock, driver: driver, worker: w}
}

func (h *harness) waitForStatus(t *testing.T, planID string, status core.PlanStatus, timeout time.Duration) *core.Plan {
	t.Helper()
	var plan *core.Plan
	require.Eventually(t, func() bool {
		var err error
		plan, err = h.planner.GetPlan(context.Background(), planID)
		return err == nil && plan.Status == status
	}, timeout, 20*time.Millisecond, "plan %s never reached %s", planID, status)
	return plan
}

func TestPlannerHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	h.mock.Enqueue(`[
		{"action": "navigate", "params": {"url": "https://example.com"}, "retries": 1},
		{"action": "screenshot", "params": {"fullPage": false}},
		{"action": "close"}
	]`)

	plan, err := h.planner.SubmitIntent(context.Background(), "open example.com and take a screenshot")
	require.NoError(t, err)
	assert.Equal(t, core.PlanPending, plan.Status)
	assert.Equal(t, 3, plan.TotalSteps)
	assert.NotEmpty(t, plan.ToolBag)
	assert.LessOrEqual(t, len(plan.ToolBag), h.cfg.Planner.MaxToolBag)

	final := h.waitForStatus(t, plan.ID, core.PlanCompleted, 10*time.Second)
	assert.Equal(t, 3, final.CurrentStep)
	assert.Len(t, final.Results, 3)
	assert.Empty(t, final.Errors)
	require.NotNil(t, final.CompletedAt)
	require.NoError(t, final.CheckInvariants())
}

func TestPlannerInvalidURLRejectedPreDispatch(t *testing.T) {
	h := newHarness(t, nil)
	h.mock.Enqueue(`[{"action": "navigate", "params": {"url": "javascript:alert(1)"}}]`)

	before := len(h.bridge.History(bridge.HistoryFilter{Type: core.TypePlanSubmit}))
	_, err := h.planner.SubmitIntent(context.Background(), "open the evil link")
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	// No plan.submit traffic resulted from the rejected intent.
	after := len(h.bridge.History(bridge.HistoryFilter{Type: core.TypePlanSubmit}))
	assert.Equal(t, before, after)
}

func TestPlannerRetryThenSucceedScenario(t *testing.T) {
	h := newHarness(t, nil)
	h.driver.FailNTimes(core.ActionClick, 1, errors.New("not found"))
	h.mock.Enqueue(`[{"action": "click", "params": {"selector": "#login"}, "retries": 1}]`)

	plan, err := h.planner.SubmitIntent(context.Background(), "click the login button")
	require.NoError(t, err)
	h.waitForStatus(t, plan.ID, core.PlanCompleted, 15*time.Second)

	// One failure recorded, below the default threshold of 2: no tool
	// creation.
	patterns := h.planner.Patterns()
	require.Len(t, patterns, 1)
	assert.Equal(t, 1, patterns[0].Count)
	assert.Nil(t, h.worker.Tool("smart_click_recovery"))
}

func TestPlannerPatternTriggersToolCreation(t *testing.T) {
	h := newHarness(t, nil)
	h.driver.FailNext(core.ActionType, errors.New("element not interactable"))

	// Two plans fail on the same type/#search-box signature; the mock
	// answers the two plan syntheses, then the tool synthesis.
	h.mock.SetFallback(func(prompt string) (string, error) {
		return `[{"action": "type", "params": {"selector": "#search-box", "text": "query"}}]`, nil
	})

	first, err := h.planner.SubmitIntent(context.Background(), "type into the search box")
	require.NoError(t, err)
	h.waitForStatus(t, first.ID, core.PlanFailed, 15*time.Second)

	second, err := h.planner.SubmitIntent(context.Background(), "type into the search box again")
	require.NoError(t, err)
	h.waitForStatus(t, second.ID, core.PlanFailed, 15*time.Second)

	// The pattern crossed the threshold; the worker ends up with the
	// recovery tool and the pattern resets.
	require.Eventually(t, func() bool {
		return h.worker.Tool("smart_type_recovery") != nil
	}, 10*time.Second, 50*time.Millisecond, "tool.create never reached the worker")

	require.Eventually(t, func() bool {
		for _, p := range h.planner.Patterns() {
			if p.Selector == "#search-box" && p.Count == 0 {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond, "pattern never satisfied")

	// The next plan's bag carries the new tool.
	h.driver.ClearFailure(core.ActionType)
	third, err := h.planner.SubmitIntent(context.Background(), "type into the search box once more")
	require.NoError(t, err)
	assert.Contains(t, third.ToolBag, "smart_type_recovery")
}

func TestPlannerCancelPendingPlan(t *testing.T) {
	h := newHarness(t, nil)
	p := h.planner

	// A plan that was never dispatched cancels directly.
	plan := &core.Plan{
		ID: "pending-1", Intent: "x", Status: core.PlanPending,
		TotalSteps: 1, Steps: []core.Step{{Action: core.ActionClose}},
		CreatedAt: time.Now(),
	}
	require.NoError(t, p.store.save(context.Background(), plan))

	require.NoError(t, p.Cancel(context.Background(), "pending-1"))
	stored, err := p.GetPlan(context.Background(), "pending-1")
	require.NoError(t, err)
	assert.Equal(t, core.PlanCancelled, stored.Status)

	// Terminal states are immutable.
	err = p.Cancel(context.Background(), "pending-1")
	assert.ErrorIs(t, err, core.ErrPlanTerminal)
}

func TestPlannerCancelRunningPlan(t *testing.T) {
	h := newHarness(t, nil)
	h.driver.Delay = 200 * time.Millisecond
	h.mock.Enqueue(`[
		{"action": "navigate", "params": {"url": "https://example.com"}},
		{"action": "screenshot"},
		{"action": "close"}
	]`)

	plan, err := h.planner.SubmitIntent(context.Background(), "open example.com slowly")
	require.NoError(t, err)
	h.waitForStatus(t, plan.ID, core.PlanRunning, 5*time.Second)

	require.NoError(t, h.planner.Cancel(context.Background(), plan.ID))
	stored, err := h.planner.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PlanCancelled, stored.Status)

	// The executor stops at the next dispatch boundary; the plan stays
	// cancelled even after the in-flight step completes.
	time.Sleep(time.Second)
	stored, err = h.planner.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PlanCancelled, stored.Status)
	assert.Less(t, len(h.driver.Calls()), 3)
}

func TestPlannerModifyPendingOnly(t *testing.T) {
	h := newHarness(t, nil)
	p := h.planner

	plan := &core.Plan{
		ID: "mod-1", Intent: "x", Status: core.PlanPending,
		TotalSteps: 2,
		Steps: []core.Step{
			{Action: core.ActionNavigate, Params: map[string]interface{}{"url": "https://example.com"}},
			{Action: core.ActionClose},
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, p.store.save(context.Background(), plan))

	err := p.ModifyPlan(context.Background(), "mod-1", 1, []core.Step{
		{Action: core.ActionScreenshot},
		{Action: core.ActionClose},
	})
	require.NoError(t, err)

	stored, err := p.GetPlan(context.Background(), "mod-1")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.TotalSteps)
	assert.Equal(t, core.ActionScreenshot, stored.Steps[1].Action)

	// Running and terminal plans refuse modification.
	stored.Status = core.PlanRunning
	require.NoError(t, p.store.save(context.Background(), stored))
	err = p.ModifyPlan(context.Background(), "mod-1", 1, []core.Step{{Action: core.ActionClose}})
	assert.Error(t, err)
}

func TestPlannerStateMachineInvariants(t *testing.T) {
	h := newHarness(t, nil)
	h.mock.Enqueue(`[{"action": "close"}]`)

	plan, err := h.planner.SubmitIntent(context.Background(), "close the browser window please")
	require.NoError(t, err)

	final := h.waitForStatus(t, plan.ID, core.PlanCompleted, 10*time.Second)
	require.NoError(t, final.CheckInvariants())

	// A terminal plan ignores late outcome messages.
	h.planner.failPlan(context.Background(), plan.ID, core.KindPlanFailure, "late", 0)
	stored, err := h.planner.GetPlan(context.Background(), plan.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PlanCompleted, stored.Status)
}
