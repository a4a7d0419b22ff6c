// Package executor implements Igor, the plan step executor. An instance
// accepts one plan at a time, dispatches each step to a worker over the
// bridge, awaits the correlated response, and reports step and plan
// outcomes back to the planner. Horizontal scale is more instances with
// distinct dynamic ids, never concurrency within one.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/barrhawk/labcore/bridge"
	"github.com/barrhawk/labcore/core"
	"github.com/barrhawk/labcore/resilience"
)

// maxRetrySleep caps the exponential retry backoff between re-dispatches.
const maxRetrySleep = 30 * time.Second

// primaryActionTypes maps step actions with a dedicated message type.
var primaryActionTypes = map[string]string{
	core.ActionLaunch:     core.TypeBrowserLaunch,
	core.ActionNavigate:   core.TypeBrowserNavigate,
	core.ActionClick:      core.TypeBrowserClick,
	core.ActionType:       core.TypeBrowserType,
	core.ActionScreenshot: core.TypeBrowserScreenshot,
	core.ActionClose:      core.TypeBrowserClose,
}

// Executor is one Igor instance.
type Executor struct {
	cfg       *core.Config
	id        string
	logger    core.Logger
	telemetry core.Telemetry
	bus       bridge.Client
	breaker   *resilience.CircuitBreaker

	queue chan *core.Plan

	mu        sync.Mutex
	cancelled map[string]bool
	current   *core.Plan
	toolBag   []string
	franks    []string
	nextFrank int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates an executor with a fresh dynamic id.
func New(cfg *core.Config, logger core.Logger) *Executor {
	id := core.NewInstanceID("igor")
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Executor{
		cfg:       cfg,
		id:        id,
		logger:    core.ComponentLogger(logger, "igor/"+id),
		telemetry: &core.NoOpTelemetry{},
		breaker:   resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("worker-dispatch")),
		queue:     make(chan *core.Plan, cfg.Executor.QueueSize),
		cancelled: make(map[string]bool),
		franks:    []string{core.ComponentFrank},
		stopCh:    make(chan struct{}),
	}
}

// ID returns the executor's component id.
func (e *Executor) ID() string { return e.id }

// SetTelemetry configures metrics and tracing.
func (e *Executor) SetTelemetry(t core.Telemetry) {
	if t != nil {
		e.telemetry = t
	}
}

// AttachBus subscribes the executor and starts its run loop.
func (e *Executor) AttachBus(client bridge.Client) {
	e.bus = client
	client.On(core.TypePlanSubmit, e.handlePlanSubmit)
	client.On(core.TypePlanCancel, e.handlePlanCancel)
	client.On(core.TypeToolCreated, e.handleToolCreated)
	client.On(core.TypeComponentRegister, e.handleComponentRegister)
	client.On(core.TypeComponentUnregister, e.handleComponentUnregister)
	go e.runLoop()
}

// Stop halts the run loop.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// handlePlanSubmit accepts or rejects an assigned plan.
func (e *Executor) handlePlanSubmit(msg *core.Message) {
	if msg.Target != e.id && msg.Target != core.Broadcast {
		return
	}
	var payload core.PlanSubmitPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.Plan == nil {
		e.reply(msg, core.TypePlanRejected, &core.PlanAckPayload{Reason: "malformed plan.submit"})
		return
	}
	plan := payload.Plan

	select {
	case e.queue <- plan:
		e.telemetry.RecordMetric("executor.plans_accepted", 1, nil)
		e.reply(msg, core.TypePlanAccepted, &core.PlanAckPayload{PlanID: plan.ID})
		e.logger.Info("Plan accepted", map[string]interface{}{
			"plan_id": plan.ID,
			"steps":   len(plan.Steps),
		})
	default:
		e.telemetry.RecordMetric("executor.plans_rejected", 1, map[string]string{"reason": "busy"})
		e.reply(msg, core.TypePlanRejected, &core.PlanAckPayload{PlanID: plan.ID, Reason: "busy"})
	}
}

func (e *Executor) handlePlanCancel(msg *core.Message) {
	var payload core.PlanCancelPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return
	}
	e.mu.Lock()
	e.cancelled[payload.PlanID] = true
	e.mu.Unlock()
	e.logger.Info("Plan cancellation observed", map[string]interface{}{
		"plan_id": payload.PlanID,
	})
	// Acknowledge the cancel back to its sender, correlated.
	e.reply(msg, core.TypePlanCancel, &core.PlanCancelPayload{PlanID: payload.PlanID})
}

// handleToolCreated appends newly created tools to the current plan's
// bag; the addition is observed between steps, never mid-dispatch.
func (e *Executor) handleToolCreated(msg *core.Message) {
	var payload core.ToolResultPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.Name == "" {
		return
	}
	e.mu.Lock()
	if e.current != nil {
		e.toolBag = append(e.toolBag, payload.Name)
	}
	e.mu.Unlock()
}

// handleComponentRegister tracks the worker pool.
func (e *Executor) handleComponentRegister(msg *core.Message) {
	var payload core.RegisterPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return
	}
	if !isFrank(payload.ComponentID) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.franks {
		if id == payload.ComponentID {
			return
		}
	}
	if len(e.franks) < e.cfg.Executor.MaxFranks+1 {
		e.franks = append(e.franks, payload.ComponentID)
	}
}

func (e *Executor) handleComponentUnregister(msg *core.Message) {
	var payload core.RegisterPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, id := range e.franks {
		if id == payload.ComponentID && id != core.ComponentFrank {
			e.franks = append(e.franks[:i], e.franks[i+1:]...)
			return
		}
	}
}

func isFrank(id string) bool {
	return id == core.ComponentFrank || (len(id) > 6 && id[:6] == "frank-")
}

// pickFrank round-robins across the known worker pool.
func (e *Executor) pickFrank() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.franks) == 0 {
		return core.ComponentFrank
	}
	target := e.franks[e.nextFrank%len(e.franks)]
	e.nextFrank++
	return target
}

func (e *Executor) runLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		case plan := <-e.queue:
			e.execute(plan)
		}
	}
}

// ToolBag returns the current plan's tool bag contents.
func (e *Executor) ToolBag() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.toolBag))
	copy(out, e.toolBag)
	return out
}

func (e *Executor) isCancelled(planID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[planID]
}

// execute runs a plan's steps sequentially.
func (e *Executor) execute(plan *core.Plan) {
	ctx := context.Background()

	e.mu.Lock()
	e.current = plan
	e.toolBag = append([]string(nil), plan.ToolBag...)
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.current = nil
		e.toolBag = nil
		delete(e.cancelled, plan.ID)
		e.mu.Unlock()
	}()

	_, span := e.telemetry.StartSpan(ctx, "executor.execute")
	span.SetAttribute("plan.id", plan.ID)
	span.SetAttribute("plan.steps", len(plan.Steps))
	defer span.End()

	var results []core.StepResult
	for i, step := range plan.Steps {
		// Cancellation interrupts at the dispatch boundary, never
		// mid-dispatch.
		if e.isCancelled(plan.ID) {
			e.logger.Info("Plan cancelled before step", map[string]interface{}{
				"plan_id": plan.ID,
				"step":    i,
			})
			return
		}

		result := e.executeStep(ctx, plan, i, step)
		results = append(results, result)

		if !result.Success {
			if e.isCancelled(plan.ID) {
				return
			}
			e.emitOutcome(plan, core.TypePlanFailed, core.PlanFailed, results, result.Error)
			return
		}
	}
	e.emitOutcome(plan, core.TypePlanCompleted, core.PlanCompleted, results, "")
}

// executeStep dispatches one step with its retry budget.
func (e *Executor) executeStep(ctx context.Context, plan *core.Plan, index int, step core.Step) core.StepResult {
	start := time.Now()
	result := core.StepResult{StepIndex: index, Action: step.Action}

	budget := step.Retries
	if budget < 0 {
		budget = 0
	}

	for attempt := 0; attempt <= budget; attempt++ {
		result.Attempts = attempt + 1
		if attempt == 0 {
			e.emitStepEvent(plan, core.TypeStepStarted, index, step, attempt, nil, nil)
		}

		output, err := e.dispatch(ctx, plan, step)
		if err == nil {
			result.Success = true
			result.Output = output
			result.Duration = time.Since(start)
			e.emitStepEvent(plan, core.TypeStepCompleted, index, step, attempt, output, nil)
			return result
		}

		result.Error = err.Error()
		e.logger.Warn("Step dispatch failed", map[string]interface{}{
			"plan_id": plan.ID,
			"step":    index,
			"action":  step.Action,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})

		if attempt < budget {
			// The intermediate failure rides the retry announcement so the
			// planner's pattern accumulator sees every occurrence.
			e.emitStepEvent(plan, core.TypeStepRetrying, index, step, attempt, nil, err)
			sleep := time.Duration(1<<uint(attempt)) * time.Second
			if sleep > maxRetrySleep {
				sleep = maxRetrySleep
			}
			stopped := false
			select {
			case <-time.After(sleep):
			case <-e.stopCh:
				stopped = true
			}
			if stopped || e.isCancelled(plan.ID) {
				break
			}
			continue
		}
		// Retry budget exhausted: final failure.
		result.Duration = time.Since(start)
		e.emitStepEvent(plan, core.TypeStepFailed, index, step, attempt, nil, err)
		return result
	}

	result.Duration = time.Since(start)
	if !e.isCancelled(plan.ID) {
		e.emitStepEvent(plan, core.TypeStepFailed, index, step, result.Attempts-1, nil,
			fmt.Errorf("step aborted"))
	}
	return result
}

// dispatch sends one step action to a worker and awaits the correlated
// response within the step timeout.
func (e *Executor) dispatch(ctx context.Context, plan *core.Plan, step core.Step) (json.RawMessage, error) {
	target := e.pickFrank()
	timeout := step.Timeout(e.cfg.Executor.StepTimeout)

	var msg *core.Message
	var err error
	if msgType, primary := primaryActionTypes[step.Action]; primary {
		msg, err = core.NewMessage(e.id, target, msgType, &core.BrowserRequestPayload{
			Action: step.Action,
			Params: step.Params,
		})
	} else {
		msg, err = core.NewMessage(e.id, target, core.TypeToolInvoke, &core.ToolInvokePayload{
			Tool: "browser_action",
			Args: map[string]interface{}{"action": step.Action, "params": step.Params},
		})
	}
	if err != nil {
		return nil, err
	}

	var resp *core.Message
	err = e.breaker.Execute(ctx, func() error {
		var reqErr error
		resp, reqErr = e.bus.Request(ctx, msg, timeout)
		return reqErr
	})
	if err != nil {
		return nil, err
	}
	return decodeDispatchResponse(resp)
}

// decodeDispatchResponse normalizes worker replies into output or error.
func decodeDispatchResponse(resp *core.Message) (json.RawMessage, error) {
	switch resp.Type {
	case core.TypeBrowserError:
		var result core.BrowserResultPayload
		if err := resp.DecodePayload(&result); err != nil {
			return nil, err
		}
		kind := result.ErrorKind
		if kind == "" {
			kind = core.KindToolRuntime
		}
		return nil, core.NewCoreError("executor.dispatch", kind, fmt.Errorf("%s", result.Error))
	case core.TypeToolError:
		var result core.ToolResultPayload
		if err := resp.DecodePayload(&result); err != nil {
			return nil, err
		}
		detail := result.Error
		if detail == "" {
			detail = string(result.Data)
		}
		kind := result.ErrorKind
		if kind == "" {
			kind = core.KindToolRuntime
		}
		return nil, core.NewCoreError("executor.dispatch", kind, fmt.Errorf("%s", detail))
	case core.TypeToolInvoked:
		var result core.ToolResultPayload
		if err := resp.DecodePayload(&result); err != nil {
			return nil, err
		}
		return result.Data, nil
	default:
		// browser.*ed success responses.
		var result core.BrowserResultPayload
		if err := resp.DecodePayload(&result); err != nil {
			return nil, err
		}
		if !result.Success {
			kind := result.ErrorKind
			if kind == "" {
				kind = core.KindToolRuntime
			}
			return nil, core.NewCoreError("executor.dispatch", kind, fmt.Errorf("%s", result.Error))
		}
		return result.Data, nil
	}
}

func (e *Executor) emitStepEvent(plan *core.Plan, msgType string, index int, step core.Step, attempt int, output json.RawMessage, stepErr error) {
	payload := &core.StepEventPayload{
		PlanID:    plan.ID,
		StepIndex: index,
		Action:    step.Action,
		Attempt:   attempt + 1,
		Output:    output,
	}
	if stepErr != nil {
		payload.Error = stepErr.Error()
		payload.ErrorKind = core.KindOf(stepErr)
		if payload.ErrorKind == "" {
			payload.ErrorKind = core.KindToolRuntime
		}
		if sel, ok := step.Params["selector"].(string); ok {
			payload.Selector = sel
		}
	}
	msg, err := core.NewMessage(e.id, core.ComponentDoctor, msgType, payload)
	if err != nil {
		return
	}
	if err := e.bus.Publish(context.Background(), msg); err != nil {
		e.logger.Error("Failed to publish step event", map[string]interface{}{
			"type":  msgType,
			"error": err.Error(),
		})
	}
}

func (e *Executor) emitOutcome(plan *core.Plan, msgType string, status core.PlanStatus, results []core.StepResult, errText string) {
	msg, err := core.NewMessage(e.id, core.ComponentDoctor, msgType, &core.PlanOutcomePayload{
		PlanID:  plan.ID,
		Status:  status,
		Results: results,
		Error:   errText,
	})
	if err != nil {
		return
	}
	_ = e.bus.Publish(context.Background(), msg)
	e.telemetry.RecordMetric("executor.plans_finished", 1, map[string]string{"status": string(status)})
	e.logger.Info("Plan finished", map[string]interface{}{
		"plan_id": plan.ID,
		"status":  string(status),
	})
}

func (e *Executor) reply(msg *core.Message, msgType string, payload interface{}) {
	resp, err := msg.Reply(e.id, msgType, payload)
	if err != nil {
		return
	}
	_ = e.bus.Publish(context.Background(), resp)
}
