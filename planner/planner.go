// Package planner implements Doctor: intent validation, tool selection,
// plan synthesis and ownership of the plan state machine. Failure
// patterns accumulate here, and crossing the threshold emits tool
// creation requests toward the worker.
package planner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/barrhawk/labcore/bridge"
	"github.com/barrhawk/labcore/catalog"
	"github.com/barrhawk/labcore/core"
)

// dispatchTimeout bounds the wait for an executor's plan.accepted.
const dispatchTimeout = 10 * time.Second

// Planner is the Doctor service.
type Planner struct {
	cfg       *core.Config
	logger    core.Logger
	telemetry core.Telemetry
	registry  *catalog.Registry
	aiClient  core.AIClient
	bus       bridge.Client
	store     *planStore
	patterns  *patternAccumulator

	// planMu serializes load-modify-save cycles on stored plans; step
	// events, dispatch acks and cancels arrive on different goroutines.
	planMu sync.Mutex

	mu             sync.Mutex
	executors      []string
	nextExec       int
	pendingCreates map[string]string // correlation id -> pattern signature
	createBusy     bool
	dynamicTools   []string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a planner. memory may be nil for a process-local store.
func New(cfg *core.Config, aiClient core.AIClient, memory core.Memory, logger core.Logger) *Planner {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Planner{
		cfg:            cfg,
		logger:         core.ComponentLogger(logger, "doctor"),
		telemetry:      &core.NoOpTelemetry{},
		registry:       catalog.Default(),
		aiClient:       aiClient,
		store:          newPlanStore(memory),
		patterns:       newPatternAccumulator(cfg.Planner.FailureThreshold),
		pendingCreates: make(map[string]string),
		stopCh:         make(chan struct{}),
	}
}

// SetTelemetry configures metrics and tracing.
func (p *Planner) SetTelemetry(t core.Telemetry) {
	if t != nil {
		p.telemetry = t
	}
}

// SetRegistry replaces the tool registry; tests use reduced tables.
func (p *Planner) SetRegistry(r *catalog.Registry) {
	if r != nil {
		p.registry = r
	}
}

// AttachBus subscribes the planner to the executor and worker surfaces.
func (p *Planner) AttachBus(client bridge.Client) {
	p.bus = client
	client.On(core.TypeStepStarted, p.handleStepEvent)
	client.On(core.TypeStepCompleted, p.handleStepEvent)
	client.On(core.TypeStepFailed, p.handleStepEvent)
	client.On(core.TypeStepRetrying, p.handleStepEvent)
	client.On(core.TypePlanCompleted, p.handlePlanOutcome)
	client.On(core.TypePlanFailed, p.handlePlanOutcome)
	client.On(core.TypePlanModify, p.handlePlanModify)
	client.On(core.TypeToolCreated, p.handleToolCreated)
	client.On(core.TypeToolError, p.handleToolError)
	client.On(core.TypeComponentRegister, p.handleComponentRegister)
	client.On(core.TypeComponentUnregister, p.handleComponentUnregister)
}

// Stop halts background work.
func (p *Planner) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Patterns returns the failure pattern table for inspection.
func (p *Planner) Patterns() []*FailurePattern {
	return p.patterns.snapshot()
}

// GetPlan loads a plan by id.
func (p *Planner) GetPlan(ctx context.Context, id string) (*core.Plan, error) {
	return p.store.get(ctx, id)
}

// ListPlans returns stored plans newest-first.
func (p *Planner) ListPlans(ctx context.Context) ([]*core.Plan, error) {
	return p.store.list(ctx)
}

// SubmitIntent validates an intent, synthesizes and validates a plan,
// persists it and dispatches it to an executor. The returned plan is
// pending with dispatch in flight; a validation failure returns an error
// and stores no plan.
func (p *Planner) SubmitIntent(ctx context.Context, intent string) (*core.Plan, error) {
	if err := ValidateIntent(intent); err != nil {
		return nil, err
	}

	_, span := p.telemetry.StartSpan(ctx, "planner.SubmitIntent")
	defer span.End()

	selection := p.registry.SelectForIntent(intent, p.cfg.Planner.MaxToolBag)
	p.logger.Info("Tools selected for intent", map[string]interface{}{
		"tool_count": len(selection.Tools),
		"reasoning":  selection.Reasoning,
	})

	steps, err := p.synthesizePlan(ctx, intent, selection)
	if err != nil {
		return nil, err
	}
	if err := ValidatePlan(steps, p.cfg.Planner.AllowLocalhost); err != nil {
		return nil, err
	}

	// Dynamic tools created from failure patterns ride along in every
	// subsequent bag.
	p.mu.Lock()
	bag := append(selection.Names(), p.dynamicTools...)
	p.mu.Unlock()

	plan := &core.Plan{
		ID:         uuid.New().String(),
		Intent:     intent,
		Status:     core.PlanPending,
		TotalSteps: len(steps),
		Steps:      steps,
		ToolBag:    bag,
		CreatedAt:  time.Now(),
	}
	if err := p.store.save(ctx, plan); err != nil {
		return nil, err
	}
	span.SetAttribute("plan.id", plan.ID)
	p.telemetry.RecordMetric("planner.plans_created", 1, nil)

	go p.dispatch(plan)
	return plan, nil
}

// knownExecutors returns the registered executor ids.
func (p *Planner) knownExecutors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.executors...)
}

func (p *Planner) pickExecutor() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.executors) == 0 {
		return ""
	}
	target := p.executors[p.nextExec%len(p.executors)]
	p.nextExec++
	return target
}

// dispatch offers the plan to executors until one accepts; every
// rejection tries the next instance, and exhausting the pool fails the
// plan.
func (p *Planner) dispatch(plan *core.Plan) {
	ctx := context.Background()

	tried := make(map[string]bool)
	for attempt := 0; attempt <= len(p.knownExecutors()); attempt++ {
		target := p.pickExecutor()
		if target == "" || tried[target] {
			break
		}
		tried[target] = true

		msg, err := core.NewMessage(core.ComponentDoctor, target, core.TypePlanSubmit,
			&core.PlanSubmitPayload{Plan: plan})
		if err != nil {
			break
		}
		resp, err := p.bus.Request(ctx, msg, dispatchTimeout)
		if err != nil {
			p.logger.Warn("Plan dispatch got no response", map[string]interface{}{
				"plan_id":  plan.ID,
				"executor": target,
				"error":    err.Error(),
			})
			continue
		}
		if resp.Type == core.TypePlanAccepted {
			p.transitionToRunning(ctx, plan.ID)
			return
		}
		var ack core.PlanAckPayload
		_ = resp.DecodePayload(&ack)
		p.logger.Warn("Plan rejected by executor", map[string]interface{}{
			"plan_id":  plan.ID,
			"executor": target,
			"reason":   ack.Reason,
		})
	}

	p.failPlan(ctx, plan.ID, core.KindPlanFailure, "no executor accepted the plan", -1)
}

// transitionToRunning moves a pending plan to running; terminal plans
// (a cancel can win the race) stay put.
func (p *Planner) transitionToRunning(ctx context.Context, planID string) {
	p.planMu.Lock()
	defer p.planMu.Unlock()
	stored, err := p.store.get(ctx, planID)
	if err != nil {
		return
	}
	if stored.Status != core.PlanPending {
		return
	}
	stored.Status = core.PlanRunning
	if err := p.store.save(ctx, stored); err != nil {
		p.logger.Error("Failed to persist running transition", map[string]interface{}{
			"plan_id": planID,
			"error":   err.Error(),
		})
	}
}

// failPlan marks a plan failed with an error entry, respecting terminal
// immutability.
func (p *Planner) failPlan(ctx context.Context, planID, kind, message string, step int) {
	p.planMu.Lock()
	defer p.planMu.Unlock()
	stored, err := p.store.get(ctx, planID)
	if err != nil {
		return
	}
	if stored.Status.Terminal() {
		return
	}
	now := time.Now()
	stored.Status = core.PlanFailed
	stored.Errors = append([]core.PlanError{{
		Kind: kind, Message: message, Step: step, At: now,
	}}, stored.Errors...)
	stored.CompletedAt = &now
	if err := p.store.save(ctx, stored); err != nil {
		p.logger.Error("Failed to persist plan failure", map[string]interface{}{
			"plan_id": planID,
			"error":   err.Error(),
		})
	}
	p.telemetry.RecordMetric("planner.plans_failed", 1, nil)
}

// Cancel marks a plan terminal immediately. Pending plans cancel without
// dispatch; running plans also notify the executor, which stops at the
// next dispatch boundary.
func (p *Planner) Cancel(ctx context.Context, planID string) error {
	p.planMu.Lock()
	defer p.planMu.Unlock()
	stored, err := p.store.get(ctx, planID)
	if err != nil {
		return err
	}
	if stored.Status.Terminal() {
		return core.NewCoreError("planner.Cancel", core.KindValidation,
			fmt.Errorf("%w: %s is %s", core.ErrPlanTerminal, planID, stored.Status))
	}
	wasRunning := stored.Status == core.PlanRunning

	now := time.Now()
	stored.Status = core.PlanCancelled
	stored.CompletedAt = &now
	if err := p.store.save(ctx, stored); err != nil {
		return err
	}
	p.telemetry.RecordMetric("planner.plans_cancelled", 1, nil)

	if wasRunning && p.bus != nil {
		msg, err := core.NewMessage(core.ComponentDoctor, core.Broadcast, core.TypePlanCancel,
			&core.PlanCancelPayload{PlanID: planID})
		if err == nil {
			_ = p.bus.Publish(ctx, msg)
		}
	}
	return nil
}

// handleStepEvent updates plan progress and feeds the failure pattern
// accumulator.
func (p *Planner) handleStepEvent(msg *core.Message) {
	var event core.StepEventPayload
	if err := msg.DecodePayload(&event); err != nil {
		return
	}
	ctx := context.Background()

	switch msg.Type {
	case core.TypeStepCompleted:
		p.advancePlan(ctx, &event)
	case core.TypeStepFailed, core.TypeStepRetrying:
		p.recordFailure(&event)
	}
}

// advancePlan bumps currentStep and appends the step result.
func (p *Planner) advancePlan(ctx context.Context, event *core.StepEventPayload) {
	p.planMu.Lock()
	defer p.planMu.Unlock()
	stored, err := p.store.get(ctx, event.PlanID)
	if err != nil || stored.Status.Terminal() {
		return
	}
	if event.StepIndex != stored.CurrentStep {
		// Duplicate or out-of-order event; currentStep is monotonic.
		return
	}
	stored.CurrentStep++
	stored.Results = append(stored.Results, core.StepResult{
		StepIndex: event.StepIndex,
		Action:    event.Action,
		Success:   true,
		Output:    event.Output,
		Attempts:  event.Attempt,
	})
	if err := p.store.save(ctx, stored); err != nil {
		p.logger.Error("Failed to persist step progress", map[string]interface{}{
			"plan_id": event.PlanID,
			"error":   err.Error(),
		})
	}
}

// recordFailure accumulates a failure pattern occurrence and triggers
// tool creation at the threshold.
func (p *Planner) recordFailure(event *core.StepEventPayload) {
	kind := event.ErrorKind
	if kind == "" {
		kind = core.KindToolRuntime
	}
	pattern, triggered := p.patterns.record(event.Action, kind, event.Selector, event.PlanID)
	p.logger.Info("Failure recorded", map[string]interface{}{
		"plan_id":   event.PlanID,
		"action":    event.Action,
		"selector":  event.Selector,
		"kind":      kind,
		"count":     pattern.Count,
		"triggered": triggered,
	})
	if triggered {
		go p.processPendingPatterns()
	}
}

// handlePlanOutcome finalizes a plan when the executor reports terminal.
func (p *Planner) handlePlanOutcome(msg *core.Message) {
	var outcome core.PlanOutcomePayload
	if err := msg.DecodePayload(&outcome); err != nil {
		return
	}
	ctx := context.Background()
	p.planMu.Lock()
	defer p.planMu.Unlock()
	stored, err := p.store.get(ctx, outcome.PlanID)
	if err != nil || stored.Status.Terminal() {
		return
	}

	now := time.Now()
	stored.CompletedAt = &now
	stored.Results = outcome.Results
	if msg.Type == core.TypePlanCompleted {
		stored.Status = core.PlanCompleted
		stored.CurrentStep = stored.TotalSteps
	} else {
		stored.Status = core.PlanFailed
		stored.CurrentStep = len(outcome.Results)
		if stored.CurrentStep > 0 && !outcome.Results[len(outcome.Results)-1].Success {
			// The failing step never completed; it does not advance the
			// cursor.
			stored.CurrentStep--
			stored.Results = outcome.Results[:len(outcome.Results)-1]
		}
		stored.Errors = append([]core.PlanError{{
			Kind:    core.KindPlanFailure,
			Message: outcome.Error,
			Step:    stored.CurrentStep,
			At:      now,
		}}, stored.Errors...)
	}
	if err := p.store.save(ctx, stored); err != nil {
		p.logger.Error("Failed to persist plan outcome", map[string]interface{}{
			"plan_id": outcome.PlanID,
			"error":   err.Error(),
		})
		return
	}
	p.telemetry.RecordMetric("planner.plans_finished", 1,
		map[string]string{"status": string(stored.Status)})
	p.logger.Info("Plan finished", map[string]interface{}{
		"plan_id": stored.ID,
		"status":  string(stored.Status),
	})
}

// handlePlanModify replaces the not-yet-dispatched tail of a pending
// plan. Running plans are owned by their executor's step copy and refuse
// modification.
func (p *Planner) handlePlanModify(msg *core.Message) {
	var req core.PlanModifyPayload
	if err := msg.DecodePayload(&req); err != nil {
		return
	}
	ctx := context.Background()
	if err := p.ModifyPlan(ctx, req.PlanID, req.FromStep, req.Steps); err != nil {
		p.logger.Warn("Plan modify refused", map[string]interface{}{
			"plan_id": req.PlanID,
			"error":   err.Error(),
		})
	}
}

// ModifyPlan swaps the tail of a pending plan starting at fromStep.
func (p *Planner) ModifyPlan(ctx context.Context, planID string, fromStep int, steps []core.Step) error {
	p.planMu.Lock()
	defer p.planMu.Unlock()
	stored, err := p.store.get(ctx, planID)
	if err != nil {
		return err
	}
	if stored.Status != core.PlanPending {
		return core.NewCoreError("planner.ModifyPlan", core.KindValidation,
			fmt.Errorf("%w: plan %s is %s", core.ErrInvalidPlan, planID, stored.Status))
	}
	if fromStep < 0 || fromStep > len(stored.Steps) {
		return core.NewCoreError("planner.ModifyPlan", core.KindValidation,
			fmt.Errorf("%w: fromStep %d outside plan", core.ErrInvalidPlan, fromStep))
	}
	merged := append(append([]core.Step(nil), stored.Steps[:fromStep]...), steps...)
	if err := ValidatePlan(merged, p.cfg.Planner.AllowLocalhost); err != nil {
		return err
	}
	stored.Steps = merged
	stored.TotalSteps = len(merged)
	return p.store.save(ctx, stored)
}

// processPendingPatterns emits tool.create for every pattern at the
// threshold, one at a time in tie-break order.
func (p *Planner) processPendingPatterns() {
	p.mu.Lock()
	if p.createBusy {
		p.mu.Unlock()
		return
	}
	p.createBusy = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.createBusy = false
		p.mu.Unlock()
	}()

	for _, pattern := range p.patterns.pending() {
		p.emitToolCreate(pattern)
	}
}

// emitToolCreate synthesizes and sends one tool.create request.
func (p *Planner) emitToolCreate(pattern *FailurePattern) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, err := p.synthesizeTool(ctx, pattern)
	if err != nil {
		p.logger.Error("Tool synthesis failed", map[string]interface{}{
			"pattern": pattern.Signature(),
			"error":   err.Error(),
		})
		return
	}
	msg, err := core.NewMessage(core.ComponentDoctor, core.ComponentFrank, core.TypeToolCreate, payload)
	if err != nil {
		return
	}

	p.mu.Lock()
	p.pendingCreates[msg.ID] = pattern.Signature()
	p.mu.Unlock()

	if err := p.bus.Publish(ctx, msg); err != nil {
		p.logger.Error("tool.create publish failed", map[string]interface{}{
			"tool":  payload.Name,
			"error": err.Error(),
		})
		p.mu.Lock()
		delete(p.pendingCreates, msg.ID)
		p.mu.Unlock()
		return
	}
	p.telemetry.RecordMetric("planner.tool_creates", 1, map[string]string{"tool": payload.Name})
	p.logger.Info("Tool creation requested", map[string]interface{}{
		"tool":    payload.Name,
		"pattern": pattern.Signature(),
	})
}

// handleToolCreated satisfies the pattern behind a successful create and
// remembers the tool for future bags.
func (p *Planner) handleToolCreated(msg *core.Message) {
	var result core.ToolResultPayload
	if err := msg.DecodePayload(&result); err == nil && result.Name != "" {
		p.mu.Lock()
		known := false
		for _, name := range p.dynamicTools {
			if name == result.Name {
				known = true
			}
		}
		if !known {
			p.dynamicTools = append(p.dynamicTools, result.Name)
		}
		p.mu.Unlock()
	}

	signature := p.takePendingCreate(msg.CorrelationID)
	if signature == "" {
		return
	}
	p.patterns.satisfy(signature)
	p.logger.Info("Failure pattern satisfied", map[string]interface{}{
		"pattern": signature,
	})
}

// handleToolError retries a failed create up to the budget, then
// abandons the pattern.
func (p *Planner) handleToolError(msg *core.Message) {
	signature := p.takePendingCreate(msg.CorrelationID)
	if signature == "" {
		return
	}
	abandoned := p.patterns.recordCreateFailure(signature, p.cfg.Planner.ToolCreateRetries)
	if abandoned {
		p.logger.Warn("Failure pattern abandoned after create retries", map[string]interface{}{
			"pattern": signature,
		})
		return
	}
	if pattern := p.patterns.get(signature); pattern != nil {
		go p.emitToolCreate(pattern)
	}
}

func (p *Planner) takePendingCreate(correlationID string) string {
	if correlationID == "" {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	signature, ok := p.pendingCreates[correlationID]
	if ok {
		delete(p.pendingCreates, correlationID)
	}
	return signature
}

// handleComponentRegister tracks executor instances for dispatch.
func (p *Planner) handleComponentRegister(msg *core.Message) {
	var payload core.RegisterPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return
	}
	if !isIgor(payload.ComponentID) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.executors {
		if id == payload.ComponentID {
			return
		}
	}
	p.executors = append(p.executors, payload.ComponentID)
	p.logger.Info("Executor available", map[string]interface{}{
		"executor": payload.ComponentID,
		"pool":     len(p.executors),
	})
}

func (p *Planner) handleComponentUnregister(msg *core.Message) {
	var payload core.RegisterPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, id := range p.executors {
		if id == payload.ComponentID {
			p.executors = append(p.executors[:i], p.executors[i+1:]...)
			return
		}
	}
}

func isIgor(id string) bool {
	return id == core.ComponentIgor || (len(id) > 5 && id[:5] == "igor-")
}
