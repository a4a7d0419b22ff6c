package core

import "encoding/json"

// Wire payload shapes for the message catalogue. These are the only
// structures that cross component boundaries; everything else stays
// private to its owning service.

// RegisterPayload rides component.register and component.unregister.
type RegisterPayload struct {
	ComponentID string `json:"componentId"`
	Version     string `json:"version,omitempty"`
}

// HeartbeatPayload rides heartbeat.
type HeartbeatPayload struct {
	ComponentID string       `json:"componentId"`
	Health      HealthStatus `json:"health"`
	UptimeMS    int64        `json:"uptime_ms,omitempty"`
}

// VersionPayload rides version.announce.
type VersionPayload struct {
	ComponentID string `json:"componentId"`
	Version     string `json:"version"`
}

// PlanSubmitPayload rides plan.submit from planner to executor.
type PlanSubmitPayload struct {
	Plan *Plan `json:"plan"`
}

// PlanAckPayload rides plan.accepted / plan.rejected.
type PlanAckPayload struct {
	PlanID string `json:"planId"`
	Reason string `json:"reason,omitempty"`
}

// PlanCancelPayload rides plan.cancel.
type PlanCancelPayload struct {
	PlanID string `json:"planId"`
}

// PlanModifyPayload rides plan.modify: replaces the not-yet-dispatched
// tail of the plan starting at FromStep.
type PlanModifyPayload struct {
	PlanID   string `json:"planId"`
	FromStep int    `json:"fromStep"`
	Steps    []Step `json:"steps"`
}

// StepEventPayload rides step.started / step.completed / step.failed /
// step.retrying.
type StepEventPayload struct {
	PlanID    string          `json:"planId"`
	StepIndex int             `json:"stepIndex"`
	Action    string          `json:"action"`
	Attempt   int             `json:"attempt,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	ErrorKind string          `json:"errorKind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Selector  string          `json:"selector,omitempty"`
}

// PlanOutcomePayload rides plan.completed / plan.failed.
type PlanOutcomePayload struct {
	PlanID  string       `json:"planId"`
	Status  PlanStatus   `json:"status"`
	Results []StepResult `json:"results,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// BrowserRequestPayload rides browser.* requests to the worker.
type BrowserRequestPayload struct {
	Action string                 `json:"action"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// BrowserResultPayload rides browser.*ed responses and browser.error.
type BrowserResultPayload struct {
	Action    string          `json:"action"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	ErrorKind string          `json:"errorKind,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ToolCreatePayload rides tool.create.
type ToolCreatePayload struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Schema      map[string]interface{} `json:"schema,omitempty"`
	Code        string                 `json:"code"`
	Permissions []string               `json:"permissions,omitempty"`
}

// ToolResultPayload rides tool.created / tool.deleted / tool.error and
// friends.
type ToolResultPayload struct {
	Name      string          `json:"name,omitempty"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	ErrorKind string          `json:"errorKind,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ToolInvokePayload rides tool.invoke.
type ToolInvokePayload struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// ToolDebugPayload rides the tool.debug.* session messages.
type ToolDebugPayload struct {
	SessionID string `json:"sessionId"`
	Tool      string `json:"tool,omitempty"`
	Expr      string `json:"expr,omitempty"`
	Output    string `json:"output,omitempty"`
}

// EventPayload rides event.console / event.network / event.error
// broadcasts from the worker.
type EventPayload struct {
	Kind   string          `json:"kind"`
	Tool   string          `json:"tool,omitempty"`
	Detail json.RawMessage `json:"detail,omitempty"`
}

// ToolsListChangedPayload rides tools/list_changed notifications.
type ToolsListChangedPayload struct {
	Hash      string `json:"hash"`
	ToolCount int    `json:"toolCount"`
}

// ErrorPayload rides error broadcasts from the bridge.
type ErrorPayload struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
	Target    string `json:"target,omitempty"`
}
