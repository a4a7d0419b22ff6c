// Package core provides the shared kernel for the orchestration services:
// the message envelope and signing, component identity, error taxonomy,
// configuration, logging and state storage. Every service depends on core
// and nothing in core depends on a service.
package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Payload size limits. The payload alone is capped at 512 KiB; the full
// serialized envelope at 1 MiB.
const (
	MaxPayloadBytes = 512 * 1024
	MaxMessageBytes = 1024 * 1024
)

// Message is the unit of bridge traffic. The wire format is UTF-8 JSON;
// Timestamp travels as epoch milliseconds.
type Message struct {
	ID            string          `json:"id"`
	Timestamp     int64           `json:"timestamp"`
	Source        string          `json:"source"`
	Target        string          `json:"target"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	Version       string          `json:"version,omitempty"`
	Signature     string          `json:"signature,omitempty"`
}

// Message type catalogue. The set is closed: Validate rejects anything
// not listed here.
const (
	// Lifecycle
	TypeComponentRegister   = "component.register"
	TypeComponentUnregister = "component.unregister"
	TypeHeartbeat           = "heartbeat"
	TypeVersionAnnounce     = "version.announce"

	// Planner <-> Executor
	TypePlanSubmit    = "plan.submit"
	TypePlanCancel    = "plan.cancel"
	TypePlanModify    = "plan.modify"
	TypePlanAccepted  = "plan.accepted"
	TypePlanRejected  = "plan.rejected"
	TypeStepStarted   = "step.started"
	TypeStepCompleted = "step.completed"
	TypeStepFailed    = "step.failed"
	TypeStepRetrying  = "step.retrying"
	TypePlanCompleted = "plan.completed"
	TypePlanFailed    = "plan.failed"

	// Executor <-> Worker
	TypeBrowserLaunch       = "browser.launch"
	TypeBrowserNavigate     = "browser.navigate"
	TypeBrowserClick        = "browser.click"
	TypeBrowserType         = "browser.type"
	TypeBrowserScreenshot   = "browser.screenshot"
	TypeBrowserClose        = "browser.close"
	TypeBrowserLaunched     = "browser.launched"
	TypeBrowserNavigated    = "browser.navigated"
	TypeBrowserClicked      = "browser.clicked"
	TypeBrowserTyped        = "browser.typed"
	TypeBrowserScreenshoted = "browser.screenshoted"
	TypeBrowserClosed       = "browser.closed"
	TypeBrowserError        = "browser.error"

	// Events (worker broadcast)
	TypeEventConsole = "event.console"
	TypeEventNetwork = "event.network"
	TypeEventError   = "event.error"

	// Tooling
	TypeToolCreate   = "tool.create"
	TypeToolInvoke   = "tool.invoke"
	TypeToolUpdate   = "tool.update"
	TypeToolDelete   = "tool.delete"
	TypeToolList     = "tool.list"
	TypeToolExport   = "tool.export"
	TypeToolCreated  = "tool.created"
	TypeToolInvoked  = "tool.invoked"
	TypeToolUpdated  = "tool.updated"
	TypeToolDeleted  = "tool.deleted"
	TypeToolListed   = "tool.listed"
	TypeToolExported = "tool.exported"
	TypeToolError    = "tool.error"

	// Tool debug sessions
	TypeToolDebugStart  = "tool.debug.start"
	TypeToolDebugEval   = "tool.debug.eval"
	TypeToolDebugOutput = "tool.debug.output"
	TypeToolDebugStop   = "tool.debug.stop"

	// Notifications
	TypeToolsListChanged = "tools/list_changed"
	TypeError            = "error"
)

var knownTypes = map[string]bool{
	TypeComponentRegister: true, TypeComponentUnregister: true,
	TypeHeartbeat: true, TypeVersionAnnounce: true,
	TypePlanSubmit: true, TypePlanCancel: true, TypePlanModify: true,
	TypePlanAccepted: true, TypePlanRejected: true,
	TypeStepStarted: true, TypeStepCompleted: true, TypeStepFailed: true,
	TypeStepRetrying: true, TypePlanCompleted: true, TypePlanFailed: true,
	TypeBrowserLaunch: true, TypeBrowserNavigate: true, TypeBrowserClick: true,
	TypeBrowserType: true, TypeBrowserScreenshot: true, TypeBrowserClose: true,
	TypeBrowserLaunched: true, TypeBrowserNavigated: true, TypeBrowserClicked: true,
	TypeBrowserTyped: true, TypeBrowserScreenshoted: true, TypeBrowserClosed: true,
	TypeBrowserError: true,
	TypeEventConsole: true, TypeEventNetwork: true, TypeEventError: true,
	TypeToolCreate: true, TypeToolInvoke: true, TypeToolUpdate: true,
	TypeToolDelete: true, TypeToolList: true, TypeToolExport: true,
	TypeToolCreated: true, TypeToolInvoked: true, TypeToolUpdated: true,
	TypeToolDeleted: true, TypeToolListed: true, TypeToolExported: true,
	TypeToolError: true,
	TypeToolDebugStart: true, TypeToolDebugEval: true,
	TypeToolDebugOutput: true, TypeToolDebugStop: true,
	TypeToolsListChanged: true, TypeError: true,
}

// KnownMessageType reports whether t is in the closed type catalogue.
func KnownMessageType(t string) bool {
	return knownTypes[t]
}

// generateID generates a short unique id for components and messages
func generateID() string {
	return uuid.New().String()[:8]
}

// monotonic timestamp issue: two messages created in the same millisecond
// still get strictly increasing timestamps within a process.
var (
	lastStamp int64
	stampMu   sync.Mutex
)

func nextTimestamp() int64 {
	stampMu.Lock()
	defer stampMu.Unlock()
	now := time.Now().UnixMilli()
	if now <= lastStamp {
		now = lastStamp + 1
	}
	lastStamp = now
	return now
}

// NewMessage builds an envelope with a fresh id and a monotonically
// issued timestamp.
func NewMessage(source, target, msgType string, payload interface{}) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, NewCoreError("core.NewMessage", KindValidation, err)
		}
		raw = data
	}
	return &Message{
		ID:        uuid.New().String(),
		Timestamp: nextTimestamp(),
		Source:    source,
		Target:    target,
		Type:      msgType,
		Payload:   raw,
	}, nil
}

// Reply builds a response envelope correlated to m. The causation chain
// records m as the trigger.
func (m *Message) Reply(source, msgType string, payload interface{}) (*Message, error) {
	r, err := NewMessage(source, m.Source, msgType, payload)
	if err != nil {
		return nil, err
	}
	corr := m.CorrelationID
	if corr == "" {
		corr = m.ID
	}
	r.CorrelationID = corr
	r.CausationID = m.ID
	return r, nil
}

// Validate checks envelope structure: ids present, a known type, a valid
// source id, and payload within bounds. Target may be any component id or
// Broadcast; the bridge decides deliverability separately.
func (m *Message) Validate() error {
	if m.ID == "" {
		return NewCoreError("message.Validate", KindValidation, fmt.Errorf("%w: missing id", ErrInvalidMessage))
	}
	if m.Timestamp <= 0 {
		return NewCoreError("message.Validate", KindValidation, fmt.Errorf("%w: missing timestamp", ErrInvalidMessage))
	}
	if !ValidComponentID(m.Source) {
		return NewCoreError("message.Validate", KindValidation, fmt.Errorf("%w: source %q", ErrInvalidComponentID, m.Source))
	}
	if m.Target == "" {
		return NewCoreError("message.Validate", KindValidation, fmt.Errorf("%w: missing target", ErrInvalidMessage))
	}
	if m.Target != Broadcast && !ValidComponentID(m.Target) {
		return NewCoreError("message.Validate", KindValidation, fmt.Errorf("%w: target %q", ErrInvalidComponentID, m.Target))
	}
	if !KnownMessageType(m.Type) {
		return NewCoreError("message.Validate", KindValidation, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type))
	}
	if len(m.Payload) > MaxPayloadBytes {
		return NewCoreError("message.Validate", KindValidation, fmt.Errorf("%w: payload %d bytes", ErrMessageTooLarge, len(m.Payload)))
	}
	return nil
}

// SerializedSize returns the wire size of the envelope in bytes.
func (m *Message) SerializedSize() (int, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	return json.Unmarshal(m.Payload, v)
}
