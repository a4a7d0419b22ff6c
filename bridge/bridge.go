// Package bridge implements the typed message broker at the center of the
// orchestration core, plus the client library every other service uses to
// reach it. The bridge validates, signs, rate-limits and routes envelopes,
// keeps a bounded history, and dead-letters what it cannot deliver.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/barrhawk/labcore/core"
	"github.com/barrhawk/labcore/resilience"
)

// registration pairs a component with its delivery handle.
type registration struct {
	info      *core.ComponentInfo
	transport Transport
}

// Bridge routes messages between registered components. All mutation of
// the registration table and rings goes through its internal lock; the
// delivery path per (source, target) preserves submission order because
// Publish delivers synchronously to the target transport.
type Bridge struct {
	mu         sync.RWMutex
	components map[string]*registration

	history     *historyRing
	deadLetters *deadLetterQueue
	limiters    *sourceLimiters

	secret        string
	retryConfig   *resilience.RetryConfig
	logger        core.Logger
	telemetry     core.Telemetry
	recoveringIDs map[string]bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a bridge from config.
func New(cfg *core.Config, logger core.Logger) *Bridge {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	b := &Bridge{
		components:    make(map[string]*registration),
		history:       newHistoryRing(cfg.Bridge.HistorySize),
		deadLetters:   newDeadLetterQueue(cfg.Bridge.DeadLetterSize, cfg.Bridge.DeliveryRetries),
		limiters:      newSourceLimiters(cfg.Bridge.TokensPerSecond),
		secret:        cfg.Bridge.Secret,
		logger:        core.ComponentLogger(logger, "bridge"),
		telemetry:     &core.NoOpTelemetry{},
		recoveringIDs: make(map[string]bool),
		stopCh:        make(chan struct{}),
		retryConfig: &resilience.RetryConfig{
			MaxAttempts:   cfg.Bridge.DeliveryRetries,
			InitialDelay:  50 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2.0,
			JitterEnabled: true,
		},
	}
	b.deadLetters.onPermFail = func(dl *DeadLetter) {
		b.logger.Error("Dead letter permanently failed", map[string]interface{}{
			"message_id": dl.ID,
			"target":     dl.TargetComponent,
			"reason":     dl.Reason,
			"retries":    dl.RetryCount,
		})
	}
	go b.heartbeatSweeper()
	return b
}

// SetTelemetry configures metrics and tracing for the bridge.
func (b *Bridge) SetTelemetry(t core.Telemetry) {
	if t != nil {
		b.telemetry = t
	}
}

// Register records a component and its delivery handle, then broadcasts
// component.register. Fails on invalid or duplicate ids.
func (b *Bridge) Register(componentID string, transport Transport) error {
	if !core.ValidComponentID(componentID) {
		return core.NewCoreError("bridge.Register", core.KindValidation,
			fmt.Errorf("%w: %q", core.ErrInvalidComponentID, componentID))
	}
	now := time.Now()

	b.mu.Lock()
	if _, exists := b.components[componentID]; exists {
		b.mu.Unlock()
		return core.NewCoreError("bridge.Register", core.KindValidation,
			fmt.Errorf("%w: %q", core.ErrDuplicateComponent, componentID))
	}
	b.components[componentID] = &registration{
		info: &core.ComponentInfo{
			ID:           componentID,
			Health:       core.HealthUnknown,
			RegisteredAt: now,
		},
		transport: transport,
	}
	b.mu.Unlock()

	b.logger.Info("Component registered", map[string]interface{}{
		"component_id": componentID,
	})
	b.telemetry.RecordMetric("bridge.registrations", 1, map[string]string{"component": componentID})

	b.announce(componentID, core.TypeComponentRegister)
	b.redeliverDeadLetters(componentID)
	return nil
}

// Unregister removes a component. Safe to call for unknown ids.
func (b *Bridge) Unregister(componentID string) {
	b.mu.Lock()
	reg, ok := b.components[componentID]
	delete(b.components, componentID)
	b.mu.Unlock()
	if !ok {
		return
	}

	_ = reg.transport.Close()
	b.limiters.forget(componentID)
	b.logger.Info("Component unregistered", map[string]interface{}{
		"component_id": componentID,
	})
	b.announce(componentID, core.TypeComponentUnregister)
}

// announce broadcasts a lifecycle message on behalf of the bridge.
func (b *Bridge) announce(componentID, msgType string) {
	msg, err := core.NewMessage(core.ComponentBridge, core.Broadcast, msgType,
		&core.RegisterPayload{ComponentID: componentID})
	if err != nil {
		return
	}
	_ = b.Publish(context.Background(), msg)
}

// SetRecovering marks a component as mid-recovery: messages bound for it
// are dead-lettered with reason worker-recovering instead of delivered.
func (b *Bridge) SetRecovering(componentID string, recovering bool) {
	b.mu.Lock()
	if recovering {
		b.recoveringIDs[componentID] = true
	} else {
		delete(b.recoveringIDs, componentID)
	}
	b.mu.Unlock()
	if !recovering {
		b.redeliverDeadLetters(componentID)
	}
}

// Publish validates, rate-limits, signs and routes a message. Validation
// and rate-limit failures return synchronously and never cross the bus;
// transport failures surface via the dead-letter queue plus an error
// broadcast.
func (b *Bridge) Publish(ctx context.Context, msg *core.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	size, err := msg.SerializedSize()
	if err != nil {
		return core.NewCoreError("bridge.Publish", core.KindValidation, err)
	}
	if size > core.MaxMessageBytes {
		return core.NewCoreError("bridge.Publish", core.KindValidation,
			fmt.Errorf("%w: %d bytes", core.ErrMessageTooLarge, size))
	}

	// Incoming pre-signed messages must verify before routing.
	if b.secret != "" && msg.Signature != "" {
		if err := core.VerifyMessage(msg, b.secret); err != nil {
			return err
		}
	}

	if !b.limiters.allow(msg.Source) {
		b.telemetry.RecordMetric("bridge.rate_limited", 1, map[string]string{"source": msg.Source})
		return core.NewCoreError("bridge.Publish", core.KindRateLimited,
			fmt.Errorf("%w: source %q", core.ErrRateLimited, msg.Source))
	}

	if b.secret != "" && msg.Signature == "" {
		if err := core.SignMessage(msg, b.secret); err != nil {
			return err
		}
	}

	b.history.append(msg)
	b.telemetry.RecordMetric("bridge.published", 1, map[string]string{"type": msg.Type})

	if msg.Target == core.ComponentBridge {
		b.handleOwn(msg)
		return nil
	}
	if msg.Target == core.Broadcast {
		b.routeBroadcast(ctx, msg)
		return nil
	}
	b.routeSingle(ctx, msg)
	return nil
}

// handleOwn consumes messages addressed to the bridge itself.
func (b *Bridge) handleOwn(msg *core.Message) {
	switch msg.Type {
	case core.TypeHeartbeat:
		var hb core.HeartbeatPayload
		if err := msg.DecodePayload(&hb); err == nil {
			b.Heartbeat(hb.ComponentID, hb.Health)
		}
	case core.TypeVersionAnnounce:
		var v core.VersionPayload
		if err := msg.DecodePayload(&v); err == nil {
			b.SetVersion(v.ComponentID, v.Version)
		}
	case core.TypeComponentUnregister:
		var reg core.RegisterPayload
		if err := msg.DecodePayload(&reg); err == nil && reg.ComponentID == msg.Source {
			b.Unregister(reg.ComponentID)
		}
	}
}

func (b *Bridge) routeSingle(ctx context.Context, msg *core.Message) {
	b.mu.RLock()
	reg, ok := b.components[msg.Target]
	recovering := b.recoveringIDs[msg.Target]
	b.mu.RUnlock()

	if recovering {
		b.deadLetters.add(msg, msg.Target, ReasonWorkerRecovering)
		return
	}
	if !ok {
		b.deadLetters.add(msg, msg.Target, ReasonNoSuchTarget)
		b.logger.Warn("Message dead-lettered", map[string]interface{}{
			"message_id": msg.ID,
			"target":     msg.Target,
			"reason":     ReasonNoSuchTarget,
		})
		return
	}
	b.deliver(ctx, reg, msg)
}

func (b *Bridge) routeBroadcast(ctx context.Context, msg *core.Message) {
	b.mu.RLock()
	targets := make([]*registration, 0, len(b.components))
	for id, reg := range b.components {
		if id != msg.Source {
			targets = append(targets, reg)
		}
	}
	b.mu.RUnlock()

	for _, reg := range targets {
		b.deliver(ctx, reg, msg)
	}
}

// deliver pushes a message to one transport with bounded retries; failure
// dead-letters the message and broadcasts a typed error.
func (b *Bridge) deliver(ctx context.Context, reg *registration, msg *core.Message) {
	err := resilience.Retry(ctx, b.retryConfig, func() error {
		return reg.transport.Deliver(ctx, msg)
	})
	if err == nil {
		return
	}

	b.deadLetters.add(msg, reg.info.ID, ReasonTransportFailed)
	b.telemetry.RecordMetric("bridge.transport_failures", 1, map[string]string{"target": reg.info.ID})
	b.logger.Error("Transport delivery failed", map[string]interface{}{
		"message_id": msg.ID,
		"target":     reg.info.ID,
		"error":      err,
	})

	errMsg, mkErr := core.NewMessage(core.ComponentBridge, core.Broadcast, core.TypeError, &core.ErrorPayload{
		Kind:      core.KindTransport,
		Message:   fmt.Sprintf("delivery to %s failed: %v", reg.info.ID, err),
		MessageID: msg.ID,
		Target:    reg.info.ID,
	})
	if mkErr == nil {
		// Route directly to avoid recursive dead-lettering of the error
		// broadcast itself consuming source tokens.
		b.history.append(errMsg)
		b.routeBroadcast(ctx, errMsg)
	}
}

// redeliverDeadLetters retries queued messages for a target that just
// (re)appeared.
func (b *Bridge) redeliverDeadLetters(componentID string) {
	entries := b.deadLetters.takeForTarget(componentID)
	if len(entries) == 0 {
		return
	}
	b.mu.RLock()
	reg, ok := b.components[componentID]
	b.mu.RUnlock()
	if !ok {
		for _, dl := range entries {
			b.deadLetters.requeue(dl)
		}
		return
	}
	ctx := context.Background()
	for _, dl := range entries {
		if err := reg.transport.Deliver(ctx, dl.OriginalMessage); err != nil {
			b.deadLetters.requeue(dl)
		} else {
			b.logger.Info("Dead letter redelivered", map[string]interface{}{
				"message_id": dl.ID,
				"target":     componentID,
				"retries":    dl.RetryCount,
			})
		}
	}
}

// Heartbeat records a heartbeat for a component.
func (b *Bridge) Heartbeat(componentID string, health core.HealthStatus) {
	b.mu.Lock()
	if reg, ok := b.components[componentID]; ok {
		reg.info.LastHeartbeat = time.Now()
		if health != "" {
			reg.info.Health = health
		}
	}
	b.mu.Unlock()
}

// SetVersion records an announced component version.
func (b *Bridge) SetVersion(componentID, version string) {
	b.mu.Lock()
	if reg, ok := b.components[componentID]; ok {
		reg.info.Version = version
	}
	b.mu.Unlock()
}

// heartbeatSweeper drops components that missed their heartbeat budget.
func (b *Bridge) heartbeatSweeper() {
	ticker := time.NewTicker(core.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case now := <-ticker.C:
			var dead []string
			b.mu.RLock()
			for id, reg := range b.components {
				if !reg.info.Alive(now) {
					dead = append(dead, id)
				}
			}
			b.mu.RUnlock()
			for _, id := range dead {
				b.logger.Warn("Component missed heartbeats, removing", map[string]interface{}{
					"component_id": id,
				})
				b.Unregister(id)
			}
		}
	}
}

// History returns the most recent messages matching the filter.
func (b *Bridge) History(f HistoryFilter) []*core.Message {
	return b.history.query(f)
}

// DeadLetters returns the current dead-letter ring.
func (b *Bridge) DeadLetters() []*DeadLetter {
	return b.deadLetters.list()
}

// Components returns a snapshot of registered components.
func (b *Bridge) Components() []*core.ComponentInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*core.ComponentInfo, 0, len(b.components))
	for _, reg := range b.components {
		info := *reg.info
		out = append(out, &info)
	}
	return out
}

// Registered reports whether componentID is currently registered.
func (b *Bridge) Registered(componentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.components[componentID]
	return ok
}

// Stop halts background work. Registered transports stay open; callers
// own their lifecycle.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}
