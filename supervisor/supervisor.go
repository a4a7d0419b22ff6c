package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/barrhawk/labcore/bridge"
	"github.com/barrhawk/labcore/core"
	"github.com/barrhawk/labcore/resilience"
	"github.com/barrhawk/labcore/worker"
)

// WorkerState is the supervisor's view of the child lifecycle.
type WorkerState string

const (
	StateStarting    WorkerState = "starting"
	StateRunning     WorkerState = "running"
	StateRestarting  WorkerState = "restarting"
	StateRollingBack WorkerState = "rolling-back"
	StateStopped     WorkerState = "stopped"
)

// startupHealthWindow bounds the wait for the child's first /health.
const startupHealthWindow = 10 * time.Second

// shutdownGrace is the pause between POST /shutdown and SIGTERM.
const shutdownGrace = 500 * time.Millisecond

// Supervisor is the immortal parent of one worker child. It never exits
// on worker failure; the worst case is a rollback to the initial
// snapshot.
type Supervisor struct {
	cfg       *core.Config
	logger    core.Logger
	telemetry core.Telemetry
	snapshots *SnapshotStore
	api       *workerAPI
	bus       bridge.Client

	newChild func() ChildProcess

	// setRecovering marks the worker as mid-recovery on the broker so
	// worker-bound traffic dead-letters instead of timing out. Wired to
	// Bridge.SetRecovering in single-process deployments; in split
	// deployments the broker infers recovery from the worker's
	// unregistration.
	setRecovering func(componentID string, recovering bool)

	mu           sync.RWMutex
	state        WorkerState
	child        ChildProcess
	restartCount int
	manual       bool
	burstStart   time.Time
	lastHealth   *worker.HealthSnapshot
	lastRollback string
	toolHash     string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a supervisor from config.
func New(cfg *core.Config, logger core.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	snapshots, err := NewSnapshotStore(cfg.Supervise.SnapshotsDir, cfg.Worker.ToolsDir,
		cfg.Supervise.SnapshotRetention, logger)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		cfg:       cfg,
		logger:    core.ComponentLogger(logger, "supervisor"),
		telemetry: &core.NoOpTelemetry{},
		snapshots: snapshots,
		api:       newWorkerAPI(cfg.Supervise.WorkerPort),
		state:     StateStopped,
		stopCh:    make(chan struct{}),
	}
	s.newChild = func() ChildProcess {
		return newExecChild(cfg.Supervise.WorkerCommand, cfg.Supervise.WorkerPort, s.logger)
	}
	return s, nil
}

// SetChildFactory replaces the child spawner; tests inject fakes here.
func (s *Supervisor) SetChildFactory(fn func() ChildProcess) {
	s.newChild = fn
}

// SetTelemetry configures metrics and tracing.
func (s *Supervisor) SetTelemetry(t core.Telemetry) {
	if t != nil {
		s.telemetry = t
	}
}

// AttachBus lets the supervisor emit tools/list_changed and mark the
// worker as recovering on the broker.
func (s *Supervisor) AttachBus(client bridge.Client) {
	s.bus = client
}

// SetRecoveringFunc wires the broker's recovery marker.
func (s *Supervisor) SetRecoveringFunc(fn func(componentID string, recovering bool)) {
	s.setRecovering = fn
}

func (s *Supervisor) markRecovering(recovering bool) {
	if s.setRecovering != nil {
		s.setRecovering(core.ComponentFrank, recovering)
	}
}

// Snapshots exposes the snapshot store.
func (s *Supervisor) Snapshots() *SnapshotStore {
	return s.snapshots
}

// State returns the current worker state.
func (s *Supervisor) State() WorkerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(state WorkerState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	if prev != state {
		s.logger.Info("Worker state change", map[string]interface{}{
			"from": string(prev),
			"to":   string(state),
		})
	}
}

// Start initializes snapshots, spawns the child and runs the monitor
// loops until Stop or context cancellation.
func (s *Supervisor) Start(ctx context.Context) error {
	if _, err := s.snapshots.EnsureInitial(); err != nil {
		return core.NewCoreError("supervisor.Start", core.KindFatal, err)
	}
	if err := s.spawn(ctx); err != nil {
		return err
	}

	go s.monitorLoop(ctx)
	go s.toolsPollLoop(ctx)
	go s.healthLoop(ctx)
	return nil
}

// Stop shuts the child down gracefully and halts the loops.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.RLock()
		child := s.child
		s.mu.RUnlock()
		s.setState(StateStopped)
		if child != nil {
			s.api.shutdown(context.Background(), child, shutdownGrace)
		}
	})
}

// spawn starts a child and waits for its first successful health check.
func (s *Supervisor) spawn(ctx context.Context) error {
	s.setState(StateStarting)
	child := s.newChild()
	if err := child.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.child = child
	s.mu.Unlock()

	deadline := time.Now().Add(startupHealthWindow)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return core.ErrShuttingDown
		case <-child.Done():
			return core.NewCoreError("supervisor.spawn", core.KindWorkerCrash,
				fmt.Errorf("worker exited during startup: %v", child.ExitErr()))
		case <-time.After(200 * time.Millisecond):
		}
		if health, err := s.api.health(ctx); err == nil {
			s.mu.Lock()
			s.lastHealth = health
			s.mu.Unlock()
			s.setState(StateRunning)
			// Recovery complete: let queued worker traffic flow.
			s.markRecovering(false)
			return nil
		}
	}
	return core.NewCoreError("supervisor.spawn", core.KindWorkerCrash,
		fmt.Errorf("worker did not become healthy within %s", startupHealthWindow))
}

// monitorLoop restarts the child when it exits, rolling back once the
// restart budget is exhausted.
func (s *Supervisor) monitorLoop(ctx context.Context) {
	for {
		s.mu.RLock()
		child := s.child
		s.mu.RUnlock()
		if child == nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-child.Done():
		}

		if s.State() == StateStopped {
			return
		}

		s.mu.Lock()
		if s.manual {
			// Manual restarts own their respawn; just consume the exit.
			s.manual = false
			s.mu.Unlock()
			select {
			case <-s.stopCh:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		s.mu.Unlock()

		s.telemetry.RecordMetric("supervisor.worker_exits", 1, nil)
		s.mu.Lock()
		if s.restartCount == 0 {
			s.burstStart = time.Now()
		}
		s.restartCount++
		count := s.restartCount
		s.mu.Unlock()

		s.logger.Warn("Worker exited unexpectedly", map[string]interface{}{
			"exit_error":    fmt.Sprintf("%v", child.ExitErr()),
			"restart_count": count,
			"max_restarts":  s.cfg.Supervise.MaxRestarts,
		})

		if count >= s.cfg.Supervise.MaxRestarts {
			s.rollback(ctx)
			if s.State() != StateRunning {
				// Restore did not take; pause before the next attempt.
				select {
				case <-s.stopCh:
					return
				case <-time.After(s.cfg.Supervise.RestartDelay):
				}
			}
			continue
		}

		s.setState(StateRestarting)
		select {
		case <-time.After(s.cfg.Supervise.RestartDelay):
		case <-s.stopCh:
			return
		}
		if err := s.spawn(ctx); err != nil {
			s.logger.Error("Worker respawn failed", map[string]interface{}{"error": err})
		}
	}
}

// rollback restores the most recent snapshot taken before the current
// failure burst, resets the restart budget and respawns. Failure is
// fatal only when the initial snapshot is missing; otherwise the restore
// is retried with backoff.
func (s *Supervisor) rollback(ctx context.Context) {
	s.setState(StateRollingBack)
	s.markRecovering(true)

	s.mu.RLock()
	burstStart := s.burstStart
	s.mu.RUnlock()

	err := resilience.Retry(ctx, &resilience.RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}, func() error {
		target, err := s.pickRollbackTarget(burstStart)
		if err != nil {
			return err
		}
		if err := s.snapshots.Restore(target.ID); err != nil {
			return err
		}
		s.mu.Lock()
		s.lastRollback = target.ID
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		if !s.snapshots.HasInitial() {
			// Nothing left to restore from: the supervisor cannot keep
			// its immortality promise.
			s.logger.Error("Rollback impossible, initial snapshot missing", map[string]interface{}{
				"error": err,
			})
			panic(core.NewCoreError("supervisor.rollback", core.KindFatal, err))
		}
		s.logger.Error("Rollback failed, will retry on next exit", map[string]interface{}{
			"error": err,
		})
		return
	}

	s.telemetry.RecordMetric("supervisor.rollbacks", 1, nil)
	s.mu.Lock()
	s.restartCount = 0
	s.mu.Unlock()

	if err := s.spawn(ctx); err != nil {
		s.logger.Error("Respawn after rollback failed", map[string]interface{}{"error": err})
	}
}

// pickRollbackTarget chooses the newest snapshot created before the
// failure burst began, falling back to the oldest available (normally the
// initial snapshot, which retention never evicts).
func (s *Supervisor) pickRollbackTarget(burstStart time.Time) (*Snapshot, error) {
	snaps, err := s.snapshots.List()
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, fmt.Errorf("no snapshots available")
	}
	for _, snap := range snaps {
		if snap.CreatedAt.Before(burstStart) {
			return snap, nil
		}
	}
	return snaps[len(snaps)-1], nil
}

// healthLoop polls the child health endpoint.
func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Supervise.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		if s.State() != StateRunning {
			continue
		}
		health, err := s.api.health(ctx)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.lastHealth = health
		s.mu.Unlock()
	}
}

// toolsPollLoop polls the child tool list every second and emits
// tools/list_changed when the content hash moves.
func (s *Supervisor) toolsPollLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		if s.State() != StateRunning {
			continue
		}
		tools, err := s.api.tools(ctx)
		if err != nil {
			continue
		}
		hash := worker.ToolSetHash(tools)

		s.mu.Lock()
		changed := hash != s.toolHash
		s.toolHash = hash
		s.mu.Unlock()

		if changed && s.bus != nil {
			msg, err := core.NewMessage(core.ComponentMeta, core.Broadcast, core.TypeToolsListChanged,
				&core.ToolsListChangedPayload{Hash: hash, ToolCount: len(tools)})
			if err == nil {
				_ = s.bus.Publish(ctx, msg)
			}
		}
	}
}

// Status is the worker_status primary tool response.
type Status struct {
	State        WorkerState            `json:"state"`
	RestartCount int                    `json:"restartCount"`
	LastHealth   *worker.HealthSnapshot `json:"lastHealth,omitempty"`
	LastRollback string                 `json:"lastRollback,omitempty"`
	ToolHash     string                 `json:"toolHash,omitempty"`
}

// Status reports the supervisor's view of the worker.
func (s *Supervisor) Status() *Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Status{
		State:        s.state,
		RestartCount: s.restartCount,
		LastHealth:   s.lastHealth,
		LastRollback: s.lastRollback,
		ToolHash:     s.toolHash,
	}
}

// Restart performs a graceful restart of the child on request.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.RLock()
	child := s.child
	s.mu.RUnlock()
	if child == nil {
		return core.ErrNotInitialized
	}
	s.mu.Lock()
	s.manual = true
	s.restartCount = 0
	s.mu.Unlock()

	s.setState(StateRestarting)
	s.api.shutdown(ctx, child, shutdownGrace)
	return s.spawn(ctx)
}
