package supervisor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/labcore/core"
	"github.com/barrhawk/labcore/worker"
)

// freePort reserves an ephemeral port for an in-process worker child.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// inProcessChild runs a real worker inside the test process, behaving
// like a healthy child.
type inProcessChild struct {
	cfg  *core.Config
	port int
	w    *worker.Worker
	done chan struct{}
}

func (c *inProcessChild) Start(ctx context.Context) error {
	w, err := worker.New(c.cfg, &core.NoOpLogger{})
	if err != nil {
		return err
	}
	c.w = w
	done := make(chan struct{})
	c.done = done
	go func() {
		_ = w.Start(context.Background(), c.port)
		close(done)
	}()
	return nil
}

func (c *inProcessChild) Done() <-chan struct{} { return c.done }
func (c *inProcessChild) ExitErr() error        { return nil }
func (c *inProcessChild) Signal(os.Signal) error {
	c.w.Shutdown()
	return nil
}
func (c *inProcessChild) Kill() error {
	c.w.Shutdown()
	return nil
}

// crashyChild exits almost immediately after spawn.
type crashyChild struct {
	done chan struct{}
}

func (c *crashyChild) Start(ctx context.Context) error {
	done := make(chan struct{})
	c.done = done
	go func() {
		time.Sleep(5 * time.Millisecond)
		close(done)
	}()
	return nil
}

func (c *crashyChild) Done() <-chan struct{}  { return c.done }
func (c *crashyChild) ExitErr() error         { return assertError{} }
func (c *crashyChild) Signal(os.Signal) error { return nil }
func (c *crashyChild) Kill() error            { return nil }

type assertError struct{}

func (assertError) Error() string { return "exit status 1" }

func testSupervisorConfig(t *testing.T) *core.Config {
	cfg := core.DefaultConfig()
	cfg.Worker.ToolsDir = filepath.Join(t.TempDir(), "tools")
	require.NoError(t, os.MkdirAll(cfg.Worker.ToolsDir, 0o755))
	cfg.Supervise.SnapshotsDir = filepath.Join(t.TempDir(), "snapshots")
	cfg.Supervise.WorkerPort = freePort(t)
	cfg.Supervise.RestartDelay = 10 * time.Millisecond
	cfg.Supervise.HealthInterval = 50 * time.Millisecond
	return cfg
}

func TestSupervisorStartsHealthyWorker(t *testing.T) {
	cfg := testSupervisorConfig(t)
	s, err := New(cfg, &core.NoOpLogger{})
	require.NoError(t, err)

	s.SetChildFactory(func() ChildProcess {
		return &inProcessChild{cfg: cfg, port: cfg.Supervise.WorkerPort}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	assert.Equal(t, StateRunning, s.State())
	assert.True(t, s.snapshots.HasInitial(), "initial snapshot created on startup")

	status := s.Status()
	assert.Equal(t, 0, status.RestartCount)
	require.NotNil(t, status.LastHealth)
	assert.Equal(t, core.HealthHealthy, status.LastHealth.Status)
}

func TestSupervisorRollsBackAfterRestartBudget(t *testing.T) {
	cfg := testSupervisorConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Worker.ToolsDir, "good.lua"),
		[]byte("-- known good tool\n"), 0o644))

	s, err := New(cfg, &core.NoOpLogger{})
	require.NoError(t, err)

	// First spawn succeeds so Start returns; every respawn crashes until
	// the rollback happens, after which children are healthy again.
	spawns := 0
	rolledBack := make(chan struct{}, 1)
	s.SetChildFactory(func() ChildProcess {
		spawns++
		if spawns == 1 {
			return &inProcessChild{cfg: cfg, port: cfg.Supervise.WorkerPort}
		}
		s.mu.RLock()
		rb := s.lastRollback
		s.mu.RUnlock()
		if rb != "" {
			select {
			case rolledBack <- struct{}{}:
			default:
			}
			return &inProcessChild{cfg: cfg, port: cfg.Supervise.WorkerPort}
		}
		return &crashyChild{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	// Corrupt the tools dir after the initial snapshot, then kill the
	// worker to enter the crash loop.
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Worker.ToolsDir, "rogue.lua"),
		[]byte("-- corrupting change\n"), 0o644))
	s.mu.RLock()
	first := s.child.(*inProcessChild)
	s.mu.RUnlock()
	first.w.Shutdown()

	select {
	case <-rolledBack:
	case <-time.After(15 * time.Second):
		t.Fatal("rollback did not happen")
	}

	require.Eventually(t, func() bool { return s.State() == StateRunning }, 15*time.Second, 50*time.Millisecond)

	status := s.Status()
	assert.Equal(t, 0, status.RestartCount, "restart budget reset after rollback")
	assert.NotEmpty(t, status.LastRollback)

	// The corrupting change is gone, the known-good tool is back.
	_, err = os.Stat(filepath.Join(cfg.Worker.ToolsDir, "rogue.lua"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(cfg.Worker.ToolsDir, "good.lua"))
	assert.NoError(t, err)
}

func TestSupervisorPrimaryTools(t *testing.T) {
	cfg := testSupervisorConfig(t)
	s, err := New(cfg, &core.NoOpLogger{})
	require.NoError(t, err)
	s.SetChildFactory(func() ChildProcess {
		return &inProcessChild{cfg: cfg, port: cfg.Supervise.WorkerPort}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	result, ok := s.CallPrimary(ctx, ToolWorkerStatus, nil)
	require.True(t, ok)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, string(StateRunning))

	result, ok = s.CallPrimary(ctx, ToolWorkerSnapshot, map[string]interface{}{"name": "manual-1"})
	require.True(t, ok)
	assert.False(t, result.IsError, result.Content[0].Text)

	result, ok = s.CallPrimary(ctx, ToolWorkerSnapshots, nil)
	require.True(t, ok)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, SnapshotInitial)

	// Unknown names are not primary tools.
	_, ok = s.CallPrimary(ctx, "hello_world", nil)
	assert.False(t, ok)
}

func TestSupervisorPlanRead(t *testing.T) {
	cfg := testSupervisorConfig(t)
	s, err := New(cfg, &core.NoOpLogger{})
	require.NoError(t, err)

	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.md")
	require.NoError(t, os.WriteFile(planPath, []byte("# Test Plan\n"), 0o644))

	result, ok := s.CallPrimary(context.Background(), ToolPlanRead,
		map[string]interface{}{"path": planPath})
	require.True(t, ok)
	assert.False(t, result.IsError)
	assert.Equal(t, "# Test Plan\n", result.Content[0].Text)

	// Non-markdown refused.
	result, _ = s.CallPrimary(context.Background(), ToolPlanRead,
		map[string]interface{}{"path": filepath.Join(dir, "plan.txt")})
	assert.True(t, result.IsError)

	// Traversal refused.
	result, _ = s.CallPrimary(context.Background(), ToolPlanRead,
		map[string]interface{}{"path": dir + "/../secrets.md"})
	assert.True(t, result.IsError)
}

func TestSupervisorDynamicToolDeleteProtected(t *testing.T) {
	cfg := testSupervisorConfig(t)
	s, err := New(cfg, &core.NoOpLogger{})
	require.NoError(t, err)

	result, ok := s.CallPrimary(context.Background(), ToolDynamicToolDelete,
		map[string]interface{}{"name": "hello_world"})
	require.True(t, ok)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "protected")
}
