package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/labcore/bridge"
	"github.com/barrhawk/labcore/core"
)

func newBusWorker(t *testing.T) (*Worker, *bridge.Bridge, *bridge.LocalClient) {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Worker.ToolsDir = t.TempDir()
	cfg.Bridge.TokensPerSecond = 1000

	b := bridge.New(cfg, &core.NoOpLogger{})
	t.Cleanup(b.Stop)

	w, err := New(cfg, &core.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(w.Shutdown)

	frankClient, err := bridge.Connect(b, core.ComponentFrank, "1.0.0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = frankClient.Close() })
	w.AttachBus(frankClient)

	igor, err := bridge.Connect(b, "igor-test", "1.0.0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = igor.Close() })

	return w, b, igor
}

func TestWorkerHandlesBrowserMessages(t *testing.T) {
	w, _, igor := newBusWorker(t)
	driver := NewRecordingDriver()
	w.SetDriver(driver)

	req, err := core.NewMessage("igor-test", core.ComponentFrank, core.TypeBrowserNavigate,
		&core.BrowserRequestPayload{Action: core.ActionNavigate,
			Params: map[string]interface{}{"url": "https://example.com"}})
	require.NoError(t, err)

	resp, err := igor.Request(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.TypeBrowserNavigated, resp.Type)

	var result core.BrowserResultPayload
	require.NoError(t, resp.DecodePayload(&result))
	assert.True(t, result.Success)

	calls := driver.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, core.ActionNavigate, calls[0].Action)
	assert.Equal(t, "https://example.com", calls[0].Params["url"])
}

func TestWorkerBrowserFailureRepliesError(t *testing.T) {
	w, _, igor := newBusWorker(t)
	driver := NewRecordingDriver()
	driver.FailNext(core.ActionClick, core.ErrToolNotFound)
	w.SetDriver(driver)

	req, err := core.NewMessage("igor-test", core.ComponentFrank, core.TypeBrowserClick,
		&core.BrowserRequestPayload{Action: core.ActionClick,
			Params: map[string]interface{}{"selector": "#login"}})
	require.NoError(t, err)

	resp, err := igor.Request(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.TypeBrowserError, resp.Type)

	var result core.BrowserResultPayload
	require.NoError(t, resp.DecodePayload(&result))
	assert.False(t, result.Success)
	assert.Equal(t, core.KindToolRuntime, result.ErrorKind)
}

func TestWorkerToolCreateOverBus(t *testing.T) {
	w, _, igor := newBusWorker(t)

	req, err := core.NewMessage("igor-test", core.ComponentFrank, core.TypeToolCreate,
		&core.ToolCreatePayload{
			Name:        "smart_fill_search",
			Description: "Fills the search box with retry-friendly waits",
			Schema:      map[string]interface{}{"type": "object"},
			Code:        `return "filled"`,
		})
	require.NoError(t, err)

	resp, err := igor.Request(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.TypeToolCreated, resp.Type)
	assert.NotNil(t, w.Tool("smart_fill_search"))
}

func TestWorkerToolDeleteProtectedOverBus(t *testing.T) {
	_, _, igor := newBusWorker(t)

	req, err := core.NewMessage("igor-test", core.ComponentFrank, core.TypeToolDelete,
		&core.ToolResultPayload{Name: "hello_world"})
	require.NoError(t, err)

	resp, err := igor.Request(context.Background(), req, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, core.TypeToolError, resp.Type)
}

func TestWorkerToolsListChangedBroadcast(t *testing.T) {
	w, _, igor := newBusWorker(t)

	notifications := make(chan *core.Message, 4)
	igor.On(core.TypeToolsListChanged, func(msg *core.Message) { notifications <- msg })

	_, err := w.loader.Create("fresh", "new tool", map[string]interface{}{"type": "object"}, `return "x"`, nil)
	require.NoError(t, err)

	select {
	case msg := <-notifications:
		var payload core.ToolsListChangedPayload
		require.NoError(t, msg.DecodePayload(&payload))
		assert.NotEmpty(t, payload.Hash)
		assert.GreaterOrEqual(t, payload.ToolCount, 3)
	case <-time.After(2 * time.Second):
		t.Fatal("tools/list_changed not broadcast")
	}
}

func TestWorkerEmitEventFromLuaTool(t *testing.T) {
	w, _, igor := newBusWorker(t)

	events := make(chan *core.Message, 4)
	igor.On(core.TypeEventConsole, func(msg *core.Message) { events <- msg })

	_, err := w.loader.Create("noisy", "emits events", map[string]interface{}{"type": "object"},
		`emit_event("console", { line = "working" })
return "ok"`, nil)
	require.NoError(t, err)

	result := w.Call(context.Background(), "noisy", nil)
	require.False(t, result.IsError, result.Content)

	select {
	case msg := <-events:
		var payload core.EventPayload
		require.NoError(t, msg.DecodePayload(&payload))
		assert.Equal(t, "console", payload.Kind)
		assert.Equal(t, "noisy", payload.Tool)
	case <-time.After(2 * time.Second):
		t.Fatal("event.console not broadcast")
	}
}

func TestWorkerDebugSessionOverBus(t *testing.T) {
	w, _, igor := newBusWorker(t)

	_, err := w.loader.Create("mathy", "does math", map[string]interface{}{"type": "object"},
		`return tostring(40 + 2)`, nil)
	require.NoError(t, err)

	start, err := core.NewMessage("igor-test", core.ComponentFrank, core.TypeToolDebugStart,
		&core.ToolDebugPayload{Tool: "mathy"})
	require.NoError(t, err)
	resp, err := igor.Request(context.Background(), start, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, core.TypeToolDebugOutput, resp.Type)

	var session core.ToolDebugPayload
	require.NoError(t, resp.DecodePayload(&session))
	require.NotEmpty(t, session.SessionID)

	eval, err := core.NewMessage("igor-test", core.ComponentFrank, core.TypeToolDebugEval,
		&core.ToolDebugPayload{SessionID: session.SessionID, Expr: "1 + 2"})
	require.NoError(t, err)
	resp, err = igor.Request(context.Background(), eval, 2*time.Second)
	require.NoError(t, err)

	var out core.ToolDebugPayload
	require.NoError(t, resp.DecodePayload(&out))
	assert.Equal(t, "3", out.Output)

	stop, err := core.NewMessage("igor-test", core.ComponentFrank, core.TypeToolDebugStop,
		&core.ToolDebugPayload{SessionID: session.SessionID})
	require.NoError(t, err)
	_, err = igor.Request(context.Background(), stop, 2*time.Second)
	require.NoError(t, err)
}
