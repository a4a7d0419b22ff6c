package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/barrhawk/labcore/core"
)

// BrowserDriver is the opaque browser capability the worker dispatches
// step actions to. Concrete drivers live outside the core; the worker only
// consumes this contract.
type BrowserDriver interface {
	Launch(ctx context.Context, params map[string]interface{}) (json.RawMessage, error)
	Navigate(ctx context.Context, params map[string]interface{}) (json.RawMessage, error)
	Click(ctx context.Context, params map[string]interface{}) (json.RawMessage, error)
	Type(ctx context.Context, params map[string]interface{}) (json.RawMessage, error)
	Screenshot(ctx context.Context, params map[string]interface{}) (json.RawMessage, error)
	Close(ctx context.Context, params map[string]interface{}) (json.RawMessage, error)
	Wait(ctx context.Context, params map[string]interface{}) (json.RawMessage, error)
}

// browserActions maps browser.* request types to their response types.
var browserActions = map[string]string{
	core.TypeBrowserLaunch:     core.TypeBrowserLaunched,
	core.TypeBrowserNavigate:   core.TypeBrowserNavigated,
	core.TypeBrowserClick:      core.TypeBrowserClicked,
	core.TypeBrowserType:       core.TypeBrowserTyped,
	core.TypeBrowserScreenshot: core.TypeBrowserScreenshoted,
	core.TypeBrowserClose:      core.TypeBrowserClosed,
}

// dispatchBrowser routes an action name to the driver method.
func dispatchBrowser(ctx context.Context, driver BrowserDriver, action string, params map[string]interface{}) (json.RawMessage, error) {
	switch action {
	case core.ActionLaunch:
		return driver.Launch(ctx, params)
	case core.ActionNavigate:
		return driver.Navigate(ctx, params)
	case core.ActionClick:
		return driver.Click(ctx, params)
	case core.ActionType:
		return driver.Type(ctx, params)
	case core.ActionScreenshot:
		return driver.Screenshot(ctx, params)
	case core.ActionClose:
		return driver.Close(ctx, params)
	case core.ActionWait, core.ActionScroll, core.ActionSelect, core.ActionHover, core.ActionVerify:
		// Secondary actions ride the generic wait entry point; the driver
		// receives the action name in params.
		merged := map[string]interface{}{"action": action}
		for k, v := range params {
			merged[k] = v
		}
		return driver.Wait(ctx, merged)
	default:
		return nil, core.NewCoreError("worker.dispatchBrowser", core.KindValidation,
			fmt.Errorf("unsupported browser action %q", action))
	}
}

// RecordedCall is one invocation captured by the recording driver.
type RecordedCall struct {
	Action string
	Params map[string]interface{}
}

// RecordingDriver is a no-op BrowserDriver that records calls and returns
// canned results. Tests and driverless deployments use it.
type RecordingDriver struct {
	mu    sync.Mutex
	calls []RecordedCall

	// Fail makes matching actions return an error; used to exercise the
	// retry paths.
	Fail map[string]error
	// failCounts bounds scripted failures per action; -1 means until
	// cleared.
	failCounts map[string]int

	// Delay slows every call down; used to exercise queue bounds and
	// cancellation at dispatch boundaries.
	Delay time.Duration
}

// NewRecordingDriver creates an empty recording driver.
func NewRecordingDriver() *RecordingDriver {
	return &RecordingDriver{Fail: make(map[string]error), failCounts: make(map[string]int)}
}

// Calls returns the recorded invocations.
func (d *RecordingDriver) Calls() []RecordedCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]RecordedCall, len(d.calls))
	copy(out, d.calls)
	return out
}

// FailNext makes invocations of action fail with err until cleared.
func (d *RecordingDriver) FailNext(action string, err error) {
	d.mu.Lock()
	d.Fail[action] = err
	d.failCounts[action] = -1
	d.mu.Unlock()
}

// FailNTimes makes the next n invocations of action fail with err.
func (d *RecordingDriver) FailNTimes(action string, n int, err error) {
	d.mu.Lock()
	d.Fail[action] = err
	d.failCounts[action] = n
	d.mu.Unlock()
}

// ClearFailure removes a scripted failure.
func (d *RecordingDriver) ClearFailure(action string) {
	d.mu.Lock()
	delete(d.Fail, action)
	delete(d.failCounts, action)
	d.mu.Unlock()
}

func (d *RecordingDriver) record(action string, params map[string]interface{}) (json.RawMessage, error) {
	d.mu.Lock()
	d.calls = append(d.calls, RecordedCall{Action: action, Params: params})
	err := d.Fail[action]
	if err != nil {
		switch n := d.failCounts[action]; {
		case n == 0:
			err = nil
		case n > 0:
			d.failCounts[action] = n - 1
		}
	}
	delay := d.Delay
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, core.NewCoreError("driver."+action, core.KindToolRuntime, err)
	}
	data, _ := json.Marshal(map[string]interface{}{"action": action, "ok": true})
	return data, nil
}

func (d *RecordingDriver) Launch(ctx context.Context, p map[string]interface{}) (json.RawMessage, error) {
	return d.record(core.ActionLaunch, p)
}
func (d *RecordingDriver) Navigate(ctx context.Context, p map[string]interface{}) (json.RawMessage, error) {
	return d.record(core.ActionNavigate, p)
}
func (d *RecordingDriver) Click(ctx context.Context, p map[string]interface{}) (json.RawMessage, error) {
	return d.record(core.ActionClick, p)
}
func (d *RecordingDriver) Type(ctx context.Context, p map[string]interface{}) (json.RawMessage, error) {
	return d.record(core.ActionType, p)
}
func (d *RecordingDriver) Screenshot(ctx context.Context, p map[string]interface{}) (json.RawMessage, error) {
	return d.record(core.ActionScreenshot, p)
}
func (d *RecordingDriver) Close(ctx context.Context, p map[string]interface{}) (json.RawMessage, error) {
	return d.record(core.ActionClose, p)
}
func (d *RecordingDriver) Wait(ctx context.Context, p map[string]interface{}) (json.RawMessage, error) {
	action := core.ActionWait
	if a, ok := p["action"].(string); ok {
		action = a
	}
	return d.record(action, p)
}
