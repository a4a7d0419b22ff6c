package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/barrhawk/labcore/bridge"
	"github.com/barrhawk/labcore/core"
)

// ContentItem is one entry of an MCP-style call result.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallResult is the uniform tool call response shape.
type CallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func textResult(text string, isErr bool) *CallResult {
	return &CallResult{
		Content: []ContentItem{{Type: "text", Text: text}},
		IsError: isErr,
	}
}

// Worker is the Frank service: tool host plus browser action endpoint.
type Worker struct {
	cfg       *core.Config
	id        string
	logger    core.Logger
	telemetry core.Telemetry
	loader    *Loader
	driver    BrowserDriver
	bus       bridge.Client

	builtins map[string]*DynamicTool

	hotReload bool

	mu            sync.RWMutex
	lastCallPanic bool
	reloading     bool
	lastError     string
	protected     map[string]bool
	schemaCache   map[string]*jsonschema.Schema

	debugMu       sync.Mutex
	debugSessions map[string]*debugSession

	startedAt time.Time
	http      *http.Server
	shutdown  chan struct{}
	stopOnce  sync.Once
}

// New creates a worker over the configured tools directory.
func New(cfg *core.Config, logger core.Logger) (*Worker, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	loader, err := NewLoader(cfg.Worker.ToolsDir, logger)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		cfg:           cfg,
		hotReload:     true,
		id:            core.ComponentFrank,
		logger:        core.ComponentLogger(logger, "frankenstein"),
		telemetry:     &core.NoOpTelemetry{},
		loader:        loader,
		driver:        NewRecordingDriver(),
		builtins:      make(map[string]*DynamicTool),
		protected:     make(map[string]bool),
		schemaCache:   make(map[string]*jsonschema.Schema),
		debugSessions: make(map[string]*debugSession),
		startedAt:     time.Now(),
		shutdown:      make(chan struct{}),
	}
	for name := range alwaysProtected {
		w.protected[name] = true
	}
	for _, name := range cfg.Worker.ProtectedTools {
		w.protected[name] = true
	}

	loader.SetOnEvent(w.emitEvent)
	loader.SetOnChange(w.notifyToolsChanged)
	w.registerBuiltins()

	if err := loader.Rescan(); err != nil {
		// A bad tool file must not stop the worker; health reports it.
		w.logger.Warn("Initial tool scan found problems", map[string]interface{}{
			"error": err,
		})
	}
	return w, nil
}

// SetHotReload gates the tools directory watcher. With hot reload off
// the directory is scanned once at startup and on explicit POST /reload
// only.
func (w *Worker) SetHotReload(enabled bool) {
	w.hotReload = enabled
}

// SetDriver replaces the browser capability.
func (w *Worker) SetDriver(driver BrowserDriver) {
	if driver != nil {
		w.driver = driver
	}
}

// SetTelemetry configures metrics and tracing.
func (w *Worker) SetTelemetry(t core.Telemetry) {
	if t != nil {
		w.telemetry = t
	}
}

// Loader exposes the dynamic tool loader.
func (w *Worker) Loader() *Loader {
	return w.loader
}

// Shutdown signals a graceful exit; Start unblocks.
func (w *Worker) Shutdown() {
	w.stopOnce.Do(func() {
		w.loader.Stop()
		close(w.shutdown)
	})
}

// Done exposes the shutdown signal.
func (w *Worker) Done() <-chan struct{} {
	return w.shutdown
}

// Protected reports whether a tool name is deletion-protected.
func (w *Worker) Protected(name string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.protected[name]
}

// registerBuiltins installs the tools every worker carries.
func (w *Worker) registerBuiltins() {
	w.builtins["hello_world"] = &DynamicTool{
		Name:        "hello_world",
		Description: "Returns a greeting; liveness probe for the tool pipeline",
		InputSchema: map[string]interface{}{"type": "object"},
		Builtin:     true,
		LoadedAt:    time.Now(),
		Handler: HandlerFunc(func(ctx context.Context, args map[string]interface{}) (string, error) {
			name, _ := args["name"].(string)
			if name == "" {
				name = "world"
			}
			return fmt.Sprintf("hello, %s", name), nil
		}),
	}
	w.builtins["browser_action"] = &DynamicTool{
		Name:        "browser_action",
		Description: "Dispatches a secondary browser action (wait, scroll, select, hover, verify)",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"action": map[string]interface{}{"type": "string"},
				"params": map[string]interface{}{"type": "object"},
			},
			"required": []string{"action"},
		},
		Builtin:  true,
		LoadedAt: time.Now(),
		Handler: HandlerFunc(func(ctx context.Context, args map[string]interface{}) (string, error) {
			action, _ := args["action"].(string)
			params, _ := args["params"].(map[string]interface{})
			data, err := dispatchBrowser(ctx, w.driver, action, params)
			if err != nil {
				return "", err
			}
			return string(data), nil
		}),
	}
	w.builtins["dynamic_tool_create"] = &DynamicTool{
		Name:        "dynamic_tool_create",
		Description: "Creates a new dynamic tool from a Lua module",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name":        map[string]interface{}{"type": "string"},
				"description": map[string]interface{}{"type": "string"},
				"code":        map[string]interface{}{"type": "string"},
			},
			"required": []string{"name", "description", "code"},
		},
		Builtin:  true,
		LoadedAt: time.Now(),
		Handler: HandlerFunc(func(ctx context.Context, args map[string]interface{}) (string, error) {
			name, _ := args["name"].(string)
			description, _ := args["description"].(string)
			code, _ := args["code"].(string)
			schema, _ := args["schema"].(map[string]interface{})
			var permissions []string
			if perms, ok := args["permissions"].([]interface{}); ok {
				for _, p := range perms {
					if s, ok := p.(string); ok {
						permissions = append(permissions, s)
					}
				}
			}
			tool, err := w.loader.Create(name, description, schema, code, permissions)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("created tool %s (%s)", tool.Name, tool.ContentHash[:12]), nil
		}),
	}
}

// Tool returns a tool by name, builtin or dynamic.
func (w *Worker) Tool(name string) *DynamicTool {
	if t, ok := w.builtins[name]; ok {
		return t
	}
	return w.loader.Get(name)
}

// Tools returns every tool ordered by name, builtins included.
func (w *Worker) Tools() []*DynamicTool {
	out := w.loader.List()
	for _, t := range w.builtins {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToolSetHash is the stable hash over sorted (name, description,
// canonical schema) triples. It changes iff that set changes.
func ToolSetHash(tools []ToolSummary) string {
	sorted := make([]ToolSummary, len(tools))
	copy(sorted, tools)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := sha256.New()
	for _, t := range sorted {
		h.Write([]byte(t.Name))
		h.Write([]byte{0})
		h.Write([]byte(t.Description))
		h.Write([]byte{0})
		if t.InputSchema != nil {
			if canon, err := core.CanonicalJSON(t.InputSchema); err == nil {
				h.Write(canon)
			}
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (w *Worker) currentToolSetHash() (string, int) {
	tools := w.Tools()
	summaries := make([]ToolSummary, len(tools))
	for i, t := range tools {
		summaries[i] = t.Summary()
	}
	return ToolSetHash(summaries), len(tools)
}

// notifyToolsChanged broadcasts tools/list_changed when the bus is up.
func (w *Worker) notifyToolsChanged() {
	// Schema cache entries may be stale after any change.
	w.mu.Lock()
	w.schemaCache = make(map[string]*jsonschema.Schema)
	w.mu.Unlock()

	if w.bus == nil {
		return
	}
	hash, count := w.currentToolSetHash()
	msg, err := core.NewMessage(w.id, core.Broadcast, core.TypeToolsListChanged,
		&core.ToolsListChangedPayload{Hash: hash, ToolCount: count})
	if err != nil {
		return
	}
	_ = w.bus.Publish(context.Background(), msg)
}

// emitEvent broadcasts a tool-emitted event on the bus.
func (w *Worker) emitEvent(kind, tool string, detail map[string]interface{}) {
	if w.bus == nil {
		return
	}
	msgType := core.TypeEventConsole
	switch kind {
	case "network":
		msgType = core.TypeEventNetwork
	case "error":
		msgType = core.TypeEventError
	}
	raw, _ := json.Marshal(detail)
	msg, err := core.NewMessage(w.id, core.Broadcast, msgType,
		&core.EventPayload{Kind: kind, Tool: tool, Detail: raw})
	if err != nil {
		return
	}
	_ = w.bus.Publish(context.Background(), msg)
}

// Call executes a tool with a hard timeout. Handler panics become
// isError results carrying the stack; they never kill the worker.
func (w *Worker) Call(ctx context.Context, name string, args map[string]interface{}) *CallResult {
	tool := w.Tool(name)
	if tool == nil {
		return textResult(fmt.Sprintf("%s: tool %q not found", core.KindValidation, name), true)
	}

	if err := w.validateArgs(tool, args); err != nil {
		return textResult(fmt.Sprintf("%s: %v", core.KindValidation, err), true)
	}

	timeout := w.cfg.Worker.CallTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				w.mu.Lock()
				w.lastCallPanic = true
				w.lastError = fmt.Sprintf("panic in %s: %v", name, r)
				w.mu.Unlock()
				done <- outcome{err: core.NewCoreError("worker.Call", core.KindToolRuntime,
					fmt.Errorf("panic: %v\n%s", r, stack))}
			}
		}()
		text, err := tool.Handler.Run(ctx, args)
		done <- outcome{text: text, err: err}
	}()

	start := time.Now()
	select {
	case out := <-done:
		w.telemetry.RecordMetric("worker.calls", 1, map[string]string{
			"tool": name, "ok": fmt.Sprintf("%v", out.err == nil),
		})
		if out.err != nil {
			kind := core.KindOf(out.err)
			if kind == "" {
				kind = core.KindToolRuntime
			}
			return textResult(fmt.Sprintf("%s: %v", kind, out.err), true)
		}
		w.mu.Lock()
		w.lastCallPanic = false
		w.mu.Unlock()
		return textResult(out.text, false)
	case <-ctx.Done():
		w.telemetry.RecordMetric("worker.call_timeouts", 1, map[string]string{"tool": name})
		w.logger.Warn("Tool call timed out", map[string]interface{}{
			"tool":       name,
			"timeout_ms": timeout.Milliseconds(),
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
		return textResult(fmt.Sprintf("%s: call to %s exceeded %s", core.KindTimeout, name, timeout), true)
	}
}

// validateArgs checks args against the tool's input schema when present.
func (w *Worker) validateArgs(tool *DynamicTool, args map[string]interface{}) error {
	if tool.InputSchema == nil {
		return nil
	}
	w.mu.RLock()
	schema, cached := w.schemaCache[tool.Name]
	w.mu.RUnlock()

	if !cached {
		// Compile through a JSON round trip so plain Go maps normalize to
		// the document types the compiler expects.
		raw, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return err
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("tool://"+tool.Name, doc); err != nil {
			return err
		}
		schema, err = compiler.Compile("tool://" + tool.Name)
		if err != nil {
			// A malformed schema is a load defect, not a caller error;
			// accept the call rather than rejecting every invocation.
			w.logger.Warn("Tool schema failed to compile, skipping validation", map[string]interface{}{
				"tool":  tool.Name,
				"error": err.Error(),
			})
			return nil
		}
		w.mu.Lock()
		w.schemaCache[tool.Name] = schema
		w.mu.Unlock()
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	// Normalize to generic JSON values for validation.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var instance interface{}
	if err := json.Unmarshal(raw, &instance); err != nil {
		return err
	}
	return schema.Validate(instance)
}

// HealthSnapshot is the GET /health body.
type HealthSnapshot struct {
	Status    core.HealthStatus `json:"status"`
	Uptime    string            `json:"uptime"`
	ToolCount int               `json:"toolCount"`
	LastError string            `json:"lastError,omitempty"`
	Memory    map[string]uint64 `json:"memory"`
}

// Health reports worker health: healthy iff the loader has no pending
// load error and the last tool call did not panic.
func (w *Worker) Health() *HealthSnapshot {
	w.mu.RLock()
	panicked := w.lastCallPanic
	lastErr := w.lastError
	w.mu.RUnlock()

	status := core.HealthHealthy
	if panicked {
		status = core.HealthUnhealthy
	}
	if err := w.loader.LoadError(); err != nil {
		status = core.HealthUnhealthy
		lastErr = err.Error()
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return &HealthSnapshot{
		Status:    status,
		Uptime:    time.Since(w.startedAt).Round(time.Second).String(),
		ToolCount: len(w.Tools()),
		LastError: lastErr,
		Memory: map[string]uint64{
			"alloc":       ms.Alloc,
			"total_alloc": ms.TotalAlloc,
			"sys":         ms.Sys,
			"goroutines":  uint64(runtime.NumGoroutine()),
		},
	}
}

// Router assembles the worker HTTP surface.
func (w *Worker) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", w.handleHealth)
	r.Get("/tools", w.handleTools)
	r.Post("/tools/create", w.handleToolCreate)
	r.Delete("/tools/{name}", w.handleToolDelete)
	r.Post("/call", w.handleCall)
	r.Post("/reload", w.handleReload)
	r.Post("/shutdown", w.handleShutdown)

	return otelhttp.NewHandler(r, "worker")
}

// Start serves HTTP, and watches the tools directory when hot reload is
// enabled, until Shutdown.
func (w *Worker) Start(ctx context.Context, port int) error {
	if w.hotReload {
		if err := w.loader.Watch(); err != nil {
			return err
		}
	}

	w.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           w.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		w.logger.Info("Worker listening", map[string]interface{}{
			"port":      port,
			"tools_dir": w.cfg.Worker.ToolsDir,
			"pid":       os.Getpid(),
		})
		if err := w.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- core.NewCoreError("worker.Start", core.KindFatal, err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-w.shutdown:
	case <-ctx.Done():
		w.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.http.Shutdown(shutdownCtx)
}

func (w *Worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, w.Health())
}

func (w *Worker) handleTools(rw http.ResponseWriter, r *http.Request) {
	tools := w.Tools()
	summaries := make([]ToolSummary, len(tools))
	for i, t := range tools {
		summaries[i] = t.Summary()
	}
	writeJSON(rw, http.StatusOK, summaries)
}

func (w *Worker) handleToolCreate(rw http.ResponseWriter, r *http.Request) {
	var req core.ToolCreatePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if _, exists := w.builtins[req.Name]; exists {
		writeJSON(rw, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("tool %q already exists", req.Name),
		})
		return
	}
	tool, err := w.loader.Create(req.Name, req.Description, req.Schema, req.Code, req.Permissions)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, tool.Summary())
}

func (w *Worker) handleToolDelete(rw http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if w.Protected(name) {
		writeJSON(rw, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("tool %q is protected", name),
		})
		return
	}
	if err := w.loader.Delete(name); err != nil {
		status := http.StatusBadRequest
		if core.KindOf(err) == core.KindValidation {
			status = http.StatusNotFound
		}
		writeJSON(rw, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"deleted": name})
}

func (w *Worker) handleCall(rw http.ResponseWriter, r *http.Request) {
	w.mu.RLock()
	reloading := w.reloading
	w.mu.RUnlock()
	if reloading {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": "reloading"})
		return
	}

	var req struct {
		Tool string                 `json:"tool"`
		Args map[string]interface{} `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if w.Tool(req.Tool) == nil {
		writeJSON(rw, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("tool %q not found", req.Tool),
		})
		return
	}
	writeJSON(rw, http.StatusOK, w.Call(r.Context(), req.Tool, req.Args))
}

func (w *Worker) handleReload(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	w.reloading = true
	w.mu.Unlock()
	err := w.loader.Rescan()
	w.mu.Lock()
	w.reloading = false
	w.mu.Unlock()

	if err != nil {
		writeJSON(rw, http.StatusOK, map[string]string{"status": "reloaded with errors", "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (w *Worker) handleShutdown(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{"status": "shutting down"})
	go w.Shutdown()
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
