package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/barrhawk/labcore/core"
	"github.com/barrhawk/labcore/worker"
)

// Primary tool names. The supervisor answers these itself; everything
// else is forwarded to the worker.
const (
	ToolWorkerStatus      = "worker_status"
	ToolWorkerRestart     = "worker_restart"
	ToolWorkerSnapshot    = "worker_snapshot"
	ToolWorkerRollback    = "worker_rollback"
	ToolWorkerSnapshots   = "worker_snapshots"
	ToolPlanRead          = "plan_read"
	ToolDynamicToolDelete = "dynamic_tool_delete"
)

// primaryTools describes the supervisor's own tool surface.
var primaryTools = []worker.ToolSummary{
	{Name: ToolWorkerStatus, Description: "Returns worker state and last health",
		InputSchema: map[string]interface{}{"type": "object"}},
	{Name: ToolWorkerRestart, Description: "Gracefully restarts the worker",
		InputSchema: map[string]interface{}{"type": "object"}},
	{Name: ToolWorkerSnapshot, Description: "Creates a manual snapshot",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name": map[string]interface{}{"type": "string"},
			},
		}},
	{Name: ToolWorkerRollback, Description: "Restores a snapshot (default: newest)",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"snapshot": map[string]interface{}{"type": "string"},
			},
		}},
	{Name: ToolWorkerSnapshots, Description: "Lists snapshots newest-first",
		InputSchema: map[string]interface{}{"type": "object"}},
	{Name: ToolPlanRead, Description: "Reads a markdown plan file",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string"},
			},
			"required": []string{"path"},
		}},
	{Name: ToolDynamicToolDelete, Description: "Deletes a dynamic tool on the worker",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name": map[string]interface{}{"type": "string"},
			},
			"required": []string{"name"},
		}},
}

// CallPrimary executes a primary tool; ok reports whether name was one.
func (s *Supervisor) CallPrimary(ctx context.Context, name string, args map[string]interface{}) (*worker.CallResult, bool) {
	switch name {
	case ToolWorkerStatus:
		data, _ := json.Marshal(s.Status())
		return textCallResult(string(data), false), true

	case ToolWorkerRestart:
		if err := s.Restart(ctx); err != nil {
			return textCallResult(fmt.Sprintf("%s: %v", core.KindWorkerCrash, err), true), true
		}
		return textCallResult("worker restarted", false), true

	case ToolWorkerSnapshot:
		name, _ := args["name"].(string)
		snap, err := s.snapshots.Create(SnapshotManual, name)
		if err != nil {
			return textCallResult(fmt.Sprintf("%s: %v", core.KindToolLoad, err), true), true
		}
		data, _ := json.Marshal(snap)
		return textCallResult(string(data), false), true

	case ToolWorkerRollback:
		id, _ := args["snapshot"].(string)
		if err := s.RollbackTo(ctx, id); err != nil {
			return textCallResult(fmt.Sprintf("%s: %v", core.KindWorkerCrash, err), true), true
		}
		return textCallResult(fmt.Sprintf("rolled back to %s", s.Status().LastRollback), false), true

	case ToolWorkerSnapshots:
		snaps, err := s.snapshots.List()
		if err != nil {
			return textCallResult(fmt.Sprintf("%s: %v", core.KindToolLoad, err), true), true
		}
		data, _ := json.Marshal(snaps)
		return textCallResult(string(data), false), true

	case ToolPlanRead:
		path, _ := args["path"].(string)
		content, err := readPlanFile(path)
		if err != nil {
			return textCallResult(fmt.Sprintf("%s: %v", core.KindValidation, err), true), true
		}
		return textCallResult(content, false), true

	case ToolDynamicToolDelete:
		toolName, _ := args["name"].(string)
		if isProtectedToolName(toolName, s.cfg.Worker.ProtectedTools) {
			return textCallResult(fmt.Sprintf("%s: tool %q is protected", core.KindValidation, toolName), true), true
		}
		if err := s.api.deleteTool(ctx, toolName); err != nil {
			return textCallResult(fmt.Sprintf("%s: %v", core.KindToolRuntime, err), true), true
		}
		return textCallResult(fmt.Sprintf("deleted %s", toolName), false), true
	}
	return nil, false
}

// RollbackTo restores a specific snapshot (newest when id is empty) with
// a graceful stop and respawn around it.
func (s *Supervisor) RollbackTo(ctx context.Context, id string) error {
	if id == "" {
		snaps, err := s.snapshots.List()
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			return fmt.Errorf("no snapshots available")
		}
		id = snaps[0].ID
	}
	if _, err := s.snapshots.Get(id); err != nil {
		return err
	}

	s.mu.RLock()
	child := s.child
	s.mu.RUnlock()

	s.mu.Lock()
	s.manual = true
	s.mu.Unlock()
	s.setState(StateRollingBack)
	if child != nil {
		s.api.shutdown(ctx, child, shutdownGrace)
	}

	if err := s.snapshots.Restore(id); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastRollback = id
	s.restartCount = 0
	s.mu.Unlock()

	return s.spawn(ctx)
}

// readPlanFile enforces the plan_read invariants: markdown only, no
// path traversal.
func readPlanFile(path string) (string, error) {
	if !strings.HasSuffix(path, ".md") {
		return "", fmt.Errorf("plan files must end in .md")
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func isProtectedToolName(name string, configured []string) bool {
	if name == "dynamic_tool_create" || name == "hello_world" {
		return true
	}
	for _, p := range configured {
		if p == name {
			return true
		}
	}
	return false
}

func textCallResult(text string, isErr bool) *worker.CallResult {
	return &worker.CallResult{
		Content: []worker.ContentItem{{Type: "text", Text: text}},
		IsError: isErr,
	}
}

// Router assembles the supervisor's external surface: the same protocol
// shape as a plain tool server, multiplexing primary and worker tools.
func (s *Supervisor) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"worker": s.Status(),
		})
	})

	r.Get("/tools", func(w http.ResponseWriter, req *http.Request) {
		tools := append([]worker.ToolSummary(nil), primaryTools...)
		if workerTools, err := s.api.tools(req.Context()); err == nil {
			tools = append(tools, workerTools...)
		}
		writeJSON(w, http.StatusOK, tools)
	})

	r.Post("/call", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Tool string                 `json:"tool"`
			Args map[string]interface{} `json:"args"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if result, ok := s.CallPrimary(req.Context(), body.Tool, body.Args); ok {
			writeJSON(w, http.StatusOK, result)
			return
		}
		result, err := s.api.call(req.Context(), body.Tool, body.Args)
		if err != nil {
			if err == core.ErrToolNotFound {
				writeJSON(w, http.StatusNotFound, map[string]string{
					"error": fmt.Sprintf("tool %q not found", body.Tool),
				})
				return
			}
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	return otelhttp.NewHandler(r, "supervisor")
}

// Serve runs the supervisor HTTP surface until the context ends.
func (s *Supervisor) Serve(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Supervisor listening", map[string]interface{}{"port": port})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- core.NewCoreError("supervisor.Serve", core.KindFatal, err)
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case <-s.stopCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
