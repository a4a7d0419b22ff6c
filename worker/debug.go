package worker

import (
	"fmt"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/barrhawk/labcore/core"
)

// debugOutputLimit bounds the per-session output buffer.
const debugOutputLimit = 64 * 1024

// debugSession is an interactive Lua eval session against a loaded tool.
// The session owns a long-lived sandboxed state with the tool's module
// already executed, so its globals are inspectable.
type debugSession struct {
	id     string
	tool   string
	state  *lua.LState
	output strings.Builder
}

func (s *debugSession) eval(expr string) (string, error) {
	// Expressions evaluate as `return <expr>`; statements run as-is.
	if err := s.state.DoString("return " + expr); err != nil {
		if err2 := s.state.DoString(expr); err2 != nil {
			return "", core.NewCoreError("worker.debug.eval", core.KindToolRuntime, err2)
		}
		return "", nil
	}
	top := s.state.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, s.state.Get(i).String())
	}
	s.state.SetTop(0)

	result := strings.Join(parts, "\t")
	if s.output.Len() < debugOutputLimit {
		s.output.WriteString(result)
		s.output.WriteString("\n")
	}
	return result, nil
}

func (s *debugSession) close() {
	s.state.Close()
}

func (w *Worker) handleDebugStart(msg *core.Message) {
	var req core.ToolDebugPayload
	if err := msg.DecodePayload(&req); err != nil {
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Success: false, ErrorKind: core.KindValidation, Error: err.Error(),
		})
		return
	}
	tool := w.loader.Get(req.Tool)
	if tool == nil {
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Name: req.Tool, Success: false, ErrorKind: core.KindValidation,
			Error: fmt.Sprintf("%v: %q", core.ErrToolNotFound, req.Tool),
		})
		return
	}

	source, err := readToolSource(tool.SourcePath)
	if err != nil {
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Name: req.Tool, Success: false, ErrorKind: core.KindToolLoad, Error: err.Error(),
		})
		return
	}

	state := newSandboxedState()
	if err := state.DoString(source); err != nil {
		state.Close()
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Name: req.Tool, Success: false, ErrorKind: core.KindToolRuntime, Error: err.Error(),
		})
		return
	}

	session := &debugSession{id: msg.ID, tool: req.Tool, state: state}
	w.debugMu.Lock()
	w.debugSessions[session.id] = session
	w.debugMu.Unlock()

	w.reply(msg, core.TypeToolDebugOutput, &core.ToolDebugPayload{
		SessionID: session.id,
		Tool:      req.Tool,
		Output:    "session started",
	})
}

func (w *Worker) handleDebugEval(msg *core.Message) {
	var req core.ToolDebugPayload
	if err := msg.DecodePayload(&req); err != nil {
		return
	}
	w.debugMu.Lock()
	session := w.debugSessions[req.SessionID]
	w.debugMu.Unlock()
	if session == nil {
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Success: false, ErrorKind: core.KindValidation,
			Error: fmt.Sprintf("no debug session %q", req.SessionID),
		})
		return
	}

	out, err := session.eval(req.Expr)
	if err != nil {
		out = err.Error()
	}
	w.reply(msg, core.TypeToolDebugOutput, &core.ToolDebugPayload{
		SessionID: session.id,
		Tool:      session.tool,
		Output:    out,
	})
}

func (w *Worker) handleDebugStop(msg *core.Message) {
	var req core.ToolDebugPayload
	if err := msg.DecodePayload(&req); err != nil {
		return
	}
	w.debugMu.Lock()
	session := w.debugSessions[req.SessionID]
	delete(w.debugSessions, req.SessionID)
	w.debugMu.Unlock()
	if session != nil {
		session.close()
	}
	w.reply(msg, core.TypeToolDebugOutput, &core.ToolDebugPayload{
		SessionID: req.SessionID,
		Output:    "session stopped",
	})
}

func readToolSource(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("tool has no source file")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
