package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/barrhawk/labcore/bridge"
	"github.com/barrhawk/labcore/core"
)

// AttachBus subscribes the worker to its message surface: browser.*
// requests from executors and the tool.* management operations.
func (w *Worker) AttachBus(client bridge.Client) {
	w.bus = client

	for reqType := range browserActions {
		client.On(reqType, w.handleBrowserMessage)
	}
	client.On(core.TypeToolCreate, w.handleToolCreateMessage)
	client.On(core.TypeToolUpdate, w.handleToolUpdateMessage)
	client.On(core.TypeToolDelete, w.handleToolDeleteMessage)
	client.On(core.TypeToolList, w.handleToolListMessage)
	client.On(core.TypeToolInvoke, w.handleToolInvokeMessage)
	client.On(core.TypeToolExport, w.handleToolExportMessage)
	client.On(core.TypeToolDebugStart, w.handleDebugStart)
	client.On(core.TypeToolDebugEval, w.handleDebugEval)
	client.On(core.TypeToolDebugStop, w.handleDebugStop)
}

func (w *Worker) reply(req *core.Message, msgType string, payload interface{}) {
	resp, err := req.Reply(w.id, msgType, payload)
	if err != nil {
		return
	}
	if err := w.bus.Publish(context.Background(), resp); err != nil {
		w.logger.Error("Failed to publish reply", map[string]interface{}{
			"type":  msgType,
			"error": err.Error(),
		})
	}
}

// handleBrowserMessage executes a browser.* request against the driver
// and replies with the matching *ed response or browser.error.
func (w *Worker) handleBrowserMessage(msg *core.Message) {
	var req core.BrowserRequestPayload
	if err := msg.DecodePayload(&req); err != nil {
		w.reply(msg, core.TypeBrowserError, &core.BrowserResultPayload{
			Success:   false,
			ErrorKind: core.KindValidation,
			Error:     err.Error(),
		})
		return
	}
	if req.Action == "" {
		// Derive the action from the message type: browser.navigate etc.
		req.Action = msg.Type[len("browser."):]
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Worker.CallTimeout)
	defer cancel()

	data, err := dispatchBrowser(ctx, w.driver, req.Action, req.Params)
	if err != nil {
		kind := core.KindOf(err)
		if kind == "" {
			kind = core.KindToolRuntime
		}
		w.reply(msg, core.TypeBrowserError, &core.BrowserResultPayload{
			Action:    req.Action,
			Success:   false,
			ErrorKind: kind,
			Error:     err.Error(),
		})
		return
	}
	w.reply(msg, browserActions[msg.Type], &core.BrowserResultPayload{
		Action:  req.Action,
		Success: true,
		Data:    data,
	})
}

func (w *Worker) handleToolCreateMessage(msg *core.Message) {
	var req core.ToolCreatePayload
	if err := msg.DecodePayload(&req); err != nil {
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Success: false, ErrorKind: core.KindValidation, Error: err.Error(),
		})
		return
	}
	if _, exists := w.builtins[req.Name]; exists {
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Name: req.Name, Success: false, ErrorKind: core.KindValidation,
			Error: fmt.Sprintf("tool %q already exists", req.Name),
		})
		return
	}
	tool, err := w.loader.Create(req.Name, req.Description, req.Schema, req.Code, req.Permissions)
	if err != nil {
		kind := core.KindOf(err)
		if kind == "" {
			kind = core.KindToolLoad
		}
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Name: req.Name, Success: false, ErrorKind: kind, Error: err.Error(),
		})
		return
	}
	data, _ := json.Marshal(tool.Summary())
	w.reply(msg, core.TypeToolCreated, &core.ToolResultPayload{
		Name: tool.Name, Success: true, Data: data,
	})
}

func (w *Worker) handleToolUpdateMessage(msg *core.Message) {
	var req core.ToolCreatePayload
	if err := msg.DecodePayload(&req); err != nil {
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Success: false, ErrorKind: core.KindValidation, Error: err.Error(),
		})
		return
	}
	if _, builtin := w.builtins[req.Name]; builtin {
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Name: req.Name, Success: false, ErrorKind: core.KindValidation,
			Error: fmt.Sprintf("builtin tool %q cannot be updated", req.Name),
		})
		return
	}
	tool, err := w.loader.Update(req.Name, req.Description, req.Schema, req.Code, req.Permissions)
	if err != nil {
		kind := core.KindOf(err)
		if kind == "" {
			kind = core.KindToolLoad
		}
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Name: req.Name, Success: false, ErrorKind: kind, Error: err.Error(),
		})
		return
	}
	data, _ := json.Marshal(tool.Summary())
	w.reply(msg, core.TypeToolUpdated, &core.ToolResultPayload{
		Name: tool.Name, Success: true, Data: data,
	})
}

func (w *Worker) handleToolDeleteMessage(msg *core.Message) {
	var req core.ToolResultPayload
	if err := msg.DecodePayload(&req); err != nil {
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Success: false, ErrorKind: core.KindValidation, Error: err.Error(),
		})
		return
	}
	if w.Protected(req.Name) {
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Name: req.Name, Success: false, ErrorKind: core.KindValidation,
			Error: fmt.Sprintf("%v: %q", core.ErrToolProtected, req.Name),
		})
		return
	}
	if err := w.loader.Delete(req.Name); err != nil {
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Name: req.Name, Success: false, ErrorKind: core.KindOf(err), Error: err.Error(),
		})
		return
	}
	w.reply(msg, core.TypeToolDeleted, &core.ToolResultPayload{Name: req.Name, Success: true})
}

func (w *Worker) handleToolListMessage(msg *core.Message) {
	tools := w.Tools()
	summaries := make([]ToolSummary, len(tools))
	for i, t := range tools {
		summaries[i] = t.Summary()
	}
	data, _ := json.Marshal(summaries)
	w.reply(msg, core.TypeToolListed, &core.ToolResultPayload{Success: true, Data: data})
}

func (w *Worker) handleToolInvokeMessage(msg *core.Message) {
	var req core.ToolInvokePayload
	if err := msg.DecodePayload(&req); err != nil {
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Success: false, ErrorKind: core.KindValidation, Error: err.Error(),
		})
		return
	}
	result := w.Call(context.Background(), req.Tool, req.Args)
	data, _ := json.Marshal(result)
	if result.IsError {
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Name: req.Tool, Success: false, ErrorKind: core.KindToolRuntime, Data: data,
		})
		return
	}
	w.reply(msg, core.TypeToolInvoked, &core.ToolResultPayload{
		Name: req.Tool, Success: true, Data: data,
	})
}

// handleToolExportMessage returns the full source of a dynamic tool.
func (w *Worker) handleToolExportMessage(msg *core.Message) {
	var req core.ToolResultPayload
	if err := msg.DecodePayload(&req); err != nil {
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Success: false, ErrorKind: core.KindValidation, Error: err.Error(),
		})
		return
	}
	tool := w.loader.Get(req.Name)
	if tool == nil {
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Name: req.Name, Success: false, ErrorKind: core.KindValidation,
			Error: fmt.Sprintf("%v: %q", core.ErrToolNotFound, req.Name),
		})
		return
	}
	source, err := readToolSource(tool.SourcePath)
	if err != nil {
		w.reply(msg, core.TypeToolError, &core.ToolResultPayload{
			Name: req.Name, Success: false, ErrorKind: core.KindToolLoad, Error: err.Error(),
		})
		return
	}
	data, _ := json.Marshal(map[string]string{
		"name":        tool.Name,
		"contentHash": tool.ContentHash,
		"source":      source,
	})
	w.reply(msg, core.TypeToolExported, &core.ToolResultPayload{
		Name: tool.Name, Success: true, Data: data,
	})
}
