package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/barrhawk/labcore/catalog"
	"github.com/barrhawk/labcore/core"
)

// planSystemPrompt instructs the completion backend to answer with bare
// JSON steps.
const planSystemPrompt = `You convert natural-language test intents into browser action plans.
Respond with a JSON array of steps and nothing else. Each step is
{"action": "...", "params": {...}, "timeout_ms": 30000, "retries": 1}.
Allowed actions: launch, navigate, click, type, screenshot, close, wait,
scroll, select, hover, verify, execute_intent. Keep plans minimal.`

// synthesizePlan asks the AI capability for an ordered step list, falling
// back to a deterministic template when the response does not parse.
func (p *Planner) synthesizePlan(ctx context.Context, intent string, selection *catalog.Selection) ([]core.Step, error) {
	if p.aiClient != nil {
		prompt := buildPlanPrompt(intent, selection)
		resp, err := p.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
			SystemPrompt: planSystemPrompt,
			Temperature:  0.2,
			MaxTokens:    2000,
		})
		if err == nil {
			steps, parseErr := parsePlanSteps(resp.Content)
			if parseErr == nil {
				return steps, nil
			}
			p.logger.Warn("Plan response did not parse, using template", map[string]interface{}{
				"error": parseErr.Error(),
			})
		} else {
			p.logger.Warn("Plan synthesis call failed, using template", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	steps := templatePlan(intent)
	if steps == nil {
		return nil, core.NewCoreError("planner.synthesizePlan", core.KindValidation,
			fmt.Errorf("%w: no template matches intent", core.ErrSynthesisFailed))
	}
	return steps, nil
}

func buildPlanPrompt(intent string, selection *catalog.Selection) string {
	var sb strings.Builder
	sb.WriteString("Intent: ")
	sb.WriteString(intent)
	sb.WriteString("\n\nAvailable tools:\n")
	for _, tool := range selection.Tools {
		fmt.Fprintf(&sb, "- %s: %s\n", tool.Name, tool.Description)
	}
	sb.WriteString("\nProduce the JSON step array now.")
	return sb.String()
}

// parsePlanSteps extracts and decodes the step array from a completion.
func parsePlanSteps(content string) ([]core.Step, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON found in completion")
	}
	var steps []core.Step
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		// Some backends wrap the array in an object.
		var wrapped struct {
			Steps []core.Step `json:"steps"`
		}
		if err2 := json.Unmarshal([]byte(raw), &wrapped); err2 != nil || len(wrapped.Steps) == 0 {
			return nil, err
		}
		steps = wrapped.Steps
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("completion contained no steps")
	}
	return steps, nil
}

// extractJSON returns the first JSON array or object in text, stripping
// markdown fences.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if fence := regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```").FindStringSubmatch(text); fence != nil {
		text = strings.TrimSpace(fence[1])
	}
	pairs := [][2]byte{{'[', ']'}, {'{', '}'}}
	if obj, arr := strings.IndexByte(text, '{'), strings.IndexByte(text, '['); obj >= 0 && (arr < 0 || obj < arr) {
		pairs[0], pairs[1] = pairs[1], pairs[0]
	}
	for _, pair := range pairs {
		start := strings.IndexByte(text, pair[0])
		if start < 0 {
			continue
		}
		depth := 0
		for i := start; i < len(text); i++ {
			switch text[i] {
			case pair[0]:
				depth++
			case pair[1]:
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}

// urlPattern pulls a target URL out of a raw intent for the template
// fallback.
var urlPattern = regexp.MustCompile(`https?://[^\s"']+|(?:[a-z0-9-]+\.)+[a-z]{2,}(?:/[^\s"']*)?`)

// templatePlan builds a deterministic plan for common intent shapes.
// Returns nil when no category matches.
func templatePlan(intent string) []core.Step {
	lower := strings.ToLower(intent)

	target := urlPattern.FindString(lower)
	if target != "" && !strings.HasPrefix(target, "http") {
		target = "https://" + target
	}

	switch {
	case strings.Contains(lower, "screenshot") && target != "":
		return []core.Step{
			{Action: core.ActionNavigate, Params: map[string]interface{}{"url": target}, TimeoutMS: 30000, Retries: 1},
			{Action: core.ActionScreenshot, Params: map[string]interface{}{"fullPage": false}, TimeoutMS: 30000},
			{Action: core.ActionClose},
		}
	case (strings.Contains(lower, "open") || strings.Contains(lower, "visit") ||
		strings.Contains(lower, "navigate") || strings.Contains(lower, "go to")) && target != "":
		return []core.Step{
			{Action: core.ActionNavigate, Params: map[string]interface{}{"url": target}, TimeoutMS: 30000, Retries: 1},
			{Action: core.ActionVerify, Params: map[string]interface{}{"condition": "page_loaded"}, TimeoutMS: 15000},
			{Action: core.ActionClose},
		}
	case strings.Contains(lower, "verify") || strings.Contains(lower, "check"):
		if target == "" {
			return nil
		}
		return []core.Step{
			{Action: core.ActionNavigate, Params: map[string]interface{}{"url": target}, TimeoutMS: 30000, Retries: 1},
			{Action: core.ActionVerify, Params: map[string]interface{}{"condition": "page_loaded"}, TimeoutMS: 15000},
			{Action: core.ActionScreenshot, Params: map[string]interface{}{"fullPage": true}, TimeoutMS: 30000},
			{Action: core.ActionClose},
		}
	}
	return nil
}

// toolCodeSystemPrompt drives synthesis of a recovery tool from failure
// samples.
const toolCodeSystemPrompt = `You write small Lua tool modules for a browser test worker.
Respond with JSON: {"name": "...", "description": "...", "schema": {...}, "code": "..."}.
The code field is the Lua body of a handle(args) function. It must not use
os, io, load, or debug. Keep it short and deterministic.`

// synthesizeTool asks the AI capability for a tool that addresses a
// recurring failure pattern, with a deterministic fallback.
func (p *Planner) synthesizeTool(ctx context.Context, pattern *FailurePattern) (*core.ToolCreatePayload, error) {
	if p.aiClient != nil {
		prompt := fmt.Sprintf(
			"Step action %q keeps failing with %q (selector %q, seen %d times). "+
				"Write a tool that performs this action more robustly.",
			pattern.Action, pattern.ErrorKind, pattern.Selector, pattern.Count)
		resp, err := p.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
			SystemPrompt: toolCodeSystemPrompt,
			Temperature:  0.2,
			MaxTokens:    1500,
		})
		if err == nil {
			var payload core.ToolCreatePayload
			if raw := extractJSON(resp.Content); raw != "" {
				if jsonErr := json.Unmarshal([]byte(raw), &payload); jsonErr == nil &&
					payload.Name != "" && payload.Code != "" {
					if payload.Description == "" {
						payload.Description = fmt.Sprintf("Recovery tool for repeated %s failures", pattern.Action)
					}
					if payload.Schema == nil {
						payload.Schema = map[string]interface{}{"type": "object"}
					}
					return &payload, nil
				}
			}
		}
	}

	// Deterministic fallback: a retry-with-wait wrapper named after the
	// failing action.
	name := fmt.Sprintf("smart_%s_recovery", pattern.Action)
	return &core.ToolCreatePayload{
		Name:        name,
		Description: fmt.Sprintf("Retries %s with settle waits after repeated %s failures", pattern.Action, pattern.ErrorKind),
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"selector": map[string]interface{}{"type": "string"},
			},
		},
		Code: fmt.Sprintf(`emit_event("console", { line = "recovering %s" })
return "recovered " .. (args.selector or %q)`, pattern.Action, pattern.Selector),
		Permissions: []string{"browser"},
	}, nil
}
