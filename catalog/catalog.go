// Package catalog holds the process-wide tool registry and the
// intent-based selection that bounds each plan's tool bag. The registry
// is immutable after construction; selection is deterministic for a
// fixed registry and intent.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Category is the closed set of tool categories.
type Category string

const (
	CategoryBrowserCore     Category = "browser_core"
	CategoryBrowserInteract Category = "browser_interact"
	CategoryBrowserRead     Category = "browser_read"
	CategoryAssertions      Category = "assertions"
	CategoryPerformance     Category = "performance"
	CategoryAccessibility   Category = "accessibility"
	CategorySecurity        Category = "security"
	CategoryUtility         Category = "utility"
)

// CategoryInfo carries per-category metadata used by selection scoring.
type CategoryInfo struct {
	DisplayName string
	Description string
	Keywords    []string
}

// Categories maps each category to its metadata. Keywords are matched
// as substrings of the lowercased intent.
var Categories = map[Category]CategoryInfo{
	CategoryBrowserCore: {
		DisplayName: "Browser Core",
		Description: "Session lifecycle: launch, navigate, close",
		Keywords:    []string{"browser", "open", "navigate", "visit", "url", "website", "page", "go to"},
	},
	CategoryBrowserInteract: {
		DisplayName: "Browser Interaction",
		Description: "Clicking, typing, scrolling, selecting",
		Keywords:    []string{"click", "type", "fill", "press", "scroll", "select", "hover", "drag", "submit"},
	},
	CategoryBrowserRead: {
		DisplayName: "Browser Reading",
		Description: "Screenshots, text extraction, element queries",
		Keywords:    []string{"screenshot", "capture", "read", "extract", "text", "content", "element"},
	},
	CategoryAssertions: {
		DisplayName: "Assertions",
		Description: "Verifying page state and values",
		Keywords:    []string{"assert", "verify", "check", "expect", "should", "contains", "equals", "visible"},
	},
	CategoryPerformance: {
		DisplayName: "Performance",
		Description: "Timing, load metrics, resource budgets",
		Keywords:    []string{"performance", "speed", "load time", "slow", "fast", "metric", "lighthouse"},
	},
	CategoryAccessibility: {
		DisplayName: "Accessibility",
		Description: "ARIA, contrast and keyboard audits",
		Keywords:    []string{"accessibility", "a11y", "aria", "contrast", "screen reader", "wcag"},
	},
	CategorySecurity: {
		DisplayName: "Security",
		Description: "Header, cookie and content security checks",
		Keywords:    []string{"security", "header", "cookie", "csp", "xss", "https", "certificate"},
	},
	CategoryUtility: {
		DisplayName: "Utility",
		Description: "Waiting, data generation, general helpers",
		Keywords:    []string{"wait", "delay", "random", "generate", "format"},
	},
}

// ToolDefinition is one registry entry. InputSchema is declarative JSON
// Schema; Weight is an integer priority used by selection.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Category    Category               `json:"category"`
	Tags        []string               `json:"tags,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
	Weight      int                    `json:"weight"`
}

// Registry is the process-wide immutable tool table.
type Registry struct {
	tools  []ToolDefinition
	byName map[string]*ToolDefinition
}

// NewRegistry builds a registry from definitions. Names must be unique,
// lowercase identifiers; categories must be known.
func NewRegistry(defs []ToolDefinition) (*Registry, error) {
	r := &Registry{
		tools:  make([]ToolDefinition, len(defs)),
		byName: make(map[string]*ToolDefinition, len(defs)),
	}
	copy(r.tools, defs)
	for i := range r.tools {
		def := &r.tools[i]
		if def.Name == "" || def.Name != strings.ToLower(def.Name) {
			return nil, fmt.Errorf("catalog: invalid tool name %q", def.Name)
		}
		if _, ok := Categories[def.Category]; !ok {
			return nil, fmt.Errorf("catalog: unknown category %q for tool %q", def.Category, def.Name)
		}
		if _, dup := r.byName[def.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate tool name %q", def.Name)
		}
		r.byName[def.Name] = def
	}
	return r, nil
}

// Default returns the built-in registry. Panics on a malformed builtin
// table, which is a programming error caught by tests.
func Default() *Registry {
	r, err := NewRegistry(builtinTools)
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the definition for name, or nil.
func (r *Registry) Get(name string) *ToolDefinition {
	return r.byName[name]
}

// All returns the definitions ordered by name.
func (r *Registry) All() []ToolDefinition {
	out := make([]ToolDefinition, len(r.tools))
	copy(out, r.tools)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByCategory returns the definitions in a category ordered by descending
// weight, names ascending on ties.
func (r *Registry) ByCategory(cat Category) []ToolDefinition {
	var out []ToolDefinition
	for _, def := range r.tools {
		if def.Category == cat {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.tools)
}
