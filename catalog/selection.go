package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultMaxTools caps the per-plan tool bag.
const DefaultMaxTools = 15

// Selection is the result of scoring the registry against an intent.
type Selection struct {
	Tools      []ToolDefinition `json:"tools"`
	Reasoning  string           `json:"reasoning"`
	Categories []Category       `json:"categories"`
}

// Names returns the selected tool names in order.
func (s *Selection) Names() []string {
	names := make([]string, len(s.Tools))
	for i, t := range s.Tools {
		names[i] = t.Name
	}
	return names
}

// webHints force-include the three browser categories; assertHints force
// the assertions category.
var (
	webHints    = []string{"web", "browse", "site", "page", "url", "http", "open ", "navigate", "visit"}
	assertHints = []string{"assert", "verify", "check", "expect", "should"}
)

// SelectForIntent scores every registered tool against the intent and
// returns a bounded, deterministically ordered selection.
//
// Scoring: +10 per tag substring match, +5 per name-part match, +3 per
// category keyword match (recording the category), plus weight/10 as a
// baseline. Remaining slots after the score ranking are filled from
// matched categories by descending weight. Ties break on
// (score desc, weight desc, name asc).
func (r *Registry) SelectForIntent(intent string, maxTools int) *Selection {
	if maxTools <= 0 {
		maxTools = DefaultMaxTools
	}
	lower := strings.ToLower(intent)

	scores := make(map[string]float64, len(r.tools))
	matched := make(map[Category]bool)

	for i := range r.tools {
		def := &r.tools[i]
		score := float64(def.Weight) / 10.0

		for _, tag := range def.Tags {
			if strings.Contains(lower, tag) {
				score += 10
			}
		}
		for _, part := range strings.Split(def.Name, "_") {
			if part != "" && strings.Contains(lower, part) {
				score += 5
			}
		}
		for _, kw := range Categories[def.Category].Keywords {
			if strings.Contains(lower, kw) {
				score += 3
				matched[def.Category] = true
			}
		}
		scores[def.Name] = score
	}

	for _, hint := range webHints {
		if strings.Contains(lower, hint) {
			matched[CategoryBrowserCore] = true
			matched[CategoryBrowserInteract] = true
			matched[CategoryBrowserRead] = true
			break
		}
	}
	for _, hint := range assertHints {
		if strings.Contains(lower, hint) {
			matched[CategoryAssertions] = true
			break
		}
	}

	ranked := make([]ToolDefinition, len(r.tools))
	copy(ranked, r.tools)
	sort.Slice(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i].Name], scores[ranked[j].Name]
		if si != sj {
			return si > sj
		}
		if ranked[i].Weight != ranked[j].Weight {
			return ranked[i].Weight > ranked[j].Weight
		}
		return ranked[i].Name < ranked[j].Name
	})

	selected := make([]ToolDefinition, 0, maxTools)
	chosen := make(map[string]bool)
	for _, def := range ranked {
		if len(selected) == maxTools {
			break
		}
		// Score ranking pass only takes tools with an affirmative signal
		// beyond the weight baseline.
		if scores[def.Name] > float64(def.Weight)/10.0 {
			selected = append(selected, def)
			chosen[def.Name] = true
		}
	}

	// Fill remaining slots from matched categories by descending weight.
	if len(selected) < maxTools {
		cats := sortedCategories(matched)
		for _, cat := range cats {
			for _, def := range r.ByCategory(cat) {
				if len(selected) == maxTools {
					break
				}
				if !chosen[def.Name] {
					selected = append(selected, def)
					chosen[def.Name] = true
				}
			}
		}
	}

	return &Selection{
		Tools:      selected,
		Categories: sortedCategories(matched),
		Reasoning:  buildReasoning(matched, selected),
	}
}

func sortedCategories(set map[Category]bool) []Category {
	out := make([]Category, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func buildReasoning(matched map[Category]bool, selected []ToolDefinition) string {
	cats := sortedCategories(matched)
	catNames := make([]string, len(cats))
	for i, c := range cats {
		catNames[i] = string(c)
	}
	top := len(selected)
	if top > 5 {
		top = 5
	}
	topNames := make([]string, top)
	for i := 0; i < top; i++ {
		topNames[i] = selected[i].Name
	}
	return fmt.Sprintf("matched categories [%s]; top tools: %s",
		strings.Join(catNames, ", "), strings.Join(topNames, ", "))
}
