package planner

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// FailurePattern accumulates evidence of a recurring step failure. The
// signature is exact: action plus error kind plus the concrete selector
// string (family-level bucketing was considered and rejected; see
// DESIGN.md).
type FailurePattern struct {
	Action        string    `json:"action"`
	ErrorKind     string    `json:"errorKind"`
	Selector      string    `json:"selector,omitempty"`
	Count         int       `json:"count"`
	FirstSeenAt   time.Time `json:"firstSeenAt"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
	SamplePlanIDs []string  `json:"samplePlanIds,omitempty"`

	// CreateAttempts counts tool.create tries for this pattern.
	CreateAttempts int  `json:"createAttempts,omitempty"`
	Abandoned      bool `json:"abandoned,omitempty"`
}

// Signature is the map key for a pattern.
func (p *FailurePattern) Signature() string {
	return fmt.Sprintf("%s|%s|%s", p.Action, p.ErrorKind, p.Selector)
}

// maxSamplePlans bounds the per-pattern sample list.
const maxSamplePlans = 10

// patternAccumulator tracks failure patterns and surfaces the ones that
// crossed the creation threshold.
type patternAccumulator struct {
	mu        sync.Mutex
	patterns  map[string]*FailurePattern
	threshold int
}

func newPatternAccumulator(threshold int) *patternAccumulator {
	if threshold <= 0 {
		threshold = 2
	}
	return &patternAccumulator{
		patterns:  make(map[string]*FailurePattern),
		threshold: threshold,
	}
}

// record adds one observed failure and reports whether the pattern just
// reached the threshold.
func (a *patternAccumulator) record(action, errorKind, selector, planID string) (pattern *FailurePattern, triggered bool) {
	now := time.Now()
	key := (&FailurePattern{Action: action, ErrorKind: errorKind, Selector: selector}).Signature()

	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.patterns[key]
	if !ok {
		p = &FailurePattern{
			Action:      action,
			ErrorKind:   errorKind,
			Selector:    selector,
			FirstSeenAt: now,
		}
		a.patterns[key] = p
	}
	if p.Abandoned {
		return p, false
	}
	p.Count++
	p.LastSeenAt = now
	if planID != "" && len(p.SamplePlanIDs) < maxSamplePlans {
		p.SamplePlanIDs = append(p.SamplePlanIDs, planID)
	}
	return p, p.Count == a.threshold
}

// pending returns patterns at or past the threshold that are neither
// satisfied nor abandoned, ordered by (count desc, firstSeenAt asc) per
// the tie-break rule.
func (a *patternAccumulator) pending() []*FailurePattern {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*FailurePattern
	for _, p := range a.patterns {
		if !p.Abandoned && p.Count >= a.threshold {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].FirstSeenAt.Before(out[j].FirstSeenAt)
	})
	return out
}

// satisfy resets a pattern after its tool was created.
func (a *patternAccumulator) satisfy(signature string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.patterns[signature]; ok {
		p.Count = 0
		p.CreateAttempts = 0
	}
}

// recordCreateFailure counts a tool.create failure; past the retry
// budget the pattern is abandoned.
func (a *patternAccumulator) recordCreateFailure(signature string, maxRetries int) (abandoned bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.patterns[signature]
	if !ok {
		return false
	}
	p.CreateAttempts++
	if p.CreateAttempts > maxRetries {
		p.Abandoned = true
	}
	return p.Abandoned
}

// snapshot returns all patterns for inspection, ordered like pending.
func (a *patternAccumulator) snapshot() []*FailurePattern {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*FailurePattern, 0, len(a.patterns))
	for _, p := range a.patterns {
		clone := *p
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].FirstSeenAt.Before(out[j].FirstSeenAt)
	})
	return out
}

// get returns one pattern by signature.
func (a *patternAccumulator) get(signature string) *FailurePattern {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.patterns[signature]
}
