package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrhawk/labcore/core"
)

func TestPatternAccumulatorThreshold(t *testing.T) {
	acc := newPatternAccumulator(2)

	p1, triggered := acc.record(core.ActionClick, core.KindToolRuntime, "#login", "plan-1")
	assert.False(t, triggered)
	assert.Equal(t, 1, p1.Count)

	p2, triggered := acc.record(core.ActionClick, core.KindToolRuntime, "#login", "plan-2")
	assert.True(t, triggered, "second occurrence crosses the default threshold")
	assert.Equal(t, 2, p2.Count)
	assert.Equal(t, []string{"plan-1", "plan-2"}, p2.SamplePlanIDs)

	// Third occurrence does not re-trigger.
	_, triggered = acc.record(core.ActionClick, core.KindToolRuntime, "#login", "plan-3")
	assert.False(t, triggered)
}

func TestPatternSignatureIsExactSelector(t *testing.T) {
	acc := newPatternAccumulator(2)

	_, triggered := acc.record(core.ActionClick, core.KindToolRuntime, "#login", "p1")
	assert.False(t, triggered)
	// A different selector is a different pattern.
	_, triggered = acc.record(core.ActionClick, core.KindToolRuntime, "#signup", "p2")
	assert.False(t, triggered)

	assert.Len(t, acc.snapshot(), 2)
}

func TestPatternPendingTieBreaks(t *testing.T) {
	acc := newPatternAccumulator(2)

	// older pattern reaches 2, newer pattern reaches 3.
	acc.record(core.ActionClick, core.KindToolRuntime, "#a", "p1")
	acc.record(core.ActionClick, core.KindToolRuntime, "#a", "p2")
	acc.record(core.ActionType, core.KindToolRuntime, "#b", "p3")
	acc.record(core.ActionType, core.KindToolRuntime, "#b", "p4")
	acc.record(core.ActionType, core.KindToolRuntime, "#b", "p5")

	pending := acc.pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "#b", pending[0].Selector, "larger count satisfied first")
	assert.Equal(t, "#a", pending[1].Selector)
}

func TestPatternTieBreakFirstSeen(t *testing.T) {
	acc := newPatternAccumulator(2)

	acc.record(core.ActionClick, core.KindToolRuntime, "#first", "p1")
	acc.record(core.ActionType, core.KindToolRuntime, "#second", "p2")
	acc.record(core.ActionClick, core.KindToolRuntime, "#first", "p3")
	acc.record(core.ActionType, core.KindToolRuntime, "#second", "p4")

	pending := acc.pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "#first", pending[0].Selector, "equal counts break on earliest firstSeenAt")
}

func TestPatternSatisfyResetsCount(t *testing.T) {
	acc := newPatternAccumulator(2)
	acc.record(core.ActionClick, core.KindToolRuntime, "#x", "p1")
	p, _ := acc.record(core.ActionClick, core.KindToolRuntime, "#x", "p2")

	acc.satisfy(p.Signature())
	assert.Equal(t, 0, acc.get(p.Signature()).Count)
	assert.Empty(t, acc.pending())

	// The pattern can trigger again after satisfaction.
	acc.record(core.ActionClick, core.KindToolRuntime, "#x", "p3")
	_, triggered := acc.record(core.ActionClick, core.KindToolRuntime, "#x", "p4")
	assert.True(t, triggered)
}

func TestPatternAbandonAfterCreateRetries(t *testing.T) {
	acc := newPatternAccumulator(2)
	acc.record(core.ActionClick, core.KindToolRuntime, "#x", "p1")
	p, _ := acc.record(core.ActionClick, core.KindToolRuntime, "#x", "p2")
	sig := p.Signature()

	assert.False(t, acc.recordCreateFailure(sig, 3))
	assert.False(t, acc.recordCreateFailure(sig, 3))
	assert.False(t, acc.recordCreateFailure(sig, 3))
	assert.True(t, acc.recordCreateFailure(sig, 3), "fourth failure exceeds the budget")

	assert.Empty(t, acc.pending(), "abandoned patterns never pend")
	_, triggered := acc.record(core.ActionClick, core.KindToolRuntime, "#x", "p5")
	assert.False(t, triggered, "abandoned patterns stop accumulating")
}
