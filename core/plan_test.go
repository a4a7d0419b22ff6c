package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPlanStatusTerminal(t *testing.T) {
	assert.False(t, PlanPending.Terminal())
	assert.False(t, PlanRunning.Terminal())
	assert.True(t, PlanCompleted.Terminal())
	assert.True(t, PlanFailed.Terminal())
	assert.True(t, PlanCancelled.Terminal())
}

func TestAllowedAction(t *testing.T) {
	for _, a := range []string{"launch", "navigate", "click", "type", "screenshot",
		"close", "wait", "scroll", "select", "hover", "verify", "execute_intent"} {
		assert.True(t, AllowedAction(a), a)
	}
	assert.False(t, AllowedAction("teleport"))
	assert.False(t, AllowedAction(""))
}

func TestStepTimeout(t *testing.T) {
	s := &Step{TimeoutMS: 5000}
	assert.Equal(t, 5*time.Second, s.Timeout(30*time.Second))

	s = &Step{}
	assert.Equal(t, 30*time.Second, s.Timeout(30*time.Second))
}

func TestPlanCheckInvariants(t *testing.T) {
	tests := []struct {
		name    string
		plan    Plan
		wantErr bool
	}{
		{
			name: "fresh pending plan",
			plan: Plan{Status: PlanPending, TotalSteps: 3},
		},
		{
			name: "running mid-plan",
			plan: Plan{Status: PlanRunning, TotalSteps: 3, CurrentStep: 1,
				Results: []StepResult{{StepIndex: 0, Success: true}}},
		},
		{
			name:    "currentStep past totalSteps",
			plan:    Plan{Status: PlanRunning, TotalSteps: 2, CurrentStep: 3},
			wantErr: true,
		},
		{
			name: "results ahead of currentStep",
			plan: Plan{Status: PlanRunning, TotalSteps: 3, CurrentStep: 1,
				Results: []StepResult{{}, {}}},
			wantErr: true,
		},
		{
			name: "completed with all steps done",
			plan: Plan{Status: PlanCompleted, TotalSteps: 2, CurrentStep: 2,
				Results: []StepResult{{Success: true}, {Success: true}}},
		},
		{
			name:    "completed mid-plan rejected",
			plan:    Plan{Status: PlanCompleted, TotalSteps: 3, CurrentStep: 2},
			wantErr: true,
		},
		{
			name:    "failed without errors rejected",
			plan:    Plan{Status: PlanFailed, TotalSteps: 3, CurrentStep: 1},
			wantErr: true,
		},
		{
			name: "failed with error accepted",
			plan: Plan{Status: PlanFailed, TotalSteps: 3, CurrentStep: 1,
				Errors: []PlanError{{Kind: KindToolRuntime, Message: "boom"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.CheckInvariants()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
