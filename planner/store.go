package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/barrhawk/labcore/core"
)

const planKeyPrefix = "plan:"

// planStore persists plans through the core.Memory contract, so the
// planner runs identically over the in-memory store and Redis.
type planStore struct {
	memory core.Memory
	ttl    time.Duration
}

func newPlanStore(memory core.Memory) *planStore {
	if memory == nil {
		memory = core.NewMemoryStore()
	}
	return &planStore{memory: memory, ttl: 24 * time.Hour}
}

func (s *planStore) save(ctx context.Context, plan *core.Plan) error {
	if err := plan.CheckInvariants(); err != nil {
		return err
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	return s.memory.Set(ctx, planKeyPrefix+plan.ID, string(data), s.ttl)
}

func (s *planStore) get(ctx context.Context, id string) (*core.Plan, error) {
	raw, err := s.memory.Get(ctx, planKeyPrefix+id)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, core.NewCoreError("planner.store.get", core.KindValidation,
			fmt.Errorf("%w: %q", core.ErrPlanNotFound, id))
	}
	var plan core.Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *planStore) list(ctx context.Context) ([]*core.Plan, error) {
	keys, err := s.memory.Keys(ctx, planKeyPrefix)
	if err != nil {
		return nil, err
	}
	var plans []*core.Plan
	for _, key := range keys {
		raw, err := s.memory.Get(ctx, key)
		if err != nil || raw == "" {
			continue
		}
		var plan core.Plan
		if err := json.Unmarshal([]byte(raw), &plan); err != nil {
			continue
		}
		plans = append(plans, &plan)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.After(plans[j].CreatedAt) })
	return plans, nil
}
