// Package planstore persists plan snapshots and their tasks. Plans are
// immutable: a reflection cycle writes a new plan and never edits an old one.
package planstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/haricheung/agent-town/internal/tasktree"
	"github.com/haricheung/agent-town/internal/types"
)

var (
	// ErrNotFound is returned when a plan does not exist.
	ErrNotFound = errors.New("planstore: not found")
	// ErrDuplicateOperation is returned when a plan was already saved for the
	// same (world, operation id). The earlier plan is kept.
	ErrDuplicateOperation = errors.New("planstore: plan already saved for operation")
)

// Store is the plan persistence contract.
type Store interface {
	// SavePlan validates plan.Tasks and writes the plan with all its tasks
	// atomically.
	SavePlan(ctx context.Context, plan types.Plan) error
	Plan(ctx context.Context, worldID, planID string) (types.Plan, error)
	// Tasks returns the plan's tasks in depth-first order.
	Tasks(ctx context.Context, worldID, planID string) ([]types.Task, error)
	// Children returns the direct children of parentTaskID ("" for roots),
	// ordered by sibling index.
	Children(ctx context.Context, worldID, planID, parentTaskID string) ([]types.Task, error)
	LatestPlan(ctx context.Context, worldID, agentID string) (types.Plan, error)
	Close() error
}

// prepare checks a plan before it is written and returns the copy to store,
// with every task stamped with the plan id.
func prepare(plan types.Plan) (types.Plan, error) {
	if plan.ID == "" || plan.WorldID == "" || plan.AgentID == "" {
		return types.Plan{}, fmt.Errorf("planstore: plan needs id, world and agent (got %q, %q, %q)", plan.ID, plan.WorldID, plan.AgentID)
	}
	if err := tasktree.Validate(plan.Tasks); err != nil {
		return types.Plan{}, fmt.Errorf("planstore: plan %s: %w", plan.ID, err)
	}
	tasks := make([]types.Task, len(plan.Tasks))
	for i, t := range plan.Tasks {
		t.PlanID = plan.ID
		t.RequiredTeams = append([]string(nil), t.RequiredTeams...)
		t.RequiredAgents = append([]string(nil), t.RequiredAgents...)
		tasks[i] = t
	}
	plan.Tasks = tasktree.New(tasks).Ordered()
	return plan, nil
}

// MemStore keeps plans in memory. Used by tests and ephemeral runs.
type MemStore struct {
	mu    sync.RWMutex
	plans map[string]map[string]types.Plan // world → plan id → plan
	ops   map[string]string                // world|operation → plan id
	seq   map[string]int                   // plan id → insertion order
	next  int
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		plans: map[string]map[string]types.Plan{},
		ops:   map[string]string{},
		seq:   map[string]int{},
	}
}

func (m *MemStore) SavePlan(_ context.Context, plan types.Plan) error {
	p, err := prepare(plan)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	opKey := p.WorldID + "|" + p.OperationID
	if _, dup := m.ops[opKey]; dup && p.OperationID != "" {
		return ErrDuplicateOperation
	}
	if _, exists := m.plans[p.WorldID][p.ID]; exists {
		return fmt.Errorf("planstore: plan %s already exists", p.ID)
	}
	if p.OperationID != "" {
		m.ops[opKey] = p.ID
	}
	if m.plans[p.WorldID] == nil {
		m.plans[p.WorldID] = map[string]types.Plan{}
	}
	m.plans[p.WorldID][p.ID] = p
	m.next++
	m.seq[p.ID] = m.next
	return nil
}

func (m *MemStore) Plan(_ context.Context, worldID, planID string) (types.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[worldID][planID]
	if !ok {
		return types.Plan{}, ErrNotFound
	}
	return clonePlan(p), nil
}

func (m *MemStore) Tasks(ctx context.Context, worldID, planID string) ([]types.Task, error) {
	p, err := m.Plan(ctx, worldID, planID)
	if err != nil {
		return nil, err
	}
	return p.Tasks, nil
}

func (m *MemStore) Children(ctx context.Context, worldID, planID, parentTaskID string) ([]types.Task, error) {
	p, err := m.Plan(ctx, worldID, planID)
	if err != nil {
		return nil, err
	}
	var out []types.Task
	for _, t := range p.Tasks {
		if t.ParentTaskID == parentTaskID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NthChild < out[j].NthChild })
	return out, nil
}

func (m *MemStore) LatestPlan(_ context.Context, worldID, agentID string) (types.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best types.Plan
	found := false
	for _, p := range m.plans[worldID] {
		if p.AgentID != agentID {
			continue
		}
		if !found || p.Created > best.Created || (p.Created == best.Created && m.seq[p.ID] > m.seq[best.ID]) {
			best, found = p, true
		}
	}
	if !found {
		return types.Plan{}, ErrNotFound
	}
	return clonePlan(best), nil
}

func (m *MemStore) Close() error { return nil }

func clonePlan(p types.Plan) types.Plan {
	p.Tasks = append([]types.Task(nil), p.Tasks...)
	return p
}
