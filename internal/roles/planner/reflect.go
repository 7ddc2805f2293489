package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/agent-town/internal/planstore"
	"github.com/haricheung/agent-town/internal/tasklog"
	"github.com/haricheung/agent-town/internal/types"
)

// Directory resolves an agent to its profile within a world.
type Directory interface {
	Profile(ctx context.Context, worldID, agentID string) (types.AgentProfile, error)
}

// Owner identifies whose plan is being reflected on, and which operation asked.
type Owner struct {
	WorldID     string
	AgentID     string
	OperationID string // empty for reflections not started by the simulation
}

// Conversation is the exchange that prompted a reflection.
type Conversation struct {
	With       string
	Transcript string
}

// Publisher announces saved plans.
type Publisher interface {
	Publish(msg types.Message)
}

// Reflector runs one reflection cycle: load, expand, persist.
type Reflector struct {
	planner *Planner
	dir     Directory
	store   planstore.Store
	logs    *tasklog.Registry
	pub     Publisher
	newID   func() string
}

// NewReflector wires a Reflector. logs may be nil.
func NewReflector(p *Planner, dir Directory, store planstore.Store, logs *tasklog.Registry) *Reflector {
	return &Reflector{planner: p, dir: dir, store: store, logs: logs, newID: uuid.NewString}
}

// WithPublisher makes r announce every saved plan with a PlanCreated message.
func (r *Reflector) WithPublisher(p Publisher) *Reflector {
	r.pub = p
	return r
}

// ReflectOnPlan creates a new plan snapshot for the owner, starting from
// priorPlanID (or the owner's latest plan when empty).
//
// Expectations:
//   - Every call that succeeds persists a plan under a fresh id
//   - The prior plan is never modified
//   - Returns planstore.ErrDuplicateOperation when a plan already exists for the operation id
//   - Returns ErrGenerationFailed without persisting anything when expansion fails
func (r *Reflector) ReflectOnPlan(ctx context.Context, owner Owner, now time.Time, priorPlanID string) (types.Plan, error) {
	return r.reflect(ctx, owner, now, priorPlanID, Conversation{})
}

// ReflectOnConversation is ReflectOnPlan with a conversation folded into the prompt.
func (r *Reflector) ReflectOnConversation(ctx context.Context, owner Owner, now time.Time, priorPlanID string, conv Conversation) (types.Plan, error) {
	return r.reflect(ctx, owner, now, priorPlanID, conv)
}

func (r *Reflector) reflect(ctx context.Context, owner Owner, now time.Time, priorPlanID string, conv Conversation) (types.Plan, error) {
	profile, err := r.dir.Profile(ctx, owner.WorldID, owner.AgentID)
	if err != nil {
		return types.Plan{}, fmt.Errorf("planner: load profile %s: %w", owner.AgentID, err)
	}
	prior, err := r.priorTasks(ctx, owner, priorPlanID)
	if err != nil {
		return types.Plan{}, err
	}

	planID := r.newID()
	cycle := r.logs.Open(planID, owner.AgentID, owner.OperationID)
	slog.Info("[PLANNER] reflecting", "agent", profile.Player.Name, "plan", planID, "prior_tasks", len(prior), "operation", owner.OperationID)

	tasks, err := r.planner.Expand(ctx, Request{
		Teams:        profile.Teams,
		AgentNames:   profile.AgentNames,
		Player:       profile.Player,
		Agent:        profile.Agent,
		Prior:        prior,
		Conversation: conv.Transcript,
		OtherAgent:   conv.With,
		OwnerID:      profile.Player.PlayerID,
		Log:          cycle,
	})
	if err != nil {
		r.logs.Close(planID, "failed")
		return types.Plan{}, err
	}
	for i := range tasks {
		tasks[i].PlanID = planID
	}

	plan := types.Plan{
		ID:          planID,
		WorldID:     owner.WorldID,
		AgentID:     owner.AgentID,
		OperationID: owner.OperationID,
		Created:     now.UnixMilli(),
		Tasks:       tasks,
	}
	if err := r.store.SavePlan(ctx, plan); err != nil {
		status := "failed"
		if errors.Is(err, planstore.ErrDuplicateOperation) {
			status = "duplicate"
		}
		r.logs.Close(planID, status)
		return types.Plan{}, err
	}
	cycle.PlanSaved(planID, len(tasks))
	r.logs.Close(planID, "saved")
	slog.Info("[PLANNER] plan saved", "agent", profile.Player.Name, "plan", planID, "tasks", len(tasks))
	if r.pub != nil {
		r.pub.Publish(types.Message{
			From:        types.RolePlanner,
			To:          types.RoleSim,
			Type:        types.MsgPlanCreated,
			WorldID:     owner.WorldID,
			AgentID:     owner.AgentID,
			OperationID: owner.OperationID,
			Payload:     planID,
		})
	}
	return plan, nil
}

// priorTasks loads the plan to start from. An explicit id that no longer
// exists is logged and treated as no prior plan.
func (r *Reflector) priorTasks(ctx context.Context, owner Owner, priorPlanID string) ([]types.Task, error) {
	var (
		p   types.Plan
		err error
	)
	if priorPlanID != "" {
		p, err = r.store.Plan(ctx, owner.WorldID, priorPlanID)
	} else {
		p, err = r.store.LatestPlan(ctx, owner.WorldID, owner.AgentID)
	}
	if errors.Is(err, planstore.ErrNotFound) {
		if priorPlanID != "" {
			slog.Warn("[PLANNER] prior plan not found, starting fresh", "agent", owner.AgentID, "plan", priorPlanID)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("planner: load prior plan: %w", err)
	}
	return p.Tasks, nil
}
