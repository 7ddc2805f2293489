package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haricheung/agent-town/internal/roles/planner"
	"github.com/haricheung/agent-town/internal/types"
)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(msg types.Message)
}

// Reflector produces new plan snapshots.
type Reflector interface {
	ReflectOnPlan(ctx context.Context, owner planner.Owner, now time.Time, priorPlanID string) (types.Plan, error)
	ReflectOnConversation(ctx context.Context, owner planner.Owner, now time.Time, priorPlanID string, conv planner.Conversation) (types.Plan, error)
}

// Rememberer stores memories.
type Rememberer interface {
	Remember(ctx context.Context, ownerID, description string, importance float64, kind string) (types.Memory, error)
}

// WorkerConfig tunes what an agent decides to do when idle.
type WorkerConfig struct {
	Motivation           float64 // probability of reflecting on the plan instead of acting
	ActivityCooldown     time.Duration
	ConversationCooldown time.Duration
	SubmitJitter         time.Duration // upper bound of the random wait before submitting a finish
	MapWidth             int
	MapHeight            int
	Seed                 uint64
}

// DefaultWorkerConfig returns the town's defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Motivation:           0.3,
		ActivityCooldown:     10 * time.Second,
		ConversationCooldown: 15 * time.Second,
		SubmitJitter:         time.Second,
		MapWidth:             48,
		MapHeight:            32,
	}
}

// Worker performs the detached side of every operation kind and reports the
// outcome as a finish input.
type Worker struct {
	bus        Publisher
	reflector  Reflector
	memory     Rememberer
	activities []types.Activity
	cfg        WorkerConfig

	mu  sync.Mutex
	rng *rand.Rand

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWorker creates a Worker. memory may be nil.
func NewWorker(b Publisher, r Reflector, memory Rememberer, activities []types.Activity, cfg WorkerConfig) *Worker {
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Worker{
		bus:        b,
		reflector:  r,
		memory:     memory,
		activities: activities,
		cfg:        cfg,
		rng:        rand.New(rand.NewPCG(seed, seed>>1|1)),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Handle runs job and submits its finish input.
func (w *Worker) Handle(ctx context.Context, job WorkerJob, s Scheduler) {
	var args types.FinishArgs
	switch job.Op.Kind {
	case KindDoSomething:
		args = w.doSomething(ctx, job, s)
	case KindRememberConversation:
		args = w.rememberConversation(ctx, job)
	case KindUpdatePlan:
		args = types.FinishArgs{Plan: job.Plan}
	default:
		args = types.FinishArgs{Error: fmt.Sprintf("unknown operation kind %q", job.Op.Kind)}
	}
	w.submit(ctx, job, args)
}

func (w *Worker) doSomething(ctx context.Context, job WorkerJob, s Scheduler) types.FinishArgs {
	a := job.Agent
	nowMs := job.Now.UnixMilli()
	justLeftConversation := a.LastConversation > 0 && nowMs < a.LastConversation+w.cfg.ConversationCooldown.Milliseconds()
	recentlyInvited := a.LastInviteAttempt > 0 && nowMs < a.LastInviteAttempt+w.cfg.ConversationCooldown.Milliseconds()
	recentActivity := a.Activity != nil && nowMs < a.Activity.Until+w.cfg.ActivityCooldown.Milliseconds()

	if !a.Traveling(nowMs) {
		if w.float() < w.cfg.Motivation {
			plan, err := w.reflector.ReflectOnPlan(ctx, owner(job), w.now(), priorPlanID(a))
			if err != nil {
				slog.Warn("[WORKER] reflection failed", "agent", a.Name, "operation", job.Op.ID, "error", err)
				return types.FinishArgs{Error: err.Error()}
			}
			if w.memory != nil {
				s.Schedule("rememberPlan:"+a.ID, w.rememberPlan(a, plan))
			}
			return types.FinishArgs{Plan: &plan}
		}
		if recentActivity || justLeftConversation {
			dest := w.wanderDestination()
			return types.FinishArgs{Destination: &dest}
		}
		act, ok := w.pickActivity(a.TeamType)
		if !ok {
			dest := w.wanderDestination()
			return types.FinishArgs{Destination: &dest}
		}
		return types.FinishArgs{Activity: &act}
	}

	var invitee string
	if !justLeftConversation && !recentlyInvited {
		invitee = nearest(a, job.Others)
	}
	return types.FinishArgs{Invitee: invitee}
}

func (w *Worker) rememberConversation(ctx context.Context, job WorkerJob) types.FinishArgs {
	a := job.Agent
	conv := planner.Conversation{}
	if job.Conversation != nil {
		conv = *job.Conversation
	}
	if w.memory != nil {
		desc := fmt.Sprintf("Conversation with %s: %s", conv.With, conv.Transcript)
		if _, err := w.memory.Remember(ctx, a.PlayerID, desc, 5, types.MemoryConversation); err != nil {
			slog.Warn("[WORKER] could not remember conversation", "agent", a.Name, "with", conv.With, "error", err)
		}
	}
	plan, err := w.reflector.ReflectOnConversation(ctx, owner(job), w.now(), priorPlanID(a), conv)
	if err != nil {
		slog.Warn("[WORKER] reflection after conversation failed", "agent", a.Name, "error", err)
		return types.FinishArgs{Error: err.Error()}
	}
	return types.FinishArgs{Plan: &plan}
}

// rememberPlan returns a follow-up job that stores a summary of plan.
func (w *Worker) rememberPlan(a AgentState, plan types.Plan) Job {
	return func(ctx context.Context, _ Scheduler) {
		var roots []string
		for _, t := range plan.Tasks {
			if t.Depth == 0 {
				roots = append(roots, t.Description)
			}
		}
		desc := fmt.Sprintf("My plan now focuses on: %s", strings.Join(roots, "; "))
		if _, err := w.memory.Remember(ctx, a.PlayerID, desc, 4, types.MemoryPlan); err != nil {
			slog.Warn("[WORKER] could not remember plan", "agent", a.Name, "plan", plan.ID, "error", err)
		}
	}
}

func (w *Worker) submit(ctx context.Context, job WorkerJob, args types.FinishArgs) {
	if err := w.sleep(ctx, w.jitter()); err != nil {
		slog.Debug("[WORKER] shutdown before submit", "operation", job.Op.ID)
		return
	}
	w.bus.Publish(types.Message{
		From:        types.RoleWorker,
		To:          types.RoleSim,
		Type:        job.Op.Kind.FinishType(),
		WorldID:     job.WorldID,
		AgentID:     job.Agent.ID,
		OperationID: job.Op.ID,
		Payload:     args,
	})
}

func (w *Worker) pickActivity(teamType string) (types.Activity, bool) {
	var relevant []types.Activity
	for _, act := range w.activities {
		for _, t := range act.Teams {
			if t == teamType {
				relevant = append(relevant, act)
				break
			}
		}
	}
	if len(relevant) == 0 {
		relevant = w.activities
	}
	if len(relevant) == 0 {
		return types.Activity{}, false
	}
	act := relevant[w.intN(len(relevant))]
	act.Until = w.now().UnixMilli() + act.DurationMs
	return act, true
}

// wanderDestination picks a tile at least one tile away from the map edge.
func (w *Worker) wanderDestination() types.Point {
	return types.Point{
		X: 1 + int(w.float()*float64(max(w.cfg.MapWidth-2, 0))),
		Y: 1 + int(w.float()*float64(max(w.cfg.MapHeight-2, 0))),
	}
}

func (w *Worker) float() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rng.Float64()
}

func (w *Worker) intN(n int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rng.IntN(n)
}

func (w *Worker) jitter() time.Duration {
	if w.cfg.SubmitJitter <= 0 {
		return 0
	}
	return time.Duration(w.float() * float64(w.cfg.SubmitJitter))
}

// nearest returns the closest other agent by tile distance, ties by id.
func nearest(a AgentState, others []AgentState) string {
	cands := make([]AgentState, 0, len(others))
	for _, o := range others {
		if o.ID != a.ID {
			cands = append(cands, o)
		}
	}
	if len(cands) == 0 {
		return ""
	}
	sort.Slice(cands, func(i, j int) bool {
		di, dj := distance(a.Position, cands[i].Position), distance(a.Position, cands[j].Position)
		if di != dj {
			return di < dj
		}
		return cands[i].ID < cands[j].ID
	})
	return cands[0].ID
}

func owner(job WorkerJob) planner.Owner {
	return planner.Owner{WorldID: job.WorldID, AgentID: job.Agent.ID, OperationID: job.Op.ID}
}

func priorPlanID(a AgentState) string {
	if a.Plan == nil {
		return ""
	}
	return a.Plan.ID
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
