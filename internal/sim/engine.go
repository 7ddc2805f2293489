// Package sim runs the deterministic simulation loop and correlates the
// detached operations it starts with the finish inputs that come back.
//
// Per agent: Idle → Dispatched(op) → ResultReady(op) → Applied → Idle.
// A tick never calls the LLM and never waits on a worker; workers report back
// by publishing a finish input on the bus, which the next tick applies.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/agent-town/internal/metrics"
	"github.com/haricheung/agent-town/internal/roles/planner"
	"github.com/haricheung/agent-town/internal/types"
)

// Bus is the message transport between the engine and its workers.
type Bus interface {
	Publish(msg types.Message)
	SubscribeMany(ts ...types.MessageType) <-chan types.Message
}

// Dispatcher performs the detached side of an operation.
type Dispatcher interface {
	Handle(ctx context.Context, job WorkerJob, s Scheduler)
}

// Config holds the engine's timing.
type Config struct {
	WorldID              string
	Lease                time.Duration
	ConversationLength   time.Duration
	ConversationCooldown time.Duration
	TravelPerTile        time.Duration
}

// DefaultConfig returns the timing used by the town.
func DefaultConfig(worldID string) Config {
	return Config{
		WorldID:              worldID,
		Lease:                DefaultLease,
		ConversationLength:   20 * time.Second,
		ConversationCooldown: 15 * time.Second,
		TravelPerTile:        500 * time.Millisecond,
	}
}

// AgentState is the engine's view of one agent. Times are unix ms.
type AgentState struct {
	ID       string
	PlayerID string
	Name     string
	TeamType string
	Position types.Point

	Plan     *types.Plan
	Activity *types.Activity

	Destination *types.Point
	ArrivesAt   int64

	ConversationWith  string
	ConversationUntil int64
	LastConversation  int64
	LastInviteAttempt int64

	ToRemember  *planner.Conversation
	PendingPlan *types.Plan
	PendingOp   string
}

// Traveling reports whether the agent is still on its way somewhere.
func (a AgentState) Traveling(nowMs int64) bool {
	return a.Destination != nil && nowMs < a.ArrivesAt
}

// InConversation reports whether the agent is talking to someone.
func (a AgentState) InConversation() bool { return a.ConversationWith != "" }

// Busy reports whether an activity is still running.
func (a AgentState) Busy(nowMs int64) bool {
	return a.Activity != nil && nowMs < a.Activity.Until
}

// WorkerJob is everything a detached job gets; it never touches engine state.
type WorkerJob struct {
	Op           Operation
	WorldID      string
	Now          time.Time
	Agent        AgentState
	Others       []AgentState // free agents other than Agent
	Conversation *planner.Conversation
	Plan         *types.Plan
}

// Engine owns the simulation state. Tick must be called from one goroutine;
// the read accessors and input methods are safe from any goroutine.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	bus      Bus
	inputs   <-chan types.Message
	queue    []types.Message
	leases   *LeaseManager
	agents   map[string]*AgentState
	applied  map[string]int64 // operation id → unix ms its finish was applied
	expired  map[string]int64 // operation id → unix ms the sweeper reaped it
	sched    Scheduler
	dispatch Dispatcher
	metrics  *metrics.Metrics
	newID    func() string
	ticks    int64
}

// NewEngine subscribes to finish inputs on b. m may be nil.
func NewEngine(cfg Config, b Bus, sched Scheduler, d Dispatcher, m *metrics.Metrics) *Engine {
	if m == nil {
		m = metrics.Nop()
	}
	return &Engine{
		cfg:      cfg,
		bus:      b,
		inputs:   b.SubscribeMany(types.FinishTypes...),
		leases:   NewLeaseManager(cfg.Lease),
		agents:   make(map[string]*AgentState),
		applied:  make(map[string]int64),
		expired:  make(map[string]int64),
		sched:    sched,
		dispatch: d,
		metrics:  m,
		newID:    uuid.NewString,
	}
}

// AddAgent registers an agent as idle.
func (e *Engine) AddAgent(a AgentState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a.PendingOp = ""
	e.agents[a.ID] = &a
}

// RequestPlanUpdate queues plan to be installed through an agentUpdatePlan
// operation on a later tick.
func (e *Engine) RequestPlanUpdate(agentID string, plan types.Plan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.agents[agentID]
	if !ok {
		return fmt.Errorf("sim: unknown agent %s", agentID)
	}
	a.PendingPlan = &plan
	return nil
}

// Agents returns a copy of every agent, sorted by id.
func (e *Engine) Agents() []AgentState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AgentState, 0, len(e.agents))
	for _, a := range e.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Agent returns a copy of one agent.
func (e *Engine) Agent(id string) (AgentState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.agents[id]
	if !ok {
		return AgentState{}, false
	}
	return *a, true
}

// Ticks returns how many ticks have run.
func (e *Engine) Ticks() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ticks
}

// Run ticks every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	slog.Info("[SIM] engine started", "world", e.cfg.WorldID, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("[SIM] engine stopped", "world", e.cfg.WorldID, "ticks", e.Ticks())
			return
		case now := <-t.C:
			e.Tick(now)
		}
	}
}

// Tick advances the simulation to now.
//
// Expectations:
//   - Finish inputs are applied in arrival order, each at most once
//   - A finish whose operation is unknown, expired or already applied is a no-op
//   - Expired leases are cleared and tombstoned, and the agent is idle again
//   - Idle agents are dispatched in id order, one pending operation each
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ticks++

	e.drain()
	for _, msg := range e.queue {
		e.applyFinish(msg, now)
	}
	e.queue = e.queue[:0]

	e.sweep(now)
	e.advance(now)
	e.dispatchIdle(now)
	e.metrics.PendingOperations.Set(float64(e.leases.Len()))
}

func (e *Engine) drain() {
	for {
		select {
		case msg := <-e.inputs:
			e.queue = append(e.queue, msg)
		default:
			return
		}
	}
}

func (e *Engine) applyFinish(msg types.Message, now time.Time) {
	kind := string(msg.Type)
	if _, done := e.applied[msg.OperationID]; done {
		e.metrics.FinishInputs.WithLabelValues(kind, "duplicate").Inc()
		slog.Debug("[SIM] duplicate finish ignored", "operation", msg.OperationID, "agent", msg.AgentID)
		return
	}
	op, ok := e.leases.Lookup(msg.OperationID)
	if !ok || op.AgentID != msg.AgentID || op.Kind.FinishType() != msg.Type ||
		(msg.WorldID != "" && msg.WorldID != e.cfg.WorldID) {
		e.metrics.FinishInputs.WithLabelValues(kind, "stale").Inc()
		slog.Warn("[SIM] stale finish ignored", "type", msg.Type, "operation", msg.OperationID, "agent", msg.AgentID, "expired", e.expired[msg.OperationID] > 0)
		return
	}

	e.leases.Release(op.ID)
	e.applied[op.ID] = now.UnixMilli()
	a := e.agents[op.AgentID]
	a.PendingOp = ""

	args, err := types.DecodeFinish(msg.Payload)
	if err != nil {
		e.metrics.FinishInputs.WithLabelValues(kind, "malformed").Inc()
		slog.Error("[SIM] malformed finish payload", "operation", op.ID, "agent", op.AgentID, "error", err)
		return
	}
	e.metrics.FinishInputs.WithLabelValues(kind, "applied").Inc()
	if args.Error != "" {
		slog.Warn("[SIM] operation gave up", "operation", op.ID, "agent", a.Name, "kind", op.Kind, "error", args.Error)
	}

	nowMs := now.UnixMilli()
	if args.Plan != nil {
		e.installPlan(a, *args.Plan)
	}
	if op.Kind != KindDoSomething {
		return
	}
	if args.Activity != nil {
		act := *args.Activity
		a.Activity = &act
		slog.Debug("[SIM] activity started", "agent", a.Name, "activity", act.Description, "until", act.Until)
	}
	if args.Destination != nil {
		dest := *args.Destination
		a.Destination = &dest
		a.ArrivesAt = nowMs + int64(distance(a.Position, dest))*e.cfg.TravelPerTile.Milliseconds()
	}
	if args.Invitee != "" {
		a.LastInviteAttempt = nowMs
		e.startConversation(a, args.Invitee, nowMs)
	}
}

func (e *Engine) installPlan(a *AgentState, plan types.Plan) {
	if a.Plan != nil && a.Plan.ID == plan.ID {
		return
	}
	p := plan
	a.Plan = &p
	slog.Info("[SIM] plan installed", "agent", a.Name, "plan", plan.ID, "tasks", len(plan.Tasks))
}

func (e *Engine) startConversation(a *AgentState, inviteeID string, nowMs int64) {
	b, ok := e.agents[inviteeID]
	if !ok || b.ID == a.ID || a.InConversation() || b.InConversation() {
		slog.Debug("[SIM] invite declined", "agent", a.Name, "invitee", inviteeID)
		return
	}
	until := nowMs + e.cfg.ConversationLength.Milliseconds()
	a.ConversationWith, a.ConversationUntil = b.ID, until
	b.ConversationWith, b.ConversationUntil = a.ID, until
	slog.Info("[SIM] conversation started", "agent", a.Name, "with", b.Name)
}

// tombstoneLeases is how many lease periods an applied or expired operation
// id is remembered. A finish arriving later is unknown to the lease manager
// and is dropped as stale, so forgetting the id never re-applies it.
const tombstoneLeases = 4

// sweep reaps expired leases and forgets old tombstones.
func (e *Engine) sweep(now time.Time) {
	cutoff := now.Add(-tombstoneLeases * e.leases.lease).UnixMilli()
	for id, at := range e.applied {
		if at < cutoff {
			delete(e.applied, id)
		}
	}
	for id, at := range e.expired {
		if at < cutoff {
			delete(e.expired, id)
		}
	}

	for _, op := range e.leases.Expired(now) {
		e.leases.Release(op.ID)
		e.expired[op.ID] = now.UnixMilli()
		if a, ok := e.agents[op.AgentID]; ok {
			a.PendingOp = ""
		}
		e.metrics.ExpiredLeases.Inc()
		slog.Warn("[SIM] lease expired", "operation", op.ID, "agent", op.AgentID, "kind", op.Kind, "started", op.Started)
		e.bus.Publish(types.Message{
			From:        types.RoleSim,
			To:          types.RoleWorker,
			Type:        types.MsgLeaseExpired,
			WorldID:     e.cfg.WorldID,
			AgentID:     op.AgentID,
			OperationID: op.ID,
			Payload:     string(op.Kind),
		})
	}
}

// advance settles arrivals and ends conversations that ran their course.
func (e *Engine) advance(now time.Time) {
	nowMs := now.UnixMilli()
	for _, id := range e.sortedIDs() {
		a := e.agents[id]
		if a.Destination != nil && nowMs >= a.ArrivesAt {
			a.Position = *a.Destination
			a.Destination = nil
		}
		if a.InConversation() && nowMs >= a.ConversationUntil {
			other := a.ConversationWith
			name := other
			if b, ok := e.agents[other]; ok {
				name = b.Name
			}
			a.ConversationWith, a.ConversationUntil = "", 0
			a.LastConversation = nowMs
			a.ToRemember = &planner.Conversation{With: name, Transcript: fmt.Sprintf("%s talked with %s.", a.Name, name)}
		}
	}
}

func (e *Engine) dispatchIdle(now time.Time) {
	nowMs := now.UnixMilli()
	for _, id := range e.sortedIDs() {
		a := e.agents[id]
		if a.PendingOp != "" {
			continue
		}
		job := WorkerJob{WorldID: e.cfg.WorldID, Now: now}
		var kind OperationKind
		switch {
		case a.ToRemember != nil:
			kind, job.Conversation = KindRememberConversation, a.ToRemember
			a.ToRemember = nil
		case a.PendingPlan != nil:
			kind, job.Plan = KindUpdatePlan, a.PendingPlan
			a.PendingPlan = nil
		case a.InConversation() || a.Busy(nowMs):
			continue
		case a.Traveling(nowMs) && nowMs < a.LastInviteAttempt+e.cfg.ConversationCooldown.Milliseconds():
			continue
		default:
			kind = KindDoSomething
			job.Others = e.freeAgents(a.ID, nowMs)
		}

		op, err := e.leases.Acquire(a.ID, e.newID(), kind, now)
		if err != nil {
			slog.Error("[SIM] dispatch failed", "agent", a.ID, "error", err)
			continue
		}
		a.PendingOp = op.ID
		job.Op = op
		job.Agent = *a
		e.metrics.OperationsDispatched.WithLabelValues(string(kind)).Inc()
		e.bus.Publish(types.Message{
			From:        types.RoleSim,
			To:          types.RoleWorker,
			Type:        types.MsgOperationStarted,
			WorldID:     e.cfg.WorldID,
			AgentID:     a.ID,
			OperationID: op.ID,
			Payload:     string(kind),
		})
		e.sched.Schedule(string(kind)+":"+a.ID, func(ctx context.Context, s Scheduler) {
			e.dispatch.Handle(ctx, job, s)
		})
	}
}

func (e *Engine) freeAgents(except string, nowMs int64) []AgentState {
	var out []AgentState
	for _, id := range e.sortedIDs() {
		b := e.agents[id]
		if id == except || b.InConversation() || b.Busy(nowMs) {
			continue
		}
		out = append(out, *b)
	}
	return out
}

func (e *Engine) sortedIDs() []string {
	ids := make([]string, 0, len(e.agents))
	for id := range e.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func distance(a, b types.Point) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y)
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
