package sim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haricheung/agent-town/internal/bus"
	"github.com/haricheung/agent-town/internal/metrics"
	"github.com/haricheung/agent-town/internal/roles/planner"
	"github.com/haricheung/agent-town/internal/types"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []types.Message
}

func (p *recordingPublisher) Publish(msg types.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *recordingPublisher) only(t *testing.T) (types.Message, types.FinishArgs) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.msgs, 1)
	args, err := types.DecodeFinish(p.msgs[0].Payload)
	require.NoError(t, err)
	return p.msgs[0], args
}

type fakeReflector struct {
	mu    sync.Mutex
	plan  types.Plan
	err   error
	calls []string
	prior []string
	convs []planner.Conversation
}

func (r *fakeReflector) ReflectOnPlan(_ context.Context, o planner.Owner, _ time.Time, prior string) (types.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "plan:"+o.OperationID)
	r.prior = append(r.prior, prior)
	p := r.plan
	p.OperationID = o.OperationID
	return p, r.err
}

func (r *fakeReflector) ReflectOnConversation(_ context.Context, o planner.Owner, _ time.Time, prior string, conv planner.Conversation) (types.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "conversation:"+o.OperationID)
	r.prior = append(r.prior, prior)
	r.convs = append(r.convs, conv)
	p := r.plan
	p.OperationID = o.OperationID
	return p, r.err
}

type memoryCall struct {
	owner, desc, kind string
	importance        float64
}

type fakeMemory struct {
	mu    sync.Mutex
	calls []memoryCall
	err   error
}

func (m *fakeMemory) Remember(_ context.Context, ownerID, desc string, importance float64, kind string) (types.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, memoryCall{ownerID, desc, kind, importance})
	return types.Memory{OwnerID: ownerID, Description: desc, Kind: kind, Importance: importance}, m.err
}

var testActivities = []types.Activity{
	{Description: "reviewing pull requests", DurationMs: 60_000, Teams: []string{"engineering"}},
	{Description: "sketching a campaign", DurationMs: 30_000, Teams: []string{"marketing"}},
}

func newTestWorker(motivation float64, r Reflector, m Rememberer) (*Worker, *recordingPublisher) {
	pub := &recordingPublisher{}
	cfg := DefaultWorkerConfig()
	cfg.Motivation = motivation
	cfg.SubmitJitter = 0
	cfg.Seed = 7
	w := NewWorker(pub, r, m, testActivities, cfg)
	w.now = func() time.Time { return t0 }
	return w, pub
}

func doSomethingJob(a AgentState, others ...AgentState) WorkerJob {
	return WorkerJob{
		Op:      Operation{ID: "op1", Kind: KindDoSomething, AgentID: a.ID},
		WorldID: "w1",
		Now:     t0,
		Agent:   a,
		Others:  others,
	}
}

func TestWorker_ReflectsWhenMotivated(t *testing.T) {
	r := &fakeReflector{plan: types.Plan{ID: "p2", Tasks: []types.Task{
		{TaskID: "0", Description: "Ship the beta", Depth: 0},
		{TaskID: "0.1", Description: "Fix the login bug", Depth: 1},
		{TaskID: "1", Description: "Hire an analyst", Depth: 0},
	}}}
	mem := &fakeMemory{}
	w, pub := newTestWorker(1, r, mem)
	a := AgentState{ID: "kichi", PlayerID: "p:kichi", Name: "Kichi", Plan: &types.Plan{ID: "p1"}}

	w.Handle(context.Background(), doSomethingJob(a), inlineScheduler{})

	msg, args := pub.only(t)
	assert.Equal(t, types.MsgFinishDoSomething, msg.Type)
	assert.Equal(t, "op1", msg.OperationID)
	assert.Equal(t, "kichi", msg.AgentID)
	assert.Equal(t, types.RoleWorker, msg.From)
	require.NotNil(t, args.Plan)
	assert.Equal(t, "p2", args.Plan.ID)
	assert.Equal(t, []string{"p1"}, r.prior, "reflection continues from the installed plan")

	require.Len(t, mem.calls, 1, "the follow-up job remembers the plan")
	assert.Equal(t, types.MemoryPlan, mem.calls[0].kind)
	assert.Equal(t, "p:kichi", mem.calls[0].owner)
	assert.Contains(t, mem.calls[0].desc, "Ship the beta; Hire an analyst")
	assert.NotContains(t, mem.calls[0].desc, "Fix the login bug")
}

func TestWorker_ReflectionFailureReportsError(t *testing.T) {
	r := &fakeReflector{err: errors.New("model unavailable")}
	mem := &fakeMemory{}
	w, pub := newTestWorker(1, r, mem)

	w.Handle(context.Background(), doSomethingJob(AgentState{ID: "kichi"}), inlineScheduler{})

	_, args := pub.only(t)
	assert.Nil(t, args.Plan)
	assert.Equal(t, "model unavailable", args.Error)
	assert.Empty(t, mem.calls)
}

func TestWorker_PicksTeamActivity(t *testing.T) {
	w, pub := newTestWorker(0, &fakeReflector{}, nil)
	a := AgentState{ID: "kichi", TeamType: "marketing"}

	w.Handle(context.Background(), doSomethingJob(a), inlineScheduler{})

	_, args := pub.only(t)
	require.NotNil(t, args.Activity)
	assert.Equal(t, "sketching a campaign", args.Activity.Description)
	assert.Equal(t, t0.UnixMilli()+30_000, args.Activity.Until)
}

func TestWorker_WandersAfterRecentActivity(t *testing.T) {
	w, pub := newTestWorker(0, &fakeReflector{}, nil)
	a := AgentState{ID: "kichi", TeamType: "marketing", Activity: &types.Activity{Description: "reading", Until: t0.UnixMilli() - 1000}}

	w.Handle(context.Background(), doSomethingJob(a), inlineScheduler{})

	_, args := pub.only(t)
	require.NotNil(t, args.Destination)
	assert.Nil(t, args.Activity)
	assert.GreaterOrEqual(t, args.Destination.X, 1)
	assert.LessOrEqual(t, args.Destination.X, 46)
	assert.GreaterOrEqual(t, args.Destination.Y, 1)
	assert.LessOrEqual(t, args.Destination.Y, 30)
}

func TestWorker_TravelingInvitesNearest(t *testing.T) {
	w, pub := newTestWorker(1, &fakeReflector{}, nil)
	a := AgentState{
		ID:          "kichi",
		Position:    types.Point{X: 5, Y: 5},
		Destination: &types.Point{X: 20, Y: 5},
		ArrivesAt:   t0.UnixMilli() + 10_000,
	}
	others := []AgentState{
		{ID: "vijay", Position: types.Point{X: 9, Y: 5}},
		{ID: "lucky", Position: types.Point{X: 6, Y: 6}},
		{ID: "dozen", Position: types.Point{X: 4, Y: 4}},
	}

	w.Handle(context.Background(), doSomethingJob(a, others...), inlineScheduler{})

	_, args := pub.only(t)
	assert.Equal(t, "dozen", args.Invitee, "ties broken by id")
}

func TestWorker_NoInviteDuringCooldown(t *testing.T) {
	r := &fakeReflector{}
	w, pub := newTestWorker(1, r, nil)
	a := AgentState{
		ID:               "kichi",
		Destination:      &types.Point{X: 20, Y: 5},
		ArrivesAt:        t0.UnixMilli() + 10_000,
		LastConversation: t0.UnixMilli() - 1000,
	}

	w.Handle(context.Background(), doSomethingJob(a, AgentState{ID: "lucky"}), inlineScheduler{})

	_, args := pub.only(t)
	assert.Empty(t, args.Invitee)
	assert.Empty(t, r.calls, "travelling agents never reflect")
}

func TestWorker_RememberConversation(t *testing.T) {
	r := &fakeReflector{plan: types.Plan{ID: "p3"}}
	mem := &fakeMemory{}
	w, pub := newTestWorker(0, r, mem)
	conv := &planner.Conversation{With: "Lucky", Transcript: "Kichi talked with Lucky."}
	job := WorkerJob{
		Op:           Operation{ID: "op9", Kind: KindRememberConversation, AgentID: "kichi"},
		WorldID:      "w1",
		Now:          t0,
		Agent:        AgentState{ID: "kichi", PlayerID: "p:kichi", Name: "Kichi"},
		Conversation: conv,
	}

	w.Handle(context.Background(), job, inlineScheduler{})

	msg, args := pub.only(t)
	assert.Equal(t, types.MsgFinishRememberConversation, msg.Type)
	require.NotNil(t, args.Plan)
	assert.Equal(t, "op9", args.Plan.OperationID)
	require.Len(t, r.convs, 1)
	assert.Equal(t, *conv, r.convs[0])
	require.Len(t, mem.calls, 1)
	assert.Equal(t, types.MemoryConversation, mem.calls[0].kind)
	assert.Equal(t, 5.0, mem.calls[0].importance)
	assert.Contains(t, mem.calls[0].desc, "Lucky")
}

func TestWorker_UpdatePlanEchoesPlan(t *testing.T) {
	w, pub := newTestWorker(0, &fakeReflector{}, nil)
	plan := &types.Plan{ID: "manual"}
	job := WorkerJob{Op: Operation{ID: "op3", Kind: KindUpdatePlan}, Agent: AgentState{ID: "kichi"}, Plan: plan}

	w.Handle(context.Background(), job, inlineScheduler{})

	msg, args := pub.only(t)
	assert.Equal(t, types.MsgFinishPlanning, msg.Type)
	assert.Equal(t, "manual", args.Plan.ID)
}

func TestWorker_CancelledBeforeSubmitPublishesNothing(t *testing.T) {
	w, pub := newTestWorker(0, &fakeReflector{}, nil)
	w.cfg.SubmitJitter = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w.Handle(ctx, doSomethingJob(AgentState{ID: "kichi"}), inlineScheduler{})

	assert.Empty(t, pub.msgs, "the lease sweeper reaps the operation instead")
}

// --- engine and worker together ---

func TestEngineWithWorker_PlanRoundTrip(t *testing.T) {
	b := bus.New()
	_, m := metrics.NewRegistry()
	r := &fakeReflector{plan: types.Plan{ID: "p1", Tasks: []types.Task{{TaskID: "0", Description: "Ship the beta"}}}}
	w := NewWorker(b, r, nil, testActivities, WorkerConfig{Motivation: 1, MapWidth: 10, MapHeight: 10, Seed: 1})
	w.now = func() time.Time { return t0 }
	e := NewEngine(DefaultConfig("w1"), b, inlineScheduler{}, w, m)
	e.AddAgent(AgentState{ID: "kichi", PlayerID: "p:kichi", Name: "Kichi"})

	e.Tick(t0)
	e.Tick(t0.Add(time.Second))

	a, ok := e.Agent("kichi")
	require.True(t, ok)
	require.NotNil(t, a.Plan)
	assert.Equal(t, "p1", a.Plan.ID)
	assert.Len(t, r.calls, 2, "the agent reflected again once idle")
	assert.Equal(t, []string{"", "p1"}, r.prior)
	assert.EqualValues(t, 2, e.Ticks())
}
