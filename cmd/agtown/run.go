package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haricheung/agent-town/internal/bus"
	"github.com/haricheung/agent-town/internal/planstore"
	"github.com/haricheung/agent-town/internal/roles/auditor"
	"github.com/haricheung/agent-town/internal/sim"
	"github.com/haricheung/agent-town/internal/ui"
)

// RunCmd runs the simulation loop until interrupted.
type RunCmd struct {
	Agents   []string      `arg:"" optional:"" help:"Agents to simulate (default: the whole roster)"`
	Duration time.Duration `help:"Stop after this long (0 = until interrupted)"`
	Watch    bool          `short:"w" help:"Print operation flow lines to stdout"`
}

// Run wires the engine, its workers and the infrastructure roles.
func (c *RunCmd) Run(cli *CLI) error {
	a, err := load(cli)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()
	if c.Duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, c.Duration)
		defer stop()
	}

	refl, err := a.reflector()
	if err != nil {
		return err
	}
	mem := a.mem
	go mem.Run(ctx)

	if a.cfg.Bus.NATSURL != "" {
		br, err := bus.Dial(a.cfg.Bus.NATSURL, a.cfg.Bus.SubjectPrefix, a.cfg.World.ID, "sim", a.bus)
		if err != nil {
			return err
		}
		if err := br.Start(); err != nil {
			br.Close()
			return err
		}
		defer br.Close()
	}

	aud := auditor.New(a.bus.Tap(), a.cfg.Path(a.cfg.Storage.AuditFile))
	go aud.Run(ctx)
	a.serveMetrics(ctx)

	agents, names, err := c.selectAgents(ctx, a)
	if err != nil {
		return err
	}
	if c.Watch {
		disp := ui.New(a.bus.SubscribeMany(watchedTypes...), os.Stdout, names)
		go disp.Run(ctx)
	}

	sc := a.cfg.Sim
	width, height := a.world.MapSize()
	worker := sim.NewWorker(a.bus, refl, mem, a.world.Activities(), sim.WorkerConfig{
		Motivation:           sc.Motivation,
		ActivityCooldown:     sc.ActivityCooldown.Duration,
		ConversationCooldown: sc.ConversationCooldown.Duration,
		SubmitJitter:         sc.SubmitJitter.Duration,
		MapWidth:             width,
		MapHeight:            height,
		Seed:                 sc.Seed,
	})
	sched := sim.NewGoScheduler(ctx)
	engine := sim.NewEngine(sim.Config{
		WorldID:              a.cfg.World.ID,
		Lease:                sc.Lease.Duration,
		ConversationLength:   sc.ConversationLength.Duration,
		ConversationCooldown: sc.ConversationCooldown.Duration,
		TravelPerTile:        sc.TravelPerTile.Duration,
	}, a.bus, sched, worker, a.metrics)
	for _, ag := range agents {
		engine.AddAgent(ag)
	}

	slog.Info("[SIM] town running", "world", a.cfg.World.ID, "agents", len(agents), "tick", sc.Tick.Duration)
	engine.Run(ctx, sc.Tick.Duration)

	sched.Close()
	for _, ag := range engine.Agents() {
		plan := "-"
		if ag.Plan != nil {
			plan = ag.Plan.ID
		}
		fmt.Printf("%-8s plan=%s\n", ag.Name, plan)
	}
	slog.Info("[SIM] town stopped", "ticks", engine.Ticks(), "audit", aud.Counts())
	return nil
}

// selectAgents builds the engine's starting state, resuming each agent from
// its latest stored plan.
func (c *RunCmd) selectAgents(ctx context.Context, a *app) ([]sim.AgentState, map[string]string, error) {
	roster := a.world.Agents()
	if len(c.Agents) > 0 {
		roster = roster[:0]
		for _, name := range c.Agents {
			ag, err := a.resolveAgent(name)
			if err != nil {
				return nil, nil, err
			}
			roster = append(roster, ag)
		}
	}
	names := make(map[string]string, len(roster))
	states := make([]sim.AgentState, 0, len(roster))
	for _, ag := range roster {
		st := sim.AgentState{
			ID:       ag.ID,
			PlayerID: ag.PlayerID,
			Name:     ag.Name,
			TeamType: ag.Team,
			Position: ag.Position,
		}
		plan, err := a.store.LatestPlan(ctx, a.cfg.World.ID, ag.ID)
		switch {
		case err == nil:
			st.Plan = &plan
		case !errors.Is(err, planstore.ErrNotFound):
			return nil, nil, fmt.Errorf("load plan for %s: %w", ag.Name, err)
		}
		names[ag.ID] = ag.Name
		states = append(states, st)
	}
	return states, names, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
