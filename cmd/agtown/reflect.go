package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/haricheung/agent-town/internal/planstore"
	"github.com/haricheung/agent-town/internal/roles/planner"
	"github.com/haricheung/agent-town/internal/types"
	"github.com/haricheung/agent-town/internal/ui"
)

// ReflectCmd runs one reflection cycle outside the simulation.
type ReflectCmd struct {
	Agent      string `arg:"" help:"Agent id or name"`
	Prior      string `help:"Plan id to start from (default: the agent's latest plan)"`
	With       string `help:"Name of the agent a conversation was held with"`
	Transcript string `help:"Conversation transcript to fold into the prompt"`
}

// Run prints the new plan.
func (c *ReflectCmd) Run(cli *CLI) error {
	a, err := load(cli)
	if err != nil {
		return err
	}
	defer a.close()

	refl, err := a.reflector()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	plan, err := reflectOnce(ctx, a, refl, c.Agent, c.Prior, planner.Conversation{With: c.With, Transcript: c.Transcript})
	if err != nil {
		return err
	}
	return renderPlan(os.Stdout, plan)
}

func reflectOnce(ctx context.Context, a *app, refl *planner.Reflector, name, prior string, conv planner.Conversation) (types.Plan, error) {
	ag, err := a.resolveAgent(name)
	if err != nil {
		return types.Plan{}, err
	}
	owner := planner.Owner{WorldID: a.cfg.World.ID, AgentID: ag.ID}
	if conv.Transcript != "" {
		return refl.ReflectOnConversation(ctx, owner, time.Now(), prior, conv)
	}
	return refl.ReflectOnPlan(ctx, owner, time.Now(), prior)
}

// ShowCmd prints a stored plan.
type ShowCmd struct {
	Agent    string `arg:"" help:"Agent id or name"`
	Plan     string `help:"Plan id (default: the agent's latest plan)"`
	Children string `help:"Only list the direct children of this task id"`
}

// Run prints the plan tree.
func (c *ShowCmd) Run(cli *CLI) error {
	a, err := load(cli)
	if err != nil {
		return err
	}
	defer a.close()
	return showPlan(context.Background(), os.Stdout, a, c.Agent, c.Plan, c.Children)
}

func showPlan(ctx context.Context, w io.Writer, a *app, name, planID, parent string) error {
	ag, err := a.resolveAgent(name)
	if err != nil {
		return err
	}
	var plan types.Plan
	if planID == "" {
		plan, err = a.store.LatestPlan(ctx, a.cfg.World.ID, ag.ID)
	} else {
		plan, err = a.store.Plan(ctx, a.cfg.World.ID, planID)
	}
	if errors.Is(err, planstore.ErrNotFound) {
		fmt.Fprintf(w, "%s has no plan yet\n", ag.Name)
		return nil
	}
	if err != nil {
		return err
	}
	if parent == "" {
		return renderPlan(w, plan)
	}
	kids, err := a.store.Children(ctx, a.cfg.World.ID, plan.ID, parent)
	if err != nil {
		return err
	}
	for _, t := range kids {
		fmt.Fprintf(w, "%-8s %-10s %s\n", t.TaskID, t.Status, t.Description)
	}
	if len(kids) == 0 {
		fmt.Fprintf(w, "task %s has no subtasks\n", parent)
	}
	return nil
}

func renderPlan(w io.Writer, plan types.Plan) error {
	color := w == os.Stdout && isTerminal()
	return ui.RenderPlan(w, plan, ui.PlanOptions{Width: terminalWidth(), Color: color})
}

func isTerminal() bool {
	return readline.IsTerminal(int(os.Stdout.Fd())) && !strings.EqualFold(os.Getenv("TERM"), "dumb")
}

func terminalWidth() int {
	if w := readline.GetScreenWidth(); w > 0 {
		return w
	}
	return 100
}
