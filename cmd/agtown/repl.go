package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/chzyer/readline"

	"github.com/haricheung/agent-town/internal/planstore"
	"github.com/haricheung/agent-town/internal/roles/planner"
)

// ReplCmd opens an interactive inspector over the stored plans and memories.
type ReplCmd struct{}

const replHelp = `commands:
  agents                      list the roster with each agent's latest plan
  show <agent> [plan-id]      print a plan tree
  children <agent> <task-id>  list the direct subtasks of a task in the latest plan
  memories <agent>            list what an agent remembers
  reflect <agent>             run one reflection cycle (needs the chat tier)
  help                        this text
  exit                        quit`

// Run reads commands until EOF or "exit".
func (c *ReplCmd) Run(cli *CLI) error {
	a, err := load(cli)
	if err != nil {
		return err
	}
	defer a.close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "agtown> ",
		HistoryFile:     a.cfg.Path("repl_history"),
		AutoComplete:    completer(a),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	ctx, cancel := signalContext()
	defer cancel()

	r := &repl{app: a}
	fmt.Fprintf(rl.Stdout(), "agtown — %s (type 'help')\n", a.world.Company())
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			return nil
		}
		if r.handle(ctx, rl.Stdout(), line) {
			return nil
		}
	}
}

func completer(a *app) *readline.PrefixCompleter {
	var agents []readline.PrefixCompleterInterface
	for _, ag := range a.world.Agents() {
		agents = append(agents, readline.PcItem(ag.ID))
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("agents"),
		readline.PcItem("show", agents...),
		readline.PcItem("children", agents...),
		readline.PcItem("memories", agents...),
		readline.PcItem("reflect", agents...),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

// repl executes one command per line; it holds no terminal state.
type repl struct {
	app  *app
	refl *planner.Reflector
}

// handle runs line and reports whether the session should end.
func (r *repl) handle(ctx context.Context, w io.Writer, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]
	var err error
	switch cmd {
	case "exit", "quit":
		return true
	case "help", "?":
		fmt.Fprintln(w, replHelp)
	case "agents":
		err = r.agents(ctx, w)
	case "show":
		if len(args) < 1 {
			err = errors.New("usage: show <agent> [plan-id]")
			break
		}
		planID := ""
		if len(args) > 1 {
			planID = args[1]
		}
		err = showPlan(ctx, w, r.app, args[0], planID, "")
	case "children":
		if len(args) != 2 {
			err = errors.New("usage: children <agent> <task-id>")
			break
		}
		err = showPlan(ctx, w, r.app, args[0], "", args[1])
	case "memories":
		if len(args) != 1 {
			err = errors.New("usage: memories <agent>")
			break
		}
		err = r.memories(ctx, w, args[0])
	case "reflect":
		if len(args) != 1 {
			err = errors.New("usage: reflect <agent>")
			break
		}
		err = r.reflect(ctx, w, args[0])
	default:
		err = fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
	}
	return false
}

func (r *repl) agents(ctx context.Context, w io.Writer) error {
	for _, ag := range r.app.world.Agents() {
		plan := "-"
		p, err := r.app.store.LatestPlan(ctx, r.app.cfg.World.ID, ag.ID)
		switch {
		case err == nil:
			plan = fmt.Sprintf("%s (%d tasks)", p.ID, len(p.Tasks))
		case !errors.Is(err, planstore.ErrNotFound):
			return err
		}
		fmt.Fprintf(w, "%-8s %-8s %-20s %s\n", ag.ID, ag.Name, ag.Team, plan)
	}
	return nil
}

func (r *repl) memories(ctx context.Context, w io.Writer, name string) error {
	ag, err := r.app.resolveAgent(name)
	if err != nil {
		return err
	}
	store, err := r.app.memoryStore()
	if err != nil {
		return err
	}
	mems, err := store.List(ctx, ag.PlayerID)
	if err != nil {
		return err
	}
	if len(mems) == 0 {
		fmt.Fprintf(w, "%s remembers nothing yet\n", ag.Name)
		return nil
	}
	sort.Slice(mems, func(i, j int) bool { return mems[i].LastAccess > mems[j].LastAccess })
	for _, m := range mems {
		fmt.Fprintf(w, "[%g] %-12s %s\n", m.Importance, m.Kind, m.Description)
	}
	return nil
}

func (r *repl) reflect(ctx context.Context, w io.Writer, name string) error {
	if r.refl == nil {
		refl, err := r.app.reflector()
		if err != nil {
			return err
		}
		r.refl = refl
	}
	plan, err := reflectOnce(ctx, r.app, r.refl, name, "", planner.Conversation{})
	if err != nil {
		return err
	}
	return renderPlan(w, plan)
}
