package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/agent-town/internal/tasktree"
	"github.com/haricheung/agent-town/internal/types"
)

// PlanOptions controls RenderPlan.
type PlanOptions struct {
	Width int  // terminal cells per line; 0 = no truncation
	Color bool // emit ANSI colors
}

var statusIcon = map[types.TaskStatus]string{
	types.StatusTODO:       "○",
	types.StatusInProgress: "◐",
	types.StatusCompleted:  "●",
}

var statusColor = map[types.TaskStatus]string{
	types.StatusTODO:       "",
	types.StatusInProgress: ansiYellow,
	types.StatusCompleted:  ansiGreen,
}

// RenderPlan writes plan as an indented tree, roots first, children in
// sibling order.
func RenderPlan(w io.Writer, plan types.Plan, opts PlanOptions) error {
	p := &planPrinter{w: w, opts: opts}
	created := time.UnixMilli(plan.Created).UTC().Format(time.RFC3339)
	p.line(p.paint(ansiBold, fmt.Sprintf("plan %s", plan.ID)) +
		p.paint(ansiDim, fmt.Sprintf("  %s · %d tasks · %s", plan.AgentID, len(plan.Tasks), created)))

	f := tasktree.New(plan.Tasks)
	roots := f.Roots()
	if len(roots) == 0 {
		p.line(p.paint(ansiDim, "  (empty)"))
	}
	for i, t := range roots {
		p.task(f, t, "", i == len(roots)-1)
	}
	return p.err
}

type planPrinter struct {
	w    io.Writer
	opts PlanOptions
	err  error
}

func (p *planPrinter) task(f *tasktree.Forest, t types.Task, indent string, last bool) {
	branch, next := "├─ ", "│  "
	if last {
		branch, next = "└─ ", "   "
	}
	icon := statusIcon[t.Status]
	if icon == "" {
		icon = "?"
	}
	text := fmt.Sprintf("%s %s %s", icon, t.TaskID, t.Description)
	if len(t.RequiredTeams)+len(t.RequiredAgents) > 0 {
		who := append(append([]string(nil), t.RequiredTeams...), t.RequiredAgents...)
		text += " [" + strings.Join(who, ", ") + "]"
	}
	text = p.fit(indent+branch, text)
	p.line(indent + branch + p.paint(statusColor[t.Status], text))

	if t.KeyTakeaways != "" {
		note := p.fit(indent+next+"  ", "↳ "+t.KeyTakeaways)
		p.line(indent + next + "  " + p.paint(ansiDim, note))
	}
	children := f.Children(t.TaskID)
	for i, c := range children {
		p.task(f, c, indent+next, i == len(children)-1)
	}
}

// fit truncates text so prefix+text stays within the configured width.
func (p *planPrinter) fit(prefix, text string) string {
	if p.opts.Width <= 0 {
		return text
	}
	room := p.opts.Width - runewidth.StringWidth(prefix)
	if room < 4 {
		room = 4
	}
	return clip(text, room)
}

func (p *planPrinter) paint(color, s string) string {
	if !p.opts.Color || color == "" {
		return s
	}
	return color + s + ansiReset
}

func (p *planPrinter) line(s string) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintln(p.w, s)
}
