package ui

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/agent-town/internal/types"
)

// ANSI codes
const (
	ansiReset   = "\033[0m"
	ansiBold    = "\033[1m"
	ansiDim     = "\033[2m"
	ansiCyan    = "\033[36m"
	ansiYellow  = "\033[33m"
	ansiGreen   = "\033[32m"
	ansiRed     = "\033[31m"
	ansiMagenta = "\033[35m"
	ansiBlue    = "\033[34m"
)

var roleEmoji = map[types.Role]string{
	types.RoleSim:     "🏙",
	types.RoleWorker:  "⚙️ ",
	types.RolePlanner: "📐",
	types.RoleMemory:  "💾",
	types.RoleAuditor: "📡",
	types.RoleUser:    "👤",
}

var msgColor = map[types.MessageType]string{
	types.MsgOperationStarted:           ansiBlue,
	types.MsgLeaseExpired:               ansiRed,
	types.MsgPlanCreated:                ansiMagenta,
	types.MsgFinishDoSomething:          ansiYellow,
	types.MsgFinishRememberConversation: ansiCyan,
	types.MsgFinishPlanning:             ansiGreen,
}

// Display prints one flow line per operation message seen on the bus tap.
type Display struct {
	tap   <-chan types.Message
	out   io.Writer
	names map[string]string // agent id → display name
	now   func() time.Time
}

// New creates a Display reading from tap. names maps agent ids to the names
// shown; unknown ids are printed as is.
func New(tap <-chan types.Message, out io.Writer, names map[string]string) *Display {
	return &Display{tap: tap, out: out, names: names, now: time.Now}
}

// Run prints flow lines until ctx is cancelled or the tap closes.
func (d *Display) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-d.tap:
			if !ok {
				return
			}
			d.printFlow(msg)
		}
	}
}

func (d *Display) printFlow(msg types.Message) {
	label := string(msg.Type)
	if det := msgDetail(msg); det != "" {
		label += ": " + det
	}
	color := msgColor[msg.Type]
	if color == "" {
		color = ansiDim
	}
	agent := d.names[msg.AgentID]
	if agent == "" {
		agent = msg.AgentID
	}
	fmt.Fprintf(d.out, "%s%s%s %s%-8s%s %s ──[%s%s%s]──► %s\n",
		ansiDim, d.now().Format("15:04:05"), ansiReset,
		ansiBold, clip(agent, 8), ansiReset,
		roleLabel(msg.From), color, label, ansiReset, roleLabel(msg.To))
}

func roleLabel(r types.Role) string {
	emoji, ok := roleEmoji[r]
	if !ok {
		emoji = "•"
	}
	return emoji + " " + string(r)
}

func msgDetail(msg types.Message) string {
	switch msg.Type {
	case types.MsgOperationStarted, types.MsgLeaseExpired:
		if kind, ok := msg.Payload.(string); ok {
			return kind
		}
	case types.MsgPlanCreated:
		if id, ok := msg.Payload.(string); ok {
			return "plan " + shortID(id)
		}
	}
	if !types.IsFinish(msg.Type) {
		return ""
	}
	args, err := types.DecodeFinish(msg.Payload)
	if err != nil {
		return "malformed"
	}
	switch {
	case args.Error != "":
		return "gave up: " + clip(args.Error, 40)
	case args.Plan != nil:
		return fmt.Sprintf("plan %s (%d tasks)", shortID(args.Plan.ID), len(args.Plan.Tasks))
	case args.Activity != nil:
		return clip(args.Activity.Emoji+" "+args.Activity.Description, 40)
	case args.Destination != nil:
		return fmt.Sprintf("walk to (%d,%d)", args.Destination.X, args.Destination.Y)
	case args.Invitee != "":
		return "invite " + args.Invitee
	}
	return "idle"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// clip truncates s to at most n terminal cells, appending "…" if trimmed.
func clip(s string, n int) string {
	if runewidth.StringWidth(s) <= n {
		return s
	}
	return runewidth.Truncate(s, n, "…")
}
