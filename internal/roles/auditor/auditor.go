// Package auditor taps the message bus read-only and writes one JSONL audit
// event per message, flagging operation-correlation anomalies.
package auditor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/agent-town/internal/sim"
	"github.com/haricheung/agent-town/internal/types"
)

// Anomaly names written to the audit log.
const (
	AnomalyNone              = "none"
	AnomalyBoundaryViolation = "boundary_violation"
	AnomalyDuplicateFinish   = "duplicate_finish"
	AnomalyUnmatchedFinish   = "unmatched_finish"
	AnomalyLeaseExpired      = "lease_expired"
)

// Auditor watches operations from OperationStarted to their finish input.
// It detects boundary violations, finishes submitted twice, finishes for
// operations it never saw start (or that already expired) and lease expiries.
type Auditor struct {
	tap     <-chan types.Message
	logPath string

	mu     sync.Mutex
	out    io.Writer
	counts map[string]int

	started  map[string]types.MessageType // operation id → expected finish type
	finished map[string]bool
	expired  map[string]bool
}

// New creates an Auditor writing to logPath.
func New(tap <-chan types.Message, logPath string) *Auditor {
	return &Auditor{
		tap:      tap,
		logPath:  logPath,
		counts:   make(map[string]int),
		started:  make(map[string]types.MessageType),
		finished: make(map[string]bool),
		expired:  make(map[string]bool),
	}
}

// Run consumes the tap until ctx is cancelled or the tap closes.
func (a *Auditor) Run(ctx context.Context) {
	if err := os.MkdirAll(filepath.Dir(a.logPath), 0o755); err != nil {
		slog.Error("[AUDIT] create log dir", "error", err)
		return
	}
	f, err := os.OpenFile(a.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("[AUDIT] open log file", "error", err)
		return
	}
	defer f.Close()
	a.mu.Lock()
	a.out = f
	a.mu.Unlock()

	slog.Info("[AUDIT] started", "path", a.logPath)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.tap:
			if !ok {
				return
			}
			a.process(msg)
		}
	}
}

// Counts returns how many events were written per anomaly.
func (a *Auditor) Counts() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.counts))
	for k, v := range a.counts {
		out[k] = v
	}
	return out
}

type path struct {
	from types.Role
	to   types.Role
}

// allowed sender→receiver pairs per message type
var allowedPaths = map[types.MessageType]path{
	types.MsgOperationStarted:           {types.RoleSim, types.RoleWorker},
	types.MsgLeaseExpired:               {types.RoleSim, types.RoleWorker},
	types.MsgPlanCreated:                {types.RolePlanner, types.RoleSim},
	types.MsgFinishDoSomething:          {types.RoleWorker, types.RoleSim},
	types.MsgFinishRememberConversation: {types.RoleWorker, types.RoleSim},
	types.MsgFinishPlanning:             {types.RoleWorker, types.RoleSim},
}

func (a *Auditor) process(msg types.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	anomaly := AnomalyNone
	var detail *string
	flag := func(kind, format string, args ...any) {
		anomaly = kind
		d := fmt.Sprintf(format, args...)
		detail = &d
		slog.Warn("[AUDIT] anomaly", "kind", kind, "detail", d)
	}

	if allowed, ok := allowedPaths[msg.Type]; ok && (msg.From != allowed.from || msg.To != allowed.to) {
		flag(AnomalyBoundaryViolation, "expected %s→%s for %s, got %s→%s",
			allowed.from, allowed.to, msg.Type, msg.From, msg.To)
	}

	op := msg.OperationID
	switch {
	case msg.Type == types.MsgOperationStarted:
		if kind, ok := msg.Payload.(string); ok {
			a.started[op] = sim.OperationKind(kind).FinishType()
		} else {
			a.started[op] = ""
		}
	case msg.Type == types.MsgLeaseExpired:
		a.expired[op] = true
		delete(a.started, op)
		flag(AnomalyLeaseExpired, "operation %s of agent %s expired before a finish arrived", op, msg.AgentID)
	case types.IsFinish(msg.Type):
		want, started := a.started[op]
		switch {
		case a.finished[op]:
			flag(AnomalyDuplicateFinish, "%s for operation %s submitted again", msg.Type, op)
		case a.expired[op]:
			flag(AnomalyUnmatchedFinish, "%s for operation %s arrived after its lease expired", msg.Type, op)
		case !started:
			flag(AnomalyUnmatchedFinish, "%s for operation %s that was never started", msg.Type, op)
		case want != "" && want != msg.Type:
			flag(AnomalyUnmatchedFinish, "%s for operation %s, expected %s", msg.Type, op, want)
		default:
			a.finished[op] = true
			delete(a.started, op)
		}
	}

	a.counts[anomaly]++
	a.writeEvent(types.AuditEvent{
		EventID:     uuid.New().String(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		FromRole:    msg.From,
		ToRole:      msg.To,
		MessageType: string(msg.Type),
		AgentID:     msg.AgentID,
		OperationID: op,
		Anomaly:     anomaly,
		Detail:      detail,
	})
}

// writeEvent is called with a.mu held.
func (a *Auditor) writeEvent(e types.AuditEvent) {
	if a.out == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("[AUDIT] marshal event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(a.out, "%s\n", data); err != nil {
		slog.Error("[AUDIT] write event", "error", err)
	}
}
