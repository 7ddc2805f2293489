package auditor

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haricheung/agent-town/internal/bus"
	"github.com/haricheung/agent-town/internal/types"
)

// newTestAuditor builds an Auditor writing into a buffer instead of a file.
func newTestAuditor() (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	a := New(nil, os.DevNull)
	a.out = &buf
	return a, &buf
}

func started(op, kind string) types.Message {
	return types.Message{From: types.RoleSim, To: types.RoleWorker, Type: types.MsgOperationStarted, AgentID: "kichi", OperationID: op, Payload: kind}
}

func finish(t types.MessageType, op string) types.Message {
	return types.Message{From: types.RoleWorker, To: types.RoleSim, Type: t, AgentID: "kichi", OperationID: op}
}

func events(t *testing.T, buf *bytes.Buffer) []types.AuditEvent {
	t.Helper()
	var out []types.AuditEvent
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e types.AuditEvent
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("bad audit line %q: %v", line, err)
		}
		out = append(out, e)
	}
	return out
}

// --- process ---

func TestProcess_MatchedFinishIsClean(t *testing.T) {
	// OperationStarted followed by its finish input produces no anomaly
	a, buf := newTestAuditor()
	a.process(started("op1", "agentDoSomething"))
	a.process(finish(types.MsgFinishDoSomething, "op1"))

	evs := events(t, buf)
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	for _, e := range evs {
		if e.Anomaly != AnomalyNone {
			t.Errorf("expected no anomaly, got %s (%v)", e.Anomaly, *e.Detail)
		}
		if e.OperationID != "op1" || e.AgentID != "kichi" {
			t.Errorf("correlation fields not carried: %+v", e)
		}
	}
}

func TestProcess_DuplicateFinish(t *testing.T) {
	// the second finish for the same operation is flagged duplicate_finish
	a, buf := newTestAuditor()
	a.process(started("op1", "agentDoSomething"))
	a.process(finish(types.MsgFinishDoSomething, "op1"))
	a.process(finish(types.MsgFinishDoSomething, "op1"))

	evs := events(t, buf)
	if got := evs[2].Anomaly; got != AnomalyDuplicateFinish {
		t.Errorf("expected duplicate_finish, got %s", got)
	}
}

func TestProcess_UnmatchedFinish(t *testing.T) {
	// a finish for an operation never started is unmatched_finish
	a, buf := newTestAuditor()
	a.process(finish(types.MsgFinishPlanning, "ghost"))

	evs := events(t, buf)
	if evs[0].Anomaly != AnomalyUnmatchedFinish {
		t.Errorf("expected unmatched_finish, got %s", evs[0].Anomaly)
	}
}

func TestProcess_WrongFinishType(t *testing.T) {
	// finishPlanning for an agentDoSomething operation is unmatched_finish
	a, buf := newTestAuditor()
	a.process(started("op1", "agentDoSomething"))
	a.process(finish(types.MsgFinishPlanning, "op1"))

	evs := events(t, buf)
	if evs[1].Anomaly != AnomalyUnmatchedFinish {
		t.Errorf("expected unmatched_finish, got %s", evs[1].Anomaly)
	}
	if !strings.Contains(*evs[1].Detail, string(types.MsgFinishDoSomething)) {
		t.Errorf("detail should name the expected finish, got %q", *evs[1].Detail)
	}
}

func TestProcess_LeaseExpiredThenLateFinish(t *testing.T) {
	// the expiry is flagged lease_expired and a late finish unmatched_finish
	a, buf := newTestAuditor()
	a.process(started("op1", "agentRememberConversation"))
	a.process(types.Message{From: types.RoleSim, To: types.RoleWorker, Type: types.MsgLeaseExpired, AgentID: "kichi", OperationID: "op1"})
	a.process(finish(types.MsgFinishRememberConversation, "op1"))

	evs := events(t, buf)
	if evs[1].Anomaly != AnomalyLeaseExpired {
		t.Errorf("expected lease_expired, got %s", evs[1].Anomaly)
	}
	if evs[2].Anomaly != AnomalyUnmatchedFinish {
		t.Errorf("expected unmatched_finish, got %s", evs[2].Anomaly)
	}
	if !strings.Contains(*evs[2].Detail, "expired") {
		t.Errorf("detail should mention the expiry, got %q", *evs[2].Detail)
	}
}

func TestProcess_BoundaryViolation(t *testing.T) {
	// a finish input sent by the simulation itself violates the WORKER→SIM path
	a, buf := newTestAuditor()
	msg := finish(types.MsgFinishDoSomething, "op1")
	msg.From = types.RoleSim
	a.process(msg)

	evs := events(t, buf)
	if evs[0].Anomaly != AnomalyUnmatchedFinish && evs[0].Anomaly != AnomalyBoundaryViolation {
		t.Fatalf("expected an anomaly, got %s", evs[0].Anomaly)
	}
	if got := a.Counts()[AnomalyNone]; got != 0 {
		t.Errorf("expected no clean events, got %d", got)
	}

	a2, buf2 := newTestAuditor()
	a2.process(types.Message{From: types.RoleWorker, To: types.RoleSim, Type: types.MsgPlanCreated, Payload: "p1"})
	if e := events(t, buf2)[0]; e.Anomaly != AnomalyBoundaryViolation {
		t.Errorf("expected boundary_violation, got %s", e.Anomaly)
	}
}

func TestCounts(t *testing.T) {
	// Counts tallies events per anomaly and returns a copy
	a, _ := newTestAuditor()
	a.process(started("op1", "agentDoSomething"))
	a.process(finish(types.MsgFinishDoSomething, "op2"))

	c := a.Counts()
	if c[AnomalyNone] != 1 || c[AnomalyUnmatchedFinish] != 1 {
		t.Errorf("unexpected counts %v", c)
	}
	c[AnomalyNone] = 99
	if a.Counts()[AnomalyNone] != 1 {
		t.Error("Counts must return a copy")
	}
}

// --- Run ---

func TestRun_WritesJSONLFromTap(t *testing.T) {
	// Run creates the log file and writes one line per tapped message
	b := bus.New()
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	a := New(b.Tap(), path)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	b.Publish(started("op1", "agentDoSomething"))
	b.Publish(finish(types.MsgFinishDoSomething, "op1"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c := a.Counts(); c[AnomalyNone] == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if n := strings.Count(string(data), "\n"); n != 2 {
		t.Errorf("expected 2 lines, got %d:\n%s", n, data)
	}
}
