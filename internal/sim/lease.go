package sim

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/haricheung/agent-town/internal/types"
)

// DefaultLease is how long an operation may stay pending before the sweeper
// reaps it.
const DefaultLease = 5 * time.Minute

// OperationKind names the detached job an operation runs.
type OperationKind string

const (
	KindDoSomething          OperationKind = "agentDoSomething"
	KindRememberConversation OperationKind = "agentRememberConversation"
	KindUpdatePlan           OperationKind = "agentUpdatePlan"
)

// FinishType returns the finish input that completes an operation of kind k.
func (k OperationKind) FinishType() types.MessageType {
	switch k {
	case KindRememberConversation:
		return types.MsgFinishRememberConversation
	case KindUpdatePlan:
		return types.MsgFinishPlanning
	}
	return types.MsgFinishDoSomething
}

// Operation is the correlation record of one in-flight job. It is never
// persisted.
type Operation struct {
	ID        string
	Kind      OperationKind
	AgentID   string
	Started   time.Time
	ExpiresAt time.Time
	Epoch     int // per-agent dispatch counter
}

// LeaseManager tracks at most one pending operation per agent.
// It is owned by the engine goroutine and is not safe for concurrent use.
type LeaseManager struct {
	lease   time.Duration
	byAgent map[string]Operation
	agentOf map[string]string // operation id → agent id
	epochs  map[string]int
}

// NewLeaseManager creates a LeaseManager. A non-positive lease uses DefaultLease.
func NewLeaseManager(lease time.Duration) *LeaseManager {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &LeaseManager{
		lease:   lease,
		byAgent: make(map[string]Operation),
		agentOf: make(map[string]string),
		epochs:  make(map[string]int),
	}
}

// Acquire records a pending operation for agentID.
//
// Expectations:
//   - Fails when the agent already has a pending operation
//   - ExpiresAt is now + lease
//   - Epoch increases by one per successful acquire for the same agent
func (lm *LeaseManager) Acquire(agentID, opID string, kind OperationKind, now time.Time) (Operation, error) {
	if cur, ok := lm.byAgent[agentID]; ok {
		return Operation{}, fmt.Errorf("sim: agent %s already has pending operation %s", agentID, cur.ID)
	}
	lm.epochs[agentID]++
	op := Operation{
		ID:        opID,
		Kind:      kind,
		AgentID:   agentID,
		Started:   now,
		ExpiresAt: now.Add(lm.lease),
		Epoch:     lm.epochs[agentID],
	}
	lm.byAgent[agentID] = op
	lm.agentOf[opID] = agentID
	slog.Debug("[SIM] lease acquired", "agent", agentID, "operation", opID, "kind", kind, "epoch", op.Epoch, "expires", op.ExpiresAt)
	return op, nil
}

// Pending returns the agent's pending operation.
func (lm *LeaseManager) Pending(agentID string) (Operation, bool) {
	op, ok := lm.byAgent[agentID]
	return op, ok
}

// Lookup returns the pending operation with id opID.
func (lm *LeaseManager) Lookup(opID string) (Operation, bool) {
	agentID, ok := lm.agentOf[opID]
	if !ok {
		return Operation{}, false
	}
	return lm.byAgent[agentID], true
}

// Release clears the pending operation with id opID.
func (lm *LeaseManager) Release(opID string) (Operation, bool) {
	op, ok := lm.Lookup(opID)
	if !ok {
		return Operation{}, false
	}
	delete(lm.byAgent, op.AgentID)
	delete(lm.agentOf, opID)
	return op, true
}

// Expired returns the pending operations whose lease ended at or before now,
// sorted by agent id.
func (lm *LeaseManager) Expired(now time.Time) []Operation {
	var out []Operation
	for _, op := range lm.byAgent {
		if !now.Before(op.ExpiresAt) {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Len returns the number of pending operations.
func (lm *LeaseManager) Len() int { return len(lm.byAgent) }
