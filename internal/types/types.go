package types

import (
	"encoding/json"
	"time"
)

// Role identifiers
type Role string

const (
	RoleUser    Role = "User"
	RoleSim     Role = "SIM"     // deterministic simulation loop
	RoleWorker  Role = "WORKER"  // detached operation worker
	RolePlanner Role = "PLANNER" // recursive plan expander
	RoleMemory  Role = "MEMORY"
	RoleAuditor Role = "AUDIT"
)

// MessageType identifies the payload type of a bus message
type MessageType string

const (
	MsgOperationStarted MessageType = "OperationStarted" // SIM → WORKER: pending operation recorded
	MsgLeaseExpired     MessageType = "LeaseExpired"     // SIM → WORKER: pending operation reaped by the sweeper
	MsgPlanCreated      MessageType = "PlanCreated"      // PLANNER → SIM: plan persisted (informational)

	// Finish inputs. Workers submit exactly one per operation; the simulation
	// loop matches them to the pending operation by OperationID.
	MsgFinishDoSomething          MessageType = "finishDoSomething"
	MsgFinishRememberConversation MessageType = "finishRememberConversation"
	MsgFinishPlanning             MessageType = "finishPlanning"
)

// FinishTypes lists every finish input the simulation loop consumes.
var FinishTypes = []MessageType{
	MsgFinishDoSomething,
	MsgFinishRememberConversation,
	MsgFinishPlanning,
}

// IsFinish reports whether t is a finish input.
func IsFinish(t MessageType) bool {
	for _, f := range FinishTypes {
		if f == t {
			return true
		}
	}
	return false
}

// Message is the envelope for everything that crosses the bus
type Message struct {
	ID          string      `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	From        Role        `json:"from"`
	To          Role        `json:"to"`
	Type        MessageType `json:"type"`
	WorldID     string      `json:"world_id,omitempty"`
	AgentID     string      `json:"agent_id,omitempty"`
	OperationID string      `json:"operation_id,omitempty"`
	Payload     any         `json:"payload"`
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusTODO       TaskStatus = "TODO"
	StatusInProgress TaskStatus = "inProgress"
	StatusCompleted  TaskStatus = "completed"
)

// Valid reports whether s is one of the three legal literals.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusTODO, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Task is one node of a plan's forest. Hierarchy is derived from TaskID alone:
// "0.2.1" is the child of "0.2", which is the child of root "0".
type Task struct {
	TaskID         string     `json:"taskId"`
	PlanID         string     `json:"planId,omitempty"`
	Description    string     `json:"description"`
	Depth          int        `json:"depth"`
	ParentTaskID   string     `json:"parentTaskId,omitempty"`
	NthChild       int        `json:"nthChild"`
	Status         TaskStatus `json:"status"`
	KeyTakeaways   string     `json:"keyTakeaways,omitempty"`
	StartTime      *int64     `json:"startTime,omitempty"`    // unix seconds
	FinishBefore   *int64     `json:"finishBefore,omitempty"` // unix seconds
	RequiredTeams  []string   `json:"requiredTeams,omitempty"`
	RequiredAgents []string   `json:"requiredAgents,omitempty"`
}

// Plan is an immutable snapshot of an agent's task forest, created once per
// reflection cycle.
type Plan struct {
	ID          string `json:"id"`
	WorldID     string `json:"worldId"`
	AgentID     string `json:"agentId"`
	OperationID string `json:"operationId,omitempty"`
	Created     int64  `json:"created"` // unix ms
	Tasks       []Task `json:"tasks"`
}

// Point is a tile position on the town map.
type Point struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Team is one department of the company.
type Team struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	HQ          Point  `json:"hq" yaml:"hq"`
}

// PlayerDescription is the public face of a character.
type PlayerDescription struct {
	PlayerID    string `json:"playerId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Character   string `json:"character,omitempty"`
}

// AgentDescription is the private brief that drives an agent's planning.
type AgentDescription struct {
	AgentID  string `json:"agentId"`
	Identity string `json:"identity"`
	Plan     string `json:"plan"` // personal agenda
	TeamType string `json:"teamType"`
}

// AgentProfile is what the directory knows about one agent: the company's
// teams and roster plus the agent's own descriptions.
type AgentProfile struct {
	Teams      []Team
	AgentNames []string
	Player     PlayerDescription
	Agent      AgentDescription
}

// Memory kinds
const (
	MemoryRelationship = "relationship"
	MemoryConversation = "conversation"
	MemoryReflection   = "reflection"
	MemoryPlan         = "plan"
)

// Memory is one remembered fact owned by a player.
type Memory struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Description string    `json:"description"`
	Embedding   []float64 `json:"embedding,omitempty"`
	Importance  float64   `json:"importance"`  // 0..9
	LastAccess  int64     `json:"last_access"` // unix ms
	Kind        string    `json:"kind"`
	Score       float64   `json:"score,omitempty"` // relevance, set by search only
}

// Activity is something an agent does in place for a while.
type Activity struct {
	Description string   `json:"description" yaml:"description"`
	Emoji       string   `json:"emoji,omitempty" yaml:"emoji"`
	Until       int64    `json:"until,omitempty" yaml:"-"` // unix ms
	DurationMs  int64    `json:"-" yaml:"duration_ms"`
	Teams       []string `json:"-" yaml:"teams"`
}

// FinishArgs is the payload of every finish input. Only the fields relevant to
// the operation kind are set.
type FinishArgs struct {
	Plan        *Plan     `json:"plan,omitempty"`
	Activity    *Activity `json:"activity,omitempty"`
	Destination *Point    `json:"destination,omitempty"`
	Invitee     string    `json:"invitee,omitempty"`
	Error       string    `json:"error,omitempty"` // set when the worker gave up; the agent just goes idle
}

// DecodeFinish returns the FinishArgs carried by payload, which is either the
// typed value (in-process bus) or a generic map (decoded from the wire).
func DecodeFinish(payload any) (FinishArgs, error) {
	switch p := payload.(type) {
	case FinishArgs:
		return p, nil
	case *FinishArgs:
		if p == nil {
			return FinishArgs{}, nil
		}
		return *p, nil
	case nil:
		return FinishArgs{}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return FinishArgs{}, err
	}
	var fa FinishArgs
	return fa, json.Unmarshal(b, &fa)
}

// AuditEvent is written to the audit log by the Auditor
type AuditEvent struct {
	EventID     string  `json:"event_id"`
	Timestamp   string  `json:"timestamp"`
	FromRole    Role    `json:"from_role"`
	ToRole      Role    `json:"to_role"`
	MessageType string  `json:"message_type"`
	AgentID     string  `json:"agent_id,omitempty"`
	OperationID string  `json:"operation_id,omitempty"`
	Anomaly     string  `json:"anomaly"` // "none" | "boundary_violation" | "duplicate_finish" | "unmatched_finish" | "lease_expired"
	Detail      *string `json:"detail"`
}
