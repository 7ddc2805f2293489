// Package tasklog provides per-cycle structured logging for plan generation.
//
// Each reflection cycle gets one JSONL file in a configurable directory. Events
// capture every LLM call (with full prompts), every rejected model output, the
// number of tasks each depth round added and the plan that was finally saved.
//
// Design constraints:
//   - All CycleLog methods are nil-safe (no-op on nil receiver) so callers don't
//     need nil checks before every log call.
//   - Registry is the sole owner of JSONL persistence; the planner never opens files.
//   - The reflector opens a log via Registry.Open and closes it via Registry.Close.
package tasklog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind labels a single structured event in the cycle log.
type EventKind string

const (
	KindCycleBegin   EventKind = "cycle_begin"
	KindCycleEnd     EventKind = "cycle_end"
	KindLLMCall      EventKind = "llm_call"
	KindParseFailure EventKind = "parse_failure"
	KindDepthEnd     EventKind = "depth_end"
	KindPlanSaved    EventKind = "plan_saved"
)

// Event is one JSONL line in the cycle log.
// Fields are omitempty so each event only serialises relevant data.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp string    `json:"ts"`

	// cycle_begin / cycle_end
	CycleID     string `json:"cycle_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
	Status      string `json:"status,omitempty"` // "saved" | "failed" | "duplicate"
	ElapsedMs   int64  `json:"elapsed_ms,omitempty"`
	TotalTokens int    `json:"total_tokens,omitempty"`
	Attempts    int    `json:"attempts,omitempty"` // cycle_end only

	// llm_call / parse_failure / depth_end
	Depth   *int `json:"depth,omitempty"` // pointer: depth 0 must be serialised
	Attempt int  `json:"attempt,omitempty"`

	// llm_call
	SystemPrompt     string `json:"system_prompt,omitempty"`
	UserPrompt       string `json:"user_prompt,omitempty"`
	Response         string `json:"response,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	LLMElapsedMs     int64  `json:"llm_elapsed_ms,omitempty"`

	// parse_failure
	Error string `json:"error,omitempty"`

	// depth_end
	Added int `json:"added,omitempty"`

	// plan_saved
	PlanID    string `json:"plan_id,omitempty"`
	TaskCount int    `json:"task_count,omitempty"`
}

// CycleStats aggregates the cost of one reflection cycle.
//
// Expectations:
//   - Calls equals the number of LLMCall invocations
//   - Failures equals the number of ParseFailure invocations
//   - AddedByDepth[d] is the value passed to the last DepthEnd for depth d
type CycleStats struct {
	Calls            int         `json:"calls"`
	Failures         int         `json:"failures"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	LLMElapsedMs     int64       `json:"llm_elapsed_ms"`
	AddedByDepth     map[int]int `json:"added_by_depth,omitempty"`
}

// CycleLog is a handle for writing structured events for one reflection cycle.
//
// Expectations:
//   - All methods are nil-safe (no-op when called on nil *CycleLog)
//   - Concurrent writes are safe (mutex-protected)
//   - TotalTokens returns the running sum of prompt+completion tokens across all LLMCall events
type CycleLog struct {
	cycleID string
	started time.Time
	mu      sync.Mutex
	f       *os.File
	stats   CycleStats
}

// Registry maps cycle IDs to open CycleLogs.
// It is the sole authority for creating and closing cycle log files.
//
// Expectations:
//   - Open creates the log directory if absent
//   - Open writes a cycle_begin event as the first JSONL line
//   - Open returns the existing log without re-opening when called twice for the same cycleID
//   - Get returns nil for unknown cycle IDs
//   - Close writes cycle_end with status, elapsed_ms, total_tokens before flushing
//   - Close removes the cycleID from the registry so subsequent Get returns nil
//   - Close no-ops gracefully when cycleID is not registered
type Registry struct {
	dir  string
	mu   sync.Mutex
	logs map[string]*CycleLog
}

// NewRegistry creates a Registry that writes one JSONL file per cycle under dir.
// An empty dir disables logging: Open returns nil.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:  dir,
		logs: make(map[string]*CycleLog),
	}
}

// Open creates a new CycleLog for cycleID, writes a cycle_begin event, and registers it.
func (r *Registry) Open(cycleID, agentID, operationID string) *CycleLog {
	if r == nil || r.dir == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if cl, ok := r.logs[cycleID]; ok {
		return cl
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		slog.Error("[TASKLOG] could not create dir", "dir", r.dir, "error", err)
		return nil
	}
	path := filepath.Join(r.dir, cycleID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("[TASKLOG] could not open log file", "path", path, "error", err)
		return nil
	}

	cl := &CycleLog{cycleID: cycleID, started: time.Now(), f: f}
	r.logs[cycleID] = cl
	cl.write(Event{
		Kind:        KindCycleBegin,
		CycleID:     cycleID,
		AgentID:     agentID,
		OperationID: operationID,
	})
	return cl
}

// Get returns the CycleLog for cycleID, or nil if not found.
func (r *Registry) Get(cycleID string) *CycleLog {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[cycleID]
}

// Close writes a cycle_end event, flushes and closes the file, and removes the
// entry from the registry. Safe to call on a nil *Registry or unknown cycleID.
func (r *Registry) Close(cycleID, status string) *CycleStats {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	cl, ok := r.logs[cycleID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.logs, cycleID)
	r.mu.Unlock()

	stats := cl.Stats()
	cl.write(Event{
		Kind:        KindCycleEnd,
		CycleID:     cycleID,
		Status:      status,
		ElapsedMs:   time.Since(cl.started).Milliseconds(),
		TotalTokens: stats.PromptTokens + stats.CompletionTokens,
		Attempts:    stats.Calls,
	})

	cl.mu.Lock()
	if cl.f != nil {
		_ = cl.f.Close()
		cl.f = nil
	}
	cl.mu.Unlock()
	return stats
}

// LLMCall writes an llm_call event with full prompts, response, token counts and
// the wall-clock ms of the HTTP call. attempt is 1-indexed within the depth round.
func (cl *CycleLog) LLMCall(depth, attempt int, systemPrompt, userPrompt, response string, promptToks, completionToks int, elapsedMs int64) {
	if cl == nil {
		return
	}
	cl.mu.Lock()
	cl.stats.Calls++
	cl.stats.PromptTokens += promptToks
	cl.stats.CompletionTokens += completionToks
	cl.stats.LLMElapsedMs += elapsedMs
	cl.mu.Unlock()
	cl.write(Event{
		Kind:             KindLLMCall,
		Depth:            &depth,
		Attempt:          attempt,
		SystemPrompt:     systemPrompt,
		UserPrompt:       userPrompt,
		Response:         response,
		PromptTokens:     promptToks,
		CompletionTokens: completionToks,
		LLMElapsedMs:     elapsedMs,
	})
}

// ParseFailure writes a parse_failure event for a rejected model output.
func (cl *CycleLog) ParseFailure(depth, attempt int, err error) {
	if cl == nil {
		return
	}
	cl.mu.Lock()
	cl.stats.Failures++
	cl.mu.Unlock()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	cl.write(Event{Kind: KindParseFailure, Depth: &depth, Attempt: attempt, Error: msg})
}

// DepthEnd writes a depth_end event with the number of tasks the round added.
func (cl *CycleLog) DepthEnd(depth, added int) {
	if cl == nil {
		return
	}
	cl.mu.Lock()
	if cl.stats.AddedByDepth == nil {
		cl.stats.AddedByDepth = make(map[int]int)
	}
	cl.stats.AddedByDepth[depth] = added
	cl.mu.Unlock()
	cl.write(Event{Kind: KindDepthEnd, Depth: &depth, Added: added})
}

// PlanSaved writes a plan_saved event.
func (cl *CycleLog) PlanSaved(planID string, taskCount int) {
	if cl == nil {
		return
	}
	cl.write(Event{Kind: KindPlanSaved, PlanID: planID, TaskCount: taskCount})
}

// Stats returns a snapshot of the cycle's accumulated cost.
//
// Expectations:
//   - Returns nil on nil receiver
//   - The returned AddedByDepth map is a copy
func (cl *CycleLog) Stats() *CycleStats {
	if cl == nil {
		return nil
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	s := cl.stats
	if cl.stats.AddedByDepth != nil {
		s.AddedByDepth = make(map[int]int, len(cl.stats.AddedByDepth))
		for d, n := range cl.stats.AddedByDepth {
			s.AddedByDepth[d] = n
		}
	}
	return &s
}

// TotalTokens returns the total token count accumulated so far.
//
// Expectations:
//   - Returns 0 on nil receiver
//   - Returns sum of prompt and completion tokens from all LLMCall events
func (cl *CycleLog) TotalTokens() int {
	if cl == nil {
		return 0
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.stats.PromptTokens + cl.stats.CompletionTokens
}

// write appends one JSON line to the cycle log file. Adds timestamp, mutex-protected.
func (cl *CycleLog) write(e Event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("[TASKLOG] marshal event", "error", err)
		return
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.f == nil {
		return
	}
	if _, err = fmt.Fprintf(cl.f, "%s\n", data); err != nil {
		slog.Error("[TASKLOG] write event", "error", err)
	}
}
