// Package planner expands an agent's work plan one depth level at a time.
//
// Each depth round asks the model for the whole forest, keeps only the new
// tasks at exactly that depth, and merges them into the accepted set. Rounds
// run strictly in order; memory recall for the open leaves runs concurrently
// between rounds.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/haricheung/agent-town/internal/llm"
	"github.com/haricheung/agent-town/internal/metrics"
	"github.com/haricheung/agent-town/internal/planparse"
	"github.com/haricheung/agent-town/internal/tasklog"
	"github.com/haricheung/agent-town/internal/tasktree"
	"github.com/haricheung/agent-town/internal/types"
)

// ErrGenerationFailed is returned when a depth round exhausts its retries.
// No partial plan is ever returned alongside it.
var ErrGenerationFailed = errors.New("planner: generation failed")

var tracer = otel.Tracer("github.com/haricheung/agent-town/internal/roles/planner")

// Completer is the chat-completion collaborator.
type Completer interface {
	Chat(ctx context.Context, msgs []llm.Message, opts llm.Options) (string, llm.Usage, error)
}

// Recaller returns the k memories of ownerID most relevant to query.
type Recaller interface {
	Recall(ctx context.Context, ownerID, query string, k int) ([]types.Memory, error)
}

// Config bounds the expansion.
type Config struct {
	MaxDepth          int
	MaxRoots          int
	MaxRetries        int // extra attempts per depth after the first
	Format            planparse.Format
	Fallback          bool // accept the other wire format when the primary fails
	MemoriesPerTask   int
	MemoryConcurrency int
	MaxTokens         int
	Company           string
}

// DefaultConfig returns the bounds used by the town.
func DefaultConfig() Config {
	return Config{
		MaxDepth:          2,
		MaxRoots:          5,
		MaxRetries:        3,
		Format:            planparse.FormatJSON,
		MemoriesPerTask:   3,
		MemoryConcurrency: 4,
		MaxTokens:         2048,
		Company:           "Nard AI",
	}
}

// Request is everything one expansion needs to know about the agent.
type Request struct {
	Teams        []types.Team
	AgentNames   []string
	Player       types.PlayerDescription
	Agent        types.AgentDescription
	Prior        []types.Task // tasks of the previous plan, if any
	Conversation string
	OtherAgent   string
	Memories     []string // caller-provided context, folded into every round
	OwnerID      string   // memory owner; recall is skipped when empty
	Log          *tasklog.CycleLog
}

// Planner runs the depth loop.
type Planner struct {
	llm     Completer
	recall  Recaller
	parser  planparse.Parser
	cfg     Config
	metrics *metrics.Metrics
}

// New creates a Planner. recall and m may be nil.
func New(c Completer, recall Recaller, cfg Config, m *metrics.Metrics) *Planner {
	if cfg.Format == "" {
		cfg.Format = planparse.FormatJSON
	}
	if cfg.MaxRoots <= 0 {
		cfg.MaxRoots = 5
	}
	if cfg.MemoryConcurrency <= 0 {
		cfg.MemoryConcurrency = 1
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Planner{
		llm:     c,
		recall:  recall,
		parser:  planparse.New(cfg.Format, cfg.Fallback),
		cfg:     cfg,
		metrics: m,
	}
}

// Expand generates the agent's task forest, starting from req.Prior when set.
//
// Expectations:
//   - Returns tasks in depth-first order with ids, depths and parents consistent
//   - No returned task is deeper than MaxDepth
//   - Every RequiredTeams/RequiredAgents entry names a known team/agent
//   - A parent never has more than 5-d children at depth d; there are at most MaxRoots roots
//   - Returns ErrGenerationFailed (and no tasks) when any depth exhausts its retries
//   - Prior tasks are never dropped; in round d only status and keyTakeaways
//     of tasks at depth d or deeper may change
func (p *Planner) Expand(ctx context.Context, req Request) (_ []types.Task, err error) {
	ctx, span := tracer.Start(ctx, "planner.Expand", trace.WithAttributes(
		attribute.String("agent.name", req.Player.Name),
		attribute.Int("plan.prior_tasks", len(req.Prior)),
		attribute.String("plan.format", string(p.cfg.Format)),
	))
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "failure"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		p.metrics.PlanGenerations.WithLabelValues(status).Inc()
		p.metrics.PlanDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		span.End()
	}()

	teams := nameSet(teamNames(req.Teams))
	agents := nameSet(req.AgentNames)
	accepted := cloneTasks(req.Prior)
	hasPrior := len(accepted) > 0

	for d := 0; d <= p.cfg.MaxDepth; d++ {
		memCtx := req.Memories
		if d > 0 || hasPrior {
			memCtx = append(append([]string(nil), req.Memories...), p.foldMemories(ctx, req.OwnerID, accepted)...)
		}

		generated, err := p.generate(ctx, req, d, accepted, memCtx)
		if err != nil {
			return nil, err
		}
		filterEntities(generated, teams, agents)

		var added int
		accepted, added = p.merge(accepted, generated, d, hasPrior)
		p.metrics.TasksGenerated.WithLabelValues(strconv.Itoa(d)).Add(float64(added))
		req.Log.DepthEnd(d, added)
		slog.Debug("[PLANNER] depth merged", "agent", req.Player.Name, "depth", d, "added", added, "total", len(accepted))

		if !hasDepth(accepted, d) {
			break
		}
	}
	span.SetAttributes(attribute.Int("plan.tasks", len(accepted)))
	return tasktree.New(accepted).Ordered(), nil
}

// generate runs one depth round: chat, parse, and retry on failure.
func (p *Planner) generate(ctx context.Context, req Request, d int, current []types.Task, memCtx []string) (_ []types.Task, err error) {
	ctx, span := tracer.Start(ctx, "planner.depth", trace.WithAttributes(attribute.Int("plan.depth", d)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	msgs := p.buildMessages(req, d, current, memCtx, len(req.Prior) > 0)
	depth := strconv.Itoa(d)
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, usage, err := p.llm.Chat(ctx, msgs, p.chatOptions())
		p.recordUsage(usage)
		req.Log.LLMCall(d, attempt, msgs[0].Content, msgs[1].Content, raw, usage.PromptTokens, usage.CompletionTokens, usage.ElapsedMs)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			p.metrics.GenerationAttempts.WithLabelValues(depth, "llm_error").Inc()
			slog.Warn("[PLANNER] chat failed", "agent", req.Player.Name, "depth", d, "attempt", attempt, "error", err)
			continue
		}
		tasks, err := p.parser.Parse(raw)
		if err != nil {
			lastErr = err
			p.metrics.GenerationAttempts.WithLabelValues(depth, "parse_error").Inc()
			req.Log.ParseFailure(d, attempt, err)
			slog.Warn("[PLANNER] unparseable output, retrying", "agent", req.Player.Name, "depth", d, "attempt", attempt, "error", err)
			continue
		}
		p.metrics.GenerationAttempts.WithLabelValues(depth, "ok").Inc()
		span.SetAttributes(attribute.Int("plan.attempts", attempt))
		return tasks, nil
	}
	return nil, fmt.Errorf("%w: depth %d after %d attempts: %v", ErrGenerationFailed, d, p.cfg.MaxRetries+1, lastErr)
}

func (p *Planner) recordUsage(u llm.Usage) {
	model := "unknown"
	if m, ok := p.llm.(interface{ Model() string }); ok {
		model = m.Model()
	}
	if u.PromptTokens > 0 {
		p.metrics.LLMTokens.WithLabelValues(model, "prompt").Add(float64(u.PromptTokens))
	}
	if u.CompletionTokens > 0 {
		p.metrics.LLMTokens.WithLabelValues(model, "completion").Add(float64(u.CompletionTokens))
	}
}

// merge adds the new depth-d tasks of generated to accepted and returns the
// union with the number of tasks added.
//
// Expectations:
//   - Only tasks at exactly depth d whose parent is in accepted are candidates
//   - A candidate repeating an existing sibling's description is skipped
//   - An added task takes the next index after its existing siblings, so
//     sibling numbering stays contiguous
//   - Per-parent cap is 5-d counting existing children; roots are capped at MaxRoots
//   - With updatePrior, a generated task at depth d or deeper matching an
//     accepted one by id and description carries over its keyTakeaways and
//     any status that moves forward
func (p *Planner) merge(accepted, generated []types.Task, d int, updatePrior bool) ([]types.Task, int) {
	byID := make(map[string]int, len(accepted))
	kids := make(map[string][]types.Task)
	for i, t := range accepted {
		byID[t.TaskID] = i
		kids[t.ParentTaskID] = append(kids[t.ParentTaskID], t)
	}

	added := 0
	for _, g := range generated {
		if g.Depth < d {
			continue
		}
		if i, ok := byID[g.TaskID]; ok && sameDescription(accepted[i].Description, g.Description) {
			if updatePrior {
				if statusRank(g.Status) > statusRank(accepted[i].Status) {
					accepted[i].Status = g.Status
				}
				if g.KeyTakeaways != "" {
					accepted[i].KeyTakeaways = g.KeyTakeaways
				}
			}
			continue
		}
		if g.Depth != d {
			continue
		}
		if g.ParentTaskID != "" {
			if _, ok := byID[g.ParentTaskID]; !ok {
				continue
			}
		}
		siblings := kids[g.ParentTaskID]
		if hasDescription(siblings, g.Description) {
			continue
		}
		limit := childCap(d)
		if d == 0 {
			limit = p.cfg.MaxRoots
		}
		if len(siblings) >= limit {
			continue
		}
		g = renumber(g, nextIndex(siblings, d == 0))
		g.PlanID = ""
		byID[g.TaskID] = len(accepted)
		accepted = append(accepted, g)
		kids[g.ParentTaskID] = append(siblings, g)
		added++
	}
	return accepted, added
}

// foldMemories recalls memories for every open leaf of tasks and renders
// them as prompt lines. Recall failures are logged and skipped.
func (p *Planner) foldMemories(ctx context.Context, ownerID string, tasks []types.Task) []string {
	if p.recall == nil || ownerID == "" || p.cfg.MemoriesPerTask <= 0 || len(tasks) == 0 {
		return nil
	}
	forest := tasktree.New(tasks)
	leaves := forest.OpenLeaves()
	results := make([][]types.Memory, len(leaves))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MemoryConcurrency)
	for i, leaf := range leaves {
		g.Go(func() error {
			mems, err := p.recall.Recall(gctx, ownerID, forest.ContextText(leaf.TaskID), p.cfg.MemoriesPerTask)
			if err != nil {
				slog.Warn("[PLANNER] memory recall failed", "owner", ownerID, "task", leaf.TaskID, "error", err)
				return nil
			}
			results[i] = mems
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]bool)
	var out []string
	for i, mems := range results {
		for _, m := range mems {
			if seen[m.Description] {
				continue
			}
			seen[m.Description] = true
			out = append(out, fmt.Sprintf("(about task %s) %s", leaves[i].TaskID, m.Description))
		}
	}
	return out
}

// filterEntities drops team and agent names that are not in the directory.
func filterEntities(tasks []types.Task, teams, agents map[string]bool) {
	for i := range tasks {
		tasks[i].RequiredTeams = keepKnown(tasks[i].RequiredTeams, teams)
		tasks[i].RequiredAgents = keepKnown(tasks[i].RequiredAgents, agents)
	}
}

func keepKnown(names []string, known map[string]bool) []string {
	var out []string
	for _, n := range names {
		if known[n] {
			out = append(out, n)
		}
	}
	return out
}

func renumber(t types.Task, index int) types.Task {
	t.TaskID = tasktree.ChildID(t.ParentTaskID, index)
	t.NthChild = index
	return t
}

// nextIndex returns the first sibling index above every existing one.
// Roots start at 0, children at 1.
func nextIndex(siblings []types.Task, root bool) int {
	next := 1
	if root {
		next = 0
	}
	for _, s := range siblings {
		if s.NthChild >= next {
			next = s.NthChild + 1
		}
	}
	return next
}

func statusRank(s types.TaskStatus) int {
	switch s {
	case types.StatusInProgress:
		return 1
	case types.StatusCompleted:
		return 2
	}
	return 0
}

func sameDescription(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func hasDescription(tasks []types.Task, desc string) bool {
	for _, t := range tasks {
		if sameDescription(t.Description, desc) {
			return true
		}
	}
	return false
}

func hasDepth(tasks []types.Task, d int) bool {
	for _, t := range tasks {
		if t.Depth == d {
			return true
		}
	}
	return false
}

func teamNames(teams []types.Team) []string {
	out := make([]string, 0, len(teams))
	for _, t := range teams {
		out = append(out, t.Name)
	}
	return out
}

func nameSet(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func cloneTasks(ts []types.Task) []types.Task {
	out := make([]types.Task, len(ts))
	for i, t := range ts {
		t.RequiredTeams = append([]string(nil), t.RequiredTeams...)
		t.RequiredAgents = append([]string(nil), t.RequiredAgents...)
		out[i] = t
	}
	return out
}
