// Package tasktree derives a plan's task forest from dot-path task ids.
//
// No parent pointers are stored: "0.2.1" is the child of "0.2" because its id
// minus the last segment is "0.2". Everything here works on flat, unordered
// task slices and is safe to call on any collection loaded from storage.
package tasktree

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/haricheung/agent-town/internal/types"
)

var (
	// ErrInvalid reports a task whose fields disagree with its id.
	ErrInvalid = errors.New("tasktree: invalid task")
	// ErrOrphan reports a task whose computed parent is missing from the batch.
	ErrOrphan = errors.New("tasktree: orphaned task")
)

// Segments splits a task id on ".".
func Segments(id string) []string {
	if id == "" {
		return nil
	}
	return strings.Split(id, ".")
}

// Depth returns segment count minus one; -1 for the empty id.
func Depth(id string) int {
	return len(Segments(id)) - 1
}

// ParentID returns id with its last segment removed; "" for roots.
func ParentID(id string) string {
	i := strings.LastIndex(id, ".")
	if i < 0 {
		return ""
	}
	return id[:i]
}

// ChildID returns the id of the index-th child of parentID. An empty parent
// yields a root id.
func ChildID(parentID string, index int) string {
	if parentID == "" {
		return strconv.Itoa(index)
	}
	return parentID + "." + strconv.Itoa(index)
}

// Forest is an index over a flat task collection.
type Forest struct {
	byID     map[string]types.Task
	children map[string][]string // parent id → child ids, "" holds roots
}

// New indexes tasks. Order of the input does not matter. A task whose
// computed parent is absent is listed among the roots.
func New(tasks []types.Task) *Forest {
	f := &Forest{
		byID:     make(map[string]types.Task, len(tasks)),
		children: make(map[string][]string),
	}
	for _, t := range tasks {
		f.byID[t.TaskID] = t
	}
	for _, t := range tasks {
		p := ParentID(t.TaskID)
		if _, ok := f.byID[p]; !ok {
			p = ""
		}
		f.children[p] = append(f.children[p], t.TaskID)
	}
	for p := range f.children {
		f.sortIDs(f.children[p])
	}
	return f
}

func (f *Forest) sortIDs(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := f.byID[ids[i]], f.byID[ids[j]]
		if a.NthChild != b.NthChild {
			return a.NthChild < b.NthChild
		}
		return lessID(a.TaskID, b.TaskID)
	})
}

// lessID orders ids segment by segment, numerically where both segments are numbers.
func lessID(a, b string) bool {
	as, bs := Segments(a), Segments(b)
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] == bs[i] {
			continue
		}
		ai, aerr := strconv.Atoi(as[i])
		bi, berr := strconv.Atoi(bs[i])
		if aerr == nil && berr == nil {
			return ai < bi
		}
		return as[i] < bs[i]
	}
	return len(as) < len(bs)
}

// Len returns the number of tasks.
func (f *Forest) Len() int { return len(f.byID) }

// Get returns the task with id.
func (f *Forest) Get(id string) (types.Task, bool) {
	t, ok := f.byID[id]
	return t, ok
}

// Roots returns depth-0 tasks plus any task whose parent is missing.
func (f *Forest) Roots() []types.Task {
	return f.collect(f.children[""])
}

// Children returns the direct children of id in sibling order.
func (f *Forest) Children(id string) []types.Task {
	if id == "" {
		return nil
	}
	return f.collect(f.children[id])
}

func (f *Forest) collect(ids []string) []types.Task {
	out := make([]types.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, f.byID[id])
	}
	return out
}

// Walk visits every task depth-first in sibling order, roots first.
func (f *Forest) Walk(fn func(t types.Task)) {
	var visit func(ids []string)
	visit = func(ids []string) {
		for _, id := range ids {
			fn(f.byID[id])
			visit(f.children[id])
		}
	}
	visit(f.children[""])
}

// Ordered returns all tasks in Walk order.
func (f *Forest) Ordered() []types.Task {
	out := make([]types.Task, 0, len(f.byID))
	f.Walk(func(t types.Task) { out = append(out, t) })
	return out
}

// Chain returns the ancestors of id from root to the task itself. The walk
// stops at the first missing ancestor.
func (f *Forest) Chain(id string) []types.Task {
	var rev []types.Task
	for cur := id; cur != ""; cur = ParentID(cur) {
		t, ok := f.byID[cur]
		if !ok {
			break
		}
		rev = append(rev, t)
	}
	out := make([]types.Task, len(rev))
	for i, t := range rev {
		out[len(rev)-1-i] = t
	}
	return out
}

// ContextText concatenates the descriptions along Chain(id), root first.
//
// Expectations:
//   - Returns "" for an unknown id
//   - Root description comes first, the task's own description last
//   - Descriptions are separated by " > "
func (f *Forest) ContextText(id string) string {
	chain := f.Chain(id)
	parts := make([]string, 0, len(chain))
	for _, t := range chain {
		parts = append(parts, strings.TrimSpace(t.Description))
	}
	return strings.Join(parts, " > ")
}

// MaxDepth returns the deepest depth present, or -1 for an empty forest.
func (f *Forest) MaxDepth() int {
	max := -1
	for _, t := range f.byID {
		if t.Depth > max {
			max = t.Depth
		}
	}
	return max
}

// OpenLeaves returns childless, not-completed tasks at the deepest depth
// present, in Walk order. These are the tasks whose context drives memory
// recall before the next depth is generated.
func (f *Forest) OpenLeaves() []types.Task {
	deepest := f.MaxDepth()
	var out []types.Task
	f.Walk(func(t types.Task) {
		if t.Depth == deepest && len(f.children[t.TaskID]) == 0 && t.Status != types.StatusCompleted {
			out = append(out, t)
		}
	})
	return out
}

// Validate checks a batch before it is persisted: ids agree with depth,
// parent and sibling index; descriptions are non-empty; statuses are legal;
// ids and sibling indices are unique; every computed parent exists in the
// batch. A batch that passes has no orphaned subtrees.
func Validate(tasks []types.Task) error {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.TaskID == "" {
			return fmt.Errorf("%w: empty task id", ErrInvalid)
		}
		if seen[t.TaskID] {
			return fmt.Errorf("%w: duplicate task id %q", ErrInvalid, t.TaskID)
		}
		seen[t.TaskID] = true
	}

	siblings := make(map[string]map[int]bool)
	for _, t := range tasks {
		segs := Segments(t.TaskID)
		for _, s := range segs {
			if _, err := strconv.Atoi(s); err != nil {
				return fmt.Errorf("%w: task id %q has non-numeric segment %q", ErrInvalid, t.TaskID, s)
			}
		}
		if t.Depth != len(segs)-1 {
			return fmt.Errorf("%w: task %q depth %d, want %d", ErrInvalid, t.TaskID, t.Depth, len(segs)-1)
		}
		if t.ParentTaskID != ParentID(t.TaskID) {
			return fmt.Errorf("%w: task %q parent %q, want %q", ErrInvalid, t.TaskID, t.ParentTaskID, ParentID(t.TaskID))
		}
		if strings.TrimSpace(t.Description) == "" {
			return fmt.Errorf("%w: task %q has no description", ErrInvalid, t.TaskID)
		}
		if !t.Status.Valid() {
			return fmt.Errorf("%w: task %q status %q", ErrInvalid, t.TaskID, t.Status)
		}
		if t.ParentTaskID != "" && !seen[t.ParentTaskID] {
			return fmt.Errorf("%w: task %q parent %q not in batch", ErrOrphan, t.TaskID, t.ParentTaskID)
		}
		if siblings[t.ParentTaskID] == nil {
			siblings[t.ParentTaskID] = make(map[int]bool)
		}
		if siblings[t.ParentTaskID][t.NthChild] {
			return fmt.Errorf("%w: task %q repeats sibling index %d", ErrInvalid, t.TaskID, t.NthChild)
		}
		siblings[t.ParentTaskID][t.NthChild] = true
	}
	return nil
}
