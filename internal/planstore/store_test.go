package planstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haricheung/agent-town/internal/tasktree"
	"github.com/haricheung/agent-town/internal/types"
)

func task(id, desc string, nth int) types.Task {
	return types.Task{
		TaskID:       id,
		Description:  desc,
		Depth:        tasktree.Depth(id),
		ParentTaskID: tasktree.ParentID(id),
		NthChild:     nth,
		Status:       types.StatusTODO,
	}
}

func samplePlan(id, op string, created int64) types.Plan {
	start := int64(1714644000)
	tasks := []types.Task{
		task("1.2", "Draft term sheet", 2),
		task("0", "Automate monitoring", 0),
		task("0.1", "Find IT contact", 1),
		task("1", "Close the Lyon deal", 1),
		task("1.1", "Call the sponsor", 1),
		task("2", "Prepare board deck", 2),
	}
	tasks[1].StartTime = &start
	tasks[1].RequiredTeams = []string{"IT team"}
	tasks[4].RequiredAgents = []string{"Lucky", "Kichi"}
	tasks[3].Status = types.StatusInProgress
	tasks[3].KeyTakeaways = "sponsor wants a lower fee"
	return types.Plan{ID: id, WorldID: "w1", AgentID: "kichi", OperationID: op, Created: created, Tasks: tasks}
}

func ids(ts []types.Task) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.TaskID)
	}
	return out
}

// stores runs fn against every Store implementation.
func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("mem", func(t *testing.T) {
		fn(t, NewMemStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "plans.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func TestSavePlan_RoundTrip(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SavePlan(ctx, samplePlan("p1", "op1", 1000)))

		p, err := s.Plan(ctx, "w1", "p1")
		require.NoError(t, err)
		assert.Equal(t, "kichi", p.AgentID)
		assert.Equal(t, "op1", p.OperationID)
		assert.Equal(t, int64(1000), p.Created)
		assert.Equal(t, []string{"0", "0.1", "1", "1.1", "1.2", "2"}, ids(p.Tasks))

		byID := map[string]types.Task{}
		for _, tk := range p.Tasks {
			assert.Equal(t, "p1", tk.PlanID)
			byID[tk.TaskID] = tk
		}
		require.NotNil(t, byID["0"].StartTime)
		assert.Equal(t, int64(1714644000), *byID["0"].StartTime)
		assert.Nil(t, byID["0"].FinishBefore)
		assert.Equal(t, []string{"IT team"}, byID["0"].RequiredTeams)
		assert.Nil(t, byID["0"].RequiredAgents)
		assert.Equal(t, []string{"Lucky", "Kichi"}, byID["1.1"].RequiredAgents)
		assert.Equal(t, types.StatusInProgress, byID["1"].Status)
		assert.Equal(t, "sponsor wants a lower fee", byID["1"].KeyTakeaways)

		tasks, err := s.Tasks(ctx, "w1", "p1")
		require.NoError(t, err)
		assert.Equal(t, ids(p.Tasks), ids(tasks))
	})
}

func TestSavePlan_RejectsOrphans(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := types.Plan{ID: "p1", WorldID: "w1", AgentID: "kichi", Tasks: []types.Task{
			task("0", "root", 0), task("3.1", "lost", 1),
		}}
		assert.ErrorIs(t, s.SavePlan(ctx, p), tasktree.ErrOrphan)

		_, err := s.Plan(ctx, "w1", "p1")
		assert.ErrorIs(t, err, ErrNotFound, "nothing is written when validation fails")
	})
}

func TestSavePlan_DuplicateOperationIsNoOp(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SavePlan(ctx, samplePlan("p1", "op1", 1000)))
		assert.ErrorIs(t, s.SavePlan(ctx, samplePlan("p2", "op1", 2000)), ErrDuplicateOperation)

		_, err := s.Plan(ctx, "w1", "p2")
		assert.ErrorIs(t, err, ErrNotFound)
		latest, err := s.LatestPlan(ctx, "w1", "kichi")
		require.NoError(t, err)
		assert.Equal(t, "p1", latest.ID)

		// plans without an operation id never collide
		require.NoError(t, s.SavePlan(ctx, samplePlan("p3", "", 3000)))
		require.NoError(t, s.SavePlan(ctx, samplePlan("p4", "", 3000)))
	})
}

func TestSavePlan_RequiresIdentity(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		p := samplePlan("", "op1", 1)
		assert.Error(t, s.SavePlan(context.Background(), p))
	})
}

func TestChildren(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SavePlan(ctx, samplePlan("p1", "op1", 1000)))

		roots, err := s.Children(ctx, "w1", "p1", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"0", "1", "2"}, ids(roots))

		kids, err := s.Children(ctx, "w1", "p1", "1")
		require.NoError(t, err)
		assert.Equal(t, []string{"1.1", "1.2"}, ids(kids))

		none, err := s.Children(ctx, "w1", "p1", "2")
		require.NoError(t, err)
		assert.Empty(t, none)

		_, err = s.Children(ctx, "w1", "missing", "")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestLatestPlan(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.LatestPlan(ctx, "w1", "kichi")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SavePlan(ctx, samplePlan("old", "op1", 1000)))
		require.NoError(t, s.SavePlan(ctx, samplePlan("new", "op2", 2000)))
		other := samplePlan("lucky-plan", "op3", 3000)
		other.AgentID = "lucky"
		require.NoError(t, s.SavePlan(ctx, other))

		p, err := s.LatestPlan(ctx, "w1", "kichi")
		require.NoError(t, err)
		assert.Equal(t, "new", p.ID)
		assert.Len(t, p.Tasks, 6)

		_, err = s.LatestPlan(ctx, "w2", "kichi")
		assert.ErrorIs(t, err, ErrNotFound, "worlds are isolated")
	})
}

func TestSavePlan_SnapshotIsImmutable(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := samplePlan("p1", "op1", 1000)
		require.NoError(t, s.SavePlan(ctx, p))
		p.Tasks[0].Description = "mutated after save"
		p.Tasks[1].RequiredTeams[0] = "mutated"

		got, err := s.Plan(ctx, "w1", "p1")
		require.NoError(t, err)
		for _, tk := range got.Tasks {
			assert.NotEqual(t, "mutated after save", tk.Description)
			for _, team := range tk.RequiredTeams {
				assert.NotEqual(t, "mutated", team)
			}
		}
	})
}
