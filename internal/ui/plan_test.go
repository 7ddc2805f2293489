package ui

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/agent-town/internal/types"
)

func samplePlan() types.Plan {
	return types.Plan{
		ID:      "p1",
		AgentID: "kichi",
		Created: 1_700_000_000_000,
		Tasks: []types.Task{
			{TaskID: "1", Description: "Hire an analyst", Status: types.StatusTODO, RequiredTeams: []string{"investment team"}},
			{TaskID: "0", Description: "Close the Lyon deal", Status: types.StatusInProgress, KeyTakeaways: "Lucky is on board"},
			{TaskID: "0.2", Description: "Negotiate the facility", Status: types.StatusTODO},
			{TaskID: "0.1", Description: "Review the memo", Status: types.StatusCompleted},
		},
	}
}

// --- RenderPlan ---

func TestRenderPlan_TreeOrder(t *testing.T) {
	// roots first in id order, children nested under their parent
	var buf bytes.Buffer
	if err := RenderPlan(&buf, samplePlan(), PlanOptions{}); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	want := []string{
		"plan p1  kichi · 4 tasks · 2023-11-14T22:13:20Z",
		"├─ ◐ 0 Close the Lyon deal",
		"│    ↳ Lucky is on board",
		"│  ├─ ● 0.1 Review the memo",
		"│  └─ ○ 0.2 Negotiate the facility",
		"└─ ○ 1 Hire an analyst [investment team]",
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d:\n%s", len(want), len(lines), buf.String())
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
}

func TestRenderPlan_WidthTruncates(t *testing.T) {
	// with Width set no line is wider than Width cells
	var buf bytes.Buffer
	if err := RenderPlan(&buf, samplePlan(), PlanOptions{Width: 20}); err != nil {
		t.Fatal(err)
	}
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")[1:] {
		if w := runewidth.StringWidth(line); w > 20 {
			t.Errorf("line %q is %d cells wide", line, w)
		}
	}
}

func TestRenderPlan_Color(t *testing.T) {
	// Color wraps completed tasks in green
	var buf bytes.Buffer
	if err := RenderPlan(&buf, samplePlan(), PlanOptions{Color: true}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), ansiGreen+"● 0.1 Review the memo"+ansiReset) {
		t.Errorf("expected green completed task:\n%q", buf.String())
	}
}

func TestRenderPlan_Empty(t *testing.T) {
	// a plan with no tasks still prints its header
	var buf bytes.Buffer
	if err := RenderPlan(&buf, types.Plan{ID: "p0"}, PlanOptions{}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "(empty)") {
		t.Errorf("expected empty marker, got %q", buf.String())
	}
}
