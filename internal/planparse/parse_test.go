package planparse

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haricheung/agent-town/internal/tasktree"
	"github.com/haricheung/agent-town/internal/types"
)

func ids(ts []types.Task) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.TaskID)
	}
	return out
}

func ptr(v int64) *int64 { return &v }

// --- RepairJSON ---

func TestRepairJSON_ValidInputUnchanged(t *testing.T) {
	// strict JSON passes through untouched (single-line input, no whitespace runs)
	in := `[{"description": "a", "subtasks": [{"description": "b"}]}]`
	assert.Equal(t, in, RepairJSON(in))
}

func TestRepairJSON_Idempotent(t *testing.T) {
	inputs := []string{
		`[{"description": "a"}]`,
		"{description: 'x', status: 'TODO',}",
		"[\n  // note\n  {description: \"see https://nard.ai/a\", subtasks: [{description: 'b'},],},\n]",
	}
	for _, in := range inputs {
		once := RepairJSON(in)
		assert.Equal(t, once, RepairJSON(once), in)
	}
}

func TestRepairJSON_CommentsURLsAndApostrophes(t *testing.T) {
	// comments go, // inside strings stays, apostrophes in double-quoted text survive
	in := `[
  // first root
  {description: 'Check https://nard.ai/deals', status: 'TODO', /* note */ subtasks: [{description: "Kichi's review",},],},
]`
	out := RepairJSON(in)
	var items []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &items), out)
	require.Len(t, items, 1)
	assert.Equal(t, "Check https://nard.ai/deals", items[0]["description"])
	subs := items[0]["subtasks"].([]any)
	assert.Equal(t, "Kichi's review", subs[0].(map[string]any)["description"])
}

func TestRepairJSON_SingleQuotedValueEscapesQuotes(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
	}{
		"double quotes":      {`{"description": 'say "hi"'}`, `say "hi"`},
		"escaped apostrophe": {`[{description: 'Meet O\'Brien', status: 'TODO'}]`, "Meet O'Brien"},
		"backslash":          {`{"description": 'C:\deals'}`, `C:\deals`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			out := RepairJSON(tc.in)
			var items []map[string]any
			require.NoError(t, json.Unmarshal([]byte(out), &items), out)
			assert.Equal(t, tc.want, items[0]["description"])
			assert.Equal(t, out, RepairJSON(out))
		})
	}
}

func TestRepairJSON_WrapsBareObjects(t *testing.T) {
	out := RepairJSON(`{"description": "a"}, {"description": "b"}`)
	assert.Equal(t, `[{"description": "a"}, {"description": "b"}]`, out)
}

func TestRepairJSON_DoesNotBalanceBrackets(t *testing.T) {
	out := RepairJSON(`[{"description": "a"}`)
	assert.Equal(t, `[{"description": "a"}`, out)
}

// --- ParseJSON ---

func TestParseJSON_ScenarioIDs(t *testing.T) {
	// three roots, the first with one child and the second with two
	raw := `<generatedTasks>[
  {"description": "Automate deal monitoring", "subtasks": [{"description": "Find an IT contact"}]},
  {"description": "Close the Lyon deal", "subtasks": [
    {"description": "Call the sponsor"},
    {"description": "Draft the term sheet"}
  ]},
  {"description": "Prepare the board deck"}
]</generatedTasks>`
	tasks, err := ParseJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "0.1", "1", "1.1", "1.2", "2"}, ids(tasks))
	for _, tk := range tasks {
		assert.Equal(t, tasktree.Depth(tk.TaskID), tk.Depth, tk.TaskID)
		assert.Equal(t, tasktree.ParentID(tk.TaskID), tk.ParentTaskID, tk.TaskID)
		assert.Equal(t, types.StatusTODO, tk.Status)
	}
	assert.Equal(t, 2, tasks[4].NthChild)
	require.NoError(t, tasktree.Validate(tasks))
}

func TestParseJSON_FencedInsideWrapper(t *testing.T) {
	raw := "<generatedTasks>\n```json\n[{\"description\": \"a\"}]\n```\n</generatedTasks>"
	tasks, err := ParseJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, ids(tasks))
}

func TestParseJSON_DroppedNodeClosesTheGap(t *testing.T) {
	// a description-less node disappears with its subtree; later siblings move up
	raw := `[
  {"description": "", "subtasks": [{"description": "hidden"}]},
  {"description": "b", "subtasks": [{"status": "TODO"}, {"description": "c"}]}
]`
	tasks, err := ParseJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "0.1"}, ids(tasks))
	assert.Equal(t, 1, tasks[1].NthChild)
	require.NoError(t, tasktree.Validate(tasks))
}

func TestParseJSON_EchoedIDs(t *testing.T) {
	raw := `[
  {"taskId": "1", "description": "b"},
  {"description": "new root"},
  {"id": "0", "description": "a", "subtasks": [
    {"taskId": "0.3", "description": "kept"},
    {"taskId": "7.1", "description": "wrong parent"},
    {"taskId": "0.3", "description": "duplicate"},
    {"taskId": "0.01", "description": "not canonical"}
  ]}
]`
	tasks, err := ParseJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "0", "0.3", "0.1", "0.2", "0.4"}, ids(tasks))
	assert.Equal(t, "kept", tasks[3].Description)
	assert.Equal(t, "wrong parent", tasks[4].Description)
	assert.Equal(t, 3, tasks[3].NthChild)
}

func TestParseJSON_Coercions(t *testing.T) {
	raw := `[{
  description: " Ship it ",
  status: "Done",
  requiredTeams: "IT team",
  requiredAgents: ["Lucky", " ", "Kichi"],
  startTime: 1714644000,
  finishBefore: "2024-05-02T10:00:00Z",
  subtasks: {description: "only child", status: "completed", startTime: "1714644000000", finishBefore: "not a date"}
}]`
	tasks, err := ParseJSON(raw)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	root := tasks[0]
	assert.Equal(t, "Ship it", root.Description)
	assert.Equal(t, types.StatusTODO, root.Status, "unknown status coerces to TODO")
	assert.Equal(t, []string{"IT team"}, root.RequiredTeams)
	assert.Equal(t, []string{"Lucky", "Kichi"}, root.RequiredAgents)
	assert.Equal(t, ptr(1714644000), root.StartTime)
	assert.Equal(t, ptr(1714644000), root.FinishBefore)

	child := tasks[1]
	assert.Equal(t, "0.1", child.TaskID)
	assert.Equal(t, types.StatusCompleted, child.Status)
	assert.Equal(t, ptr(1714644000), child.StartTime, "millisecond timestamps are scaled")
	assert.Nil(t, child.FinishBefore, "unparseable dates are dropped")
}

func TestParseJSON_StatusIsCaseSensitive(t *testing.T) {
	tasks, err := ParseJSON(`[{"description": "a", "status": "InProgress"}, {"description": "b", "status": "inProgress"}]`)
	require.NoError(t, err)
	assert.Equal(t, types.StatusTODO, tasks[0].Status)
	assert.Equal(t, types.StatusInProgress, tasks[1].Status)
}

func TestParseJSON_Errors(t *testing.T) {
	_, err := ParseJSON(`[{"description": "a"}`)
	assert.ErrorIs(t, err, ErrUnparseable, "missing closing bracket is not repaired")

	_, err = ParseJSON(`I could not think of any tasks.`)
	assert.ErrorIs(t, err, ErrUnparseable)

	_, err = ParseJSON(`[]`)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = ParseJSON(`[{"subtasks": [{"description": "x"}]}]`)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestParseJSON_RoundTripsMarshalJSON(t *testing.T) {
	want := canonicalSample()
	data, err := tasktree.MarshalJSON(want)
	require.NoError(t, err)
	got, err := ParseJSON(string(data))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// --- ParseXML ---

func canonicalSample() []types.Task {
	mk := func(id, desc string, nth int) types.Task {
		return types.Task{
			TaskID:       id,
			Description:  desc,
			Depth:        tasktree.Depth(id),
			ParentTaskID: tasktree.ParentID(id),
			NthChild:     nth,
			Status:       types.StatusTODO,
		}
	}
	tasks := []types.Task{
		mk("0", `Review "Q3" <risk> & return`, 0),
		mk("0.1", "Ask Lucky", 1),
		mk("1", "Close the Lyon deal", 1),
		mk("1.1", "Call the sponsor", 1),
		mk("1.2", "Draft term sheet", 2),
	}
	tasks[0].StartTime = ptr(1714644000)
	tasks[0].FinishBefore = ptr(1714730400)
	tasks[0].RequiredTeams = []string{"IT team"}
	tasks[0].KeyTakeaways = "risk desk is short staffed"
	tasks[1].RequiredAgents = []string{"Lucky"}
	tasks[2].Status = types.StatusInProgress
	return tasks
}

func TestParseXML_RoundTripsMarshalXML(t *testing.T) {
	want := canonicalSample()
	got, err := ParseXML(tasktree.MarshalXML(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseXML_KeepsSparseIDs(t *testing.T) {
	// a plan with a gap (an older snapshot) round-trips through both formats
	want := []types.Task{
		{TaskID: "0", Description: "Close the Lyon deal", Status: types.StatusTODO},
		{TaskID: "0.2", Description: "Draft term sheet", Depth: 1, ParentTaskID: "0", NthChild: 2, Status: types.StatusTODO},
	}
	got, err := ParseXML(tasktree.MarshalXML(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	data, err := tasktree.MarshalJSON(want)
	require.NoError(t, err)
	got, err = ParseJSON(string(data))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseXML_NestedListsSurviveStopSequence(t *testing.T) {
	// the completion is cut at the first </tasks>; only the outer list may use it
	full := tasktree.MarshalXML(canonicalSample())
	cut := full[:strings.Index(full, "</tasks>")]
	got, err := ParseXML(strings.TrimPrefix(cut, "<tasks>"))
	require.NoError(t, err)
	assert.Equal(t, canonicalSample(), got)
}

func TestParseXML_LegacyNestedTasks(t *testing.T) {
	raw := `<tasks><task><description>a</description>
  <tasks><task><description>b</description></task></tasks>
</task></tasks>`
	tasks, err := ParseXML(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "0.1"}, ids(tasks))
}

func TestParseXML_MissingWrapperHalves(t *testing.T) {
	// the prompt prefills <tasks> and stops on </tasks>, so either may be absent
	cases := map[string]string{
		"no opening": `<task><description>a</description></task></tasks>`,
		"no closing": `<tasks><task><description>a</description></task>`,
		"neither":    `<task><description>a</description></task>`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			tasks, err := ParseXML(raw)
			require.NoError(t, err)
			assert.Equal(t, []string{"0"}, ids(tasks))
		})
	}
}

func TestParseXML_DescriptionFallbacks(t *testing.T) {
	raw := `<tasks>
  <task description="from attr"/>
  <task name="from name"></task>
  <task>from text</task>
  <task><status>TODO</status></task>
</tasks>`
	tasks, err := ParseXML(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2"}, ids(tasks))
	assert.Equal(t, "from attr", tasks[0].Description)
	assert.Equal(t, "from name", tasks[1].Description)
	assert.Equal(t, "from text", tasks[2].Description)
}

func TestParseXML_Errors(t *testing.T) {
	_, err := ParseXML(`<tasks><task><description>a</description></task><`)
	assert.ErrorIs(t, err, ErrUnparseable)

	_, err = ParseXML(`<tasks></tasks>`)
	assert.ErrorIs(t, err, ErrEmpty)
}

// --- New / fallback ---

func TestNew_FallbackAcceptsOtherFormat(t *testing.T) {
	xmlOut := `<tasks><task><description>a</description></task></tasks>`

	_, err := New(FormatJSON, false).Parse(xmlOut)
	assert.ErrorIs(t, err, ErrUnparseable)

	p := New(FormatJSON, true)
	assert.Equal(t, FormatJSON, p.Format())
	tasks, err := p.Parse(xmlOut)
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, ids(tasks))
}

func TestNew_FallbackReportsPrimaryError(t *testing.T) {
	_, err := New(FormatXML, true).Parse(`[]`)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" XML ")
	require.NoError(t, err)
	assert.Equal(t, FormatXML, f)
	assert.Equal(t, FormatJSON, f.Other())
	_, err = ParseFormat("yaml")
	assert.Error(t, err)
}
