package tasktree

import (
	"encoding/json"
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"github.com/haricheung/agent-town/internal/types"
)

// TimeLayout is how timestamps appear in the tagged-tree rendering.
const TimeLayout = time.RFC3339

// MarshalXML renders tasks as an indented tagged tree:
//
//	<tasks>
//	  <task id="0" depth="0">
//	    <description>…</description>
//	    <status>TODO</status>
//	    <requiredTeams>
//	      <team>IT team</team>
//	    </requiredTeams>
//	    <subtasks>
//	      <task id="0.1" depth="1">…</task>
//	    </subtasks>
//	  </task>
//	</tasks>
//
// Text and attribute values are XML-escaped. Timestamps are rendered as UTC
// RFC 3339 dates. An empty collection renders as "".
func MarshalXML(tasks []types.Task) string {
	if len(tasks) == 0 {
		return ""
	}
	f := New(tasks)
	var sb strings.Builder
	sb.WriteString("<tasks>\n")
	for _, t := range f.Roots() {
		writeTaskXML(&sb, f, t, "  ")
	}
	sb.WriteString("</tasks>")
	return sb.String()
}

func writeTaskXML(sb *strings.Builder, f *Forest, t types.Task, indent string) {
	sb.WriteString(indent + `<task id="` + escape(t.TaskID) + `" depth="` + strconv.Itoa(t.Depth) + "\">\n")
	inner := indent + "  "
	writeElem(sb, inner, "description", t.Description)
	writeElem(sb, inner, "status", string(t.Status))
	if t.KeyTakeaways != "" {
		writeElem(sb, inner, "keyTakeaways", t.KeyTakeaways)
	}
	if t.StartTime != nil {
		writeElem(sb, inner, "startTime", time.Unix(*t.StartTime, 0).UTC().Format(TimeLayout))
	}
	if t.FinishBefore != nil {
		writeElem(sb, inner, "finishBefore", time.Unix(*t.FinishBefore, 0).UTC().Format(TimeLayout))
	}
	writeList(sb, inner, "requiredTeams", "team", t.RequiredTeams)
	writeList(sb, inner, "requiredAgents", "agent", t.RequiredAgents)
	if kids := f.Children(t.TaskID); len(kids) > 0 {
		sb.WriteString(inner + "<subtasks>\n")
		for _, c := range kids {
			writeTaskXML(sb, f, c, inner+"  ")
		}
		sb.WriteString(inner + "</subtasks>\n")
	}
	sb.WriteString(indent + "</task>\n")
}

func writeElem(sb *strings.Builder, indent, tag, text string) {
	sb.WriteString(indent + "<" + tag + ">" + escape(text) + "</" + tag + ">\n")
}

func writeList(sb *strings.Builder, indent, wrapper, tag string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString(indent + "<" + wrapper + ">\n")
	for _, it := range items {
		writeElem(sb, indent+"  ", tag, it)
	}
	sb.WriteString(indent + "</" + wrapper + ">\n")
}

func escape(s string) string {
	var sb strings.Builder
	_ = xml.EscapeText(&sb, []byte(s))
	return sb.String()
}

// jsonTask is the nested array rendering of one task.
type jsonTask struct {
	TaskID         string           `json:"taskId"`
	ParentTaskID   string           `json:"parentTaskId,omitempty"`
	Description    string           `json:"description"`
	Status         types.TaskStatus `json:"status"`
	KeyTakeaways   string           `json:"keyTakeaways,omitempty"`
	StartTime      *int64           `json:"startTime,omitempty"`
	FinishBefore   *int64           `json:"finishBefore,omitempty"`
	RequiredTeams  []string         `json:"requiredTeams,omitempty"`
	RequiredAgents []string         `json:"requiredAgents,omitempty"`
	Subtasks       []jsonTask       `json:"subtasks,omitempty"`
}

// MarshalJSON renders tasks as an indented array of nested objects with a
// "subtasks" field. An empty collection renders as "[]".
func MarshalJSON(tasks []types.Task) ([]byte, error) {
	f := New(tasks)
	var build func(ts []types.Task) []jsonTask
	build = func(ts []types.Task) []jsonTask {
		out := make([]jsonTask, 0, len(ts))
		for _, t := range ts {
			out = append(out, jsonTask{
				TaskID:         t.TaskID,
				ParentTaskID:   t.ParentTaskID,
				Description:    t.Description,
				Status:         t.Status,
				KeyTakeaways:   t.KeyTakeaways,
				StartTime:      t.StartTime,
				FinishBefore:   t.FinishBefore,
				RequiredTeams:  t.RequiredTeams,
				RequiredAgents: t.RequiredAgents,
				Subtasks:       build(f.Children(t.TaskID)),
			})
		}
		return out
	}
	return json.MarshalIndent(build(f.Roots()), "", "  ")
}
