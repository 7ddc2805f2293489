package planparse

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/haricheung/agent-town/internal/llm"
	"github.com/haricheung/agent-town/internal/types"
)

// GeneratedTasksTag wraps the array in prompts and completions.
const GeneratedTasksTag = "generatedTasks"

type jsonParser struct{}

func (jsonParser) Format() Format { return FormatJSON }

func (jsonParser) Parse(raw string) ([]types.Task, error) { return ParseJSON(raw) }

// ParseJSON repairs and parses a relaxed-JSON task array.
//
// Expectations:
//   - Accepts output wrapped in <generatedTasks>, code fences or think blocks
//   - "subtasks" may be an array or a single object
//   - An echoed "taskId" is kept when it fits its place in the tree
//   - requiredTeams / requiredAgents may be a string or a list
//   - Returns ErrUnparseable when the repaired text is not strict JSON
//   - Returns ErrEmpty when no element carries a description
func ParseJSON(raw string) ([]types.Task, error) {
	s := llm.StripFences(stripWrapper(llm.StripThinkBlocks(raw), GeneratedTasksTag))
	repaired := RepairJSON(s)

	var items []any
	if err := json.Unmarshal([]byte(repaired), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	tasks := canonicalize(nodesFromJSON(items))
	if len(tasks) == 0 {
		return nil, ErrEmpty
	}
	return tasks, nil
}

func nodesFromJSON(items []any) []node {
	out := make([]node, 0, len(items))
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			out = append(out, node{})
			continue
		}
		id, ok := obj["taskId"]
		if !ok {
			id = obj["id"]
		}
		n := node{
			ID:           jsonString(id),
			Description:  jsonString(obj["description"]),
			Status:       jsonString(obj["status"]),
			KeyTakeaways: jsonString(obj["keyTakeaways"]),
			StartTime:    jsonTimestamp(obj["startTime"]),
			FinishBefore: jsonTimestamp(obj["finishBefore"]),
			Teams:        jsonList(obj["requiredTeams"]),
			Agents:       jsonList(obj["requiredAgents"]),
		}
		subs, ok := obj["subtasks"]
		if !ok {
			subs = obj["tasks"]
		}
		switch v := subs.(type) {
		case []any:
			n.Children = nodesFromJSON(v)
		case map[string]any:
			n.Children = nodesFromJSON([]any{v})
		}
		out = append(out, n)
	}
	return out
}

func jsonString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

func jsonList(v any) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s := jsonString(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func jsonTimestamp(v any) *int64 {
	switch x := v.(type) {
	case float64:
		return unixFromNumber(x)
	case string:
		return parseTimestamp(x)
	}
	return nil
}
