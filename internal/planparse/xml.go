package planparse

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/haricheung/agent-town/internal/llm"
	"github.com/haricheung/agent-town/internal/types"
)

type xmlParser struct{}

func (xmlParser) Format() Format { return FormatXML }

func (xmlParser) Parse(raw string) ([]types.Task, error) { return ParseXML(raw) }

type xmlDoc struct {
	XMLName xml.Name  `xml:"tasks"`
	Tasks   []xmlTask `xml:"task"`
}

type xmlTask struct {
	ID           string    `xml:"id,attr"`
	DescAttr     string    `xml:"description,attr"`
	NameAttr     string    `xml:"name,attr"`
	Description  string    `xml:"description"`
	Status       string    `xml:"status"`
	KeyTakeaways string    `xml:"keyTakeaways"`
	StartTime    string    `xml:"startTime"`
	FinishBefore string    `xml:"finishBefore"`
	Teams        []string  `xml:"requiredTeams>team"`
	Agents       []string  `xml:"requiredAgents>agent"`
	Children     []xmlTask `xml:"subtasks>task"`
	Nested       []xmlTask `xml:"tasks>task"`
	Text         string    `xml:",chardata"`
}

// ParseXML parses a tagged task tree. The outer <tasks> element may be missing
// at either end: prompts prefill the opening tag and stop on the closing one.
// Subtasks nest in <subtasks> so that a nested list never closes the outer
// one; nested <tasks> lists are still read.
//
// Expectations:
//   - Accepts "<tasks>…</tasks>", bare "<task>" siblings, or either half of the wrapper
//   - An echoed id attribute is kept when it fits its place in the tree
//   - Description falls back to the description/name attribute, then the node text
//   - Unparseable dates are dropped, not errors
//   - Returns ErrUnparseable on malformed XML, ErrEmpty when no task has a description
func ParseXML(raw string) ([]types.Task, error) {
	s := llm.StripFences(stripWrapper(llm.StripThinkBlocks(raw), GeneratedTasksTag))
	if !strings.HasPrefix(s, "<tasks>") && !strings.HasPrefix(s, "<tasks ") {
		s = "<tasks>" + s
	}
	if !strings.HasSuffix(s, "</tasks>") || strings.Count(s, "<tasks") > strings.Count(s, "</tasks>") {
		s += "</tasks>"
	}

	d := xml.NewDecoder(strings.NewReader(s))
	d.Strict = false
	d.Entity = xml.HTMLEntity
	var doc xmlDoc
	if err := d.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	tasks := canonicalize(nodesFromXML(doc.Tasks))
	if len(tasks) == 0 {
		return nil, ErrEmpty
	}
	return tasks, nil
}

func nodesFromXML(ts []xmlTask) []node {
	out := make([]node, 0, len(ts))
	for _, t := range ts {
		desc := firstNonEmpty(t.Description, t.DescAttr, t.NameAttr, t.Text)
		out = append(out, node{
			ID:           t.ID,
			Description:  desc,
			Status:       t.Status,
			KeyTakeaways: t.KeyTakeaways,
			StartTime:    parseTimestamp(t.StartTime),
			FinishBefore: parseTimestamp(t.FinishBefore),
			Teams:        t.Teams,
			Agents:       t.Agents,
			Children:     nodesFromXML(append(t.Children, t.Nested...)),
		})
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
