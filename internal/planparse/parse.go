// Package planparse turns one model completion into a flat, depth-annotated
// task list. Two wire shapes are understood: a tagged tree (XML) and a loose
// array of objects nested through "subtasks" (relaxed JSON).
package planparse

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/araddon/dateparse"

	"github.com/haricheung/agent-town/internal/tasktree"
	"github.com/haricheung/agent-town/internal/types"
)

var (
	// ErrUnparseable means the completion's top-level text could not be parsed.
	ErrUnparseable = errors.New("planparse: unparseable model output")
	// ErrEmpty means the completion parsed but yielded no task with a description.
	ErrEmpty = errors.New("planparse: no tasks in model output")
)

// Format names a wire shape.
type Format string

const (
	FormatJSON Format = "json"
	FormatXML  Format = "xml"
)

// ParseFormat accepts "json" or "xml" (case-insensitive).
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatXML:
		return FormatXML, nil
	}
	return "", fmt.Errorf("planparse: unknown format %q", s)
}

// Other returns the format that is not f.
func (f Format) Other() Format {
	if f == FormatXML {
		return FormatJSON
	}
	return FormatXML
}

// Parser converts a completion into canonical tasks.
type Parser interface {
	Parse(raw string) ([]types.Task, error)
	Format() Format
}

// For returns the parser of one format.
func For(f Format) Parser {
	if f == FormatXML {
		return xmlParser{}
	}
	return jsonParser{}
}

// New returns the parser for primary; with fallback set, output the primary
// parser rejects is retried with the other format before failing.
func New(primary Format, fallback bool) Parser {
	p := For(primary)
	if !fallback {
		return p
	}
	return fallbackParser{primary: p, secondary: For(primary.Other())}
}

type fallbackParser struct {
	primary, secondary Parser
}

func (fp fallbackParser) Format() Format { return fp.primary.Format() }

func (fp fallbackParser) Parse(raw string) ([]types.Task, error) {
	tasks, err := fp.primary.Parse(raw)
	if err == nil {
		return tasks, nil
	}
	if alt, altErr := fp.secondary.Parse(raw); altErr == nil {
		slog.Debug("[PLANNER] primary format rejected output, fallback accepted",
			"primary", fp.primary.Format(), "fallback", fp.secondary.Format(), "error", err)
		return alt, nil
	}
	return nil, err
}

// node is the shape both wire formats decode into before canonicalization.
// ID is the id the model echoed back, if any.
type node struct {
	ID           string
	Description  string
	Status       string
	KeyTakeaways string
	StartTime    *int64
	FinishBefore *int64
	Teams        []string
	Agents       []string
	Children     []node
}

// canonicalize flattens nodes into tasks: roots are "0", "1", …; children of
// p are "p.1", "p.2", …. A node that echoes a well-formed id under its own
// parent keeps that id, so a partial plan sent back to the model survives the
// round trip. The remaining nodes take the lowest free indexes in array order,
// so numbering stays contiguous when a node is dropped. Nodes without a
// description are dropped with their subtree.
func canonicalize(roots []node) []types.Task {
	var out []types.Task
	var walk func(ns []node, parentID string)
	walk = func(ns []node, parentID string) {
		first := 1
		if parentID == "" {
			first = 0
		}
		nths := make([]int, len(ns))
		used := make(map[int]bool, len(ns))
		for i, n := range ns {
			if strings.TrimSpace(n.Description) == "" {
				continue
			}
			if nth, ok := echoedIndex(n.ID, parentID, first); ok && !used[nth] {
				nths[i] = nth
				used[nth] = true
			} else {
				nths[i] = -1
			}
		}
		next := first
		for i, n := range ns {
			if strings.TrimSpace(n.Description) == "" || nths[i] >= 0 {
				continue
			}
			for used[next] {
				next++
			}
			nths[i] = next
			used[next] = true
		}

		for i, n := range ns {
			desc := strings.TrimSpace(n.Description)
			if desc == "" {
				continue
			}
			nth := nths[i]
			id := tasktree.ChildID(parentID, nth)
			status := types.TaskStatus(strings.TrimSpace(n.Status))
			if !status.Valid() {
				status = types.StatusTODO
			}
			out = append(out, types.Task{
				TaskID:         id,
				Description:    desc,
				Depth:          tasktree.Depth(id),
				ParentTaskID:   parentID,
				NthChild:       nth,
				Status:         status,
				KeyTakeaways:   strings.TrimSpace(n.KeyTakeaways),
				StartTime:      n.StartTime,
				FinishBefore:   n.FinishBefore,
				RequiredTeams:  cleanNames(n.Teams),
				RequiredAgents: cleanNames(n.Agents),
			})
			walk(n.Children, id)
		}
	}
	walk(roots, "")
	return out
}

// echoedIndex returns the sibling index encoded in id when id is a canonical
// child of parentID ("1.2" under "1", "3" under the root).
func echoedIndex(id, parentID string, first int) (int, bool) {
	id = strings.TrimSpace(id)
	if id == "" || tasktree.ParentID(id) != parentID {
		return 0, false
	}
	last := id[strings.LastIndexByte(id, '.')+1:]
	nth, err := strconv.Atoi(last)
	if err != nil || nth < first || strconv.Itoa(nth) != last {
		return 0, false
	}
	return nth, true
}

func cleanNames(names []string) []string {
	var out []string
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// parseTimestamp reads a unix timestamp (seconds, or milliseconds when the
// value is too large to be seconds) or a human-readable date. Unparseable
// input yields nil.
func parseTimestamp(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return unixFromNumber(f)
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return nil
	}
	u := t.Unix()
	return &u
}

func unixFromNumber(f float64) *int64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return nil
	}
	if f > 1e11 {
		f /= 1000
	}
	u := int64(f)
	return &u
}

// stripWrapper removes every <tag> and </tag> occurrence.
func stripWrapper(s, tag string) string {
	s = strings.ReplaceAll(s, "<"+tag+">", "")
	s = strings.ReplaceAll(s, "</"+tag+">", "")
	return strings.TrimSpace(s)
}
