package planner

import (
	"fmt"
	"strings"

	"github.com/haricheung/agent-town/internal/llm"
	"github.com/haricheung/agent-town/internal/planparse"
	"github.com/haricheung/agent-town/internal/tasktree"
	"github.com/haricheung/agent-town/internal/types"
)

const systemPrompt = `You are an agent who writes and updates work plans for an asset management firm called %q.
Your name is %s and you are part of the %s.
Team duties and objectives: %s
Your personal agenda: %s
The agents in the company are: %s
The teams in the company are:
%s

A plan is a forest of tasks. Each task has a description, a status ("TODO", "inProgress" or "completed"),
optional keyTakeaways (what was learnt, written when a task is completed), optional startTime and
finishBefore, optional requiredTeams (team names from the list above) and optional requiredAgents
(agent names from the list above). Subtasks are nested inside their parent task.

%s`

const jsonFormat = `Output ONLY a JSON array of tasks wrapped in <generatedTasks></generatedTasks> (no markdown, no prose).
Nest subtasks in a "subtasks" array. Use Unix timestamps (seconds) for startTime and finishBefore.
Keep the "taskId" of existing tasks; new tasks do not need one.
Example:
<generatedTasks>
[
  {
    "description": "Automate monitoring processes for the investment team",
    "status": "TODO",
    "requiredTeams": ["IT team", "investment team"],
    "subtasks": [
      {"description": "Get names of contact points in the IT team", "status": "TODO", "requiredTeams": ["IT team"]},
      {"description": "Plan project kickoff", "status": "inProgress", "requiredAgents": ["Lucky"]}
    ]
  },
  {
    "description": "Review investment strategy for Q3",
    "status": "completed",
    "requiredTeams": ["senior management"],
    "keyTakeaways": "Presented three areas for improvement to the board: risk management, diversification and client engagement."
  }
]
</generatedTasks>`

const xmlFormat = `Output ONLY XML (no markdown, no prose). Enclose every task in a <task> tag and all tasks in one <tasks> tag.
Apart from id and depth, every field is a child element. Only include optional elements when they have a value.
Nest subtasks in a <subtasks> element inside their parent task.
Keep the id of existing tasks; new tasks do not need one.
Example:
<tasks>
  <task id="0" depth="0">
    <description>Plan project kickoff</description>
    <status>inProgress</status>
    <keyTakeaways>Establish project goals and timeline</keyTakeaways>
    <startTime>2024-07-15T09:00:00Z</startTime>
    <requiredTeams>
      <team>investor relations</team>
      <team>senior management</team>
    </requiredTeams>
    <subtasks>
      <task id="0.1" depth="1">
        <description>Prepare presentation slides</description>
        <status>TODO</status>
        <finishBefore>2024-07-14T17:00:00Z</finishBefore>
      </task>
    </subtasks>
  </task>
  <task id="1" depth="0">
    <description>Conduct team meeting</description>
    <status>TODO</status>
    <requiredAgents>
      <agent>Lucky</agent>
    </requiredAgents>
  </task>
</tasks>`

const firstRoundInstruction = `You have not started a plan yet. Define up to %d key tasks consistent with your professional duties and your personal agenda.
Do not include subtasks at this stage: we will iterate on this first choice.`

const subtaskInstruction = `Add subtasks only below tasks of depth %d. Add at most %d subtasks for each task of depth %d.
Do not change existing tasks and repeat them as they are; only add new subtasks.`

const subtaskReviseInstruction = `Add subtasks only below tasks of depth %d. Add at most %d subtasks for each task of depth %d.
Repeat existing tasks with their ids. You may mark existing tasks of depth %d or deeper "completed", writing what you learnt in keyTakeaways.
Do not change any other task.`

const reviseInstruction = `Review the existing plan in light of the memories and conversation above.
You may add up to %d key tasks in total and you may mark tasks "completed", writing what you learnt in keyTakeaways.
Do not add subtasks at this stage and keep every other task as it is.`

// buildMessages assembles the chat for depth round d.
// revising is set when the cycle started from a prior plan.
func (p *Planner) buildMessages(req Request, d int, current []types.Task, memCtx []string, revising bool) []llm.Message {
	msgs := []llm.Message{
		llm.System(p.systemMessage(req)),
		llm.User(p.userMessage(req, d, current, memCtx, revising)),
	}
	if p.cfg.Format == planparse.FormatXML {
		msgs = append(msgs, llm.Assistant("<tasks>"))
	}
	return msgs
}

func (p *Planner) systemMessage(req Request) string {
	teamDesc := "(unknown)"
	var roster []string
	for _, t := range req.Teams {
		roster = append(roster, fmt.Sprintf("- %s: %s", t.Name, t.Description))
		if t.Name == req.Agent.TeamType {
			teamDesc = t.Description
		}
	}
	format := jsonFormat
	if p.cfg.Format == planparse.FormatXML {
		format = xmlFormat
	}
	return fmt.Sprintf(systemPrompt,
		p.cfg.Company, req.Player.Name, req.Agent.TeamType, teamDesc, req.Agent.Plan,
		strings.Join(req.AgentNames, ", "), strings.Join(roster, "\n"), format)
}

func (p *Planner) userMessage(req Request, d int, current []types.Task, memCtx []string, revising bool) string {
	var sb strings.Builder
	if req.Conversation != "" {
		fmt.Fprintf(&sb, "Recent conversation with %s:\n%s\n\n", req.OtherAgent, req.Conversation)
	}
	if len(current) > 0 {
		fmt.Fprintf(&sb, "Existing tasks:\n%s\n\n", p.serialize(current))
	}
	if len(memCtx) > 0 {
		sb.WriteString("Relevant memories:\n")
		for _, m := range memCtx {
			sb.WriteString("- " + m + "\n")
		}
		sb.WriteString("\n")
	}

	switch {
	case d == 0 && len(current) == 0:
		fmt.Fprintf(&sb, firstRoundInstruction, p.cfg.MaxRoots)
	case d == 0:
		fmt.Fprintf(&sb, reviseInstruction, p.cfg.MaxRoots)
	case revising:
		fmt.Fprintf(&sb, subtaskReviseInstruction, d-1, childCap(d), d-1, d)
	default:
		fmt.Fprintf(&sb, subtaskInstruction, d-1, childCap(d), d-1)
	}
	sb.WriteString("\n\n[no prose]")
	return sb.String()
}

// serialize renders tasks in the configured wire format.
func (p *Planner) serialize(tasks []types.Task) string {
	if p.cfg.Format == planparse.FormatXML {
		return tasktree.MarshalXML(tasks)
	}
	data, err := tasktree.MarshalJSON(tasks)
	if err != nil {
		return tasktree.MarshalXML(tasks)
	}
	return string(data)
}

func (p *Planner) chatOptions() llm.Options {
	opts := llm.Options{MaxTokens: p.cfg.MaxTokens}
	if p.cfg.Format == planparse.FormatXML {
		opts.Stop = []string{"</tasks>"}
	}
	return opts
}

// childCap is the most children one parent may receive at depth d.
func childCap(d int) int {
	if c := 5 - d; c > 0 {
		return c
	}
	return 0
}
