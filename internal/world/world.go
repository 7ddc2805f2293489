// Package world holds the town's seed data (company teams, the character
// roster and team activities) and answers directory lookups for planning.
package world

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haricheung/agent-town/internal/types"
)

//go:embed seed.yaml
var embeddedSeed []byte

// ErrUnknownAgent is returned by Profile for an agent id not in the roster.
var ErrUnknownAgent = errors.New("world: unknown agent")

// Character is one roster entry of the seed file.
type Character struct {
	Name     string      `yaml:"name"`
	Sprite   string      `yaml:"character"`
	Team     string      `yaml:"team"`
	Identity string      `yaml:"identity"`
	Plan     string      `yaml:"plan"`
	Position types.Point `yaml:"position"`
}

// Seed is the decoded seed file.
type Seed struct {
	Company string `yaml:"company"`
	Map     struct {
		Width  int `yaml:"width"`
		Height int `yaml:"height"`
	} `yaml:"map"`
	Teams      []types.Team     `yaml:"teams"`
	Characters []Character      `yaml:"characters"`
	Activities []types.Activity `yaml:"activities"`
}

// Agent is a character placed in a world.
type Agent struct {
	ID       string // lower-cased name
	PlayerID string
	Character
}

// World is an immutable, loaded seed for one world id.
type World struct {
	id     string
	seed   Seed
	agents []Agent
	byID   map[string]int
}

// Load reads the seed at path, or the embedded seed when path is empty.
func Load(worldID, path string) (*World, error) {
	data := embeddedSeed
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("world: read seed: %w", err)
		}
		data = b
	}
	return Parse(worldID, data)
}

// Parse decodes a YAML seed.
//
// Expectations:
//   - Every character's team names a declared team (case-insensitive) and is
//     rewritten to the team's declared spelling
//   - Character names are unique case-insensitively
//   - Activities naming an undeclared team are rejected
func Parse(worldID string, data []byte) (*World, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("world: decode seed: %w", err)
	}
	if len(seed.Teams) == 0 {
		return nil, fmt.Errorf("world: seed declares no teams")
	}
	teams := make(map[string]string, len(seed.Teams))
	for _, t := range seed.Teams {
		teams[strings.ToLower(t.Name)] = t.Name
	}

	w := &World{id: worldID, byID: make(map[string]int)}
	for _, c := range seed.Characters {
		team, ok := teams[strings.ToLower(c.Team)]
		if !ok {
			return nil, fmt.Errorf("world: character %s has unknown team %q", c.Name, c.Team)
		}
		c.Team = team
		id := strings.ToLower(c.Name)
		if _, dup := w.byID[id]; dup {
			return nil, fmt.Errorf("world: duplicate character %s", c.Name)
		}
		w.byID[id] = len(w.agents)
		w.agents = append(w.agents, Agent{ID: id, PlayerID: "player:" + id, Character: c})
	}
	for i, a := range seed.Activities {
		for j, t := range a.Teams {
			team, ok := teams[strings.ToLower(t)]
			if !ok {
				return nil, fmt.Errorf("world: activity %q has unknown team %q", a.Description, t)
			}
			seed.Activities[i].Teams[j] = team
		}
	}
	if seed.Map.Width <= 2 || seed.Map.Height <= 2 {
		seed.Map.Width, seed.Map.Height = 48, 32
	}
	w.seed = seed
	return w, nil
}

// ID returns the world id.
func (w *World) ID() string { return w.id }

// Company returns the firm's name.
func (w *World) Company() string { return w.seed.Company }

// MapSize returns the map width and height in tiles.
func (w *World) MapSize() (int, int) { return w.seed.Map.Width, w.seed.Map.Height }

// Teams returns the declared teams.
func (w *World) Teams() []types.Team { return append([]types.Team(nil), w.seed.Teams...) }

// Agents returns the roster in seed order.
func (w *World) Agents() []Agent { return append([]Agent(nil), w.agents...) }

// Agent looks up one agent by id or name.
func (w *World) Agent(idOrName string) (Agent, bool) {
	i, ok := w.byID[strings.ToLower(idOrName)]
	if !ok {
		return Agent{}, false
	}
	return w.agents[i], true
}

// AgentNames returns every character name in seed order.
func (w *World) AgentNames() []string {
	names := make([]string, len(w.agents))
	for i, a := range w.agents {
		names[i] = a.Name
	}
	return names
}

// Activities returns the team activities.
func (w *World) Activities() []types.Activity {
	return append([]types.Activity(nil), w.seed.Activities...)
}

// Profile implements the planner's directory lookup.
func (w *World) Profile(_ context.Context, worldID, agentID string) (types.AgentProfile, error) {
	if worldID != w.id {
		return types.AgentProfile{}, fmt.Errorf("world: %s is not loaded (have %s)", worldID, w.id)
	}
	a, ok := w.Agent(agentID)
	if !ok {
		return types.AgentProfile{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return types.AgentProfile{
		Teams:      w.Teams(),
		AgentNames: w.AgentNames(),
		Player: types.PlayerDescription{
			PlayerID:    a.PlayerID,
			Name:        a.Name,
			Description: a.Identity,
			Character:   a.Sprite,
		},
		Agent: types.AgentDescription{
			AgentID:  a.ID,
			Identity: a.Identity,
			Plan:     a.Plan,
			TeamType: a.Team,
		},
	}, nil
}
