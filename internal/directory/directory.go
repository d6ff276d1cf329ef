// Package directory resolves agents and asset groups against the current routing directory.
package directory

import (
	"context"
	"slices"

	"github.com/withObsrvr/privacy-replay/internal/command"
)

// Group is an asset group as currently registered.
type Group struct {
	ID                    string         `yaml:"id"`
	AgentID               string         `yaml:"-"`
	Qualifier             string         `yaml:"qualifier"`
	SupportedCommandTypes []command.Type `yaml:"supported_command_types"`
	IsPlaceholder         bool           `yaml:"placeholder"`

	// SubjectTypes empty means every subject type is covered.
	SubjectTypes []string `yaml:"subject_types"`

	// DataTypes empty means every data type is covered.
	DataTypes []string `yaml:"data_types"`

	ExportEnabled bool `yaml:"export_enabled"`
}

// Supports reports whether the group accepts commands of type t.
func (g *Group) Supports(t command.Type) bool {
	return slices.Contains(g.SupportedCommandTypes, t)
}

// IsActionable reports whether the group's current policy still requires processing v.
func (g *Group) IsActionable(v command.View) bool {
	if !g.Supports(v.Type) {
		return false
	}
	if len(g.SubjectTypes) > 0 && !slices.Contains(g.SubjectTypes, v.SubjectType) {
		return false
	}

	switch v.Type {
	case command.TypeExport:
		return g.ExportEnabled
	case command.TypeAccountClose:
		return true
	default:
		if len(v.DataTypes) == 0 || len(g.DataTypes) == 0 {
			return true
		}
		for _, dt := range v.DataTypes {
			if slices.Contains(g.DataTypes, dt) {
				return true
			}
		}
		return false
	}
}

// Agent is a registered data agent.
type Agent struct {
	ID     string   `yaml:"id"`
	Groups []*Group `yaml:"asset_groups"`
}

// ResolveGroup finds one of the agent's asset groups by ID.
func (a *Agent) ResolveGroup(id string) (*Group, bool) {
	for _, g := range a.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return nil, false
}

// Snapshot is an immutable view of the directory.
type Snapshot struct {
	agents []*Agent
	byID   map[string]*Agent
}

// NewSnapshot indexes agents and stamps each group with its agent ID.
func NewSnapshot(agents []*Agent) *Snapshot {
	s := &Snapshot{agents: agents, byID: make(map[string]*Agent, len(agents))}
	for _, a := range agents {
		for _, g := range a.Groups {
			g.AgentID = a.ID
		}
		s.byID[a.ID] = a
	}
	return s
}

// Agents returns every agent.
func (s *Snapshot) Agents() []*Agent {
	return s.agents
}

// ResolveAgent finds an agent by ID.
func (s *Snapshot) ResolveAgent(id string) (*Agent, bool) {
	a, ok := s.byID[id]
	return a, ok
}

// ResolveScope maps asset group IDs to live groups that accept commands of type t.
// An asset group may be registered under more than one agent (one per command type);
// every agent is scanned and the first real, supporting registration wins.
// Placeholder registrations never match.
func (s *Snapshot) ResolveScope(groupIDs []string, t command.Type) (found []*Group, missing []string) {
	for _, id := range groupIDs {
		var match *Group
		for _, a := range s.agents {
			g, ok := a.ResolveGroup(id)
			if !ok || g.IsPlaceholder || !g.Supports(t) {
				continue
			}
			match = g
			break
		}
		if match == nil {
			missing = append(missing, id)
			continue
		}
		found = append(found, match)
	}
	return found, missing
}

// Service provides the current snapshot.
type Service interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Static serves a fixed snapshot.
type Static struct {
	S *Snapshot
}

// Snapshot implements Service.
func (s Static) Snapshot(ctx context.Context) (*Snapshot, error) {
	return s.S, nil
}
