// Package command parses historical privacy commands read from cold storage.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Type is the kind of privacy command.
type Type string

const (
	TypeDelete       Type = "Delete"
	TypeExport       Type = "Export"
	TypeAccountClose Type = "AccountClose"
)

// ErrInvalidCommand is returned for records that cannot be replayed.
var ErrInvalidCommand = errors.New("invalid command record")

// Command is a parsed historical command. It is a value: deriving a destination view
// never changes it.
type Command struct {
	ID                 string
	Type               Type
	SubjectType        string
	Timestamp          time.Time
	Verifier           string
	StorageDestination string

	// classifications as originally issued; never handed out without copying.
	classifications []string
}

type record struct {
	CommandID   string    `json:"commandId"`
	CommandType string    `json:"commandType"`
	SubjectType string    `json:"subjectType"`
	Timestamp   time.Time `json:"timestamp"`
	DataTypes   []string  `json:"dataTypes"`
	Verifier    string    `json:"verifier"`
}

// Parse decodes a raw cold-storage record.
func Parse(raw []byte) (Command, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if r.CommandID == "" {
		return Command{}, fmt.Errorf("%w: missing commandId", ErrInvalidCommand)
	}

	t := Type(r.CommandType)
	switch t {
	case TypeDelete, TypeExport, TypeAccountClose:
	default:
		return Command{}, fmt.Errorf("%w: unknown command type %q", ErrInvalidCommand, r.CommandType)
	}

	return Command{
		ID:              r.CommandID,
		Type:            t,
		SubjectType:     r.SubjectType,
		Timestamp:       r.Timestamp,
		Verifier:        r.Verifier,
		classifications: slices.Clone(r.DataTypes),
	}, nil
}

// New builds a command directly. Used by tests and adapters that already hold parsed fields.
func New(id string, t Type, subjectType string, classifications []string, verifier string) Command {
	return Command{
		ID:              id,
		Type:            t,
		SubjectType:     subjectType,
		Verifier:        verifier,
		classifications: slices.Clone(classifications),
	}
}

// IsExport reports whether the command routes to export-scope asset groups.
func (c Command) IsExport() bool {
	return c.Type == TypeExport
}

// Classifications returns a copy of the original classification list.
func (c Command) Classifications() []string {
	return slices.Clone(c.classifications)
}

// WithStorageDestination returns a copy routed to dest.
func (c Command) WithStorageDestination(dest string) Command {
	c.StorageDestination = dest
	return c
}

// For derives the view of the command as delivered to one asset group.
// Each view owns its classification slice, so narrowing it for one destination
// cannot affect another.
func (c Command) For(agentID, assetGroupID, qualifier string) View {
	return View{
		Command:             c,
		AgentID:             agentID,
		AssetGroupID:        assetGroupID,
		AssetGroupQualifier: qualifier,
		DataTypes:           c.Classifications(),
	}
}

// View is a command pointed at a specific agent and asset group.
type View struct {
	Command

	AgentID             string
	AssetGroupID        string
	AssetGroupQualifier string
	DataTypes           []string
}
