// Package publisher batches filtered replay commands onto the outbound work queue.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRetriesExhausted wraps the last transient error once every attempt has failed.
	ErrRetriesExhausted = errors.New("publish retries exhausted")

	// ErrMessageTooLarge is returned when a single destination pair cannot fit in one message.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// Destination is one asset group a command must be redelivered to.
type Destination struct {
	AgentID             string   `json:"agentId"`
	AssetGroupID        string   `json:"assetGroupId"`
	AssetGroupQualifier string   `json:"assetGroupQualifier,omitempty"`
	DataTypes           []string `json:"dataTypes,omitempty"`
}

// DestinationPair is a raw historical command plus the destinations it still applies to.
type DestinationPair struct {
	CommandID          string          `json:"commandId"`
	StorageDestination string          `json:"storageDestination"`
	Command            json.RawMessage `json:"command"`
	Destinations       []Destination   `json:"destinations"`
}

// WorkItem is one queue message.
type WorkItem struct {
	Batch                   int               `json:"batch"`
	Position                int               `json:"position"`
	IsApplicabilityVerified bool              `json:"isApplicabilityVerified"`
	Pairs                   []DestinationPair `json:"pairs"`
}

// Queue is the outbound message queue.
type Queue interface {
	Publish(ctx context.Context, destination string, msg []byte, visibleAt time.Time) error
}

// TransientError marks a throttled or temporarily failed publish.
type TransientError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("transient publish failure (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("transient publish failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PublishStats summarizes one Publish call.
type PublishStats struct {
	Pairs    int
	Batches  int
	Messages int
	Splits   int
}
