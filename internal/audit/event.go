// Package audit emits tamper-evident lifecycle events for replay jobs.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventJobClaimed   EventType = "job_claimed"
	EventHourClosed   EventType = "hour_closed"
	EventJobCompleted EventType = "job_completed"
	EventLeaseLost    EventType = "lease_lost"
)

// Version is the event schema version.
const Version = "1.0"

// Event is one lifecycle event. Events of a job form a hash chain.
type Event struct {
	Version   string    `json:"version"`
	Type      EventType `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	JobID      string     `json:"job_id"`
	ReplayDate time.Time  `json:"replay_date"`
	Hour       *time.Time `json:"hour,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Commands   int        `json:"commands,omitempty"`
	Pairs      int        `json:"pairs,omitempty"`

	Producer ProducerInfo `json:"producer"`
	Chain    ChainInfo    `json:"chain"`
}

// ProducerInfo identifies the emitting process.
type ProducerInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Instance string `json:"instance,omitempty"`
}

// ChainInfo links an event to the previous event of the same job.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey is the chain an event belongs to.
func (e *Event) ChainKey() string {
	return e.JobID
}

// SetChainHashes links the event to prev and computes its own hash.
func (e *Event) SetChainHashes(prev string) {
	e.Chain.PrevEventHash = prev
	e.Chain.EventHash = ComputeEventHash(e)
}

// ComputeEventHash hashes the JSON form of evt with the event hash itself blanked.
func ComputeEventHash(evt *Event) string {
	c := *evt
	c.Chain.EventHash = ""

	canonical, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}
