// Package jobstore persists replay jobs with optimistic concurrency.
package jobstore

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Never is the visibility time given to completed jobs so they are never claimed again.
var Never = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// jobNamespace seeds deterministic job IDs.
var jobNamespace = uuid.MustParse("6f1c1f0e-4b7a-4f59-9a43-2c1f2f6b8d10")

// Job is the replay work for one target day.
type Job struct {
	ID                         string     `json:"id"`
	ReplayDate                 time.Time  `json:"replayDate"`
	AssetGroupIDs              []string   `json:"assetGroupIds"`
	AssetGroupIDsForExport     []string   `json:"assetGroupIdsForExport"`
	SubjectType                string     `json:"subjectType,omitempty"`
	LastCompletedHour          *time.Time `json:"lastCompletedHour"`
	ContinuationToken          string     `json:"continuationToken,omitempty"`
	UnixNextVisibleTimeSeconds int64      `json:"unixNextVisibleTimeSeconds"`
	IsCompleted                bool       `json:"isCompleted"`
	CompletedTime              *time.Time `json:"completedTime"`
	CreatedTime                time.Time  `json:"createdTime"`
	VersionToken               string     `json:"versionToken"`
}

// NewJobID derives the job ID from the day a request was scheduled and the day it replays.
// Requests scheduled on the same UTC day for the same replay date share an ID.
func NewJobID(scheduledAt, replayDate time.Time) string {
	key := scheduledAt.UTC().Format(time.DateOnly) + "|" + replayDate.UTC().Format(time.DateOnly)
	return uuid.NewSHA1(jobNamespace, []byte(key)).String()
}

// NewJob creates a job visible immediately.
func NewJob(scheduledAt, replayDate time.Time, assetGroups, exportAssetGroups []string, subjectType string) *Job {
	day := truncateDay(replayDate)
	j := &Job{
		ID:                     NewJobID(scheduledAt, day),
		ReplayDate:             day,
		AssetGroupIDs:          dedupe(assetGroups),
		AssetGroupIDsForExport: dedupe(exportAssetGroups),
		SubjectType:            subjectType,
		CreatedTime:            scheduledAt.UTC(),
	}
	j.SetNextVisibleTime(scheduledAt)
	return j
}

// NextVisibleTime returns the claim visibility time.
func (j *Job) NextVisibleTime() time.Time {
	return time.Unix(j.UnixNextVisibleTimeSeconds, 0).UTC()
}

// SetNextVisibleTime sets the claim visibility time (second precision).
func (j *Job) SetNextVisibleTime(t time.Time) {
	j.UnixNextVisibleTimeSeconds = t.Unix()
}

// NextHour is the hour the job scans next.
func (j *Job) NextHour() time.Time {
	if j.LastCompletedHour == nil {
		return j.ReplayDate
	}
	return j.LastCompletedHour.Add(time.Hour)
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	c.AssetGroupIDs = slices.Clone(j.AssetGroupIDs)
	c.AssetGroupIDsForExport = slices.Clone(j.AssetGroupIDsForExport)
	if j.LastCompletedHour != nil {
		t := *j.LastCompletedHour
		c.LastCompletedHour = &t
	}
	if j.CompletedTime != nil {
		t := *j.CompletedTime
		c.CompletedTime = &t
	}
	return &c
}

// Merge folds a new request for the same job into existing and reports whether
// anything changed. New asset groups widen scope; a disagreeing subject type
// removes the filter. Any widening restarts the day from its first hour so the
// added scope sees every hour. The restart also re-delivers hours already closed
// to the groups that were in scope before; consumers dedupe on command ID.
func Merge(existing, incoming *Job) (*Job, bool) {
	merged := existing.Clone()
	changed := false

	for _, id := range incoming.AssetGroupIDs {
		if !slices.Contains(merged.AssetGroupIDs, id) {
			merged.AssetGroupIDs = append(merged.AssetGroupIDs, id)
			changed = true
		}
	}
	for _, id := range incoming.AssetGroupIDsForExport {
		if !slices.Contains(merged.AssetGroupIDsForExport, id) {
			merged.AssetGroupIDsForExport = append(merged.AssetGroupIDsForExport, id)
			changed = true
		}
	}
	if merged.SubjectType != "" && merged.SubjectType != incoming.SubjectType {
		merged.SubjectType = ""
		changed = true
	}

	if changed {
		merged.LastCompletedHour = nil
		merged.ContinuationToken = ""
		merged.IsCompleted = false
		merged.CompletedTime = nil
		merged.UnixNextVisibleTimeSeconds = min(merged.UnixNextVisibleTimeSeconds, incoming.UnixNextVisibleTimeSeconds)
	}
	return merged, changed
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
