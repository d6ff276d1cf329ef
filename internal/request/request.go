// Package request turns replay requests into per-day replay jobs.
package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/privacy-replay/internal/jobstore"
	"github.com/withObsrvr/privacy-replay/internal/logging"
)

// ErrInvalidRequest is returned for requests that cannot be scheduled.
var ErrInvalidRequest = errors.New("invalid replay request")

const maxMergeAttempts = 3

// Request asks for every command of [Start, End] (whole UTC days) to be replayed.
type Request struct {
	Start               time.Time
	End                 time.Time
	AssetGroupIDs       []string
	ExportAssetGroupIDs []string
	SubjectType         string
}

// Result lists the jobs touched by a request.
type Result struct {
	Created   []string
	Merged    []string
	Unchanged []string
}

// Service schedules replay requests.
type Service struct {
	jobs    jobstore.Store
	maxDays int
	now     func() time.Time
	log     *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service allowing requests of at most maxDays days.
func NewService(jobs jobstore.Store, maxDays int, opts ...Option) *Service {
	s := &Service{
		jobs:    jobs,
		maxDays: maxDays,
		now:     time.Now,
		log:     logging.Component("request"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func day(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

func (s *Service) validate(r Request) error {
	start, end := day(r.Start), day(r.End)
	switch {
	case end.Before(start):
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidRequest, end.Format(time.DateOnly), start.Format(time.DateOnly))
	case end.After(day(s.now())):
		return fmt.Errorf("%w: end %s is in the future", ErrInvalidRequest, end.Format(time.DateOnly))
	case int(end.Sub(start)/(24*time.Hour))+1 > s.maxDays:
		return fmt.Errorf("%w: more than %d days requested", ErrInvalidRequest, s.maxDays)
	case len(r.AssetGroupIDs) == 0 && len(r.ExportAssetGroupIDs) == 0:
		return fmt.Errorf("%w: no asset groups", ErrInvalidRequest)
	}
	return nil
}

// ReplayByDates creates or widens one job per requested day.
func (s *Service) ReplayByDates(ctx context.Context, r Request) (Result, error) {
	var res Result
	if err := s.validate(r); err != nil {
		return res, err
	}

	now := s.now()
	for d := day(r.Start); !d.After(day(r.End)); d = d.Add(24 * time.Hour) {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		job := jobstore.NewJob(now, d, r.AssetGroupIDs, r.ExportAssetGroupIDs, r.SubjectType)
		outcome, err := s.upsert(ctx, job)
		if err != nil {
			return res, fmt.Errorf("schedule %s: %w", d.Format(time.DateOnly), err)
		}

		switch outcome {
		case created:
			res.Created = append(res.Created, job.ID)
		case merged:
			res.Merged = append(res.Merged, job.ID)
		default:
			res.Unchanged = append(res.Unchanged, job.ID)
		}
		s.log.Info("replay day scheduled", "job_id", job.ID, "replay_date", d.Format(time.DateOnly), "outcome", outcome)
	}
	return res, nil
}

type upsertOutcome string

const (
	created   upsertOutcome = "created"
	merged    upsertOutcome = "merged"
	unchanged upsertOutcome = "unchanged"
)

func (s *Service) upsert(ctx context.Context, job *jobstore.Job) (upsertOutcome, error) {
	var lastErr error
	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		err := s.jobs.Insert(ctx, job.Clone())
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, jobstore.ErrAlreadyExists) {
			return "", err
		}

		existing, err := s.jobs.Query(ctx, job.ID)
		if errors.Is(err, jobstore.ErrNotFound) {
			lastErr = err
			continue
		}
		if err != nil {
			return "", err
		}

		m, changed := jobstore.Merge(existing, job)
		if !changed {
			return unchanged, nil
		}
		if _, err := s.jobs.Replace(ctx, m, existing.VersionToken); err != nil {
			if errors.Is(err, jobstore.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return "", err
		}
		return merged, nil
	}
	return "", fmt.Errorf("gave up after %d attempts: %w", maxMergeAttempts, lastErr)
}
