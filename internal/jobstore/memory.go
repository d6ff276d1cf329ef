package jobstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps jobs in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	now  func() time.Time
	jobs map[string]*Job
}

// NewMemoryStore creates an empty store. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Query(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) Insert(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrAlreadyExists
	}
	job.VersionToken = uuid.NewString()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Replace(ctx context.Context, job *Job, expectedVersion string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[job.ID]
	if !ok {
		return "", ErrNotFound
	}
	if stored.VersionToken != expectedVersion {
		return "", ErrVersionConflict
	}
	job.VersionToken = uuid.NewString()
	s.jobs[job.ID] = job.Clone()
	return job.VersionToken, nil
}

func (s *MemoryStore) PopNextItem(ctx context.Context, leaseDuration time.Duration) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var next *Job
	for _, j := range s.jobs {
		if j.IsCompleted || j.NextVisibleTime().After(now) {
			continue
		}
		if next == nil ||
			j.UnixNextVisibleTimeSeconds < next.UnixNextVisibleTimeSeconds ||
			(j.UnixNextVisibleTimeSeconds == next.UnixNextVisibleTimeSeconds && j.ID < next.ID) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	next.SetNextVisibleTime(now.Add(leaseDuration))
	next.VersionToken = uuid.NewString()
	return next.Clone(), nil
}

// All returns copies of every stored job. Used by tests and the status command.
func (s *MemoryStore) All() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	return out
}
