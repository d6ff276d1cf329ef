// Package flights holds runtime-tunable switches that operators flip without a redeploy.
package flights

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Flags is an immutable snapshot of the flight values.
type Flags struct {
	// WorkerDisabled pauses the replay worker loop.
	WorkerDisabled bool `yaml:"worker_disabled"`

	// ReduceBatchSize switches the publisher to its reduced batch size.
	ReduceBatchSize bool `yaml:"reduce_batch_size"`

	// StaggerBatches spreads batch visibility over the stagger window.
	StaggerBatches bool `yaml:"stagger_batches"`

	// WorkerDelaySeconds slows the page loop; only 1 and 2 are honored.
	WorkerDelaySeconds int `yaml:"worker_delay_seconds"`
}

// Defaults are used when no flights file is configured.
func Defaults() Flags {
	return Flags{StaggerBatches: true}
}

// Source exposes the current flags.
type Source interface {
	Current() Flags
}

// Static is a Source that never changes.
type Static Flags

// Current implements Source.
func (s Static) Current() Flags { return Flags(s) }

// Store is a Source backed by a YAML file and swapped atomically on reload.
type Store struct {
	v atomic.Pointer[Flags]
}

// NewStore creates a store seeded with initial.
func NewStore(initial Flags) *Store {
	s := &Store{}
	s.v.Store(&initial)
	return s
}

// Load reads path into a new store.
func Load(path string) (*Store, error) {
	s := NewStore(Defaults())
	if err := s.Reload(path); err != nil {
		return nil, err
	}
	return s, nil
}

// Current implements Source.
func (s *Store) Current() Flags {
	return *s.v.Load()
}

// Reload re-reads path. Keys absent from the file keep their default values.
// Suitable as a watcher.ReloadFunc.
func (s *Store) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read flights file %s: %w", path, err)
	}
	f := Defaults()
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse flights file %s: %w", path, err)
	}
	s.v.Store(&f)
	return nil
}
