package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const headsFile = "audit-chain-heads.json"

// headStore remembers the newest event hash of every open job chain in a
// JSON file next to the backups. A chain closes with its job_completed event.
type headStore struct {
	mu    sync.Mutex
	path  string
	heads map[string]string
}

func openHeadStore(dir string) (*headStore, error) {
	if dir == "" {
		dir = "./audit"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	s := &headStore{path: filepath.Join(dir, headsFile), heads: map[string]string{}}
	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read chain heads: %w", err)
	default:
		if err := json.Unmarshal(data, &s.heads); err != nil {
			return nil, fmt.Errorf("parse chain heads %s: %w", s.path, err)
		}
	}
	return s, nil
}

// Head returns the newest hash of the job's chain, or "" for a new chain.
func (s *headStore) Head(jobID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heads[jobID]
}

// Advance moves the chain of evt forward, dropping it once the job completed.
func (s *headStore) Advance(evt *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.Type == EventJobCompleted {
		delete(s.heads, evt.ChainKey())
	} else {
		s.heads[evt.ChainKey()] = evt.Chain.EventHash
	}

	data, err := json.Marshal(s.heads)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write chain heads: %w", err)
	}
	return os.Rename(tmp, s.path)
}
