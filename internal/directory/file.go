package directory

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

type fileFormat struct {
	Agents []*Agent `yaml:"agents"`
}

// FileService serves a directory snapshot exported to a YAML file.
// Reload swaps the snapshot atomically; concurrent reloads share one read.
type FileService struct {
	path    string
	current atomic.Pointer[Snapshot]
	group   singleflight.Group
}

// NewFileService loads path.
func NewFileService(path string) (*FileService, error) {
	s := &FileService{path: path}
	if err := s.Reload(path); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot implements Service.
func (s *FileService) Snapshot(ctx context.Context) (*Snapshot, error) {
	return s.current.Load(), nil
}

// Reload re-reads path. Suitable as a watcher.ReloadFunc.
func (s *FileService) Reload(path string) error {
	_, err, _ := s.group.Do(path, func() (any, error) {
		snap, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		s.current.Store(snap)
		return nil, nil
	})
	return err
}

// LoadFile parses a directory YAML file.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes directory YAML.
func Parse(data []byte) (*Snapshot, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse directory: %w", err)
	}
	for _, a := range f.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("parse directory: agent without id")
		}
	}
	return NewSnapshot(f.Agents), nil
}
