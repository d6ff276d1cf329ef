package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/privacy-replay/internal/logging"
)

// chainer stamps events with an ID and links them into their job's chain.
type chainer struct {
	mu       sync.Mutex
	heads    *headStore
	producer ProducerInfo
	now      func() time.Time
}

// link fills in the envelope and chain fields. Callers hold c.mu until commit.
func (c *chainer) link(evt *Event) {
	prev := c.heads.Head(evt.ChainKey())
	evt.Version = Version
	evt.EventID = "audit_evt_" + uuid.NewString()
	evt.Timestamp = c.now().UTC()
	evt.Producer = c.producer
	evt.SetChainHashes(prev)
}

func (c *chainer) commit(evt *Event) error {
	return c.heads.Advance(evt)
}

// FileBackup appends events to one JSON-lines file per UTC day.
type FileBackup struct {
	dir string
}

// NewFileBackup creates dir if needed.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./audit"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &FileBackup{dir: dir}, nil
}

// Path is the file evt is appended to.
func (f *FileBackup) Path(evt *Event) string {
	return filepath.Join(f.dir, "audit-"+evt.Timestamp.UTC().Format(time.DateOnly)+".jsonl")
}

// Save appends evt.
func (f *FileBackup) Save(evt *Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	fh, err := os.OpenFile(f.Path(evt), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer fh.Close()
	if _, err := fh.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit file: %w", err)
	}
	return nil
}

// FileEmitter writes chained events to local files only.
type FileEmitter struct {
	chain  *chainer
	backup *FileBackup
	log    *slog.Logger
}

// NewFileEmitter creates an emitter writing to dir.
func NewFileEmitter(dir string, producer ProducerInfo) (*FileEmitter, error) {
	heads, err := openHeadStore(dir)
	if err != nil {
		return nil, err
	}
	backup, err := NewFileBackup(dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}
	return &FileEmitter{
		chain:  &chainer{heads: heads, producer: producer, now: time.Now},
		backup: backup,
		log:    logging.Component("audit"),
	}, nil
}

// Emit implements Emitter.
func (e *FileEmitter) Emit(ctx context.Context, evt Event) error {
	e.chain.mu.Lock()
	defer e.chain.mu.Unlock()

	e.chain.link(&evt)
	if err := e.backup.Save(&evt); err != nil {
		return err
	}
	if err := e.chain.commit(&evt); err != nil {
		e.log.Warn("failed to update chain head", "job_id", evt.JobID, "error", err)
	}
	e.log.Debug("audit event written", "type", evt.Type, "job_id", evt.JobID, "event_hash", evt.Chain.EventHash)
	return nil
}

// Close implements Emitter.
func (e *FileEmitter) Close() error { return nil }
