package audit

import (
	"context"
	"os"
	"sync"

	"github.com/withObsrvr/privacy-replay/internal/config"
	"github.com/withObsrvr/privacy-replay/internal/logging"
)

// Emitter publishes lifecycle events.
type Emitter interface {
	Emit(ctx context.Context, evt Event) error
	Close() error
}

// NewEmitter picks an emitter from configuration: HTTP when an endpoint is set,
// local files otherwise, noop when disabled. Construction failures degrade to the
// next simpler emitter.
func NewEmitter(cfg config.AuditConfig, producer ProducerInfo) Emitter {
	log := logging.Component("audit")
	if !cfg.Enabled {
		log.Info("audit disabled, using no-op emitter")
		return Noop{}
	}
	if producer.Instance == "" {
		producer.Instance, _ = os.Hostname()
	}

	if cfg.Endpoint != "" {
		e, err := NewHTTPEmitter(cfg.Endpoint, cfg.BackupDir, producer)
		if err == nil {
			log.Info("using HTTP audit emitter", "endpoint", cfg.Endpoint)
			return e
		}
		log.Warn("failed to create HTTP audit emitter, falling back to file", "error", err)
	}

	e, err := NewFileEmitter(cfg.BackupDir, producer)
	if err != nil {
		log.Warn("failed to create file audit emitter, using no-op", "error", err)
		return Noop{}
	}
	log.Info("using file audit emitter", "dir", cfg.BackupDir)
	return e
}

// Noop discards events.
type Noop struct{}

func (Noop) Emit(context.Context, Event) error { return nil }
func (Noop) Close() error                      { return nil }

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []EventType {
	events := r.Events()
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
