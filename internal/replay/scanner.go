package replay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/withObsrvr/privacy-replay/internal/metrics"
	"github.com/withObsrvr/privacy-replay/internal/taskrunner"
)

// ScannerTaskName is the lease name of the scanner task.
const ScannerTaskName = "replay-scanner"

type scannerState struct {
	LastWindow time.Time `json:"lastWindow"`
}

// ScannerTask drains every due replay job once per hour, fanned out over a
// fixed number of sub-tasks.
type ScannerTask struct {
	w           *Worker
	parallelism int
}

var _ taskrunner.Task = (*ScannerTask)(nil)

// NewScannerTask creates the scanner task around w.
func NewScannerTask(w *Worker, parallelism int) *ScannerTask {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &ScannerTask{w: w, parallelism: parallelism}
}

// Name implements taskrunner.Task.
func (t *ScannerTask) Name() string { return ScannerTaskName }

func (t *ScannerTask) currentWindow() time.Time {
	return t.w.now().UTC().Truncate(time.Hour)
}

// ShouldRun is true once per hour.
func (t *ScannerTask) ShouldRun(state []byte) bool {
	s, ok := decodeScannerState(state)
	if !ok {
		return true
	}
	return s.LastWindow.Before(t.currentWindow())
}

// SubTasks implements taskrunner.Task.
func (t *ScannerTask) SubTasks(ctx context.Context, state []byte) ([]taskrunner.SubTask, error) {
	subs := make([]taskrunner.SubTask, t.parallelism)
	for i := range subs {
		subs[i] = t.drain
	}
	return subs, nil
}

// drain runs worker cycles until no job is due.
func (t *ScannerTask) drain(ctx context.Context) error {
	for ctx.Err() == nil {
		if t.w.deps.Flights.Current().WorkerDisabled {
			return nil
		}
		outcome, err := t.w.RunOnce(ctx)
		metrics.Get().IncTaskCycles("replay-worker", string(outcome))
		if err != nil {
			return err
		}
		if outcome == OutcomeNoJob {
			return nil
		}
	}
	return ctx.Err()
}

// FinalState records the window and holds the lease until the next hour.
func (t *ScannerTask) FinalState(state []byte) ([]byte, time.Duration) {
	window := t.currentWindow()
	out, _ := json.Marshal(scannerState{LastWindow: window})
	return out, window.Add(time.Hour).Sub(t.w.now())
}

func decodeScannerState(state []byte) (scannerState, bool) {
	var s scannerState
	if len(state) == 0 || json.Unmarshal(state, &s) != nil {
		return s, false
	}
	return s, true
}
