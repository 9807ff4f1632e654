package migration

import (
	"sync"
	"time"
)

// Checkpoint is an immutable fact: at stage X the outcome was Y. Details are
// opaque to the orchestrator; consumers tolerate extra keys.
type Checkpoint struct {
	Stage     Stage                  `json:"stage"`
	Status    CheckpointStatus       `json:"status"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Ledger is the append-only audit trail of one run. Appends fire registered
// checkpoint callbacks synchronously, in registration order.
type Ledger struct {
	mu        sync.Mutex
	entries   []Checkpoint
	callbacks *CallbackRegistry
}

func NewLedger(callbacks *CallbackRegistry) *Ledger {
	return &Ledger{callbacks: callbacks}
}

func (l *Ledger) Record(stage Stage, status CheckpointStatus, details map[string]interface{}) Checkpoint {
	cp := Checkpoint{
		Stage:     stage,
		Status:    status,
		Details:   copyDetails(details),
		Timestamp: time.Now().UTC(),
	}
	l.mu.Lock()
	l.entries = append(l.entries, cp)
	l.mu.Unlock()

	if l.callbacks != nil {
		l.callbacks.NotifyCheckpoint(cp)
	}
	return cp
}

// All returns the full ordered checkpoint sequence.
func (l *Ledger) All() []Checkpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Checkpoint, len(l.entries))
	copy(out, l.entries)
	return out
}

// FailedCount reports how many checkpoints in the trail are failed; the
// rollback evaluator uses history, not just the latest counters.
func (l *Ledger) FailedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, cp := range l.entries {
		if cp.Status == CheckpointFailed {
			n++
		}
	}
	return n
}

func copyDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		out[k] = v
	}
	return out
}
