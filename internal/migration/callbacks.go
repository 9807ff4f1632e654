package migration

import (
	"fmt"
	"sync"

	"github.com/joejoethish/ecom-sub017/internal/pkg/logger"
)

type ProgressCallback func(m Metrics)
type CheckpointCallback func(cp Checkpoint)
type ErrorCallback func(stage Stage, err error)

// CallbackRegistry decouples the orchestrator from its observers. Dispatch is
// synchronous and preserves registration order within each list; a panicking
// callback is recovered and logged, never allowed into the control loop.
type CallbackRegistry struct {
	mu         sync.Mutex
	progress   []ProgressCallback
	checkpoint []CheckpointCallback
	errors     []ErrorCallback
	log        *logger.Logger
}

func NewCallbackRegistry(baseLog *logger.Logger) *CallbackRegistry {
	return &CallbackRegistry{log: baseLog.With("component", "CallbackRegistry")}
}

func (r *CallbackRegistry) OnProgress(cb ProgressCallback) {
	if cb == nil {
		return
	}
	r.mu.Lock()
	r.progress = append(r.progress, cb)
	r.mu.Unlock()
}

func (r *CallbackRegistry) OnCheckpoint(cb CheckpointCallback) {
	if cb == nil {
		return
	}
	r.mu.Lock()
	r.checkpoint = append(r.checkpoint, cb)
	r.mu.Unlock()
}

func (r *CallbackRegistry) OnError(cb ErrorCallback) {
	if cb == nil {
		return
	}
	r.mu.Lock()
	r.errors = append(r.errors, cb)
	r.mu.Unlock()
}

func (r *CallbackRegistry) NotifyProgress(m Metrics) {
	for _, cb := range r.progressList() {
		r.invoke("progress", func() { cb(m) })
	}
}

func (r *CallbackRegistry) NotifyCheckpoint(cp Checkpoint) {
	for _, cb := range r.checkpointList() {
		r.invoke("checkpoint", func() { cb(cp) })
	}
}

func (r *CallbackRegistry) NotifyError(stage Stage, err error) {
	for _, cb := range r.errorList() {
		r.invoke("error", func() { cb(stage, err) })
	}
}

func (r *CallbackRegistry) progressList() []ProgressCallback {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProgressCallback, len(r.progress))
	copy(out, r.progress)
	return out
}

func (r *CallbackRegistry) checkpointList() []CheckpointCallback {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CheckpointCallback, len(r.checkpoint))
	copy(out, r.checkpoint)
	return out
}

func (r *CallbackRegistry) errorList() []ErrorCallback {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ErrorCallback, len(r.errors))
	copy(out, r.errors)
	return out
}

func (r *CallbackRegistry) invoke(kind string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil && r.log != nil {
			r.log.Warn("callback panicked", "kind", kind, "panic", fmt.Sprint(rec))
		}
	}()
	fn()
}
