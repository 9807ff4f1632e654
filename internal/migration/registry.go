package migration

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// RunRegistry tracks live orchestrators by run id so control surfaces can
// address them after launch.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*Orchestrator
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[uuid.UUID]*Orchestrator)}
}

func (r *RunRegistry) Add(o *Orchestrator) {
	r.mu.Lock()
	r.runs[o.ID()] = o
	r.mu.Unlock()
}

func (r *RunRegistry) Get(id uuid.UUID) (*Orchestrator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.runs[id]
	return o, ok
}

// List returns all registered runs ordered by start time, oldest first.
func (r *RunRegistry) List() []*Orchestrator {
	r.mu.RLock()
	out := make([]*Orchestrator, 0, len(r.runs))
	for _, o := range r.runs {
		out = append(out, o)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		mi, _ := out[i].Status()
		mj, _ := out[j].Status()
		return mi.StartedAt.Before(mj.StartedAt)
	})
	return out
}
