package fake

import (
	"sync"

	"wiremesh/internal/lease"
)

var _ lease.ProcessTable = (*ProcessTable)(nil)

// ProcessTable is an in-memory process table.
type ProcessTable struct {
	CallRecorder
	mu    sync.Mutex
	alive map[int]bool
}

// NewProcessTable creates a ProcessTable in which the given pids are alive.
func NewProcessTable(alive ...int) *ProcessTable {
	t := &ProcessTable{alive: make(map[int]bool)}
	for _, pid := range alive {
		t.alive[pid] = true
	}
	return t
}

// Kill marks pid as exited.
func (t *ProcessTable) Kill(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.alive, pid)
}

func (t *ProcessTable) Alive(pid int) (bool, error) {
	t.record("Alive", pid)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive[pid], nil
}
