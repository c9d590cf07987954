// Package registry tracks the supervisor's live children: the worker
// table (pid -> cancel key) and the named slots for singleton services.
// All state is process-local to the supervisor; only the main loop and
// its signal actions mutate it, so no locking is needed, but a mutex
// keeps the accept-side admission count race-free.
package registry

import "sync"

// WorkerEntry pairs a worker pid with its cancel key.
type WorkerEntry struct {
	PID       int
	CancelKey int32
}

// Registry is the worker table, keyed by pid.
type Registry struct {
	mu      sync.Mutex
	workers map[int]WorkerEntry
}

func New() *Registry {
	return &Registry{workers: make(map[int]WorkerEntry)}
}

// Add records a successfully spawned worker.
func (r *Registry) Add(pid int, cancelKey int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[pid] = WorkerEntry{PID: pid, CancelKey: cancelKey}
}

// Remove deletes the entry for pid and reports whether it existed.
func (r *Registry) Remove(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.workers[pid]
	delete(r.workers, pid)
	return ok
}

// Find returns the cancel key for pid.
func (r *Registry) Find(pid int) (int32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[pid]
	return e.CancelKey, ok
}

// Count returns the number of live-or-authenticating workers. It feeds
// the admission predicate, which allows up to twice the configured
// backend maximum to leave slack for sessions that fail authentication.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Pids returns a snapshot of all tracked worker pids.
func (r *Registry) Pids() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pids := make([]int, 0, len(r.workers))
	for pid := range r.workers {
		pids = append(pids, pid)
	}
	return pids
}

// Empty reports whether no workers are tracked.
func (r *Registry) Empty() bool {
	return r.Count() == 0
}

// ServiceSlot names a singleton service process.
type ServiceSlot int

const (
	SlotStartup ServiceSlot = iota
	SlotBgWriter
	SlotArchiver
	SlotStats
	SlotLogger
	numSlots
)

func (s ServiceSlot) String() string {
	switch s {
	case SlotStartup:
		return "startup process"
	case SlotBgWriter:
		return "background writer process"
	case SlotArchiver:
		return "archiver process"
	case SlotStats:
		return "statistics collector process"
	case SlotLogger:
		return "log collector process"
	}
	return "unknown process"
}

// Slots holds the pid of each singleton service; zero means not running.
type Slots struct {
	pids [numSlots]int
}

func (s *Slots) Get(slot ServiceSlot) int     { return s.pids[slot] }
func (s *Slots) Set(slot ServiceSlot, pid int) { s.pids[slot] = pid }
func (s *Slots) Clear(slot ServiceSlot)        { s.pids[slot] = 0 }

// Running reports whether the slot currently holds a live pid.
func (s *Slots) Running(slot ServiceSlot) bool { return s.pids[slot] != 0 }

// Match returns the slot owning pid, if any. Callers that dispatch a
// termination must check slots in priority order (startup first, then
// bgwriter, archiver, stats, logger) before consulting the worker
// table; see MatchOrdered.
func (s *Slots) MatchOrdered(pid int) (ServiceSlot, bool) {
	for slot := SlotStartup; slot < numSlots; slot++ {
		if s.pids[slot] != 0 && s.pids[slot] == pid {
			return slot, true
		}
	}
	return 0, false
}
