// Package workers hosts the long-running loops that ingest blocks and
// milestones, reconcile finality, and repair historical data defects. Each
// worker owns its loop and back-off timers; the only shared mutable state is
// the status registry and the RPC pool's endpoint table.
package workers

import (
	"sort"
	"sync"
	"time"
)

// Worker states reported through the status registry.
const (
	StateRunning = "running"
	StateIdle    = "idle"
	StateError   = "error"
	StateStopped = "stopped"
)

// Worker names, as reported on the status surface.
const (
	NameTipFollower           = "tip_follower"
	NameBlockBackfiller       = "block_backfiller"
	NameMilestoneBackfiller   = "milestone_backfiller"
	NameGapAnalyzer           = "gap_analyzer"
	NameGapFiller             = "gap_filler"
	NameFinalityReconciler    = "finality_reconciler"
	NamePriorityFeeRecomputer = "priority_fee_recomputer"
)

// Status is one worker's registry entry.
type Status struct {
	Name           string     `json:"name"`
	State          string     `json:"state"`
	LastRunAt      *time.Time `json:"last_run_at"`
	LastErrorAt    *time.Time `json:"last_error_at"`
	LastError      string     `json:"last_error,omitempty"`
	ItemsProcessed int64      `json:"items_processed"`
}

// Registry is the process-local worker status table. Workers write it, the
// status endpoint reads it. It is reset at process start.
type Registry struct {
	mu       sync.Mutex
	statuses map[string]*Status
}

func NewRegistry() *Registry {
	return &Registry{statuses: make(map[string]*Status)}
}

func (r *Registry) get(name string) *Status {
	s, ok := r.statuses[name]
	if !ok {
		s = &Status{Name: name, State: StateStopped}
		r.statuses[name] = s
	}

	return s
}

// SetState transitions a worker's state, registering it on first use.
func (r *Registry) SetState(name, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.get(name).State = state
}

// RecordRun marks a completed iteration: state running, last_run_at now, and
// the processed-item counter advanced by items.
func (r *Registry) RecordRun(name string, items int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(name)
	now := time.Now()
	s.State = StateRunning
	s.LastRunAt = &now
	s.ItemsProcessed += items
}

// RecordError notes a failed iteration. Upstream RPC failures are routine
// retries and leave the state alone; an unclassified error means the database
// is gone, so the worker parks in the error state until a cycle succeeds.
func (r *Registry) RecordError(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.get(name)
	now := time.Now()
	s.LastErrorAt = &now
	s.LastError = err.Error()

	if !rpcClassified(err) {
		s.State = StateError
	}
}

// Statuses returns a snapshot of all entries, sorted by name.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, *s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Running reports whether any worker is currently active.
func (r *Registry) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.statuses {
		if s.State == StateRunning || s.State == StateIdle {
			return true
		}
	}

	return false
}
