// Package workerpool maintains the membership view of live executor
// nodes and the selection policy used for dispatch.
package workerpool

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/mysl/mbrace/pkg/types"
)

var (
	// ErrUnknownWorker is returned when mutating a worker not in the pool.
	ErrUnknownWorker = errors.New("worker not in pool")
)

type member struct {
	ref  types.WorkerRef
	load int
	// seq breaks load ties so selection round-robins instead of
	// hammering the first map entry.
	seq uint64
}

// Pool is the single actor serializing worker membership mutations.
// Selection balances load: least-loaded first, round-robin among ties,
// skipping workers without Slave permission.
type Pool struct {
	mu      sync.Mutex
	members map[string]*member
	nextSeq uint64

	failures chan string
	logger   *slog.Logger
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		members:  make(map[string]*member),
		failures: make(chan string, 64),
		logger:   slog.With("component", "workerpool"),
	}
}

// Attach adds or updates a worker.
func (p *Pool) Attach(ref types.WorkerRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.members[ref.ID]; ok {
		m.ref = ref
		return
	}
	p.nextSeq++
	p.members[ref.ID] = &member{ref: ref, seq: p.nextSeq}
}

// Detach removes a worker without emitting a failure event.
func (p *Pool) Detach(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.members, id)
}

// SetPermissions updates a worker's permission bits. Workers demoted to
// None stop being selected but keep their outstanding assignments.
func (p *Pool) SetPermissions(id string, perms types.Permissions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.members[id]
	if !ok {
		return ErrUnknownWorker
	}
	m.ref.Permissions = perms
	return nil
}

// Select returns one eligible worker, or false when none are available.
// The returned worker's load is incremented; callers release it via
// Release when the assignment ends.
func (p *Pool) Select() (types.WorkerRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.pickLocked(nil)
	if m == nil {
		return types.WorkerRef{}, false
	}
	m.load++
	return m.ref, true
}

// SelectMany reserves n distinct workers atomically: all-or-nothing.
// When fewer than n workers are eligible it reserves none and returns
// false, and the caller retries. Reservation is spread least-loaded
// first.
func (p *Pool) SelectMany(n int) ([]types.WorkerRef, bool) {
	if n <= 0 {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	eligible := 0
	for _, m := range p.members {
		if m.ref.Permissions.CanExecute() {
			eligible++
		}
	}
	if eligible == 0 {
		return nil, false
	}
	if eligible < n {
		// Parallel groups log atomically, so workers are reserved
		// atomically too; a half-reserved group could never complete.
		return nil, false
	}
	out := make([]types.WorkerRef, 0, n)
	taken := make(map[string]bool, n)
	for len(out) < n {
		m := p.pickLocked(taken)
		if m == nil {
			break
		}
		m.load++
		taken[m.ref.ID] = true
		out = append(out, m.ref)
	}
	return out, true
}

// Release decrements the load of a worker after its assignment ends.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.members[id]; ok && m.load > 0 {
		m.load--
	}
}

// GetAvailableWorkerCount returns the number of workers eligible for
// selection.
func (p *Pool) GetAvailableWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.members {
		if m.ref.Permissions.CanExecute() {
			n++
		}
	}
	return n
}

// All returns the current membership.
func (p *Pool) All() []types.WorkerRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.WorkerRef, 0, len(p.members))
	for _, m := range p.members {
		out = append(out, m.ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnWorkerFailure removes the worker from the pool and emits a failure
// event for task managers to consume.
func (p *Pool) OnWorkerFailure(id string) {
	p.mu.Lock()
	_, known := p.members[id]
	delete(p.members, id)
	p.mu.Unlock()
	if !known {
		return
	}
	p.logger.Warn("worker failed", "worker", id)
	select {
	case p.failures <- id:
	default:
		p.logger.Error("failure event dropped, channel full", "worker", id)
	}
}

// Failures is the stream of failed worker ids.
func (p *Pool) Failures() <-chan string { return p.failures }

// pickLocked returns the least-loaded eligible member not in skip,
// breaking ties by attachment order rotated on use.
func (p *Pool) pickLocked(skip map[string]bool) *member {
	var best *member
	for _, m := range p.members {
		if !m.ref.Permissions.CanExecute() || skip[m.ref.ID] {
			continue
		}
		if best == nil || m.load < best.load || (m.load == best.load && m.seq < best.seq) {
			best = m
		}
	}
	if best != nil {
		p.nextSeq++
		best.seq = p.nextSeq
	}
	return best
}
