// Package tasklog implements the replicated record of every task that
// has been dispatched but not yet acknowledged complete. The store is
// the recovery oracle: any logged task is eventually either completed,
// cancelled, or reassigned to a live worker.
package tasklog

import (
	"sync"

	"github.com/mysl/mbrace/pkg/types"
)

// Store is the in-memory task log held by one replica. All operations
// are idempotent on TaskID: logging an already-logged id replaces the
// entry (used when a task is reassigned), unlogging a missing id is a
// no-op.
type Store struct {
	mu        sync.RWMutex
	entries   map[types.TaskID]*types.TaskLogEntry
	byWorker  map[string]map[types.TaskID]struct{}
	byParent  map[types.TaskID]map[types.TaskID]struct{}
	byProcess map[types.ProcessID]map[types.TaskID]struct{}
}

// NewStore creates an empty task log store.
func NewStore() *Store {
	return &Store{
		entries:   make(map[types.TaskID]*types.TaskLogEntry),
		byWorker:  make(map[string]map[types.TaskID]struct{}),
		byParent:  make(map[types.TaskID]map[types.TaskID]struct{}),
		byProcess: make(map[types.ProcessID]map[types.TaskID]struct{}),
	}
}

// Insert appends entries to the log, replacing any existing entry with
// the same TaskID.
func (s *Store) Insert(entries ...types.TaskLogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		e := e
		if old, ok := s.entries[e.ID]; ok {
			s.dropIndexes(old)
		}
		s.entries[e.ID] = &e
		index(s.byWorker, e.Worker, e.ID)
		index(s.byParent, e.Parent, e.ID)
		index(s.byProcess, e.Payload.Header.Process, e.ID)
	}
}

// Remove deletes entries by id; missing ids are ignored.
func (s *Store) Remove(ids ...types.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		e, ok := s.entries[id]
		if !ok {
			continue
		}
		s.dropIndexes(e)
		delete(s.entries, id)
	}
}

// Contains reports whether the id is currently logged.
func (s *Store) Contains(id types.TaskID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

// Lookup returns the entry for id, or false.
func (s *Store) Lookup(id types.TaskID) (types.TaskLogEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return types.TaskLogEntry{}, false
	}
	return *e, true
}

// ByWorker returns all entries assigned to the given worker. Used on
// worker failure to drive recovery.
func (s *Store) ByWorker(workerID string) []types.TaskLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byWorker[workerID])
}

// Siblings returns all logged entries sharing id's parent, including
// the entry itself if still logged. Used by cancellation of parallel
// branches. Root entries have no parent and therefore no siblings
// beyond themselves.
func (s *Store) Siblings(id types.TaskID) []types.TaskLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	if e.Parent == "" {
		return []types.TaskLogEntry{*e}
	}
	return s.collect(s.byParent[e.Parent])
}

// ByProcess returns all entries belonging to a process.
func (s *Store) ByProcess(pid types.ProcessID) []types.TaskLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byProcess[pid])
}

// Count returns the number of logged entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// CountByProcess returns the number of logged entries attributable to
// one process.
func (s *Store) CountByProcess(pid types.ProcessID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byProcess[pid])
}

func (s *Store) collect(ids map[types.TaskID]struct{}) []types.TaskLogEntry {
	if len(ids) == 0 {
		return nil
	}
	out := make([]types.TaskLogEntry, 0, len(ids))
	for id := range ids {
		out = append(out, *s.entries[id])
	}
	return out
}

func (s *Store) dropIndexes(e *types.TaskLogEntry) {
	unindex(s.byWorker, e.Worker, e.ID)
	unindex(s.byParent, e.Parent, e.ID)
	unindex(s.byProcess, e.Payload.Header.Process, e.ID)
}

func index[K comparable](m map[K]map[types.TaskID]struct{}, key K, id types.TaskID) {
	set, ok := m[key]
	if !ok {
		set = make(map[types.TaskID]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func unindex[K comparable](m map[K]map[types.TaskID]struct{}, key K, id types.TaskID) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}
