package procmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mysl/mbrace/internal/replication"
	"github.com/mysl/mbrace/pkg/types"
)

var (
	// ErrProcessNotFound is returned when a query names an unknown process.
	ErrProcessNotFound = errors.New("process not found")
	// ErrNotTerminal is returned when clearing a process that is still live.
	ErrNotTerminal = errors.New("process is not in a terminal state")
	// ErrInvalidTransition is returned for non-monotone state changes.
	ErrInvalidTransition = errors.New("invalid process state transition")
)

// Command kinds shipped to record replicas.
const (
	cmdUpsertRecord = "procmonitor.upsert"
	cmdClearRecord  = "procmonitor.clear"
)

type upsertPayload struct {
	Record types.ProcessRecord `json:"record"`
}

type clearPayload struct {
	ID  types.ProcessID `json:"id,omitempty"`
	All bool            `json:"all,omitempty"`
}

// Monitor owns the process record table. It also serves as the
// scheduler's side channel for terminal results: SetResult writes the
// result into the record and notifies the process manager.
type Monitor struct {
	mu        sync.Mutex
	records   map[types.ProcessID]*types.ProcessRecord
	byRequest map[string]types.ProcessID

	bcast      *replication.Broadcaster
	store      *RecordStore
	onTerminal func(pid types.ProcessID, result types.Result)
	logger     *slog.Logger
}

// NewMonitor creates a monitor. bcast and store may be nil; previously
// persisted records are loaded when a store is given.
func NewMonitor(bcast *replication.Broadcaster, store *RecordStore) (*Monitor, error) {
	m := &Monitor{
		records:   make(map[types.ProcessID]*types.ProcessRecord),
		byRequest: make(map[string]types.ProcessID),
		bcast:     bcast,
		store:     store,
		logger:    slog.With("component", "procmonitor"),
	}
	if store != nil {
		records, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("load persisted records: %w", err)
		}
		for _, rec := range records {
			rec := rec
			m.records[rec.ID] = &rec
			m.byRequest[rec.RequestID] = rec.ID
		}
	}
	return m, nil
}

// SetOnTerminal installs the callback fired when a record reaches a
// terminal state through SetResult. The callback must not call back
// into the monitor synchronously.
func (m *Monitor) SetOnTerminal(fn func(pid types.ProcessID, result types.Result)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminal = fn
}

// Lookup finds a record by client request id, the admission dedup key.
func (m *Monitor) Lookup(requestID string) (types.ProcessRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid, ok := m.byRequest[requestID]
	if !ok {
		return types.ProcessRecord{}, false
	}
	return m.records[pid].Clone(), true
}

// Get returns a record by process id.
func (m *Monitor) Get(pid types.ProcessID) (types.ProcessRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[pid]
	if !ok {
		return types.ProcessRecord{}, false
	}
	return rec.Clone(), true
}

// All returns every record.
func (m *Monitor) All() []types.ProcessRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ProcessRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	return out
}

// Upsert inserts or updates a record under the given replication
// directive, enforcing the monotone state machine.
func (m *Monitor) Upsert(ctx context.Context, rec types.ProcessRecord, d replication.Directive) error {
	m.mu.Lock()
	if existing, ok := m.records[rec.ID]; ok {
		if !types.ValidTransition(existing.State, rec.State) {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, existing.State, rec.State)
		}
	}
	stored := rec
	m.records[rec.ID] = &stored
	m.byRequest[rec.RequestID] = rec.ID
	m.mu.Unlock()

	m.persist()
	if m.bcast == nil {
		return nil
	}
	return m.bcast.Broadcast(ctx, cmdUpsertRecord, upsertPayload{Record: rec}, d)
}

// Transition moves a process to a new state.
func (m *Monitor) Transition(ctx context.Context, pid types.ProcessID, state types.ProcessState, d replication.Directive) error {
	m.mu.Lock()
	rec, ok := m.records[pid]
	if !ok {
		m.mu.Unlock()
		return ErrProcessNotFound
	}
	if !types.ValidTransition(rec.State, state) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, state)
	}
	rec.State = state
	snapshot := rec.Clone()
	m.mu.Unlock()

	m.persist()
	if m.bcast == nil {
		return nil
	}
	return m.bcast.Broadcast(ctx, cmdUpsertRecord, upsertPayload{Record: snapshot}, d)
}

// SetResult settles the terminal result of a process. Results landing
// after the record is already terminal are dropped: a kill beats a late
// completion and vice versa.
func (m *Monitor) SetResult(pid types.ProcessID, result types.Result) {
	m.mu.Lock()
	rec, ok := m.records[pid]
	if !ok || rec.State.Terminal() {
		m.mu.Unlock()
		return
	}
	res := result
	rec.Result = &res
	rec.State = result.StateOf()
	snapshot := rec.Clone()
	fn := m.onTerminal
	m.mu.Unlock()

	m.persist()
	if m.bcast != nil {
		if err := m.bcast.Broadcast(context.Background(), cmdUpsertRecord, upsertPayload{Record: snapshot}, replication.AsyncReplicated); err != nil {
			m.logger.Warn("result replication degraded", "process", pid, "error", err)
		}
	}
	if fn != nil {
		fn(pid, result)
	}
}

// Clear frees a terminal record, dropping its persisted artifacts too.
func (m *Monitor) Clear(ctx context.Context, pid types.ProcessID) error {
	m.mu.Lock()
	rec, ok := m.records[pid]
	if !ok {
		m.mu.Unlock()
		return ErrProcessNotFound
	}
	if !rec.State.Terminal() {
		m.mu.Unlock()
		return ErrNotTerminal
	}
	delete(m.byRequest, rec.RequestID)
	delete(m.records, pid)
	m.mu.Unlock()

	m.persist()
	if m.bcast == nil {
		return nil
	}
	return m.bcast.Broadcast(ctx, cmdClearRecord, clearPayload{ID: pid}, replication.AsyncReplicated)
}

// ClearAll frees every terminal record and returns how many were freed.
func (m *Monitor) ClearAll(ctx context.Context) int {
	m.mu.Lock()
	cleared := 0
	for pid, rec := range m.records {
		if !rec.State.Terminal() {
			continue
		}
		delete(m.byRequest, rec.RequestID)
		delete(m.records, pid)
		cleared++
	}
	m.mu.Unlock()

	if cleared == 0 {
		return 0
	}
	m.persist()
	if m.bcast != nil {
		if err := m.bcast.Broadcast(ctx, cmdClearRecord, clearPayload{All: true}, replication.AsyncReplicated); err != nil {
			m.logger.Warn("clear replication degraded", "error", err)
		}
	}
	return cleared
}

func (m *Monitor) persist() {
	if m.store == nil {
		return
	}
	if err := m.store.Write(m.All()); err != nil {
		// Persistence is belt-and-suspenders on top of replication;
		// a failed write degrades restart behavior, nothing else.
		m.logger.Warn("record persistence degraded", "error", err)
	}
}

// RecordReplica applies replicated record mutations on a standby node.
type RecordReplica struct {
	id string

	mu      sync.Mutex
	records map[types.ProcessID]types.ProcessRecord
}

// NewRecordReplica creates an empty replica.
func NewRecordReplica(id string) *RecordReplica {
	return &RecordReplica{id: id, records: make(map[types.ProcessID]types.ProcessRecord)}
}

func (r *RecordReplica) ID() string { return r.id }

// Records returns a copy of the replica's table.
func (r *RecordReplica) Records() []types.ProcessRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ProcessRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out
}

// Apply decodes and applies one replicated record mutation.
func (r *RecordReplica) Apply(_ context.Context, cmd replication.Command) error {
	switch cmd.Kind {
	case cmdUpsertRecord:
		var p upsertPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("decode upsert command: %w", err)
		}
		r.mu.Lock()
		r.records[p.Record.ID] = p.Record
		r.mu.Unlock()
	case cmdClearRecord:
		var p clearPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("decode clear command: %w", err)
		}
		r.mu.Lock()
		if p.All {
			for pid, rec := range r.records {
				if rec.State.Terminal() {
					delete(r.records, pid)
				}
			}
		} else {
			delete(r.records, p.ID)
		}
		r.mu.Unlock()
	default:
		return fmt.Errorf("unknown record command %q", cmd.Kind)
	}
	return nil
}
