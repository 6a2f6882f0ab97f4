package tasklog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mysl/mbrace/internal/replication"
	"github.com/mysl/mbrace/pkg/types"
)

// Command kinds shipped to replicas.
const (
	cmdLog   = "tasklog.log"
	cmdUnlog = "tasklog.unlog"
)

type logPayload struct {
	Entries []types.TaskLogEntry `json:"entries"`
}

type unlogPayload struct {
	IDs []types.TaskID `json:"ids"`
}

// Log is the primary handle on the replicated task log. Mutations apply
// to the local store first and are then broadcast to replica stores;
// reads are served locally. All mutations issued through one Log apply
// in submission order on every replica.
type Log struct {
	store  *Store
	bcast  *replication.Broadcaster
	logger *slog.Logger
}

// NewLog wraps a local store with a replication broadcaster. bcast may
// be nil for single-node deployments and tests.
func NewLog(store *Store, bcast *replication.Broadcaster) *Log {
	return &Log{
		store:  store,
		bcast:  bcast,
		logger: slog.With("component", "tasklog"),
	}
}

// Log appends one or more entries under the given replication directive.
func (l *Log) Log(ctx context.Context, d replication.Directive, entries ...types.TaskLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	l.store.Insert(entries...)
	return l.broadcast(ctx, cmdLog, logPayload{Entries: entries}, d)
}

// Unlog removes entries by id under the given replication directive.
// Missing ids are ignored.
func (l *Log) Unlog(ctx context.Context, d replication.Directive, ids ...types.TaskID) error {
	if len(ids) == 0 {
		return nil
	}
	l.store.Remove(ids...)
	return l.broadcast(ctx, cmdUnlog, unlogPayload{IDs: ids}, d)
}

// IsLogged reports whether the task is still outstanding.
func (l *Log) IsLogged(id types.TaskID) bool { return l.store.Contains(id) }

// Lookup returns the entry for id, or false.
func (l *Log) Lookup(id types.TaskID) (types.TaskLogEntry, bool) { return l.store.Lookup(id) }

// RetrieveByWorker returns all entries assigned to the worker.
func (l *Log) RetrieveByWorker(workerID string) []types.TaskLogEntry {
	return l.store.ByWorker(workerID)
}

// GetSiblingTasks returns all entries sharing id's parent.
func (l *Log) GetSiblingTasks(id types.TaskID) []types.TaskLogEntry {
	return l.store.Siblings(id)
}

// RetrieveByProcess returns all entries belonging to a process.
func (l *Log) RetrieveByProcess(pid types.ProcessID) []types.TaskLogEntry {
	return l.store.ByProcess(pid)
}

// GetCount returns the number of outstanding entries.
func (l *Log) GetCount() int { return l.store.Count() }

// CountByProcess returns the number of outstanding entries attributable
// to one process.
func (l *Log) CountByProcess(pid types.ProcessID) int { return l.store.CountByProcess(pid) }

func (l *Log) broadcast(ctx context.Context, kind string, payload any, d replication.Directive) error {
	if l.bcast == nil {
		return nil
	}
	return l.bcast.Broadcast(ctx, kind, payload, d)
}

// Replica adapts a Store into a replication peer that applies log and
// unlog commands shipped from the primary.
type Replica struct {
	id    string
	store *Store
}

// NewReplica wraps store as a replication peer.
func NewReplica(id string, store *Store) *Replica {
	return &Replica{id: id, store: store}
}

func (r *Replica) ID() string { return r.id }

// Store exposes the replica's local store, mainly for tests and for
// promotion on master failover.
func (r *Replica) Store() *Store { return r.store }

// Apply decodes and applies one replicated mutation.
func (r *Replica) Apply(_ context.Context, cmd replication.Command) error {
	switch cmd.Kind {
	case cmdLog:
		var p logPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("decode log command: %w", err)
		}
		r.store.Insert(p.Entries...)
	case cmdUnlog:
		var p unlogPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("decode unlog command: %w", err)
		}
		r.store.Remove(p.IDs...)
	default:
		return fmt.Errorf("unknown task log command %q", cmd.Kind)
	}
	return nil
}
