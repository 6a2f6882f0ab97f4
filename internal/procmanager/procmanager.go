// Package procmanager implements the cluster-singleton admission
// controller: it validates submissions, allocates process ids,
// activates a per-process scheduler and task manager pair, and exposes
// the client-facing query and control operations.
package procmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mysl/mbrace/internal/metrics"
	"github.com/mysl/mbrace/internal/protocol"
	"github.com/mysl/mbrace/internal/replication"
	"github.com/mysl/mbrace/internal/workerpool"
	"github.com/mysl/mbrace/pkg/types"
)

var (
	// ErrActivationFailure wraps failures to activate a per-process
	// runtime; the cluster itself stays healthy.
	ErrActivationFailure = errors.New("failed to activate process")
	// ErrSystemFailed is the client-visible marker for a system failure.
	ErrSystemFailed = errors.New("system failed")
	// ErrSystemCorrupted is replied when the process manager hits an
	// unrecoverable fault and deactivates itself.
	ErrSystemCorrupted = errors.New("system corrupted")
	// ErrManagerStopped is returned for requests after deactivation.
	ErrManagerStopped = errors.New("process manager stopped")
)

// ProcessScheduler is the per-process scheduler as the manager sees it.
type ProcessScheduler interface {
	NewProcess(body []byte)
	Stop()
}

// ProcessTasks is the per-process task manager as the manager sees it.
type ProcessTasks interface {
	Kill(ctx context.Context) error
	Recover(workerID string)
	Stop()
}

// Activation is one process's live runtime pair.
type Activation struct {
	Scheduler ProcessScheduler
	Tasks     ProcessTasks
}

// Activator builds the runtime pair for a new process. Implementations
// perform the two-phase wiring: create both actors, then inject the
// scheduler into the task manager.
type Activator interface {
	Activate(pid types.ProcessID, dependencies []string) (*Activation, error)
}

// AssemblyManager is the external code-distribution collaborator. The
// core only passes dependency manifests through to it.
type AssemblyManager interface {
	RequestDependencies(ctx context.Context, ids []string) ([][]byte, error)
	LoadAssemblies(ctx context.Context, images [][]byte) ([]string, error)
	GetAssemblyLoadInfo(ctx context.Context, ids []string) ([]string, error)
}

// Config assembles a process manager.
type Config struct {
	Monitor    *Monitor
	Activator  Activator
	Pool       *workerpool.Pool
	Assemblies AssemblyManager
	Metrics    *metrics.Collector
	// TaskCount reports the outstanding task count of a process, fed
	// from the task log. May be nil.
	TaskCount func(types.ProcessID) int
	// OnClusterFail is signalled when a system fault escalates beyond
	// this process manager. May be nil.
	OnClusterFail func(error)

	MailboxSize int
}

type pmMessage interface{ isPMMessage() }

type createProcess struct {
	ctx       context.Context
	reply     chan createProcessReply
	requestID string
	image     protocol.ProcessImage
}

type createProcessReply struct {
	record types.ProcessRecord
	err    error
}

type getInfo struct {
	reply chan getInfoReply
	pid   types.ProcessID
}

type getInfoReply struct {
	info protocol.ProcessInfo
	err  error
}

type getAllInfo struct {
	reply chan []protocol.ProcessInfo
}

type killProcess struct {
	ctx   context.Context
	reply chan error
	pid   types.ProcessID
}

type clearInfo struct {
	ctx   context.Context
	reply chan error
	pid   types.ProcessID
}

type clearAllInfo struct {
	ctx   context.Context
	reply chan int
}

type processTerminal struct {
	pid    types.ProcessID
	result types.Result
}

type workerFailed struct {
	workerID string
}

type systemFault struct {
	err error
}

func (createProcess) isPMMessage()   {}
func (getInfo) isPMMessage()         {}
func (getAllInfo) isPMMessage()      {}
func (killProcess) isPMMessage()     {}
func (clearInfo) isPMMessage()       {}
func (clearAllInfo) isPMMessage()    {}
func (processTerminal) isPMMessage() {}
func (workerFailed) isPMMessage()    {}
func (systemFault) isPMMessage()     {}

// Manager is the process manager actor.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mailbox chan pmMessage
	stop    chan struct{}
	done    chan struct{}

	// Actor-owned state.
	active map[types.ProcessID]*Activation
}

// New creates a process manager.
func New(cfg Config) *Manager {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 128
	}
	m := &Manager{
		cfg:     cfg,
		logger:  slog.With("component", "procmanager"),
		mailbox: make(chan pmMessage, cfg.MailboxSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		active:  make(map[types.ProcessID]*Activation),
	}
	cfg.Monitor.SetOnTerminal(func(pid types.ProcessID, result types.Result) {
		go m.enqueue(processTerminal{pid: pid, result: result})
	})
	return m
}

// Start launches the actor and the worker-failure fan-out.
func (m *Manager) Start() {
	go m.run()
	go m.watchFailures()
}

// Stop deactivates the process manager, tearing down all live process
// runtimes.
func (m *Manager) Stop() {
	select {
	case <-m.stop:
		return
	default:
	}
	close(m.stop)
	<-m.done
}

func (m *Manager) run() {
	defer close(m.done)
	defer m.teardownAll()
	for {
		select {
		case <-m.stop:
			return
		case msg := <-m.mailbox:
			m.dispatch(msg)
		}
	}
}

func (m *Manager) watchFailures() {
	if m.cfg.Pool == nil {
		return
	}
	for {
		select {
		case <-m.stop:
			return
		case id := <-m.cfg.Pool.Failures():
			m.enqueue(workerFailed{workerID: id})
		}
	}
}

func (m *Manager) enqueue(msg pmMessage) {
	select {
	case m.mailbox <- msg:
	case <-m.stop:
	}
}

func (m *Manager) dispatch(msg pmMessage) {
	switch v := msg.(type) {
	case createProcess:
		m.handleCreate(v)
	case getInfo:
		m.handleGetInfo(v)
	case getAllInfo:
		v.reply <- m.allInfo()
	case killProcess:
		m.handleKill(v)
	case clearInfo:
		v.reply <- m.cfg.Monitor.Clear(v.ctx, v.pid)
	case clearAllInfo:
		v.reply <- m.cfg.Monitor.ClearAll(v.ctx)
	case processTerminal:
		m.handleTerminal(v)
	case workerFailed:
		m.handleWorkerFailed(v)
	case systemFault:
		m.triggerSystemFault(v.err)
	default:
		m.logger.Error("unhandled mailbox message", "type", fmt.Sprintf("%T", msg))
	}
}

// ---------------------------------------------------------------------
// Public API.
// ---------------------------------------------------------------------

// CreateDynamicProcess admits a submission. The call is idempotent per
// requestID: a resubmission receives the original record.
func (m *Manager) CreateDynamicProcess(ctx context.Context, requestID string, image protocol.ProcessImage) (types.ProcessRecord, error) {
	reply := make(chan createProcessReply, 1)
	m.enqueue(createProcess{ctx: ctx, reply: reply, requestID: requestID, image: image})
	select {
	case r := <-reply:
		return r.record, r.err
	case <-ctx.Done():
		return types.ProcessRecord{}, ctx.Err()
	case <-m.stop:
		return types.ProcessRecord{}, ErrManagerStopped
	}
}

// GetProcessInfo returns the client projection of one process.
func (m *Manager) GetProcessInfo(ctx context.Context, pid types.ProcessID) (protocol.ProcessInfo, error) {
	reply := make(chan getInfoReply, 1)
	m.enqueue(getInfo{reply: reply, pid: pid})
	select {
	case r := <-reply:
		return r.info, r.err
	case <-ctx.Done():
		return protocol.ProcessInfo{}, ctx.Err()
	case <-m.stop:
		return protocol.ProcessInfo{}, ErrManagerStopped
	}
}

// GetAllProcessInfo returns the projections of every known process.
func (m *Manager) GetAllProcessInfo(ctx context.Context) ([]protocol.ProcessInfo, error) {
	reply := make(chan []protocol.ProcessInfo, 1)
	m.enqueue(getAllInfo{reply: reply})
	select {
	case infos := <-reply:
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.stop:
		return nil, ErrManagerStopped
	}
}

// KillProcess marks the record Killed and cascades cancellation to all
// outstanding tasks.
func (m *Manager) KillProcess(ctx context.Context, pid types.ProcessID) error {
	reply := make(chan error, 1)
	m.enqueue(killProcess{ctx: ctx, reply: reply, pid: pid})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stop:
		return ErrManagerStopped
	}
}

// ClearProcessInfo frees one terminal record.
func (m *Manager) ClearProcessInfo(ctx context.Context, pid types.ProcessID) error {
	reply := make(chan error, 1)
	m.enqueue(clearInfo{ctx: ctx, reply: reply, pid: pid})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stop:
		return ErrManagerStopped
	}
}

// ClearAllProcessInfo frees every terminal record.
func (m *Manager) ClearAllProcessInfo(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	m.enqueue(clearAllInfo{ctx: ctx, reply: reply})
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-m.stop:
		return 0, ErrManagerStopped
	}
}

// SystemFault escalates an unrecoverable fault (replication broadcast
// failure, protocol corruption) into the manager's fault handler.
func (m *Manager) SystemFault(err error) {
	m.enqueue(systemFault{err: err})
}

// RequestDependencies passes through to the assembly manager.
func (m *Manager) RequestDependencies(ctx context.Context, ids []string) ([][]byte, error) {
	if m.cfg.Assemblies == nil {
		return nil, errors.New("no assembly manager configured")
	}
	return m.cfg.Assemblies.RequestDependencies(ctx, ids)
}

// LoadAssemblies passes through to the assembly manager.
func (m *Manager) LoadAssemblies(ctx context.Context, images [][]byte) ([]string, error) {
	if m.cfg.Assemblies == nil {
		return nil, errors.New("no assembly manager configured")
	}
	return m.cfg.Assemblies.LoadAssemblies(ctx, images)
}

// GetAssemblyLoadInfo passes through to the assembly manager.
func (m *Manager) GetAssemblyLoadInfo(ctx context.Context, ids []string) ([]string, error) {
	if m.cfg.Assemblies == nil {
		return nil, errors.New("no assembly manager configured")
	}
	return m.cfg.Assemblies.GetAssemblyLoadInfo(ctx, ids)
}

// ---------------------------------------------------------------------
// Handlers.
// ---------------------------------------------------------------------

func (m *Manager) handleCreate(msg createProcess) {
	// Admission is deduplicated on the client request id: concurrent or
	// repeated submissions of the same request receive the same record.
	if rec, ok := m.cfg.Monitor.Lookup(msg.requestID); ok {
		msg.reply <- createProcessReply{record: rec}
		return
	}
	if len(msg.image.Computation) == 0 {
		msg.reply <- createProcessReply{err: errors.New("empty computation image")}
		return
	}

	pid := types.NewProcessID()
	rec := types.ProcessRecord{
		ID:           pid,
		RequestID:    msg.requestID,
		Name:         msg.image.Name,
		TypeName:     msg.image.TypeName,
		TypeBlob:     msg.image.TypeBlob,
		Dependencies: msg.image.Dependencies,
		State:        types.ProcessInitialized,
		InitTime:     time.Now(),
	}
	if err := m.cfg.Monitor.Upsert(msg.ctx, rec, replication.SyncReplicated); err != nil {
		m.triggerSystemFault(err)
		msg.reply <- createProcessReply{err: ErrSystemCorrupted}
		return
	}

	act, err := m.cfg.Activator.Activate(pid, msg.image.Dependencies)
	if err != nil {
		m.logger.Error("process activation failed", "process", pid, "error", err)
		m.cfg.Monitor.SetResult(pid, types.InitError(err))
		msg.reply <- createProcessReply{err: fmt.Errorf("%w: %v", ErrActivationFailure, err)}
		return
	}
	m.active[pid] = act

	rec.State = types.ProcessCreated
	if err := m.cfg.Monitor.Upsert(msg.ctx, rec, replication.AsyncReplicated); err != nil {
		m.logger.Warn("record replication degraded", "process", pid, "error", err)
	}

	act.Scheduler.NewProcess(msg.image.Computation)

	rec.State = types.ProcessRunning
	rec.StartTime = time.Now()
	if err := m.cfg.Monitor.Upsert(msg.ctx, rec, replication.SyncReplicated); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// The process finished before admission completed; hand the
			// client the terminal record.
			if cur, ok := m.cfg.Monitor.Get(pid); ok {
				msg.reply <- createProcessReply{record: cur}
				return
			}
		}
		m.triggerSystemFault(err)
		msg.reply <- createProcessReply{err: ErrSystemCorrupted}
		return
	}

	m.cfg.Metrics.RecordProcessAdmitted()
	m.logger.Info("process admitted", "process", pid, "name", rec.Name, "request", msg.requestID)
	msg.reply <- createProcessReply{record: rec}
}

func (m *Manager) handleGetInfo(msg getInfo) {
	rec, ok := m.cfg.Monitor.Get(msg.pid)
	if !ok {
		msg.reply <- getInfoReply{err: ErrProcessNotFound}
		return
	}
	msg.reply <- getInfoReply{info: m.projectInfo(rec)}
}

func (m *Manager) allInfo() []protocol.ProcessInfo {
	records := m.cfg.Monitor.All()
	out := make([]protocol.ProcessInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, m.projectInfo(rec))
	}
	return out
}

func (m *Manager) projectInfo(rec types.ProcessRecord) protocol.ProcessInfo {
	workers := 0
	tasks := 0
	if m.cfg.Pool != nil {
		workers = m.cfg.Pool.GetAvailableWorkerCount()
	}
	if m.cfg.TaskCount != nil {
		tasks = m.cfg.TaskCount(rec.ID)
	}
	return protocol.InfoOf(rec, workers, tasks)
}

func (m *Manager) handleKill(msg killProcess) {
	rec, ok := m.cfg.Monitor.Get(msg.pid)
	if !ok {
		msg.reply <- ErrProcessNotFound
		return
	}
	if rec.State.Terminal() {
		msg.reply <- nil
		return
	}

	// Mark first, then cascade: once the record is Killed the monitor
	// drops any late completion result.
	m.cfg.Monitor.SetResult(msg.pid, types.Killed())

	if act, live := m.active[msg.pid]; live {
		if err := act.Tasks.Kill(msg.ctx); err != nil {
			m.logger.Warn("kill cascade degraded", "process", msg.pid, "error", err)
		}
		act.Scheduler.Stop()
		act.Tasks.Stop()
		delete(m.active, msg.pid)
	}
	m.cfg.Metrics.RecordProcessFinished(string(types.ProcessKilled))
	m.logger.Info("process killed", "process", msg.pid)
	msg.reply <- nil
}

// handleTerminal tears down the runtime of a process that reached a
// terminal state through the scheduler side channel.
func (m *Manager) handleTerminal(msg processTerminal) {
	act, live := m.active[msg.pid]
	if !live {
		return
	}
	if msg.result.Kind != types.ResultSuccess {
		// Non-success leaves other branches outstanding; sweep them.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := act.Tasks.Kill(ctx); err != nil {
			m.logger.Warn("terminal sweep degraded", "process", msg.pid, "error", err)
		}
		cancel()
	}
	act.Scheduler.Stop()
	act.Tasks.Stop()
	delete(m.active, msg.pid)
	m.cfg.Metrics.RecordProcessFinished(string(msg.result.StateOf()))
	m.logger.Info("process finished", "process", msg.pid, "state", msg.result.StateOf())
}

// handleWorkerFailed fans a worker failure out to every live process:
// each task manager recovers the tasks it had assigned to that worker.
func (m *Manager) handleWorkerFailed(msg workerFailed) {
	m.logger.Warn("worker failure, starting recovery", "worker", msg.workerID)
	for pid, act := range m.active {
		if err := m.cfg.Monitor.Transition(context.Background(), pid, types.ProcessRecovering, replication.AsyncReplicated); err == nil {
			act.Tasks.Recover(msg.workerID)
			if err := m.cfg.Monitor.Transition(context.Background(), pid, types.ProcessRunning, replication.AsyncReplicated); err != nil {
				m.logger.Warn("recovering overlay transition degraded", "process", pid, "error", err)
			}
		} else {
			act.Tasks.Recover(msg.workerID)
		}
	}
}

// triggerSystemFault is the deliberate escalation path: the manager
// deactivates itself and signals cluster-wide failure. A caller that
// holds a client request replies SystemCorrupted after this call.
func (m *Manager) triggerSystemFault(err error) {
	m.logger.Error("system fault, deactivating process manager", "error", err)
	if m.cfg.OnClusterFail != nil {
		m.cfg.OnClusterFail(err)
	}
	go m.Stop()
}

func (m *Manager) teardownAll() {
	for pid, act := range m.active {
		act.Scheduler.Stop()
		act.Tasks.Stop()
		delete(m.active, pid)
	}
}
