// Package taskmanager drives every task of one process from dispatch to
// completion, including retry and recovery. It is an actor: one
// goroutine consumes a mailbox of typed messages, so state is never
// shared, only messaged.
package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/mysl/mbrace/internal/metrics"
	"github.com/mysl/mbrace/internal/replication"
	"github.com/mysl/mbrace/internal/tasklog"
	"github.com/mysl/mbrace/internal/workerpool"
	"github.com/mysl/mbrace/pkg/types"
)

var (
	// ErrStopped is returned for requests made after the manager shut down.
	ErrStopped = errors.New("task manager stopped")
)

// Scheduler is the per-process consumer of task results. TaskResult must
// not block: the scheduler is itself an actor and enqueues into its own
// mailbox.
type Scheduler interface {
	TaskResult(header types.TaskHeader, result types.Result)
}

// WorkerClient posts work to one executor node.
type WorkerClient interface {
	Execute(ctx context.Context, payload types.TaskPayload) error
	Cancel(ctx context.Context, ids []types.TaskID) error
}

// Transport resolves a worker ref into a client. Connect errors are
// treated like post failures: the task is retried on a fresh worker.
type Transport interface {
	Connect(ref types.WorkerRef) (WorkerClient, error)
}

// Config assembles a task manager for one process.
type Config struct {
	Process      types.ProcessID
	Log          *tasklog.Log
	Pool         *workerpool.Pool
	Transport    Transport
	Dependencies []string
	Metrics      *metrics.Collector
	// OnFault is invoked when a replication failure makes the process
	// unrecoverable. May be nil.
	OnFault func(error)

	// MailboxSize bounds the actor mailbox; 0 means a sane default.
	MailboxSize int
	// PostTimeout bounds one Execute call to a worker.
	PostTimeout time.Duration
}

// Manager is the task state machine for a single process.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mailbox chan message
	stop    chan struct{}
	done    chan struct{}

	// Actor-owned state; touched only from the run loop.
	sched          Scheduler
	retryRequested map[types.TaskID]struct{}
	processing     map[types.TaskID]struct{}
	killed         bool
	retry          *backoff.Backoff
}

// New creates a task manager. Start must be called before use; the
// scheduler is injected afterwards via SetScheduler (two-phase wiring
// resolves the scheduler/manager cycle).
func New(cfg Config) *Manager {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 256
	}
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = 5 * time.Second
	}
	return &Manager{
		cfg:            cfg,
		logger:         slog.With("component", "taskmanager", "process", cfg.Process),
		mailbox:        make(chan message, cfg.MailboxSize),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		retryRequested: make(map[types.TaskID]struct{}),
		processing:     make(map[types.TaskID]struct{}),
		retry: &backoff.Backoff{
			Min:    10 * time.Millisecond,
			Max:    2 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Start launches the actor loop.
func (m *Manager) Start() {
	go m.run()
}

// Stop terminates the actor without touching the log. Use Kill to tear
// down a process's outstanding tasks first.
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
	for {
		select {
		case <-m.stop:
			return
		case msg := <-m.mailbox:
			m.dispatch(msg)
		}
	}
}

func (m *Manager) dispatch(msg message) {
	switch v := msg.(type) {
	case createRootTask:
		m.handleCreateRootTask(v)
	case createTasks:
		m.handleCreateTasks(v)
	case leafTaskComplete:
		m.handleLeafTaskComplete(v)
	case finalTaskComplete:
		m.handleFinalTaskComplete(v)
	case taskResult:
		m.handleTaskResult(v)
	case retryTask:
		m.handleRetryTask(v)
	case recoverWorker:
		m.handleRecover(v)
	case cancelSiblingTasks:
		m.handleCancelSiblings(v)
	case isValidTask:
		v.reply <- m.cfg.Log.IsLogged(v.id)
	case getActiveTaskCount:
		v.reply <- m.cfg.Log.GetCount()
	case setScheduler:
		m.sched = v.sched
	case killProcess:
		m.handleKill(v)
	default:
		m.logger.Error("unhandled mailbox message", "type", fmt.Sprintf("%T", msg))
	}
}

// enqueue delivers a message unless the manager has stopped.
func (m *Manager) enqueue(msg message) {
	select {
	case m.mailbox <- msg:
	case <-m.stop:
	}
}

// requeue re-enqueues a message after a backoff delay. This is the
// non-blocking back-pressure idiom: the actor never busy-waits on
// resource availability, it mails itself.
func (m *Manager) requeue(msg message) {
	d := m.retry.Duration()
	time.AfterFunc(d, func() { m.enqueue(msg) })
}

// ---------------------------------------------------------------------
// Public API: each method wraps a mailbox message.
// ---------------------------------------------------------------------

// CreateRootTask creates the first task of the process. The call is
// acknowledged only after the entry is replicated to quorum.
func (m *Manager) CreateRootTask(ctx context.Context, body []byte) (types.TaskID, error) {
	reply := make(chan createReply, 1)
	m.enqueue(createRootTask{ctx: ctx, reply: reply, body: body})
	select {
	case r := <-reply:
		if r.err != nil {
			return "", r.err
		}
		return r.ids[0], r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-m.stop:
		return "", ErrStopped
	}
}

// CreateTasks creates 1..N children of parent. Children are logged
// (and the call acknowledged) before the parent is unlogged, so a crash
// between the two leaves the parent reissuable, never the children
// orphaned.
func (m *Manager) CreateTasks(ctx context.Context, parent types.TaskID, bodies [][]byte) ([]types.TaskID, error) {
	reply := make(chan createReply, 1)
	m.enqueue(createTasks{ctx: ctx, reply: reply, parent: parent, bodies: bodies})
	select {
	case r := <-reply:
		return r.ids, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.stop:
		return nil, ErrStopped
	}
}

// LeafTaskComplete signals a terminal leaf with no children.
func (m *Manager) LeafTaskComplete(id types.TaskID) {
	m.enqueue(leafTaskComplete{id: id})
}

// FinalTaskComplete signals root completion; the unlog is synchronous so
// completion is durable before the ack.
func (m *Manager) FinalTaskComplete(ctx context.Context, id types.TaskID) error {
	reply := make(chan error, 1)
	m.enqueue(finalTaskComplete{ctx: ctx, reply: reply, id: id})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stop:
		return ErrStopped
	}
}

// TaskResult forwards a worker-produced result. Results for tasks no
// longer logged are duplicates and are dropped.
func (m *Manager) TaskResult(header types.TaskHeader, result types.Result) {
	m.enqueue(taskResult{header: header, result: result})
}

// Recover reissues every task assigned to a failed worker.
func (m *Manager) Recover(workerID string) {
	m.enqueue(recoverWorker{workerID: workerID})
}

// CancelSiblingTasks unlogs every task sharing id's parent and cancels
// them on their workers. Used by Choice semantics once a branch wins.
func (m *Manager) CancelSiblingTasks(ctx context.Context, id types.TaskID) error {
	reply := make(chan error, 1)
	m.enqueue(cancelSiblingTasks{ctx: ctx, reply: reply, id: id})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stop:
		return ErrStopped
	}
}

// IsValidTask lets workers short-circuit zombie executions.
func (m *Manager) IsValidTask(ctx context.Context, id types.TaskID) (bool, error) {
	reply := make(chan bool, 1)
	m.enqueue(isValidTask{reply: reply, id: id})
	select {
	case ok := <-reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-m.stop:
		return false, ErrStopped
	}
}

// GetActiveTaskCount forwards to the log.
func (m *Manager) GetActiveTaskCount(ctx context.Context) (int, error) {
	reply := make(chan int, 1)
	m.enqueue(getActiveTaskCount{reply: reply})
	select {
	case n := <-reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-m.stop:
		return 0, ErrStopped
	}
}

// SetScheduler installs the scheduler reference at process activation.
func (m *Manager) SetScheduler(s Scheduler) {
	m.enqueue(setScheduler{sched: s})
}

// Kill unlogs every outstanding task of the process, cancels them on
// their workers, and stops the actor.
func (m *Manager) Kill(ctx context.Context) error {
	reply := make(chan error, 1)
	m.enqueue(killProcess{ctx: ctx, reply: reply})
	select {
	case err := <-reply:
		m.Stop()
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stop:
		return nil
	}
}

// ---------------------------------------------------------------------
// Handlers. All run on the actor goroutine.
// ---------------------------------------------------------------------

func (m *Manager) handleCreateRootTask(msg createRootTask) {
	if m.killed {
		msg.reply <- createReply{err: ErrStopped}
		return
	}
	worker, ok := m.cfg.Pool.Select()
	if !ok {
		// No worker available: mail the whole message back to
		// ourselves instead of blocking the mailbox.
		m.requeue(msg)
		return
	}
	m.retry.Reset()

	id := types.NewTaskID()
	entry := types.TaskLogEntry{
		ID:     id,
		Worker: worker.ID,
		Payload: types.TaskPayload{
			Header:       types.TaskHeader{Process: m.cfg.Process, Task: id},
			Body:         msg.body,
			Dependencies: m.cfg.Dependencies,
		},
	}
	if err := m.cfg.Log.Log(msg.ctx, replication.SyncReplicated, entry); err != nil {
		m.cfg.Pool.Release(worker.ID)
		m.fault(err)
		msg.reply <- createReply{err: err}
		return
	}
	msg.reply <- createReply{ids: []types.TaskID{id}}
	m.postTask(worker, entry.Parent, entry.Payload)
}

func (m *Manager) handleCreateTasks(msg createTasks) {
	if m.killed {
		msg.reply <- createReply{err: ErrStopped}
		return
	}
	if len(msg.bodies) == 0 {
		msg.reply <- createReply{err: errors.New("no task bodies")}
		return
	}
	workers, ok := m.cfg.Pool.SelectMany(len(msg.bodies))
	if !ok {
		m.requeue(msg)
		return
	}
	m.retry.Reset()

	parentEntry, hadParent := m.cfg.Log.Lookup(msg.parent)

	entries := make([]types.TaskLogEntry, len(msg.bodies))
	ids := make([]types.TaskID, len(msg.bodies))
	for i, body := range msg.bodies {
		id := types.NewTaskID()
		ids[i] = id
		entries[i] = types.TaskLogEntry{
			ID:     id,
			Parent: msg.parent,
			Worker: workers[i].ID,
			Payload: types.TaskPayload{
				Header:       types.TaskHeader{Process: m.cfg.Process, Task: id},
				Body:         body,
				Dependencies: m.cfg.Dependencies,
			},
		}
	}

	// Children are logged before the parent is unlogged, in that exact
	// order. A crash between the two leaves both logged; recovery then
	// sees the parent as reissuable rather than losing the spawn.
	if err := m.cfg.Log.Log(msg.ctx, replication.SyncReplicated, entries...); err != nil {
		for _, w := range workers {
			m.cfg.Pool.Release(w.ID)
		}
		m.fault(err)
		msg.reply <- createReply{err: err}
		return
	}
	msg.reply <- createReply{ids: ids}

	if err := m.cfg.Log.Unlog(context.Background(), replication.AsyncReplicated, msg.parent); err != nil {
		m.logger.Warn("parent unlog degraded", "task", msg.parent, "error", err)
	}
	delete(m.processing, msg.parent)
	if hadParent {
		m.cfg.Pool.Release(parentEntry.Worker)
	}

	for i, e := range entries {
		m.postTask(workers[i], e.Parent, e.Payload)
	}
	m.cfg.Metrics.RecordTasksCreated(len(entries))
}

func (m *Manager) handleLeafTaskComplete(msg leafTaskComplete) {
	entry, ok := m.cfg.Log.Lookup(msg.id)
	if err := m.cfg.Log.Unlog(context.Background(), replication.AsyncReplicated, msg.id); err != nil {
		m.logger.Warn("leaf unlog degraded", "task", msg.id, "error", err)
	}
	delete(m.processing, msg.id)
	if ok {
		m.cfg.Pool.Release(entry.Worker)
	}
}

func (m *Manager) handleFinalTaskComplete(msg finalTaskComplete) {
	entry, ok := m.cfg.Log.Lookup(msg.id)
	err := m.cfg.Log.Unlog(msg.ctx, replication.SyncReplicated, msg.id)
	if err != nil {
		m.fault(err)
	}
	delete(m.processing, msg.id)
	if ok {
		m.cfg.Pool.Release(entry.Worker)
	}
	msg.reply <- err
}

func (m *Manager) handleTaskResult(msg taskResult) {
	if !m.cfg.Log.IsLogged(msg.header.Task) {
		m.logger.Warn("dropping result for unlogged task", "task", msg.header.Task)
		return
	}
	if m.sched == nil {
		m.logger.Error("task result with no scheduler installed", "task", msg.header.Task)
		return
	}
	m.processing[msg.header.Task] = struct{}{}
	m.sched.TaskResult(msg.header, msg.result)
}

func (m *Manager) handleRetryTask(msg retryTask) {
	if m.killed {
		return
	}
	id := msg.payload.Header.Task
	if _, requested := m.retryRequested[id]; !requested {
		// Duplicate retry: another path already handled it.
		return
	}
	worker, ok := m.cfg.Pool.Select()
	if !ok {
		m.requeue(msg)
		return
	}
	m.retry.Reset()

	if old, had := m.cfg.Log.Lookup(id); had {
		m.cfg.Pool.Release(old.Worker)
	}
	entry := types.TaskLogEntry{
		ID:      id,
		Parent:  msg.parent,
		Worker:  worker.ID,
		Payload: msg.payload,
	}
	// Same TaskID, fresh worker: the log entry is replaced in place.
	if err := m.cfg.Log.Log(context.Background(), replication.SyncReplicated, entry); err != nil {
		m.cfg.Pool.Release(worker.ID)
		m.fault(err)
		return
	}
	delete(m.retryRequested, id)
	m.cfg.Metrics.RecordTaskRetried()
	m.postTask(worker, msg.parent, msg.payload)
}

func (m *Manager) handleRecover(msg recoverWorker) {
	entries := m.cfg.Log.RetrieveByWorker(msg.workerID)
	recovered := 0
	for _, e := range entries {
		if e.Payload.Header.Process != m.cfg.Process {
			continue
		}
		if _, settled := m.processing[e.ID]; settled {
			// Result already relayed to the scheduler; the task is
			// effectively complete even though not yet unlogged.
			continue
		}
		if _, pending := m.retryRequested[e.ID]; pending {
			// At most one recovery attempt in flight per task.
			continue
		}
		m.retryRequested[e.ID] = struct{}{}
		m.enqueue(retryTask{parent: e.Parent, payload: e.Payload})
		recovered++
	}
	if recovered > 0 {
		m.logger.Info("recovering tasks from failed worker",
			"worker", msg.workerID, "tasks", recovered)
		m.cfg.Metrics.RecordTasksRecovered(recovered)
	}
}

func (m *Manager) handleCancelSiblings(msg cancelSiblingTasks) {
	siblings := m.cfg.Log.GetSiblingTasks(msg.id)
	if len(siblings) == 0 {
		msg.reply <- nil
		return
	}
	ids := make([]types.TaskID, len(siblings))
	byWorker := make(map[string][]types.TaskID)
	for i, e := range siblings {
		ids[i] = e.ID
		byWorker[e.Worker] = append(byWorker[e.Worker], e.ID)
	}
	if err := m.cfg.Log.Unlog(msg.ctx, replication.SyncReplicated, ids...); err != nil {
		m.fault(err)
		msg.reply <- err
		return
	}
	for _, id := range ids {
		delete(m.processing, id)
		delete(m.retryRequested, id)
	}
	for _, e := range siblings {
		m.cfg.Pool.Release(e.Worker)
	}
	m.cancelOnWorkers(msg.ctx, byWorker)
	m.cfg.Metrics.RecordTasksCancelled(len(ids))
	msg.reply <- nil
}

func (m *Manager) handleKill(msg killProcess) {
	m.killed = true
	entries := m.cfg.Log.RetrieveByProcess(m.cfg.Process)
	if len(entries) == 0 {
		msg.reply <- nil
		return
	}
	ids := make([]types.TaskID, len(entries))
	byWorker := make(map[string][]types.TaskID)
	for i, e := range entries {
		ids[i] = e.ID
		byWorker[e.Worker] = append(byWorker[e.Worker], e.ID)
	}
	err := m.cfg.Log.Unlog(msg.ctx, replication.SyncReplicated, ids...)
	if err != nil {
		m.logger.Error("kill unlog degraded", "error", err)
	}
	for _, e := range entries {
		m.cfg.Pool.Release(e.Worker)
	}
	m.retryRequested = make(map[types.TaskID]struct{})
	m.processing = make(map[types.TaskID]struct{})
	m.cancelOnWorkers(msg.ctx, byWorker)
	m.cfg.Metrics.RecordTasksCancelled(len(ids))
	msg.reply <- err
}

// cancelOnWorkers fans CancelTasks out to every affected worker in
// parallel. Worker-side failures are logged, not propagated: the log no
// longer references the tasks, so stragglers are harmless zombies.
func (m *Manager) cancelOnWorkers(ctx context.Context, byWorker map[string][]types.TaskID) {
	var g errgroup.Group
	for workerID, ids := range byWorker {
		workerID, ids := workerID, ids
		g.Go(func() error {
			client, err := m.connect(workerID)
			if err != nil {
				m.logger.Warn("cancel: worker unreachable", "worker", workerID, "error", err)
				return nil
			}
			if err := client.Cancel(ctx, ids); err != nil {
				m.logger.Warn("cancel failed on worker", "worker", workerID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// postTask sends the payload to the chosen worker. Posting happens after
// logging, so a post failure never loses the task: it is parked in
// retryRequested and mailed back as a RetryTask.
func (m *Manager) postTask(worker types.WorkerRef, parent types.TaskID, payload types.TaskPayload) {
	started := time.Now()
	client, err := m.cfg.Transport.Connect(worker)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PostTimeout)
		err = client.Execute(ctx, payload)
		cancel()
	}
	if err != nil {
		m.logger.Warn("post failed, scheduling retry",
			"task", payload.Header.Task, "worker", worker.ID, "error", err)
		m.retryRequested[payload.Header.Task] = struct{}{}
		m.requeue(retryTask{parent: parent, payload: payload})
		return
	}
	m.cfg.Metrics.RecordTaskDispatched(time.Since(started))
}

func (m *Manager) connect(workerID string) (WorkerClient, error) {
	return m.cfg.Transport.Connect(types.WorkerRef{ID: workerID})
}

func (m *Manager) fault(err error) {
	if errors.Is(err, replication.ErrBroadcastFailure) || errors.Is(err, replication.ErrQuorumLost) {
		m.cfg.Metrics.RecordBroadcastFailure()
	}
	m.logger.Error("unrecoverable replication failure", "error", err)
	if m.cfg.OnFault != nil {
		m.cfg.OnFault(err)
	}
}
