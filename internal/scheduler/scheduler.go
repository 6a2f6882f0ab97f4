package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mysl/mbrace/pkg/types"
)

// TaskManager is the slice of the task manager the scheduler drives.
type TaskManager interface {
	CreateRootTask(ctx context.Context, body []byte) (types.TaskID, error)
	CreateTasks(ctx context.Context, parent types.TaskID, bodies [][]byte) ([]types.TaskID, error)
	LeafTaskComplete(id types.TaskID)
	FinalTaskComplete(ctx context.Context, id types.TaskID) error
	CancelSiblingTasks(ctx context.Context, id types.TaskID) error
}

// Monitor is the side channel through which the terminal result reaches
// the process record.
type Monitor interface {
	SetResult(pid types.ProcessID, result types.Result)
}

type event interface{ isEvent() }

type newProcess struct{ body []byte }

type resultEvent struct {
	header types.TaskHeader
	result types.Result
}

func (newProcess) isEvent()  {}
func (resultEvent) isEvent() {}

// node is the scheduler's bookkeeping for one dispatched task: where it
// hangs in the tree and, once it forks, what it is waiting for.
type node struct {
	parent   types.TaskID
	index    int
	resolved bool

	// Fork bookkeeping, populated when the task's outcome spawns
	// children.
	choice   bool
	expected int
	got      int
	results  [][]byte
}

// Wave schedules one process: it books the computation tree, feeds child
// waves to the task manager, and settles the terminal result into the
// process monitor.
type Wave struct {
	pid     types.ProcessID
	tm      TaskManager
	monitor Monitor
	logger  *slog.Logger

	mailbox chan event
	stop    chan struct{}
	done    chan struct{}

	// Actor-owned state.
	nodes    map[types.TaskID]*node
	finished bool

	callTimeout time.Duration
}

// NewWave creates a scheduler for one process. Start must be called
// before the first NewProcess message.
func NewWave(pid types.ProcessID, tm TaskManager, monitor Monitor) *Wave {
	return &Wave{
		pid:         pid,
		tm:          tm,
		monitor:     monitor,
		logger:      slog.With("component", "scheduler", "process", pid),
		mailbox:     make(chan event, 256),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		nodes:       make(map[types.TaskID]*node),
		callTimeout: 30 * time.Second,
	}
}

// Start launches the actor loop.
func (w *Wave) Start() {
	go w.run()
}

// Stop terminates the actor.
func (w *Wave) Stop() {
	select {
	case <-w.stop:
		return
	default:
	}
	close(w.stop)
	<-w.done
}

// NewProcess hands the scheduler the root computation body. Sent once
// per process by the process manager.
func (w *Wave) NewProcess(body []byte) {
	w.enqueue(newProcess{body: body})
}

// TaskResult receives a worker result relayed by the task manager. It
// never blocks; results land in the scheduler's own mailbox.
func (w *Wave) TaskResult(header types.TaskHeader, result types.Result) {
	e := resultEvent{header: header, result: result}
	select {
	case w.mailbox <- e:
	default:
		go w.enqueue(e)
	}
}

func (w *Wave) enqueue(e event) {
	select {
	case w.mailbox <- e:
	case <-w.stop:
	}
}

func (w *Wave) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case e := <-w.mailbox:
			switch v := e.(type) {
			case newProcess:
				w.handleNewProcess(v.body)
			case resultEvent:
				w.handleResult(v)
			}
		}
	}
}

func (w *Wave) handleNewProcess(body []byte) {
	if _, err := DecodeExpr(body); err != nil {
		// The submission never becomes a task; it fails at
		// initialization.
		w.finished = true
		w.monitor.SetResult(w.pid, types.InitError(err))
		return
	}
	ctx, cancel := w.callCtx()
	defer cancel()
	rootID, err := w.tm.CreateRootTask(ctx, body)
	if err != nil {
		w.finished = true
		w.monitor.SetResult(w.pid, types.Fault(err))
		return
	}
	w.nodes[rootID] = &node{parent: ""}
}

func (w *Wave) handleResult(e resultEvent) {
	if w.finished {
		return
	}
	id := e.header.Task
	n, known := w.nodes[id]
	if !known || n.resolved {
		w.logger.Warn("result for unknown or settled task", "task", id)
		return
	}

	if e.result.Kind != types.ResultSuccess {
		w.settleFault(id, e.result)
		return
	}

	outcome, err := DecodeOutcome(e.result.Value)
	if err != nil {
		w.settleFault(id, types.Fault(fmt.Errorf("undecodable task outcome: %w", err)))
		return
	}

	if !outcome.Done {
		w.handleFork(id, n, outcome)
		return
	}
	w.handleValue(id, outcome.Value)
}

// handleFork dispatches the children of a forked task. The task manager
// logs the children before unlogging the parent.
func (w *Wave) handleFork(id types.TaskID, n *node, outcome Outcome) {
	ctx, cancel := w.callCtx()
	defer cancel()
	ids, err := w.tm.CreateTasks(ctx, id, outcome.Forks)
	if err != nil {
		w.settleFault(id, types.Fault(err))
		return
	}
	n.choice = outcome.Choice
	n.expected = len(ids)
	n.results = make([][]byte, len(ids))
	for i, child := range ids {
		w.nodes[child] = &node{parent: id, index: i}
	}
}

// handleValue resolves a leaf value and propagates it up the tree. The
// leaf that completes the whole process is acknowledged with
// FinalTaskComplete; an interior leaf with LeafTaskComplete; a Choice
// winner is unlogged by the sibling cancellation instead.
func (w *Wave) handleValue(leaf types.TaskID, value []byte) {
	ctx, cancel := w.callCtx()
	defer cancel()

	cur, val := leaf, value
	cancelled := false
	for {
		n := w.nodes[cur]
		n.resolved = true
		if n.parent == "" {
			// Root resolved: the process is complete.
			w.finished = true
			if err := w.tm.FinalTaskComplete(ctx, leaf); err != nil {
				w.monitor.SetResult(w.pid, types.Fault(err))
				return
			}
			w.monitor.SetResult(w.pid, types.Success(val))
			return
		}
		p := w.nodes[n.parent]
		if p.choice {
			if p.resolved {
				return
			}
			// First value wins; the losing branches are unlogged in one
			// batch and cancelled on their workers.
			if err := w.tm.CancelSiblingTasks(ctx, cur); err != nil {
				w.logger.Warn("sibling cancellation degraded", "task", cur, "error", err)
			}
			cancelled = true
			cur = n.parent
			continue
		}
		p.results[n.index] = val
		p.got++
		if p.got < p.expected {
			// Partial wave: retire the leaf and wait for its siblings.
			if !cancelled {
				w.tm.LeafTaskComplete(leaf)
			}
			return
		}
		combined, err := Combine(p.results)
		if err != nil {
			w.settleFault(leaf, types.Fault(err))
			return
		}
		val = combined
		cur = n.parent
	}
}

// settleFault finishes the process with a non-success result. Remaining
// outstanding tasks are torn down by the process manager when the
// terminal state lands.
func (w *Wave) settleFault(id types.TaskID, result types.Result) {
	w.finished = true
	ctx, cancel := w.callCtx()
	defer cancel()
	if err := w.tm.FinalTaskComplete(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Warn("final unlog degraded", "task", id, "error", err)
	}
	w.monitor.SetResult(w.pid, result)
}

func (w *Wave) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), w.callTimeout)
}
