// Package worker implements the executor node runtime: it evaluates
// opaque task bodies, reports results back to the owning task manager,
// and honors best-effort cancellation. Execution is idempotent under
// duplicate delivery; results for tasks no longer logged are dropped
// upstream.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mysl/mbrace/pkg/types"
)

var (
	// ErrBusy is returned when a node's execution slots are exhausted.
	ErrBusy = errors.New("worker at capacity")
	// ErrStopped is returned for work posted after shutdown.
	ErrStopped = errors.New("worker stopped")
)

// Executor evaluates one opaque task body.
type Executor interface {
	Execute(ctx context.Context, body []byte) (types.Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, body []byte) (types.Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, body []byte) (types.Result, error) {
	return f(ctx, body)
}

// Router delivers a finished result to the task manager owning the
// task's process.
type Router interface {
	Deliver(header types.TaskHeader, result types.Result)
}

// Validator lets a worker ask whether a task is still logged before
// sinking work into it. May be nil, in which case every task runs.
type Validator interface {
	IsValidTask(ctx context.Context, id types.TaskID) (bool, error)
}

// Node is one executor. Each accepted task runs in its own goroutine
// under a cancellable context; slots bound the concurrency.
type Node struct {
	ref    types.WorkerRef
	exec   Executor
	router Router
	valid  Validator
	logger *slog.Logger

	slots chan struct{}

	mu      sync.Mutex
	running map[types.TaskID]context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewNode creates an executor node with the given concurrency.
func NewNode(ref types.WorkerRef, slots int, exec Executor, router Router, valid Validator) *Node {
	if slots <= 0 {
		slots = 4
	}
	return &Node{
		ref:     ref,
		exec:    exec,
		router:  router,
		valid:   valid,
		logger:  slog.With("component", "worker", "worker", ref.ID),
		slots:   make(chan struct{}, slots),
		running: make(map[types.TaskID]context.CancelFunc),
	}
}

// Ref returns the node's membership reference.
func (n *Node) Ref() types.WorkerRef { return n.ref }

// Execute accepts a task payload. The call returns once the task is
// admitted; evaluation and result delivery happen asynchronously.
func (n *Node) Execute(_ context.Context, payload types.TaskPayload) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return ErrStopped
	}
	if _, dup := n.running[payload.Header.Task]; dup {
		// Duplicate delivery of an already-running task is a no-op.
		n.mu.Unlock()
		return nil
	}
	select {
	case n.slots <- struct{}{}:
	default:
		n.mu.Unlock()
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.running[payload.Header.Task] = cancel
	n.wg.Add(1)
	n.mu.Unlock()

	go n.runTask(ctx, payload)
	return nil
}

// Cancel stops the given tasks if they are still running here.
// Cancellation is best-effort: unknown ids are ignored.
func (n *Node) Cancel(_ context.Context, ids []types.TaskID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range ids {
		if cancel, ok := n.running[id]; ok {
			cancel()
		}
	}
	return nil
}

// Load returns the number of tasks currently running.
func (n *Node) Load() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.running)
}

// Stop cancels everything in flight and waits for the runners to exit.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	for _, cancel := range n.running {
		cancel()
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Node) runTask(ctx context.Context, payload types.TaskPayload) {
	defer n.wg.Done()
	id := payload.Header.Task
	defer func() {
		n.mu.Lock()
		if cancel, ok := n.running[id]; ok {
			cancel()
			delete(n.running, id)
		}
		n.mu.Unlock()
		<-n.slots
	}()

	// Zombie short-circuit: a task that was unlogged while queued here
	// is dead; skip it instead of burning a slot on it.
	if n.valid != nil {
		ok, err := n.valid.IsValidTask(ctx, id)
		if err == nil && !ok {
			n.logger.Debug("skipping unlogged task", "task", id)
			return
		}
	}

	result, err := n.exec.Execute(ctx, payload.Body)
	if ctx.Err() != nil {
		// Cancelled: the log no longer references this task, so there
		// is nobody to report to.
		n.logger.Debug("task cancelled", "task", id)
		return
	}
	if err != nil {
		result = types.Fault(err)
	}
	n.router.Deliver(payload.Header, result)
}
