package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysl/mbrace/pkg/types"
)

// sinkRouter collects delivered results.
type sinkRouter struct {
	mu      sync.Mutex
	results []types.Result
	headers []types.TaskHeader
	ch      chan struct{}
}

func newSinkRouter() *sinkRouter {
	return &sinkRouter{ch: make(chan struct{}, 64)}
}

func (r *sinkRouter) Deliver(header types.TaskHeader, result types.Result) {
	r.mu.Lock()
	r.headers = append(r.headers, header)
	r.results = append(r.results, result)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *sinkRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func (r *sinkRouter) waitOne(t *testing.T) types.Result {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[len(r.results)-1]
}

type staticValidator bool

func (v staticValidator) IsValidTask(context.Context, types.TaskID) (bool, error) {
	return bool(v), nil
}

func payload(id string) types.TaskPayload {
	return types.TaskPayload{
		Header: types.TaskHeader{Process: "p1", Task: types.TaskID(id)},
		Body:   []byte("body"),
	}
}

func echoExecutor(delay time.Duration) Executor {
	return ExecutorFunc(func(ctx context.Context, body []byte) (types.Result, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return types.Result{}, ctx.Err()
			}
		}
		return types.Success(body), nil
	})
}

func newTestNode(exec Executor, router Router, valid Validator) *Node {
	ref := types.WorkerRef{ID: "w1", Addr: "local/w1", Permissions: types.PermSlave}
	return NewNode(ref, 2, exec, router, valid)
}

func TestExecuteDeliversResult(t *testing.T) {
	router := newSinkRouter()
	n := newTestNode(echoExecutor(0), router, nil)
	defer n.Stop()

	require.NoError(t, n.Execute(context.Background(), payload("t1")))

	result := router.waitOne(t)
	assert.Equal(t, types.ResultSuccess, result.Kind)
	assert.Equal(t, []byte("body"), result.Value)
}

func TestExecutorErrorBecomesFault(t *testing.T) {
	router := newSinkRouter()
	n := newTestNode(ExecutorFunc(func(context.Context, []byte) (types.Result, error) {
		return types.Result{}, errors.New("user code exploded")
	}), router, nil)
	defer n.Stop()

	require.NoError(t, n.Execute(context.Background(), payload("t1")))

	result := router.waitOne(t)
	assert.Equal(t, types.ResultFault, result.Kind)
	assert.Contains(t, result.Error, "user code exploded")
}

func TestCancelSuppressesResult(t *testing.T) {
	router := newSinkRouter()
	n := newTestNode(echoExecutor(time.Minute), router, nil)
	defer n.Stop()

	require.NoError(t, n.Execute(context.Background(), payload("t1")))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, n.Cancel(context.Background(), []types.TaskID{"t1"}))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, router.count(), "cancelled task must not report")
	assert.Equal(t, 0, n.Load())
}

func TestZombieTaskSkipped(t *testing.T) {
	router := newSinkRouter()
	n := newTestNode(echoExecutor(0), router, staticValidator(false))
	defer n.Stop()

	require.NoError(t, n.Execute(context.Background(), payload("t1")))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, router.count(), "unlogged task must be skipped")
}

func TestDuplicateDeliveryIsNoOp(t *testing.T) {
	router := newSinkRouter()
	n := newTestNode(echoExecutor(200*time.Millisecond), router, nil)
	defer n.Stop()

	require.NoError(t, n.Execute(context.Background(), payload("t1")))
	require.NoError(t, n.Execute(context.Background(), payload("t1")))

	router.waitOne(t)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, router.count(), "duplicate delivery must execute once")
}

func TestSlotsBoundConcurrency(t *testing.T) {
	router := newSinkRouter()
	n := newTestNode(echoExecutor(time.Minute), router, nil)
	defer n.Stop()

	require.NoError(t, n.Execute(context.Background(), payload("t1")))
	require.NoError(t, n.Execute(context.Background(), payload("t2")))
	assert.ErrorIs(t, n.Execute(context.Background(), payload("t3")), ErrBusy)
}

func TestStopRejectsNewWork(t *testing.T) {
	router := newSinkRouter()
	n := newTestNode(echoExecutor(0), router, nil)
	n.Stop()
	assert.ErrorIs(t, n.Execute(context.Background(), payload("t1")), ErrStopped)
}

func TestGrid(t *testing.T) {
	g := NewGrid()
	router := newSinkRouter()
	n := newTestNode(echoExecutor(0), router, nil)
	defer n.Stop()
	g.Add(n)

	client, err := g.Connect(types.WorkerRef{ID: "w1"})
	require.NoError(t, err)
	require.NoError(t, client.Execute(context.Background(), payload("t1")))
	router.waitOne(t)

	g.Remove("w1")
	_, err = g.Connect(types.WorkerRef{ID: "w1"})
	assert.Error(t, err)
}
