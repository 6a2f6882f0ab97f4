package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysl/mbrace/pkg/types"
)

// fakeTaskManager fabricates task ids and records the calls the
// scheduler makes.
type fakeTaskManager struct {
	mu      sync.Mutex
	nextID  int
	created map[types.TaskID][]byte // id -> body
	leaves  []types.TaskID
	finals  []types.TaskID
	cancels []types.TaskID
}

func newFakeTaskManager() *fakeTaskManager {
	return &fakeTaskManager{created: make(map[types.TaskID][]byte)}
}

func (f *fakeTaskManager) allocate(body []byte) types.TaskID {
	f.nextID++
	id := types.TaskID(string(rune('A' + f.nextID - 1)))
	f.created[id] = body
	return id
}

func (f *fakeTaskManager) CreateRootTask(_ context.Context, body []byte) (types.TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocate(body), nil
}

func (f *fakeTaskManager) CreateTasks(_ context.Context, _ types.TaskID, bodies [][]byte) ([]types.TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]types.TaskID, len(bodies))
	for i, b := range bodies {
		ids[i] = f.allocate(b)
	}
	return ids, nil
}

func (f *fakeTaskManager) LeafTaskComplete(id types.TaskID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, id)
}

func (f *fakeTaskManager) FinalTaskComplete(_ context.Context, id types.TaskID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finals = append(f.finals, id)
	return nil
}

func (f *fakeTaskManager) CancelSiblingTasks(_ context.Context, id types.TaskID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return nil
}

func (f *fakeTaskManager) createdIDs() []types.TaskID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.TaskID, 0, len(f.created))
	for id := range f.created {
		out = append(out, id)
	}
	return out
}

func (f *fakeTaskManager) finalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.finals)
}

// fakeMonitor captures the terminal result side channel.
type fakeMonitor struct {
	mu      sync.Mutex
	results map[types.ProcessID]types.Result
	ch      chan types.Result
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{results: make(map[types.ProcessID]types.Result), ch: make(chan types.Result, 4)}
}

func (m *fakeMonitor) SetResult(pid types.ProcessID, result types.Result) {
	m.mu.Lock()
	m.results[pid] = result
	m.mu.Unlock()
	m.ch <- result
}

func (m *fakeMonitor) wait(t *testing.T) types.Result {
	t.Helper()
	select {
	case r := <-m.ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal result")
		return types.Result{}
	}
}

// completeTask feeds the scheduler the result a worker would produce
// for the body registered under id.
func completeTask(t *testing.T, w *Wave, tm *fakeTaskManager, id types.TaskID) {
	t.Helper()
	tm.mu.Lock()
	body := tm.created[id]
	tm.mu.Unlock()
	require.NotNil(t, body, "no body for task %s", id)

	outcome, err := Evaluate(context.Background(), body)
	var result types.Result
	if err != nil {
		result = types.Fault(err)
	} else {
		raw, encErr := EncodeOutcome(outcome)
		require.NoError(t, encErr)
		result = types.Success(raw)
	}
	w.TaskResult(types.TaskHeader{Process: "p1", Task: id}, result)
}

func startWave(t *testing.T) (*Wave, *fakeTaskManager, *fakeMonitor) {
	t.Helper()
	tm := newFakeTaskManager()
	mon := newFakeMonitor()
	w := NewWave("p1", tm, mon)
	w.Start()
	t.Cleanup(w.Stop)
	return w, tm, mon
}

func TestSingleLeafCompletes(t *testing.T) {
	w, tm, mon := startWave(t)

	body, err := EncodeExpr(Leaf([]byte{42}))
	require.NoError(t, err)
	w.NewProcess(body)

	require.Eventually(t, func() bool { return len(tm.createdIDs()) == 1 }, time.Second, 5*time.Millisecond)
	completeTask(t, w, tm, tm.createdIDs()[0])

	result := mon.wait(t)
	require.Equal(t, types.ResultSuccess, result.Kind)
	assert.Equal(t, []byte{42}, result.Value)
	assert.Equal(t, 1, tm.finalCount())
}

func TestParallelFanOutCombinesInOrder(t *testing.T) {
	w, tm, mon := startWave(t)

	body, err := EncodeExpr(Parallel(
		Leaf([]byte{1}), Leaf([]byte{2}), Leaf([]byte{3}), Leaf([]byte{4}), Leaf([]byte{5}),
	))
	require.NoError(t, err)
	w.NewProcess(body)

	// Root forks after its own evaluation.
	require.Eventually(t, func() bool { return len(tm.createdIDs()) == 1 }, time.Second, 5*time.Millisecond)
	root := tm.createdIDs()[0]
	completeTask(t, w, tm, root)

	require.Eventually(t, func() bool { return len(tm.createdIDs()) == 6 }, time.Second, 5*time.Millisecond)
	for _, id := range tm.createdIDs() {
		if id == root {
			continue
		}
		completeTask(t, w, tm, id)
	}

	result := mon.wait(t)
	require.Equal(t, types.ResultSuccess, result.Kind)

	values, err := SplitCombined(result.Value)
	require.NoError(t, err)
	require.Len(t, values, 5)

	// Leaf values arrive combined in child order regardless of
	// completion order.
	for i, v := range values {
		assert.Equal(t, []byte{byte(i + 1)}, v)
	}
}

func TestChoiceCancelsLosers(t *testing.T) {
	w, tm, mon := startWave(t)

	body, err := EncodeExpr(Choice(Leaf([]byte{7}), SlowLeaf([]byte{9}, time.Minute)))
	require.NoError(t, err)
	w.NewProcess(body)

	require.Eventually(t, func() bool { return len(tm.createdIDs()) == 1 }, time.Second, 5*time.Millisecond)
	root := tm.createdIDs()[0]
	completeTask(t, w, tm, root)

	require.Eventually(t, func() bool { return len(tm.createdIDs()) == 3 }, time.Second, 5*time.Millisecond)

	// Only the fast branch reports.
	var fast types.TaskID
	tm.mu.Lock()
	for id, b := range tm.created {
		if id == root {
			continue
		}
		e, _ := DecodeExpr(b)
		if e.Delay == 0 {
			fast = id
		}
	}
	tm.mu.Unlock()
	completeTask(t, w, tm, fast)

	result := mon.wait(t)
	require.Equal(t, types.ResultSuccess, result.Kind)
	assert.Equal(t, []byte{7}, result.Value)

	tm.mu.Lock()
	cancels := len(tm.cancels)
	tm.mu.Unlock()
	assert.Equal(t, 1, cancels, "the winner's siblings must be cancelled")
}

func TestFaultSettlesProcess(t *testing.T) {
	w, tm, mon := startWave(t)

	body, err := EncodeExpr(Faulty("deliberate failure"))
	require.NoError(t, err)
	w.NewProcess(body)

	require.Eventually(t, func() bool { return len(tm.createdIDs()) == 1 }, time.Second, 5*time.Millisecond)
	completeTask(t, w, tm, tm.createdIDs()[0])

	result := mon.wait(t)
	assert.Equal(t, types.ResultFault, result.Kind)
	assert.Contains(t, result.Error, "deliberate failure")
}

func TestUndecodableBodyIsInitError(t *testing.T) {
	w, _, mon := startWave(t)

	w.NewProcess([]byte("garbage"))

	result := mon.wait(t)
	assert.Equal(t, types.ResultInitError, result.Kind)
}

func TestDuplicateResultIgnoredAfterFinish(t *testing.T) {
	w, tm, mon := startWave(t)

	body, err := EncodeExpr(Leaf([]byte{1}))
	require.NoError(t, err)
	w.NewProcess(body)

	require.Eventually(t, func() bool { return len(tm.createdIDs()) == 1 }, time.Second, 5*time.Millisecond)
	id := tm.createdIDs()[0]
	completeTask(t, w, tm, id)
	mon.wait(t)

	// At-least-once delivery: the same result may arrive again.
	completeTask(t, w, tm, id)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, tm.finalCount())
}
