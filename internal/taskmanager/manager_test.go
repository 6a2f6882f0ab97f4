package taskmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysl/mbrace/internal/replication"
	"github.com/mysl/mbrace/internal/tasklog"
	"github.com/mysl/mbrace/internal/workerpool"
	"github.com/mysl/mbrace/pkg/types"
)

// fakeWorker records what a worker receives.
type fakeWorker struct {
	mu        sync.Mutex
	executed  []types.TaskPayload
	cancelled []types.TaskID
	failExec  bool
}

func (w *fakeWorker) Execute(_ context.Context, payload types.TaskPayload) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failExec {
		return errors.New("connection refused")
	}
	w.executed = append(w.executed, payload)
	return nil
}

func (w *fakeWorker) Cancel(_ context.Context, ids []types.TaskID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelled = append(w.cancelled, ids...)
	return nil
}

func (w *fakeWorker) executedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.executed)
}

func (w *fakeWorker) cancelledIDs() []types.TaskID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]types.TaskID(nil), w.cancelled...)
}

// fakeTransport resolves worker ids to fakes; missing ids are
// unreachable machines.
type fakeTransport struct {
	mu      sync.Mutex
	workers map[string]*fakeWorker
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{workers: make(map[string]*fakeWorker)}
}

func (t *fakeTransport) add(id string) *fakeWorker {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := &fakeWorker{}
	t.workers[id] = w
	return w
}

func (t *fakeTransport) Connect(ref types.WorkerRef) (WorkerClient, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.workers[ref.ID]
	if !ok {
		return nil, errors.New("worker unreachable")
	}
	return w, nil
}

// recordingScheduler captures relayed results.
type recordingScheduler struct {
	results chan taskResult
}

func newRecordingScheduler() *recordingScheduler {
	return &recordingScheduler{results: make(chan taskResult, 16)}
}

func (s *recordingScheduler) TaskResult(header types.TaskHeader, result types.Result) {
	s.results <- taskResult{header: header, result: result}
}

// commandRecorder is a replication peer that keeps the command stream.
type commandRecorder struct {
	mu   sync.Mutex
	cmds []replication.Command
}

func (r *commandRecorder) ID() string { return "recorder" }

func (r *commandRecorder) Apply(_ context.Context, cmd replication.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return nil
}

func (r *commandRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.cmds))
	for i, c := range r.cmds {
		out[i] = c.Kind
	}
	return out
}

type fixture struct {
	m         *Manager
	log       *tasklog.Log
	pool      *workerpool.Pool
	transport *fakeTransport
	sched     *recordingScheduler
	recorder  *commandRecorder
	faults    chan error
}

func newFixture(t *testing.T, workerIDs ...string) *fixture {
	t.Helper()
	f := &fixture{
		pool:      workerpool.NewPool(),
		transport: newFakeTransport(),
		sched:     newRecordingScheduler(),
		recorder:  &commandRecorder{},
		faults:    make(chan error, 4),
	}
	b := replication.NewBroadcaster([]replication.Peer{f.recorder}, replication.Config{
		ReplicationFactor: 1,
		FailoverFactor:    0,
	})
	t.Cleanup(b.Close)
	f.log = tasklog.NewLog(tasklog.NewStore(), b)

	for _, id := range workerIDs {
		f.transport.add(id)
		f.pool.Attach(types.WorkerRef{ID: id, Permissions: types.PermSlave})
	}

	f.m = New(Config{
		Process:   "p1",
		Log:       f.log,
		Pool:      f.pool,
		Transport: f.transport,
		OnFault:   func(err error) { f.faults <- err },
	})
	f.m.Start()
	t.Cleanup(f.m.Stop)
	f.m.SetScheduler(f.sched)
	return f
}

func (f *fixture) worker(id string) *fakeWorker {
	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	return f.transport.workers[id]
}

func TestCreateRootTaskLogsThenPosts(t *testing.T) {
	f := newFixture(t, "w1")

	id, err := f.m.CreateRootTask(context.Background(), []byte("root"))
	require.NoError(t, err)
	assert.True(t, f.log.IsLogged(id))

	require.Eventually(t, func() bool {
		return f.worker("w1").executedCount() == 1
	}, time.Second, 10*time.Millisecond)

	entry, ok := f.log.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, "w1", entry.Worker)
	assert.Equal(t, types.ProcessID("p1"), entry.Payload.Header.Process)
}

func TestCreateRootTaskWaitsForWorker(t *testing.T) {
	f := newFixture(t) // no workers yet

	done := make(chan types.TaskID, 1)
	go func() {
		id, err := f.m.CreateRootTask(context.Background(), []byte("root"))
		if err == nil {
			done <- id
		}
	}()

	select {
	case <-done:
		t.Fatal("root task created with no workers available")
	case <-time.After(100 * time.Millisecond):
	}

	f.transport.add("w1")
	f.pool.Attach(types.WorkerRef{ID: "w1", Permissions: types.PermSlave})

	select {
	case id := <-done:
		assert.True(t, f.log.IsLogged(id))
	case <-time.After(3 * time.Second):
		t.Fatal("root task never created after worker attach")
	}
}

func TestCreateTasksLogsChildrenBeforeParentUnlog(t *testing.T) {
	f := newFixture(t, "w1", "w2", "w3")

	parent, err := f.m.CreateRootTask(context.Background(), []byte("parent"))
	require.NoError(t, err)

	ids, err := f.m.CreateTasks(context.Background(), parent, [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	for _, id := range ids {
		assert.True(t, f.log.IsLogged(id))
	}
	require.Eventually(t, func() bool {
		return !f.log.IsLogged(parent)
	}, time.Second, 10*time.Millisecond)

	// Replication stream: root log, children log, then parent unlog.
	require.Eventually(t, func() bool {
		return len(f.recorder.kinds()) >= 3
	}, time.Second, 10*time.Millisecond)
	kinds := f.recorder.kinds()
	assert.Equal(t, []string{"tasklog.log", "tasklog.log", "tasklog.unlog"}, kinds[:3])
}

func TestTaskResultRelayedWhenLogged(t *testing.T) {
	f := newFixture(t, "w1")

	id, err := f.m.CreateRootTask(context.Background(), []byte("root"))
	require.NoError(t, err)

	header := types.TaskHeader{Process: "p1", Task: id}
	f.m.TaskResult(header, types.Success([]byte("ok")))

	select {
	case r := <-f.sched.results:
		assert.Equal(t, id, r.header.Task)
	case <-time.After(time.Second):
		t.Fatal("result not relayed")
	}
}

func TestDuplicateTaskResultDropped(t *testing.T) {
	f := newFixture(t, "w1")

	header := types.TaskHeader{Process: "p1", Task: "never-logged"}
	f.m.TaskResult(header, types.Success(nil))

	select {
	case <-f.sched.results:
		t.Fatal("result for unlogged task must be dropped")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPostFailureRetriesOnFreshWorker(t *testing.T) {
	f := newFixture(t, "w1", "w2")
	f.worker("w1").failExec = true
	f.worker("w2").failExec = true

	// Both workers refuse the post; the task stays logged and parked in
	// retry until a worker accepts.
	id, err := f.m.CreateRootTask(context.Background(), []byte("root"))
	require.NoError(t, err)
	assert.True(t, f.log.IsLogged(id))

	f.worker("w1").failExec = false
	f.worker("w2").failExec = false

	require.Eventually(t, func() bool {
		return f.worker("w1").executedCount()+f.worker("w2").executedCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	// Same TaskID throughout; only the assignment moved.
	entry, ok := f.log.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, id, entry.ID)
}

func TestRecoverReissuesTasksFromFailedWorker(t *testing.T) {
	f := newFixture(t, "w1", "w2")

	id, err := f.m.CreateRootTask(context.Background(), []byte("root"))
	require.NoError(t, err)
	entry, _ := f.log.Lookup(id)
	failed := entry.Worker

	// Crash the assigned worker.
	f.transport.mu.Lock()
	delete(f.transport.workers, failed)
	f.transport.mu.Unlock()
	f.pool.Detach(failed)

	f.m.Recover(failed)

	other := "w1"
	if failed == "w1" {
		other = "w2"
	}
	require.Eventually(t, func() bool {
		return f.worker(other).executedCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	entry, ok := f.log.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, other, entry.Worker, "entry must be reassigned to the live worker")
}

func TestRecoverSkipsTasksAlreadyProcessing(t *testing.T) {
	f := newFixture(t, "w1")

	id, err := f.m.CreateRootTask(context.Background(), []byte("root"))
	require.NoError(t, err)
	first := f.worker("w1").executedCount()

	// The worker returned a result; it is being processed by the
	// scheduler even though the entry is still logged.
	f.m.TaskResult(types.TaskHeader{Process: "p1", Task: id}, types.Success(nil))
	<-f.sched.results

	f.m.Recover("w1")

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, first, f.worker("w1").executedCount(), "settled task must not be reissued")
}

func TestRecoverIsSingleFlight(t *testing.T) {
	f := newFixture(t, "w1")

	id, err := f.m.CreateRootTask(context.Background(), []byte("root"))
	require.NoError(t, err)

	// Make the only worker disappear so the retry parks.
	f.transport.mu.Lock()
	delete(f.transport.workers, "w1")
	f.transport.mu.Unlock()
	f.pool.Detach("w1")

	f.m.Recover("w1")
	f.m.Recover("w1") // duplicate failure notification

	w2 := f.transport.add("w2")
	f.pool.Attach(types.WorkerRef{ID: "w2", Permissions: types.PermSlave})

	require.Eventually(t, func() bool {
		return w2.executedCount() >= 1
	}, 3*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, w2.executedCount(), "duplicate recover must not repost")
	assert.True(t, f.log.IsLogged(id))
}

func TestCancelSiblingTasks(t *testing.T) {
	f := newFixture(t, "w1", "w2", "w3")

	parent, err := f.m.CreateRootTask(context.Background(), []byte("parent"))
	require.NoError(t, err)
	ids, err := f.m.CreateTasks(context.Background(), parent, [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)

	require.NoError(t, f.m.CancelSiblingTasks(context.Background(), ids[0]))

	for _, id := range ids {
		assert.False(t, f.log.IsLogged(id))
	}

	cancelled := 0
	for _, w := range []string{"w1", "w2", "w3"} {
		cancelled += len(f.worker(w).cancelledIDs())
	}
	assert.Equal(t, 3, cancelled)
}

func TestLeafAndFinalComplete(t *testing.T) {
	f := newFixture(t, "w1", "w2")

	parent, err := f.m.CreateRootTask(context.Background(), []byte("parent"))
	require.NoError(t, err)
	ids, err := f.m.CreateTasks(context.Background(), parent, [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)

	f.m.LeafTaskComplete(ids[0])
	require.Eventually(t, func() bool {
		return !f.log.IsLogged(ids[0])
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, f.m.FinalTaskComplete(context.Background(), ids[1]))
	assert.False(t, f.log.IsLogged(ids[1]))

	n, err := f.m.GetActiveTaskCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestIsValidTask(t *testing.T) {
	f := newFixture(t, "w1")

	id, err := f.m.CreateRootTask(context.Background(), []byte("root"))
	require.NoError(t, err)

	ok, err := f.m.IsValidTask(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.m.IsValidTask(context.Background(), "zombie")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKillUnlogsEverything(t *testing.T) {
	f := newFixture(t, "w1", "w2", "w3")

	parent, err := f.m.CreateRootTask(context.Background(), []byte("parent"))
	require.NoError(t, err)
	_, err = f.m.CreateTasks(context.Background(), parent, [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)

	require.NoError(t, f.m.Kill(context.Background()))
	assert.Equal(t, 0, f.log.GetCount())
}
