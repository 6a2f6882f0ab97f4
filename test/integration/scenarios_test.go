package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysl/mbrace/internal/cli"
	"github.com/mysl/mbrace/internal/protocol"
	"github.com/mysl/mbrace/internal/scheduler"
	"github.com/mysl/mbrace/pkg/types"
)

func bootCluster(t *testing.T, workers int) *cli.Cluster {
	t.Helper()
	cluster, err := cli.NewCluster(cli.ClusterConfig{
		NodeID:            "test-master",
		Replicas:          3,
		Workers:           workers,
		WorkerSlots:       16,
		ReplicationFactor: 2,
		FailoverFactor:    1,
	})
	require.NoError(t, err)
	cluster.Start()
	t.Cleanup(cluster.Stop)
	return cluster
}

func submit(t *testing.T, cluster *cli.Cluster, requestID string, expr *scheduler.Expr) types.ProcessRecord {
	t.Helper()
	body, err := scheduler.EncodeExpr(expr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rec, err := cluster.Processes.CreateDynamicProcess(ctx, requestID, protocol.ProcessImage{
		Name:        "test-" + requestID,
		Computation: body,
		TypeName:    "bytes",
		ClientID:    "it",
	})
	require.NoError(t, err)
	return rec
}

func waitTerminal(t *testing.T, cluster *cli.Cluster, pid types.ProcessID, timeout time.Duration) types.ProcessRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, ok := cluster.Monitor.Get(pid)
		if ok && rec.State.Terminal() {
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process %s did not reach a terminal state within %s", pid, timeout)
	return types.ProcessRecord{}
}

// Scenario: a single leaf returning 42.
func TestHappyPath(t *testing.T) {
	cluster := bootCluster(t, 4)

	rec := submit(t, cluster, "happy-1", scheduler.Leaf([]byte{42}))
	final := waitTerminal(t, cluster, rec.ID, 10*time.Second)

	assert.Equal(t, types.ProcessCompleted, final.State)
	require.NotNil(t, final.Result)
	assert.Equal(t, types.ResultSuccess, final.Result.Kind)
	assert.Equal(t, []byte{42}, final.Result.Value)
	assert.Equal(t, 0, cluster.Log.GetCount(), "log must be empty after completion")

	// Durable completion also reached the standby log replicas.
	for _, s := range cluster.LogReplicaStores() {
		assert.Equal(t, 0, s.Count())
	}
}

// Scenario: a parallel fan-out of 5 children aggregating 1..5 in order.
func TestParallelFanOutOfFive(t *testing.T) {
	cluster := bootCluster(t, 5)

	leaves := make([]*scheduler.Expr, 5)
	for i := range leaves {
		leaves[i] = scheduler.Leaf([]byte{byte(i + 1)})
	}
	rec := submit(t, cluster, "fanout-1", scheduler.Parallel(leaves...))
	final := waitTerminal(t, cluster, rec.ID, 10*time.Second)

	require.Equal(t, types.ProcessCompleted, final.State)
	require.NotNil(t, final.Result)

	values, err := scheduler.SplitCombined(final.Result.Value)
	require.NoError(t, err)
	require.Len(t, values, 5)
	for i, v := range values {
		assert.Equal(t, []byte{byte(i + 1)}, v)
	}
	assert.Equal(t, 0, cluster.Log.GetCount())
}

// Scenario: crash the worker holding an in-flight task; recovery must
// reassign it and the process must still produce the right answer.
func TestWorkerCrashMidFlight(t *testing.T) {
	cluster := bootCluster(t, 3)

	rec := submit(t, cluster, "crash-1", scheduler.SlowLeaf([]byte{99}, 2*time.Second))

	// Find the worker the root task landed on and crash it.
	var victim string
	require.Eventually(t, func() bool {
		for _, e := range cluster.Log.RetrieveByProcess(rec.ID) {
			victim = e.Worker
			return true
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond) // let the post land
	cluster.FailWorker(victim)

	final := waitTerminal(t, cluster, rec.ID, 20*time.Second)
	assert.Equal(t, types.ProcessCompleted, final.State)
	require.NotNil(t, final.Result)
	assert.Equal(t, []byte{99}, final.Result.Value)
	assert.Equal(t, 0, cluster.Log.GetCount())
}

// Scenario: the same request id submitted concurrently allocates
// exactly one process.
func TestDuplicateClientSubmission(t *testing.T) {
	cluster := bootCluster(t, 4)

	body, err := scheduler.EncodeExpr(scheduler.Leaf([]byte{1}))
	require.NoError(t, err)
	img := protocol.ProcessImage{Name: "dup", Computation: body, ClientID: "it"}

	var wg sync.WaitGroup
	records := make(chan types.ProcessRecord, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			rec, err := cluster.Processes.CreateDynamicProcess(ctx, "dup-request", img)
			if err == nil {
				records <- rec
			}
		}()
	}
	wg.Wait()
	close(records)

	var ids []types.ProcessID
	for rec := range records {
		ids = append(ids, rec.ID)
	}
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1], "both clients must receive the same process")
}

// Scenario: kill a process with many slow leaves outstanding; the kill
// must return quickly, empty the log, and drop late results.
func TestKillDuringParallelFanOut(t *testing.T) {
	cluster := bootCluster(t, 100)

	leaves := make([]*scheduler.Expr, 100)
	for i := range leaves {
		leaves[i] = scheduler.SlowLeaf([]byte{byte(i)}, time.Minute)
	}
	rec := submit(t, cluster, "kill-1", scheduler.Parallel(leaves...))

	// Wait until the fan-out is logged.
	require.Eventually(t, func() bool {
		return len(cluster.Log.RetrieveByProcess(rec.ID)) == 100
	}, 10*time.Second, 20*time.Millisecond)

	killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, cluster.Processes.KillProcess(killCtx, rec.ID))
	assert.Less(t, time.Since(start), 10*time.Second, "kill must return in bounded time")

	final, ok := cluster.Monitor.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, types.ProcessKilled, final.State)
	require.NotNil(t, final.Result)
	assert.Equal(t, types.ResultKilled, final.Result.Kind)

	assert.Equal(t, 0, cluster.Log.GetCount(), "all log entries must be removed")

	// Any straggler result must not flip the record.
	time.Sleep(200 * time.Millisecond)
	final, _ = cluster.Monitor.Get(rec.ID)
	assert.Equal(t, types.ProcessKilled, final.State)
}

// Scenario: a recursively forking computation is killed; shortly after,
// no lingering task activity remains.
func TestForkBombContainment(t *testing.T) {
	cluster := bootCluster(t, 4)

	// Each evaluated leaf forks again; bounded depth keeps encoding
	// finite while the tree keeps widening for the duration of the test.
	bomb := forkBomb(12)
	rec := submit(t, cluster, "bomb-1", bomb)

	time.Sleep(2 * time.Second)

	killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, cluster.Processes.KillProcess(killCtx, rec.ID))

	// Allow stragglers to drain, then verify quiescence: the log is
	// empty after a grace period and stays empty.
	time.Sleep(2 * time.Second)
	require.Equal(t, 0, cluster.Log.GetCount())
	time.Sleep(1 * time.Second)
	assert.Equal(t, 0, cluster.Log.GetCount(), "no lingering task may re-log work")
}

func forkBomb(depth int) *scheduler.Expr {
	if depth == 0 {
		return scheduler.SlowLeaf([]byte{1}, 50*time.Millisecond)
	}
	return scheduler.Parallel(forkBomb(depth-1), forkBomb(depth-1))
}

// Property: log traffic balances out; entries logged equals entries
// unlogged once a process completes.
func TestLogAccountingBalances(t *testing.T) {
	cluster := bootCluster(t, 4)

	for i := 0; i < 3; i++ {
		rec := submit(t, cluster, fmt.Sprintf("acct-%d", i), scheduler.Parallel(
			scheduler.Leaf([]byte{1}),
			scheduler.Leaf([]byte{2}),
		))
		final := waitTerminal(t, cluster, rec.ID, 10*time.Second)
		require.Equal(t, types.ProcessCompleted, final.State)
	}
	assert.Equal(t, 0, cluster.Log.GetCount())
}
