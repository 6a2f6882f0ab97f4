package node

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mysl/mbrace/internal/workerpool"
	"github.com/mysl/mbrace/pkg/types"
)

func newTestManager() (*Manager, *workerpool.Pool) {
	pool := workerpool.NewPool()
	self := types.WorkerRef{ID: "master-0", Addr: "local", Permissions: types.PermMaster}
	return NewManager(self, pool, NewLogRing(8)), pool
}

func TestMasterBoot(t *testing.T) {
	m, pool := newTestManager()

	cfg := types.Configuration{
		Nodes: []types.WorkerRef{
			{ID: "master-0", Permissions: types.PermMaster},
			{ID: "alt-0", Permissions: types.PermMaster},
			{ID: "w1", Permissions: types.PermSlave},
			{ID: "w2", Permissions: types.PermSlave},
		},
		ReplicationFactor: 2,
		FailoverFactor:    1,
	}
	require.NoError(t, m.MasterBoot(cfg))

	info := m.DeploymentInfo()
	assert.Equal(t, "Master", info.Type)
	assert.Equal(t, 2, pool.GetAvailableWorkerCount())

	ma := m.MasterAndAlts()
	assert.Equal(t, "master-0", ma.Master.ID)
	require.Len(t, ma.Alts, 1)
	assert.Equal(t, "alt-0", ma.Alts[0].ID)

	// A second boot on the same node is rejected.
	assert.Error(t, m.MasterBoot(cfg))
}

func TestShutdownSignal(t *testing.T) {
	m, _ := newTestManager()

	select {
	case <-m.ShutdownRequested():
		t.Fatal("shutdown should not be requested yet")
	default:
	}

	m.RequestShutdown()
	m.RequestShutdown() // idempotent

	select {
	case <-m.ShutdownRequested():
	default:
		t.Fatal("shutdown not signalled")
	}
}

func TestPerfCounters(t *testing.T) {
	m, _ := newTestManager()
	pc := m.PerfCounters()
	assert.Greater(t, pc.Goroutines, 0)
	assert.GreaterOrEqual(t, pc.Uptime, time.Duration(0))
}

func TestLogRingEviction(t *testing.T) {
	r := NewLogRing(4)
	for i := 0; i < 6; i++ {
		r.Append(fmt.Sprintf("line-%d", i))
	}
	dump := r.Dump()
	require.Len(t, dump, 4)
	assert.Equal(t, "line-2", dump[0])
	assert.Equal(t, "line-5", dump[3])
}

func TestLogRingPartial(t *testing.T) {
	r := NewLogRing(4)
	r.Append("a")
	r.Append("b")
	assert.Equal(t, []string{"a", "b"}, r.Dump())
}
