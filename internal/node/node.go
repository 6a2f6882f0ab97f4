// Package node exposes the cluster-manager surface of one deployment
// member: identity, membership administration, performance counters,
// and the client-facing process operations, served over JSON-RPC.
package node

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mysl/mbrace/internal/workerpool"
	"github.com/mysl/mbrace/pkg/types"
)

// DeploymentInfo describes this node within its deployment.
type DeploymentInfo struct {
	DeploymentID string            `json:"deployment_id"`
	NodeID       string            `json:"node_id"`
	Addr         string            `json:"addr"`
	Type         string            `json:"type"`
	Permissions  string            `json:"permissions"`
	BootTime     time.Time         `json:"boot_time"`
	Uptime       time.Duration     `json:"uptime"`
	Nodes        []types.WorkerRef `json:"nodes"`
}

// PerfCounters is a point-in-time snapshot of node health.
type PerfCounters struct {
	Goroutines  int           `json:"goroutines"`
	HeapAlloc   uint64        `json:"heap_alloc"`
	HeapObjects uint64        `json:"heap_objects"`
	NumGC       uint32        `json:"num_gc"`
	Uptime      time.Duration `json:"uptime"`
	WorkerCount int           `json:"worker_count"`
}

// MasterAndAlts names the active master and its hot standbys.
type MasterAndAlts struct {
	Master types.WorkerRef   `json:"master"`
	Alts   []types.WorkerRef `json:"alts"`
}

// Manager holds a node's deployment identity and role. Only one master
// is active at a time; MasterBoot promotes this node and records the
// replication policy for the deployment.
type Manager struct {
	mu sync.Mutex

	self         types.WorkerRef
	nodeType     types.NodeType
	deploymentID string
	bootTime     time.Time
	config       types.Configuration
	alts         []types.WorkerRef

	pool   *workerpool.Pool
	ring   *LogRing
	logger *slog.Logger

	shutdown chan struct{}
}

// NewManager creates a node manager starting as Idle.
func NewManager(self types.WorkerRef, pool *workerpool.Pool, ring *LogRing) *Manager {
	return &Manager{
		self:         self,
		nodeType:     types.NodeIdle,
		deploymentID: "deploy-" + uuid.NewString(),
		bootTime:     time.Now(),
		pool:         pool,
		ring:         ring,
		logger:       slog.With("component", "node", "node", self.ID),
		shutdown:     make(chan struct{}),
	}
}

// MasterBoot promotes this node to master under the given
// configuration, attaching the configured members to the worker pool.
func (m *Manager) MasterBoot(cfg types.Configuration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodeType == types.NodeMaster {
		return fmt.Errorf("node %s is already master", m.self.ID)
	}
	m.nodeType = types.NodeMaster
	m.config = cfg
	m.alts = nil
	for _, ref := range cfg.Nodes {
		if ref.ID == m.self.ID {
			continue
		}
		if ref.Permissions.CanHost() {
			m.alts = append(m.alts, ref)
		}
		if ref.Permissions.CanExecute() {
			m.pool.Attach(ref)
		}
	}
	m.logger.Info("master boot",
		"nodes", len(cfg.Nodes),
		"replication_factor", cfg.ReplicationFactor,
		"failover_factor", cfg.FailoverFactor)
	return nil
}

// DeploymentInfo snapshots this node's identity.
func (m *Manager) DeploymentInfo() DeploymentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return DeploymentInfo{
		DeploymentID: m.deploymentID,
		NodeID:       m.self.ID,
		Addr:         m.self.Addr,
		Type:         m.nodeType.String(),
		Permissions:  m.self.Permissions.String(),
		BootTime:     m.bootTime,
		Uptime:       time.Since(m.bootTime),
		Nodes:        m.pool.All(),
	}
}

// PerfCounters snapshots node health.
func (m *Manager) PerfCounters() PerfCounters {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return PerfCounters{
		Goroutines:  runtime.NumGoroutine(),
		HeapAlloc:   ms.HeapAlloc,
		HeapObjects: ms.HeapObjects,
		NumGC:       ms.NumGC,
		Uptime:      time.Since(m.bootTime),
		WorkerCount: m.pool.GetAvailableWorkerCount(),
	}
}

// MasterAndAlts returns the active master and its standbys.
func (m *Manager) MasterAndAlts() MasterAndAlts {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := MasterAndAlts{Alts: append([]types.WorkerRef(nil), m.alts...)}
	if m.nodeType == types.NodeMaster {
		out.Master = m.self
	}
	return out
}

// DeploymentID returns the deployment's identity.
func (m *Manager) DeploymentID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deploymentID
}

// RequestShutdown signals the hosting daemon to exit.
func (m *Manager) RequestShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.shutdown:
	default:
		close(m.shutdown)
	}
}

// ShutdownRequested is closed once a shutdown has been requested.
func (m *Manager) ShutdownRequested() <-chan struct{} { return m.shutdown }

// FailCluster records a cluster-wide failure signal and requests
// shutdown. The deployment's supervisor decides whether to reboot.
func (m *Manager) FailCluster(err error) {
	m.logger.Error("cluster failure signalled", "error", err)
	m.RequestShutdown()
}
