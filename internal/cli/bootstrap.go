package cli

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mysl/mbrace/internal/metrics"
	"github.com/mysl/mbrace/internal/node"
	"github.com/mysl/mbrace/internal/procmanager"
	"github.com/mysl/mbrace/internal/replication"
	"github.com/mysl/mbrace/internal/scheduler"
	"github.com/mysl/mbrace/internal/tasklog"
	"github.com/mysl/mbrace/internal/taskmanager"
	"github.com/mysl/mbrace/internal/worker"
	"github.com/mysl/mbrace/internal/workerpool"
	"github.com/mysl/mbrace/pkg/types"
)

// ClusterConfig sizes an in-process deployment: the master, its log and
// record replicas, and the executor nodes.
type ClusterConfig struct {
	NodeID            string
	Replicas          int
	Workers           int
	WorkerSlots       int
	ReplicationFactor int
	FailoverFactor    int
	BroadcastTimeout  time.Duration
	RecordPath        string
	Metrics           *metrics.Collector
}

// Cluster is a fully wired deployment: replicated task log, worker
// pool, executor grid, process manager, and node manager.
type Cluster struct {
	cfg ClusterConfig

	Pool      *workerpool.Pool
	Grid      *worker.Grid
	Log       *tasklog.Log
	Monitor   *procmanager.Monitor
	Processes *procmanager.Manager
	Node      *node.Manager
	Ring      *node.LogRing

	logReplicas    []*tasklog.Replica
	recordReplicas []*procmanager.RecordReplica
	broadcasters   []*replication.Broadcaster
	workers        []*worker.Node

	routes sync.Map // types.ProcessID -> *taskmanager.Manager
	stop   chan struct{}
}

// NewCluster wires a deployment. Call Start before submitting work.
func NewCluster(cfg ClusterConfig) (*Cluster, error) {
	if cfg.NodeID == "" {
		cfg.NodeID = "master-0"
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 2
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = cfg.Replicas
	}
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = 5 * time.Second
	}

	c := &Cluster{cfg: cfg, stop: make(chan struct{})}
	c.Pool = workerpool.NewPool()
	c.Grid = worker.NewGrid()
	c.Ring = node.NewLogRing(1024)

	// Task log: primary store plus quorum-replicated standbys.
	logPeers := make([]replication.Peer, 0, cfg.Replicas)
	for i := 0; i < cfg.Replicas; i++ {
		replica := tasklog.NewReplica(fmt.Sprintf("log-replica-%d", i), tasklog.NewStore())
		c.logReplicas = append(c.logReplicas, replica)
		logPeers = append(logPeers, replica)
	}
	logBcast := replication.NewBroadcaster(logPeers, replication.Config{
		ReplicationFactor: cfg.ReplicationFactor,
		FailoverFactor:    cfg.FailoverFactor,
		Timeout:           cfg.BroadcastTimeout,
	})
	c.broadcasters = append(c.broadcasters, logBcast)
	c.Log = tasklog.NewLog(tasklog.NewStore(), logBcast)

	// Process records: same replication policy, separate command stream.
	recordPeers := make([]replication.Peer, 0, cfg.Replicas)
	for i := 0; i < cfg.Replicas; i++ {
		replica := procmanager.NewRecordReplica(fmt.Sprintf("record-replica-%d", i))
		c.recordReplicas = append(c.recordReplicas, replica)
		recordPeers = append(recordPeers, replica)
	}
	recordBcast := replication.NewBroadcaster(recordPeers, replication.Config{
		ReplicationFactor: cfg.ReplicationFactor,
		FailoverFactor:    cfg.FailoverFactor,
		Timeout:           cfg.BroadcastTimeout,
	})
	c.broadcasters = append(c.broadcasters, recordBcast)

	var store *procmanager.RecordStore
	if cfg.RecordPath != "" {
		store = procmanager.NewRecordStore(cfg.RecordPath)
	}
	monitor, err := procmanager.NewMonitor(recordBcast, store)
	if err != nil {
		return nil, fmt.Errorf("build process monitor: %w", err)
	}
	c.Monitor = monitor

	self := types.WorkerRef{ID: cfg.NodeID, Addr: "local", Permissions: types.PermMaster}
	c.Node = node.NewManager(self, c.Pool, c.Ring)

	c.Processes = procmanager.New(procmanager.Config{
		Monitor:       monitor,
		Activator:     &activator{cluster: c},
		Pool:          c.Pool,
		Assemblies:    newAssemblyStore(),
		Metrics:       cfg.Metrics,
		TaskCount:     c.Log.CountByProcess,
		OnClusterFail: c.Node.FailCluster,
	})

	// Executor nodes.
	for i := 0; i < cfg.Workers; i++ {
		ref := types.WorkerRef{
			ID:          fmt.Sprintf("worker-%d", i),
			Addr:        fmt.Sprintf("local/worker-%d", i),
			Permissions: types.PermSlave,
		}
		n := worker.NewNode(ref, cfg.WorkerSlots, worker.ExecutorFunc(evaluateBody), c, logValidator{c})
		c.workers = append(c.workers, n)
		c.Grid.Add(n)
		c.Pool.Attach(ref)
	}

	return c, nil
}

// Start launches the process manager actor and the gauge sampler.
func (c *Cluster) Start() {
	c.Processes.Start()
	go c.sampleGauges()
}

// Stop tears the deployment down.
func (c *Cluster) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	c.Processes.Stop()
	for _, w := range c.workers {
		w.Stop()
	}
	for _, b := range c.broadcasters {
		b.Close()
	}
}

func (c *Cluster) sampleGauges() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.cfg.Metrics.SetActiveTasks(c.Log.GetCount())
			c.cfg.Metrics.SetAvailableWorkers(c.Pool.GetAvailableWorkerCount())
		}
	}
}

// FailWorker simulates a worker crash: the node becomes unreachable,
// in-flight work dies, and the pool emits the failure event that drives
// recovery.
func (c *Cluster) FailWorker(id string) {
	if n := c.Grid.Remove(id); n != nil {
		n.Stop()
	}
	c.Pool.OnWorkerFailure(id)
}

// Deliver routes a worker result to the task manager owning the
// process. Results for processes without a live manager are dropped,
// matching the idempotent result-handling contract.
func (c *Cluster) Deliver(header types.TaskHeader, result types.Result) {
	v, ok := c.routes.Load(header.Process)
	if !ok {
		return
	}
	v.(*taskmanager.Manager).TaskResult(header, result)
}

// LogReplicaStores exposes the standby log stores, mainly for tests.
func (c *Cluster) LogReplicaStores() []*tasklog.Store {
	out := make([]*tasklog.Store, len(c.logReplicas))
	for i, r := range c.logReplicas {
		out[i] = r.Store()
	}
	return out
}

// activator performs the two-phase per-process wiring: build the task
// manager and the scheduler, then inject the scheduler reference.
type activator struct {
	cluster *Cluster
}

func (a *activator) Activate(pid types.ProcessID, dependencies []string) (*procmanager.Activation, error) {
	c := a.cluster
	tm := taskmanager.New(taskmanager.Config{
		Process:      pid,
		Log:          c.Log,
		Pool:         c.Pool,
		Transport:    c.Grid,
		Dependencies: dependencies,
		Metrics:      c.cfg.Metrics,
		OnFault: func(err error) {
			c.Processes.SystemFault(err)
		},
	})
	tm.Start()

	sched := scheduler.NewWave(pid, tm, c.Monitor)
	sched.Start()
	tm.SetScheduler(sched)

	c.routes.Store(pid, tm)
	return &procmanager.Activation{
		Scheduler: sched,
		Tasks:     &routedTasks{Manager: tm, cluster: c, pid: pid},
	}, nil
}

// routedTasks unregisters the result route when the task manager is
// torn down.
type routedTasks struct {
	*taskmanager.Manager
	cluster *Cluster
	pid     types.ProcessID
}

func (r *routedTasks) Stop() {
	r.cluster.routes.Delete(r.pid)
	r.Manager.Stop()
}

// logValidator exposes IsLogged to workers so they can short-circuit
// zombie executions.
type logValidator struct {
	cluster *Cluster
}

func (v logValidator) IsValidTask(_ context.Context, id types.TaskID) (bool, error) {
	return v.cluster.Log.IsLogged(id), nil
}

// assemblyStore is a minimal in-memory code-distribution collaborator:
// images load under their content id, dependency requests return the
// stored images.
type assemblyStore struct {
	mu     sync.Mutex
	images map[string][]byte
	nextID int
}

func newAssemblyStore() *assemblyStore {
	return &assemblyStore{images: make(map[string][]byte)}
}

func (s *assemblyStore) RequestDependencies(_ context.Context, ids []string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		img, ok := s.images[id]
		if !ok {
			return nil, fmt.Errorf("unknown assembly %s", id)
		}
		out = append(out, img)
	}
	return out, nil
}

func (s *assemblyStore) LoadAssemblies(_ context.Context, images [][]byte) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(images))
	for i, img := range images {
		s.nextID++
		id := fmt.Sprintf("asm-%d", s.nextID)
		s.images[id] = img
		ids[i] = id
	}
	return ids, nil
}

func (s *assemblyStore) GetAssemblyLoadInfo(_ context.Context, ids []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(ids))
	for i, id := range ids {
		if _, ok := s.images[id]; ok {
			out[i] = "loaded"
		} else {
			out[i] = "missing"
		}
	}
	return out, nil
}

// evaluateBody is the executor installed on every node: one evaluation
// step of an expression-tree body, packed into the result envelope.
func evaluateBody(ctx context.Context, body []byte) (types.Result, error) {
	outcome, err := scheduler.Evaluate(ctx, body)
	if err != nil {
		return types.Result{}, err
	}
	raw, err := scheduler.EncodeOutcome(outcome)
	if err != nil {
		return types.Result{}, err
	}
	return types.Success(raw), nil
}
