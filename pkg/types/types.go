// Package types defines the core domain model shared across the mbrace runtime.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ProcessID uniquely identifies a user-submitted computation in the cluster.
type ProcessID string

// TaskID uniquely identifies a single dispatched task.
type TaskID string

// NewProcessID allocates a cluster-unique process identifier.
func NewProcessID() ProcessID {
	return ProcessID("proc-" + uuid.NewString())
}

// NewTaskID allocates a globally unique task identifier.
func NewTaskID() TaskID {
	return TaskID("task-" + uuid.NewString())
}

// Permissions is a bit set describing what a node is allowed to do.
// Slave permits task execution, Master permits hosting process and task
// managers. None excludes the node from worker selection.
type Permissions int

const (
	PermNone   Permissions = 0
	PermSlave  Permissions = 1 << 0
	PermMaster Permissions = 1 << 1
	PermAll    Permissions = PermSlave | PermMaster
)

// CanExecute reports whether the node may run tasks.
func (p Permissions) CanExecute() bool { return p&PermSlave != 0 }

// CanHost reports whether the node may host process and task managers.
func (p Permissions) CanHost() bool { return p&PermMaster != 0 }

func (p Permissions) String() string {
	switch p {
	case PermNone:
		return "None"
	case PermSlave:
		return "Slave"
	case PermMaster:
		return "Master"
	case PermAll:
		return "All"
	default:
		return "Unknown"
	}
}

// NodeType classifies a node's role in the deployment. Exactly one
// Master is active at a time; Alts are hot standbys eligible for
// failover.
type NodeType int

const (
	NodeIdle NodeType = iota
	NodeSlave
	NodeAlt
	NodeMaster
)

func (t NodeType) String() string {
	switch t {
	case NodeMaster:
		return "Master"
	case NodeAlt:
		return "Alt"
	case NodeSlave:
		return "Slave"
	case NodeIdle:
		return "Idle"
	default:
		return "Unknown"
	}
}

// WorkerRef identifies an executor node: its address plus permission
// bits. Membership is managed externally; a ref may appear or disappear
// at any time.
type WorkerRef struct {
	ID          string      `json:"id"`
	Addr        string      `json:"addr"`
	Permissions Permissions `json:"permissions"`
}

// ProcessState is the lifecycle state of a process. Transitions are
// monotone: Initialized -> Created -> Running -> (Completed | Failed |
// Killed), with Recovering as a transient overlay allowed from Running.
type ProcessState string

const (
	ProcessInitialized ProcessState = "initialized"
	ProcessCreated     ProcessState = "created"
	ProcessRunning     ProcessState = "running"
	ProcessRecovering  ProcessState = "recovering"
	ProcessCompleted   ProcessState = "completed"
	ProcessFailed      ProcessState = "failed"
	ProcessKilled      ProcessState = "killed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s ProcessState) Terminal() bool {
	switch s {
	case ProcessCompleted, ProcessFailed, ProcessKilled:
		return true
	}
	return false
}

// ValidTransition reports whether a process may move from one state to
// the next.
func ValidTransition(from, to ProcessState) bool {
	if from == to {
		return true
	}
	switch from {
	case ProcessInitialized:
		return to == ProcessCreated || to == ProcessFailed || to == ProcessKilled
	case ProcessCreated:
		return to == ProcessRunning || to == ProcessFailed || to == ProcessKilled
	case ProcessRunning:
		return to == ProcessRecovering || to.Terminal()
	case ProcessRecovering:
		return to == ProcessRunning || to.Terminal()
	}
	return false
}

// ResultKind tags the terminal result envelope of a process.
type ResultKind string

const (
	ResultSuccess   ResultKind = "success"
	ResultFault     ResultKind = "fault"
	ResultInitError ResultKind = "init_error"
	ResultKilled    ResultKind = "killed"
)

// Result is the terminal outcome of a process or task, produced by a
// worker or by the process manager on kill. Killed is a result, not an
// error; it is distinguishable from Fault.
type Result struct {
	Kind  ResultKind `json:"kind"`
	Value []byte     `json:"value,omitempty"`
	Error string     `json:"error,omitempty"`
}

func Success(value []byte) Result { return Result{Kind: ResultSuccess, Value: value} }
func Fault(err error) Result      { return Result{Kind: ResultFault, Error: err.Error()} }
func InitError(err error) Result  { return Result{Kind: ResultInitError, Error: err.Error()} }
func Killed() Result              { return Result{Kind: ResultKilled} }

// StateOf maps a terminal result to the process state it implies.
func (r Result) StateOf() ProcessState {
	switch r.Kind {
	case ResultSuccess:
		return ProcessCompleted
	case ResultKilled:
		return ProcessKilled
	default:
		return ProcessFailed
	}
}

// TaskHeader addresses a task within its process.
type TaskHeader struct {
	Process ProcessID `json:"process"`
	Task    TaskID    `json:"task"`
}

// TaskPayload is the unit handed to a worker: the addressing header, the
// opaque serialized computation body, and the dependency manifest the
// worker needs before it can interpret the body.
type TaskPayload struct {
	Header       TaskHeader `json:"header"`
	Body         []byte     `json:"body"`
	Dependencies []string   `json:"dependencies,omitempty"`
}

// TaskLogEntry is the durable record of a dispatched-but-unacknowledged
// task: who owns it, where it came from, and the payload needed to
// reissue it.
type TaskLogEntry struct {
	ID      TaskID      `json:"id"`
	Parent  TaskID      `json:"parent,omitempty"`
	Worker  string      `json:"worker"`
	Payload TaskPayload `json:"payload"`
}

// ProcessRecord is the process manager's view of one process. It is
// created on admission and persists until the client clears it.
type ProcessRecord struct {
	ID           ProcessID    `json:"id"`
	RequestID    string       `json:"request_id"`
	Name         string       `json:"name"`
	TypeName     string       `json:"type_name"`
	TypeBlob     []byte       `json:"type_blob,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty"`
	State        ProcessState `json:"state"`
	InitTime     time.Time    `json:"init_time"`
	StartTime    time.Time    `json:"start_time,omitempty"`
	Result       *Result      `json:"result,omitempty"`
}

// Clone returns a copy safe to hand outside the owning component.
func (r *ProcessRecord) Clone() ProcessRecord {
	out := *r
	if r.Result != nil {
		res := *r.Result
		out.Result = &res
	}
	return out
}

// Configuration is the master boot payload: the deployment members and
// the replication policy for the task log and process records.
type Configuration struct {
	Nodes             []WorkerRef `json:"nodes"`
	ReplicationFactor int         `json:"replication_factor"`
	FailoverFactor    int         `json:"failover_factor"`
}
