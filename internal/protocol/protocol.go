// Package protocol defines the serialized boundary between clients and
// the process manager: submission images, info projections, result
// envelopes, and the tagged request/reply wrappers. Everything here
// must round-trip across nodes running the same code version.
package protocol

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mysl/mbrace/pkg/types"
)

// ProcessImage is the client's submission: everything the cluster needs
// to admit and run a computation. The computation blob and the type
// descriptor are opaque to the core; worker nodes know how to interpret
// them.
type ProcessImage struct {
	Name         string
	Computation  []byte
	TypeBlob     []byte
	TypeName     string
	ClientID     string
	Dependencies []string
}

// ProcessInfo is the client-facing projection of a process record plus
// live counters.
type ProcessInfo struct {
	ID            types.ProcessID
	Name          string
	TypeName      string
	State         types.ProcessState
	InitTime      time.Time
	ExecutionTime time.Duration
	Workers       int
	Tasks         int
	Result        *types.Result
}

// InfoOf projects a record with live worker and task counts.
func InfoOf(rec types.ProcessRecord, workers, tasks int) ProcessInfo {
	info := ProcessInfo{
		ID:       rec.ID,
		Name:     rec.Name,
		TypeName: rec.TypeName,
		State:    rec.State,
		InitTime: rec.InitTime,
		Workers:  workers,
		Tasks:    tasks,
		Result:   rec.Result,
	}
	if !rec.StartTime.IsZero() {
		info.ExecutionTime = time.Since(rec.StartTime)
	}
	return info
}

// Op tags one operation of the client wire protocol.
type Op string

const (
	OpCreateDynamicProcess Op = "CreateDynamicProcess"
	OpGetAssemblyLoadInfo  Op = "GetAssemblyLoadInfo"
	OpLoadAssemblies       Op = "LoadAssemblies"
	OpRequestDependencies  Op = "RequestDependencies"
	OpGetProcessInfo       Op = "GetProcessInfo"
	OpGetAllProcessInfo    Op = "GetAllProcessInfo"
	OpClearProcessInfo     Op = "ClearProcessInfo"
	OpClearAllProcessInfo  Op = "ClearAllProcessInfo"
	OpKillProcess          Op = "KillProcess"
)

// Request is one tagged client message: the operation, a correlation
// id, the reply address, and the operation-specific body.
type Request struct {
	Correlation string
	ReplyTo     string
	Op          Op
	Body        []byte
}

// NewRequest builds a request with a fresh correlation id.
func NewRequest(op Op, replyTo string, body []byte) Request {
	return Request{
		Correlation: uuid.NewString(),
		ReplyTo:     replyTo,
		Op:          op,
		Body:        body,
	}
}

// Reply is the tagged response: Value(x) or Exception(e), correlated to
// its request.
type Reply struct {
	Correlation string
	Value       []byte
	Exception   string
}

// Value builds a successful reply.
func Value(correlation string, value []byte) Reply {
	return Reply{Correlation: correlation, Value: value}
}

// Exception builds a failed reply.
func Exception(correlation string, err error) Reply {
	return Reply{Correlation: correlation, Exception: err.Error()}
}

// IsException reports whether the reply carries an error.
func (r Reply) IsException() bool { return r.Exception != "" }

// Encode serializes any protocol value with gob.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encode protocol value: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes into out, which must be a pointer.
func Decode(raw []byte, out any) error {
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(out); err != nil {
		return fmt.Errorf("decode protocol value: %w", err)
	}
	return nil
}

func init() {
	gob.Register(ProcessImage{})
	gob.Register(ProcessInfo{})
	gob.Register(Request{})
	gob.Register(Reply{})
	gob.Register(types.Result{})
	gob.Register(types.ProcessRecord{})
	gob.Register(types.TaskPayload{})
	gob.Register(types.TaskLogEntry{})
}
