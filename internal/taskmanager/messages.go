package taskmanager

import (
	"context"

	"github.com/mysl/mbrace/pkg/types"
)

// message is the closed sum of everything a task manager can receive.
// The run loop matches it exhaustively; adding a case without a handler
// is a programming error caught at runtime.
type message interface{ isMessage() }

type createRootTask struct {
	ctx   context.Context
	reply chan createReply
	body  []byte
}

type createTasks struct {
	ctx    context.Context
	reply  chan createReply
	parent types.TaskID
	bodies [][]byte
}

type createReply struct {
	ids []types.TaskID
	err error
}

type leafTaskComplete struct {
	id types.TaskID
}

type finalTaskComplete struct {
	ctx   context.Context
	reply chan error
	id    types.TaskID
}

type taskResult struct {
	header types.TaskHeader
	result types.Result
}

type retryTask struct {
	parent  types.TaskID
	payload types.TaskPayload
}

type recoverWorker struct {
	workerID string
}

type cancelSiblingTasks struct {
	ctx   context.Context
	reply chan error
	id    types.TaskID
}

type isValidTask struct {
	reply chan bool
	id    types.TaskID
}

type getActiveTaskCount struct {
	reply chan int
}

type setScheduler struct {
	sched Scheduler
}

type killProcess struct {
	ctx   context.Context
	reply chan error
}

func (createRootTask) isMessage()     {}
func (createTasks) isMessage()        {}
func (leafTaskComplete) isMessage()   {}
func (finalTaskComplete) isMessage()  {}
func (taskResult) isMessage()         {}
func (retryTask) isMessage()          {}
func (recoverWorker) isMessage()      {}
func (cancelSiblingTasks) isMessage() {}
func (isValidTask) isMessage()        {}
func (getActiveTaskCount) isMessage() {}
func (setScheduler) isMessage()       {}
func (killProcess) isMessage()        {}
