package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/filecoin-project/go-jsonrpc"

	"github.com/mysl/mbrace/internal/procmanager"
	"github.com/mysl/mbrace/internal/protocol"
	"github.com/mysl/mbrace/internal/workerpool"
	"github.com/mysl/mbrace/pkg/types"
)

// rpcNamespace is the JSON-RPC method prefix shared by server and
// client.
const rpcNamespace = "MBrace"

// Handle is the JSON-RPC handler: the node administration surface plus
// the client-facing process operations.
type Handle struct {
	node      *Manager
	pool      *workerpool.Pool
	processes *procmanager.Manager
}

// NewHandle builds the RPC handler. processes may be nil on nodes that
// do not host a process manager; the process operations then fail.
func NewHandle(node *Manager, pool *workerpool.Pool, processes *procmanager.Manager) *Handle {
	return &Handle{node: node, pool: pool, processes: processes}
}

// --- Node administration -------------------------------------------------

func (h *Handle) Ping(ctx context.Context) (string, error) {
	return "pong", nil
}

func (h *Handle) GetNodeDeploymentInfo(ctx context.Context) (DeploymentInfo, error) {
	return h.node.DeploymentInfo(), nil
}

func (h *Handle) GetNodePerformanceCounters(ctx context.Context) (PerfCounters, error) {
	return h.node.PerfCounters(), nil
}

func (h *Handle) Attach(ctx context.Context, ref types.WorkerRef) error {
	h.pool.Attach(ref)
	return nil
}

func (h *Handle) Detach(ctx context.Context, id string) error {
	h.pool.Detach(id)
	return nil
}

func (h *Handle) SetNodePermissions(ctx context.Context, id string, perms types.Permissions) error {
	return h.pool.SetPermissions(id, perms)
}

func (h *Handle) GetAllNodes(ctx context.Context) ([]types.WorkerRef, error) {
	return h.pool.All(), nil
}

func (h *Handle) GetMasterAndAlts(ctx context.Context) (MasterAndAlts, error) {
	return h.node.MasterAndAlts(), nil
}

func (h *Handle) GetDeploymentID(ctx context.Context) (string, error) {
	return h.node.DeploymentID(), nil
}

func (h *Handle) GetLogDump(ctx context.Context) ([]string, error) {
	if h.node.ring == nil {
		return nil, nil
	}
	return h.node.ring.Dump(), nil
}

// Shutdown requests daemon exit and returns immediately.
func (h *Handle) Shutdown(ctx context.Context) error {
	h.node.RequestShutdown()
	return nil
}

// ShutdownSync requests daemon exit and returns once the shutdown
// channel is closed, which RequestShutdown does at once; it does not
// wait for the daemon to stop.
func (h *Handle) ShutdownSync(ctx context.Context) error {
	h.node.RequestShutdown()
	select {
	case <-h.node.ShutdownRequested():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) MasterBoot(ctx context.Context, cfg types.Configuration) error {
	return h.node.MasterBoot(cfg)
}

// --- Process operations --------------------------------------------------

func (h *Handle) CreateDynamicProcess(ctx context.Context, requestID string, image protocol.ProcessImage) (types.ProcessRecord, error) {
	if h.processes == nil {
		return types.ProcessRecord{}, fmt.Errorf("node does not host a process manager")
	}
	return h.processes.CreateDynamicProcess(ctx, requestID, image)
}

func (h *Handle) GetProcessInfo(ctx context.Context, pid types.ProcessID) (protocol.ProcessInfo, error) {
	if h.processes == nil {
		return protocol.ProcessInfo{}, fmt.Errorf("node does not host a process manager")
	}
	return h.processes.GetProcessInfo(ctx, pid)
}

func (h *Handle) GetAllProcessInfo(ctx context.Context) ([]protocol.ProcessInfo, error) {
	if h.processes == nil {
		return nil, fmt.Errorf("node does not host a process manager")
	}
	return h.processes.GetAllProcessInfo(ctx)
}

func (h *Handle) KillProcess(ctx context.Context, pid types.ProcessID) error {
	if h.processes == nil {
		return fmt.Errorf("node does not host a process manager")
	}
	return h.processes.KillProcess(ctx, pid)
}

func (h *Handle) ClearProcessInfo(ctx context.Context, pid types.ProcessID) error {
	if h.processes == nil {
		return fmt.Errorf("node does not host a process manager")
	}
	return h.processes.ClearProcessInfo(ctx, pid)
}

func (h *Handle) ClearAllProcessInfo(ctx context.Context) (int, error) {
	if h.processes == nil {
		return 0, fmt.Errorf("node does not host a process manager")
	}
	return h.processes.ClearAllProcessInfo(ctx)
}

func (h *Handle) RequestDependencies(ctx context.Context, ids []string) ([][]byte, error) {
	if h.processes == nil {
		return nil, fmt.Errorf("node does not host a process manager")
	}
	return h.processes.RequestDependencies(ctx, ids)
}

func (h *Handle) LoadAssemblies(ctx context.Context, images [][]byte) ([]string, error) {
	if h.processes == nil {
		return nil, fmt.Errorf("node does not host a process manager")
	}
	return h.processes.LoadAssemblies(ctx, images)
}

func (h *Handle) GetAssemblyLoadInfo(ctx context.Context, ids []string) ([]string, error) {
	if h.processes == nil {
		return nil, fmt.Errorf("node does not host a process manager")
	}
	return h.processes.GetAssemblyLoadInfo(ctx, ids)
}

// --- Server and client ---------------------------------------------------

// Server hosts the RPC surface over HTTP.
type Server struct {
	http *http.Server
}

// NewServer builds an HTTP server exposing handle on /rpc/v0.
func NewServer(addr string, handle *Handle) *Server {
	rpcServer := jsonrpc.NewServer()
	rpcServer.Register(rpcNamespace, handle)

	mux := http.NewServeMux()
	mux.Handle("/rpc/v0", rpcServer)

	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// ListenAndServe blocks serving requests until Close.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}
	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close stops the server.
func (s *Server) Close(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Client is the typed RPC client; its function fields are populated by
// Dial.
type Client struct {
	Ping                       func(ctx context.Context) (string, error)
	GetNodeDeploymentInfo      func(ctx context.Context) (DeploymentInfo, error)
	GetNodePerformanceCounters func(ctx context.Context) (PerfCounters, error)
	Attach                     func(ctx context.Context, ref types.WorkerRef) error
	Detach                     func(ctx context.Context, id string) error
	SetNodePermissions         func(ctx context.Context, id string, perms types.Permissions) error
	GetAllNodes                func(ctx context.Context) ([]types.WorkerRef, error)
	GetMasterAndAlts           func(ctx context.Context) (MasterAndAlts, error)
	GetDeploymentID            func(ctx context.Context) (string, error)
	GetLogDump                 func(ctx context.Context) ([]string, error)
	Shutdown                   func(ctx context.Context) error
	ShutdownSync               func(ctx context.Context) error
	MasterBoot                 func(ctx context.Context, cfg types.Configuration) error

	CreateDynamicProcess func(ctx context.Context, requestID string, image protocol.ProcessImage) (types.ProcessRecord, error)
	GetProcessInfo       func(ctx context.Context, pid types.ProcessID) (protocol.ProcessInfo, error)
	GetAllProcessInfo    func(ctx context.Context) ([]protocol.ProcessInfo, error)
	KillProcess          func(ctx context.Context, pid types.ProcessID) error
	ClearProcessInfo     func(ctx context.Context, pid types.ProcessID) error
	ClearAllProcessInfo  func(ctx context.Context) (int, error)
	RequestDependencies  func(ctx context.Context, ids []string) ([][]byte, error)
	LoadAssemblies       func(ctx context.Context, images [][]byte) ([]string, error)
	GetAssemblyLoadInfo  func(ctx context.Context, ids []string) ([]string, error)
}

// Dial connects a typed client to a node's RPC endpoint.
func Dial(ctx context.Context, addr string) (*Client, jsonrpc.ClientCloser, error) {
	var client Client
	closer, err := jsonrpc.NewClient(ctx, addr, rpcNamespace, &client, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &client, closer, nil
}
