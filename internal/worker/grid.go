package worker

import (
	"fmt"
	"sync"

	"github.com/mysl/mbrace/internal/taskmanager"
	"github.com/mysl/mbrace/pkg/types"
)

// Grid is the in-cluster transport between task managers and executor
// nodes. Task managers resolve a WorkerRef into a client through it;
// failing a node makes it unreachable, which exercises the retry and
// recovery paths exactly like a crashed machine.
type Grid struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewGrid creates an empty grid.
func NewGrid() *Grid {
	return &Grid{nodes: make(map[string]*Node)}
}

// Add registers a node under its ref id.
func (g *Grid) Add(n *Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[n.Ref().ID] = n
}

// Remove drops a node, making it unreachable to task managers. The
// node itself is returned so the caller can stop it.
func (g *Grid) Remove(id string) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.nodes[id]
	delete(g.nodes, id)
	return n
}

// Get returns the node registered under id.
func (g *Grid) Get(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Connect resolves a worker ref into a client. An unknown id behaves
// like an unreachable machine.
func (g *Grid) Connect(ref types.WorkerRef) (taskmanager.WorkerClient, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[ref.ID]
	if !ok {
		return nil, fmt.Errorf("worker %s unreachable", ref.ID)
	}
	return n, nil
}
