// Package taskgraph maintains the per-agent tree of task nodes. Status
// transitions are monotonic: a terminal node never leaves its terminal
// state, and non-terminal nodes only move forward.
package taskgraph

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of a task node.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// rank orders forward progress for non-terminal states.
var rank = map[Status]int{
	StatusPending:    0,
	StatusInProgress: 1,
	StatusCompleted:  2,
	StatusFailed:     2,
	StatusCancelled:  2,
}

// Node is one task in the graph.
type Node struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parent_id,omitempty"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	Children    []string  `json:"children,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Graph is one agent's task tree. Changed, when set, is invoked after
// every mutation so the owner can debounce persistence.
type Graph struct {
	mu      sync.RWMutex
	nodes   map[string]*Node
	rootID  string
	Changed func()
}

// New builds an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// Snapshot is the serializable form of the whole graph.
type Snapshot struct {
	RootID string  `json:"root_id,omitempty"`
	Nodes  []*Node `json:"nodes"`
}

// Export produces a deep-copied snapshot for persistence.
func (g *Graph) Export() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	snap := Snapshot{RootID: g.rootID}
	for _, n := range g.nodes {
		cp := *n
		cp.Children = append([]string(nil), n.Children...)
		snap.Nodes = append(snap.Nodes, &cp)
	}
	return snap
}

// Import replaces the graph contents from a snapshot.
func (g *Graph) Import(snap Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[string]*Node, len(snap.Nodes))
	g.rootID = snap.RootID
	for _, n := range snap.Nodes {
		cp := *n
		cp.Children = append([]string(nil), n.Children...)
		g.nodes[cp.ID] = &cp
	}
}

func (g *Graph) signal() {
	if g.Changed != nil {
		g.Changed()
	}
}

// CreateRoot creates the root node. Only one root may exist.
func (g *Graph) CreateRoot(description string) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rootID != "" {
		return nil, fmt.Errorf("root node already exists: %s", g.rootID)
	}

	n := newNode("", description)
	g.nodes[n.ID] = n
	g.rootID = n.ID
	defer g.signal()
	return copyNode(n), nil
}

// CreateSubtask creates a child under parentID.
func (g *Graph) CreateSubtask(parentID, description string) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	parent, ok := g.nodes[parentID]
	if !ok {
		return nil, fmt.Errorf("parent node %s not found", parentID)
	}
	if parent.Status.Terminal() {
		return nil, fmt.Errorf("parent node %s is %s", parentID, parent.Status)
	}

	n := newNode(parentID, description)
	g.nodes[n.ID] = n
	parent.Children = append(parent.Children, n.ID)
	parent.UpdatedAt = time.Now().UTC()
	defer g.signal()
	return copyNode(n), nil
}

// Get returns one node by ID.
func (g *Graph) Get(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return copyNode(n), true
}

// Root returns the root node, if created.
func (g *Graph) Root() (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.rootID == "" {
		return nil, false
	}
	return copyNode(g.nodes[g.rootID]), true
}

// All returns copies of every node.
func (g *Graph) All() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, copyNode(n))
	}
	return out
}

// UpdateStatus applies a monotonic transition. Backward moves and
// departures from terminal states are rejected. Cancellation is allowed
// from any non-terminal state.
func (g *Graph) UpdateStatus(id string, status Status, result, errMsg string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("node %s not found", id)
	}

	if n.Status.Terminal() {
		return fmt.Errorf("node %s is already %s", id, n.Status)
	}
	if status != StatusCancelled && rank[status] < rank[n.Status] {
		return fmt.Errorf("node %s cannot move %s -> %s", id, n.Status, status)
	}

	n.Status = status
	if result != "" {
		n.Result = result
	}
	if errMsg != "" {
		n.Error = errMsg
	}
	n.UpdatedAt = time.Now().UTC()
	defer g.signal()
	return nil
}

// Delete removes a node and its entire subtree.
func (g *Graph) Delete(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("node %s not found", id)
	}

	g.deleteSubtree(id)
	if parent, ok := g.nodes[n.ParentID]; ok {
		for i, c := range parent.Children {
			if c == id {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				break
			}
		}
	}
	if g.rootID == id {
		g.rootID = ""
	}
	defer g.signal()
	return nil
}

func (g *Graph) deleteSubtree(id string) {
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	for _, c := range n.Children {
		g.deleteSubtree(c)
	}
	delete(g.nodes, id)
}

// CancelActive cancels every non-terminal node, used when an agent stops.
func (g *Graph) CancelActive() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var cancelled []string
	for id, n := range g.nodes {
		if !n.Status.Terminal() {
			n.Status = StatusCancelled
			n.UpdatedAt = time.Now().UTC()
			cancelled = append(cancelled, id)
		}
	}
	if len(cancelled) > 0 {
		defer g.signal()
	}
	return cancelled
}

func newNode(parentID, description string) *Node {
	now := time.Now().UTC()
	return &Node{
		ID:          uuid.NewString(),
		ParentID:    parentID,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func copyNode(n *Node) *Node {
	cp := *n
	cp.Children = append([]string(nil), n.Children...)
	return &cp
}
