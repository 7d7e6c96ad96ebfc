package code

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation is the change-node operation kind.
type Operation string

const (
	OpCreate Operation = "create"
	OpWrite  Operation = "write"
	OpEdit   Operation = "edit"
	OpDelete Operation = "delete"
	OpRename Operation = "rename"
	OpUndo   Operation = "undo"
)

// ChangeNode is one node of the file-operation DAG. Parents are stored as
// id lists — never back-owning references — and resolved through the
// workspace's node map.
type ChangeNode struct {
	ID          string    `json:"id"`
	ParentIDs   []string  `json:"parent_ids,omitempty"`
	AuthorID    string    `json:"author_id"`
	Timestamp   time.Time `json:"timestamp"`
	FilePath    string    `json:"file_path"`
	Operation   Operation `json:"operation"`
	RenameFrom  string    `json:"rename_from,omitempty"`
	RenameTo    string    `json:"rename_to,omitempty"`
	RevertedID  string    `json:"reverted_id,omitempty"`
	ForwardDiff Diff      `json:"forward_diff"`
	ReverseDiff Diff      `json:"reverse_diff"`
	Description string    `json:"description,omitempty"`
	WorkspaceID string    `json:"workspace_id"`
}

// Changelog is the per-workspace change DAG. History is append-only: undo
// records a new node whose diffs are the reverted node's diffs swapped.
//
// Safe for concurrent use.
type Changelog struct {
	mu          sync.RWMutex
	workspaceID string
	nodes       map[string]*ChangeNode
	// heads tracks the latest node per file path, forming the parent of
	// the next change to that file.
	heads map[string]string
}

// NewChangelog creates an empty changelog for a workspace.
func NewChangelog(workspaceID string) *Changelog {
	return &Changelog{
		workspaceID: workspaceID,
		nodes:       map[string]*ChangeNode{},
		heads:       map[string]string{},
	}
}

// Record appends a change for filePath, computing both diffs from the
// before/after contents. Returns the new node.
func (c *Changelog) Record(authorID, filePath string, op Operation, before, after, description string) *ChangeNode {
	forward, reverse := ComputeBidirectionalDiff(before, after)

	c.mu.Lock()
	defer c.mu.Unlock()

	node := &ChangeNode{
		ID:          uuid.NewString(),
		AuthorID:    authorID,
		Timestamp:   time.Now(),
		FilePath:    filePath,
		Operation:   op,
		ForwardDiff: forward,
		ReverseDiff: reverse,
		Description: description,
		WorkspaceID: c.workspaceID,
	}
	if head, ok := c.heads[filePath]; ok {
		node.ParentIDs = []string{head}
	}
	c.nodes[node.ID] = node
	c.heads[filePath] = node.ID
	return node
}

// RecordRename appends a rename node linking both paths.
func (c *Changelog) RecordRename(authorID, from, to string) *ChangeNode {
	c.mu.Lock()
	defer c.mu.Unlock()

	node := &ChangeNode{
		ID:          uuid.NewString(),
		AuthorID:    authorID,
		Timestamp:   time.Now(),
		FilePath:    to,
		Operation:   OpRename,
		RenameFrom:  from,
		RenameTo:    to,
		WorkspaceID: c.workspaceID,
	}
	// A rename has up to two parents: the head of each path.
	for _, path := range []string{from, to} {
		if head, ok := c.heads[path]; ok {
			node.ParentIDs = append(node.ParentIDs, head)
		}
	}
	c.nodes[node.ID] = node
	delete(c.heads, from)
	c.heads[to] = node.ID
	return node
}

// Undo appends an Undo node for the given change: the reverted node's
// diffs swapped, applied as a fresh change. The original node is untouched.
func (c *Changelog) Undo(authorID, nodeID string) (*ChangeNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, ok := c.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("change node %s not found", nodeID)
	}

	node := &ChangeNode{
		ID:          uuid.NewString(),
		AuthorID:    authorID,
		Timestamp:   time.Now(),
		FilePath:    target.FilePath,
		Operation:   OpUndo,
		RevertedID:  target.ID,
		ForwardDiff: target.ReverseDiff,
		ReverseDiff: target.ForwardDiff,
		Description: "undo " + target.ID,
		WorkspaceID: c.workspaceID,
	}
	if head, ok := c.heads[target.FilePath]; ok {
		node.ParentIDs = []string{head}
	}
	c.nodes[node.ID] = node
	c.heads[target.FilePath] = node.ID
	return node, nil
}

// Get returns a node by id.
func (c *Changelog) Get(id string) (*ChangeNode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	return n, ok
}

// Head returns the latest node id for a path.
func (c *Changelog) Head(filePath string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.heads[filePath]
	return id, ok
}

// History walks the parent chain from the head of filePath back to the
// root, newest first.
func (c *Changelog) History(filePath string) []*ChangeNode {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*ChangeNode
	id, ok := c.heads[filePath]
	for ok {
		node := c.nodes[id]
		if node == nil {
			break
		}
		out = append(out, node)
		if len(node.ParentIDs) == 0 {
			break
		}
		id = node.ParentIDs[0]
		_, ok = c.nodes[id]
	}
	return out
}

// Len returns the total node count.
func (c *Changelog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}
