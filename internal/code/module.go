package code

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/continuumrt/continuum/internal/runtime"
)

// Module is the change-tracking IPC surface.
//
// Commands:
//   - code/record-change: append a change node with bidirectional diffs
//   - code/record-rename: append a rename node
//   - code/undo: append an Undo node for an earlier change
//   - code/history: a file's change chain, newest first
//   - code/diff: compute a bidirectional diff without recording it
type Module struct {
	mu         sync.Mutex
	workspaces map[string]*Changelog
}

// NewModule creates the code module.
func NewModule() *Module {
	return &Module{workspaces: map[string]*Changelog{}}
}

func (m *Module) changelogFor(workspaceID string) *Changelog {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.workspaces[workspaceID]
	if !ok {
		log = NewChangelog(workspaceID)
		m.workspaces[workspaceID] = log
	}
	return log
}

// Config implements runtime.Module.
func (m *Module) Config() runtime.ModuleConfig {
	return runtime.ModuleConfig{
		Name:            "code",
		Priority:        runtime.PriorityNormal,
		CommandPrefixes: []string{"code/"},
	}
}

// Initialize implements runtime.Module.
func (m *Module) Initialize(context.Context, *runtime.Context) error { return nil }

// HandleCommand implements runtime.Module.
func (m *Module) HandleCommand(_ context.Context, cmd string, params json.RawMessage) (runtime.Result, error) {
	p, err := runtime.NewParams(params)
	if err != nil {
		return runtime.Result{}, err
	}

	switch cmd {
	case "code/record-change":
		workspaceID, err := p.Str("workspace_id")
		if err != nil {
			return runtime.Result{}, err
		}
		filePath, err := p.Str("file_path")
		if err != nil {
			return runtime.Result{}, err
		}
		op := Operation(p.StrOr("operation", string(OpEdit)))
		node := m.changelogFor(workspaceID).Record(
			p.StrOr("author_id", ""),
			filePath, op,
			p.StrOr("before", ""),
			p.StrOr("after", ""),
			p.StrOr("description", ""),
		)
		return runtime.JSONResult(node)

	case "code/record-rename":
		workspaceID, err := p.Str("workspace_id")
		if err != nil {
			return runtime.Result{}, err
		}
		from, err := p.Str("from")
		if err != nil {
			return runtime.Result{}, err
		}
		to, err := p.Str("to")
		if err != nil {
			return runtime.Result{}, err
		}
		node := m.changelogFor(workspaceID).RecordRename(p.StrOr("author_id", ""), from, to)
		return runtime.JSONResult(node)

	case "code/undo":
		workspaceID, err := p.Str("workspace_id")
		if err != nil {
			return runtime.Result{}, err
		}
		nodeID, err := p.Str("node_id")
		if err != nil {
			return runtime.Result{}, err
		}
		node, err := m.changelogFor(workspaceID).Undo(p.StrOr("author_id", ""), nodeID)
		if err != nil {
			return runtime.Result{}, fmt.Errorf("%w: %v", runtime.ErrNotFound, err)
		}
		return runtime.JSONResult(node)

	case "code/history":
		workspaceID, err := p.Str("workspace_id")
		if err != nil {
			return runtime.Result{}, err
		}
		filePath, err := p.Str("file_path")
		if err != nil {
			return runtime.Result{}, err
		}
		return runtime.JSONResult(map[string]any{
			"history": m.changelogFor(workspaceID).History(filePath),
		})

	case "code/diff":
		before := p.StrOr("before", "")
		after := p.StrOr("after", "")
		forward, reverse := ComputeBidirectionalDiff(before, after)
		return runtime.JSONResult(map[string]Diff{
			"forward": forward,
			"reverse": reverse,
		})

	default:
		return runtime.Result{}, fmt.Errorf("%w: %q", runtime.ErrUnknownCommand, cmd)
	}
}
