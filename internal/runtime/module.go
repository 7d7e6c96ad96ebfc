// Package runtime is the kernel of the Continuum core: the module registry
// with prefix-based command routing, the two-tier event bus, the shared
// compute cache, the unified command executor, and the orchestrator that
// wires them together behind the IPC socket.
//
// A module is a named unit of behaviour. It declares the command prefixes
// it serves and the event patterns it wants delivered synchronously; the
// registry wires both automatically on registration. Exactly one instance
// of a module exists per name for the process lifetime.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/continuumrt/continuum/internal/apperr"
)

// Priority orders module initialisation concerns and is reported by the
// runtime-control surface.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// String returns the lower-case priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ModuleConfig is a module's static declaration. The registry reads it once
// at registration.
type ModuleConfig struct {
	// Name is the unique module identifier (e.g. "voice", "memory").
	Name string

	// Priority ranks the module for the runtime-control surface.
	Priority Priority

	// CommandPrefixes lists the command prefixes this module serves
	// (e.g. "voice/"). Routing is longest-prefix-wins across all modules.
	CommandPrefixes []string

	// EventSubscriptions lists glob patterns delivered synchronously to
	// HandleEvent during publish. Patterns use ':'-separated segments with
	// '*' matching one segment (or all remaining segments when trailing).
	EventSubscriptions []string

	// NeedsDedicatedThread marks a module whose work is compute-bound. The
	// runtime does not read it: commands run on MaxConcurrency dispatcher
	// goroutines whether it is set or not.
	NeedsDedicatedThread bool

	// MaxConcurrency caps concurrent command executions. Zero means
	// sequential: commands are processed in arrival order.
	MaxConcurrency int

	// TickInterval, when non-zero, asks the orchestrator to call the
	// module's Tick periodically.
	TickInterval time.Duration
}

// Result is the uniform outcome of a command: either a JSON document or a
// binary payload with JSON metadata.
type Result struct {
	JSON   json.RawMessage
	Binary []byte
	// Meta carries the metadata half of a binary result.
	Meta json.RawMessage
}

// IsBinary reports whether the result carries a binary payload.
func (r Result) IsBinary() bool { return r.Binary != nil }

// JSONResult marshals v into a JSON Result. Marshal failures are reported
// as errors by the caller, so v must be a marshallable value.
func JSONResult(v any) (Result, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Result{}, err
	}
	return Result{JSON: raw}, nil
}

// BinaryResult builds a binary Result with marshalled metadata.
func BinaryResult(meta any, payload []byte) (Result, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return Result{}, err
	}
	return Result{Meta: raw, Binary: payload}, nil
}

// Module is a registered unit of behaviour.
type Module interface {
	// Config returns the module's static declaration. Must be constant for
	// the module's lifetime.
	Config() ModuleConfig

	// Initialize prepares the module for service. Called exactly once, in
	// registration order, before any command is routed. A non-nil error
	// aborts runtime startup.
	Initialize(ctx context.Context, rt *Context) error

	// HandleCommand serves one command. cmd always carries one of the
	// declared prefixes. Returned errors surface to the IPC caller as
	// {success:false, error} and never terminate the runtime.
	HandleCommand(ctx context.Context, cmd string, params json.RawMessage) (Result, error)
}

// EventHandler is implemented by modules that want synchronous event
// delivery during publish. Errors are logged and swallowed so a failing
// subscriber never fails the publisher.
type EventHandler interface {
	HandleEvent(ctx context.Context, name string, payload json.RawMessage) error
}

// Ticker is implemented by modules with a TickInterval.
type Ticker interface {
	Tick(ctx context.Context)
}

// Context is handed to every module at initialisation: the shared runtime
// services a module may hold on to.
type Context struct {
	Registry *Registry
	Bus      *Bus
	Compute  *SharedCompute
	Executor *Executor
}

// CommandEnvelope is the outer structure of one IPC request.
type CommandEnvelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	UserID    string          `json:"user_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// Event is one bus event.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Error taxonomy. Handlers wrap these so the IPC layer and callers can
// classify failures without string matching.
var (
	// ErrUnknownCommand: no module prefix matches the command type.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMissingParam: a required parameter is absent from the payload.
	ErrMissingParam = errors.New("missing required parameter")
	// ErrNotFound: a named adapter, persona, handle, or module does not exist.
	ErrNotFound = apperr.ErrNotFound
	// ErrQueueFull: a bounded queue or channel rejected the item.
	ErrQueueFull = errors.New("queue full")
	// ErrContextOverflow: prompt plus generation exceeds the model context.
	ErrContextOverflow = errors.New("context window exceeded")
	// ErrTimeout: an operation exceeded its deadline.
	ErrTimeout = errors.New("timed out")
)
