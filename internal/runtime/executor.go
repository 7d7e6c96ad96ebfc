package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/continuumrt/continuum/internal/resilience"
)

// DefaultForeignSocket is the conventional path of the foreign runtime's
// command router socket.
const DefaultForeignSocket = "/tmp/jtag-command-router.sock"

// Executor is the single entry point for "run this command wherever it
// lives". Commands claimed by a registered module run in-process; anything
// else is forwarded to the foreign runtime over its unix socket using one
// line of JSON per request and one per response.
type Executor struct {
	registry      *Registry
	foreignSocket string
	dialTimeout   time.Duration
	breaker       *resilience.CircuitBreaker
}

// foreignRequest is the wire shape sent to the foreign runtime.
type foreignRequest struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// foreignResponse is the wire shape received from the foreign runtime.
type foreignResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
}

// NewExecutor creates an executor over the given registry. An empty
// foreignSocket selects [DefaultForeignSocket].
func NewExecutor(registry *Registry, foreignSocket string) *Executor {
	if foreignSocket == "" {
		foreignSocket = DefaultForeignSocket
	}
	return &Executor{
		registry:      registry,
		foreignSocket: foreignSocket,
		dialTimeout:   5 * time.Second,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "foreign-runtime",
		}),
	}
}

// Execute routes the command to its module, or forwards it to the foreign
// runtime when no module prefix matches.
func (e *Executor) Execute(ctx context.Context, command string, params json.RawMessage) (Result, error) {
	if m, cmd, ok := e.registry.RouteCommand(command); ok {
		slog.Debug("executing local command", "command", command)
		return m.HandleCommand(ctx, cmd, params)
	}
	slog.Debug("forwarding command to foreign runtime", "command", command)
	return e.ExecuteForeign(ctx, command, params)
}

// ExecuteJSON runs Execute and flattens the result to JSON: binary results
// yield their metadata.
func (e *Executor) ExecuteJSON(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error) {
	res, err := e.Execute(ctx, command, params)
	if err != nil {
		return nil, err
	}
	if res.IsBinary() {
		return res.Meta, nil
	}
	return res.JSON, nil
}

// ExecuteForeign always forwards to the foreign runtime, bypassing the
// registry. Local modules use this to delegate a command under their own
// prefix to the foreign implementation without routing back to themselves.
func (e *Executor) ExecuteForeign(ctx context.Context, command string, params json.RawMessage) (Result, error) {
	var result json.RawMessage
	err := e.breaker.Execute(func() error {
		var err error
		result, err = e.roundTrip(ctx, command, params)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return Result{JSON: result}, nil
}

// roundTrip performs one request/response exchange on a fresh connection.
func (e *Executor) roundTrip(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, e.dialTimeout)
	defer cancel()

	conn, err := d.DialContext(dialCtx, "unix", e.foreignSocket)
	if err != nil {
		return nil, fmt.Errorf("connect foreign runtime at %s: %w", e.foreignSocket, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if params == nil {
		params = json.RawMessage(`{}`)
	}
	line, err := json.Marshal(foreignRequest{Command: command, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode foreign request: %w", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("send %q: %w", command, err)
	}

	reader := bufio.NewReader(conn)
	respLine, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response for %q: %w", command, err)
	}

	var resp foreignResponse
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, fmt.Errorf("invalid foreign response for %q: %w", command, err)
	}
	if !resp.Success {
		if resp.Error == "" {
			resp.Error = "unknown foreign runtime error"
		}
		return nil, fmt.Errorf("foreign runtime: %s", resp.Error)
	}
	return resp.Result, nil
}
