package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

// fakeForeignRuntime serves the one-line-JSON command router protocol.
func fakeForeignRuntime(t *testing.T, handler func(cmd string, params json.RawMessage) (any, string)) string {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "router.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				line, err := reader.ReadBytes('\n')
				if err != nil {
					return
				}
				var req foreignRequest
				if err := json.Unmarshal(line, &req); err != nil {
					return
				}
				result, errMsg := handler(req.Command, req.Params)
				var resp []byte
				if errMsg != "" {
					resp, _ = json.Marshal(map[string]any{"success": false, "error": errMsg})
				} else {
					resp, _ = json.Marshal(map[string]any{"success": true, "result": result})
				}
				conn.Write(append(resp, '\n'))
			}()
		}
	}()
	return sock
}

func TestExecuteRoutesLocalFirst(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(&testModule{name: "health", prefixes: []string{"health-"}})
	e := NewExecutor(reg, filepath.Join(t.TempDir(), "nonexistent.sock"))

	res, err := e.Execute(context.Background(), "health-check", nil)
	if err != nil {
		t.Fatalf("local execute: %v", err)
	}
	if !strings.Contains(string(res.JSON), `"health"`) {
		t.Fatalf("want local module result, got %s", res.JSON)
	}
}

func TestExecuteForwardsUnknownPrefix(t *testing.T) {
	t.Parallel()

	sock := fakeForeignRuntime(t, func(cmd string, _ json.RawMessage) (any, string) {
		return map[string]string{"handled": cmd}, ""
	})

	reg := NewRegistry()
	e := NewExecutor(reg, sock)

	raw, err := e.ExecuteJSON(context.Background(), "screenshot", json.RawMessage(`{"querySelector":"body"}`))
	if err != nil {
		t.Fatalf("foreign execute: %v", err)
	}
	if !strings.Contains(string(raw), "screenshot") {
		t.Fatalf("want foreign result, got %s", raw)
	}
}

func TestExecuteForeignBypassesRegistry(t *testing.T) {
	t.Parallel()

	var called atomic.Bool
	sock := fakeForeignRuntime(t, func(cmd string, _ json.RawMessage) (any, string) {
		called.Store(true)
		return map[string]string{"from": "foreign"}, ""
	})

	reg := NewRegistry()
	// A local module claims the same prefix; ExecuteForeign must skip it.
	reg.Register(&testModule{name: "ai", prefixes: []string{"ai/"}})
	e := NewExecutor(reg, sock)

	res, err := e.ExecuteForeign(context.Background(), "ai/agent", nil)
	if err != nil {
		t.Fatalf("foreign execute: %v", err)
	}
	if !called.Load() {
		t.Fatal("foreign runtime was not reached")
	}
	if !strings.Contains(string(res.JSON), "foreign") {
		t.Fatalf("want foreign result, got %s", res.JSON)
	}
}

func TestForeignErrorSurfaces(t *testing.T) {
	t.Parallel()

	sock := fakeForeignRuntime(t, func(string, json.RawMessage) (any, string) {
		return nil, "no such command"
	})

	e := NewExecutor(NewRegistry(), sock)
	_, err := e.ExecuteForeign(context.Background(), "missing/cmd", nil)
	if err == nil || !strings.Contains(err.Error(), "no such command") {
		t.Fatalf("want remote error message, got %v", err)
	}
}
