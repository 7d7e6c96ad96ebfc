package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
)

// Server is the IPC front door: a unix stream socket speaking line-delimited
// JSON command envelopes. Text results are one JSON line; binary results are
// a JSON line declaring binary_size followed by exactly that many raw bytes.
type Server struct {
	runtime *Runtime
	path    string

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]context.CancelFunc
	wg       sync.WaitGroup
}

// responseEnvelope is the outer structure of every IPC response.
type responseEnvelope struct {
	ID         string          `json:"id,omitempty"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	BinarySize int             `json:"binary_size,omitempty"`
}

// NewServer creates a server bound to the given socket path on Listen.
func NewServer(rt *Runtime, path string) *Server {
	return &Server{
		runtime: rt,
		path:    path,
		conns:   map[net.Conn]context.CancelFunc{},
	}
}

// Listen binds the unix socket, removing a stale socket file first. A bind
// failure is a startup failure.
func (s *Server) Listen() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.path, err)
	}
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	slog.Info("ipc server listening", "socket", s.path)
	return nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
// Each connection gets its own goroutine and its own context; a client
// disconnect cancels that context, which cancels the client's in-flight
// commands. Handles opened over the connection (voice handles) are not
// tied to it: they stay open until closed by command or module shutdown.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("ipc server: Serve before Listen")
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		connCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.conns[conn] = cancel
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				cancel()
				conn.Close()
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.serveConn(connCtx, conn)
		}()
	}
}

// Close stops the listener and tears down every live connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn, cancel := range s.conns {
		cancel()
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Warn("ipc read error", "err", err)
			}
			return
		}

		var env CommandEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.writeError(writer, "", fmt.Sprintf("malformed envelope: %v", err))
			continue
		}
		if env.Type == "" {
			s.writeError(writer, env.ID, "envelope missing type")
			continue
		}

		result, err := s.runtime.Route(ctx, env.Type, env.Payload)
		if err != nil {
			s.writeError(writer, env.ID, err.Error())
			continue
		}
		if err := s.writeResult(writer, env.ID, result); err != nil {
			slog.Warn("ipc write error", "err", err)
			return
		}
	}
}

func (s *Server) writeResult(w *bufio.Writer, id string, result Result) error {
	if result.IsBinary() {
		env := responseEnvelope{
			ID:         id,
			Success:    true,
			Result:     result.Meta,
			BinarySize: len(result.Binary),
		}
		line, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
		if _, err := w.Write(result.Binary); err != nil {
			return err
		}
		return w.Flush()
	}

	env := responseEnvelope{ID: id, Success: true, Result: result.JSON}
	line, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		return err
	}
	return w.Flush()
}

func (s *Server) writeError(w *bufio.Writer, id, msg string) {
	line, err := json.Marshal(responseEnvelope{ID: id, Success: false, Error: msg})
	if err != nil {
		return
	}
	w.Write(append(line, '\n'))
	w.Flush()
}
