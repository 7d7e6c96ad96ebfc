// Package logging ships structured log records to the logger worker over
// its private unix socket, using the same line-delimited JSON envelope as
// the IPC surface. The worker owns files and rotation; the core never
// touches log files itself. Local slog output continues regardless — the
// worker is an additional sink, not a dependency.
package logging

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// queueCapacity bounds buffered records; beyond it, records drop rather
// than block the caller.
const queueCapacity = 1024

// reconnectBackoff is the wait after a failed connection attempt.
const reconnectBackoff = 5 * time.Second

// Record is one log record on the wire.
type Record struct {
	Timestamp int64          `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Client is the logger worker connection. Emit never blocks: records
// queue into a bounded channel drained by a writer goroutine; when the
// worker is unreachable, records drop and a counter grows.
type Client struct {
	socketPath string
	queue      chan Record
	dropped    atomic.Uint64

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewClient creates a client and starts its writer goroutine.
func NewClient(socketPath string) *Client {
	c := &Client{
		socketPath: socketPath,
		queue:      make(chan Record, queueCapacity),
		done:       make(chan struct{}),
	}
	c.wg.Add(1)
	go c.writerLoop()
	return c
}

// Emit queues one record. Never blocks; drops when the queue is full.
func (c *Client) Emit(level, component, message string, fields map[string]any) {
	record := Record{
		Timestamp: time.Now().UnixMilli(),
		Level:     level,
		Component: component,
		Message:   message,
		Fields:    fields,
	}
	select {
	case c.queue <- record:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns how many records were discarded.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Close stops the writer and flushes what it can.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Client) writerLoop() {
	defer c.wg.Done()

	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-c.done:
			// Drain whatever is queued on a best-effort basis.
			for {
				select {
				case record := <-c.queue:
					conn = c.send(conn, record)
				default:
					return
				}
			}
		case record := <-c.queue:
			conn = c.send(conn, record)
		}
	}
}

// send writes one record, (re)connecting as needed. Returns the connection
// to keep, or nil after a failure.
func (c *Client) send(conn net.Conn, record Record) net.Conn {
	if conn == nil {
		var err error
		conn, err = net.DialTimeout("unix", c.socketPath, time.Second)
		if err != nil {
			c.dropped.Add(1)
			c.pause()
			return nil
		}
	}

	line, err := json.Marshal(record)
	if err != nil {
		c.dropped.Add(1)
		return conn
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write(append(line, '\n')); err != nil {
		conn.Close()
		c.dropped.Add(1)
		return nil
	}
	return conn
}

func (c *Client) pause() {
	t := time.NewTimer(reconnectBackoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.done:
	}
}
