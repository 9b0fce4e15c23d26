// Package ipc is the one-shot channel that hands data from the controller
// to the host before the host's own modules load.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ErrMalformed marks a payload that is not a JSON list of paths.
var ErrMalformed = errors.New("ipc: malformed payload")

const (
	pollInterval = 10 * time.Millisecond
	readTimeout  = 5 * time.Second
)

// SocketPath returns the endpoint path for name inside dir.
func SocketPath(dir, name string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, name+".sock")
}

// Server is the sending side.
type Server struct {
	dir    string
	logger *zap.Logger
}

func NewServer(dir string, logger *zap.Logger) *Server {
	return &Server{dir: dir, logger: logger}
}

// ReadySend opens the endpoint, waits for exactly one connection, writes data
// and closes. It blocks until a peer connects or ctx is cancelled.
func (s *Server) ReadySend(ctx context.Context, name, data string) error {
	path := SocketPath(s.dir, name)
	_ = os.Remove(path)

	ln, err := listen(path)
	if err != nil {
		return fmt.Errorf("ipc: failed to listen on %s: %w", name, err)
	}
	defer os.Remove(path)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ipc: accept on %s: %w", name, err)
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, data); err != nil {
		return fmt.Errorf("ipc: write on %s: %w", name, err)
	}
	s.logger.Debug("sent payload", zap.String("endpoint", name), zap.Int("bytes", len(data)))
	return nil
}

// SendPaths sends paths as a JSON array.
func (s *Server) SendPaths(ctx context.Context, name string, paths []string) error {
	if paths == nil {
		paths = []string{}
	}
	data, err := json.Marshal(paths)
	if err != nil {
		return fmt.Errorf("ipc: encode paths: %w", err)
	}
	return s.ReadySend(ctx, name, string(data))
}

// Client is the receiving side.
type Client struct {
	dir     string
	timeout time.Duration
}

func NewClient(dir string, timeout time.Duration) *Client {
	return &Client{dir: dir, timeout: timeout}
}

// ConnRecv connects to name and reads everything the server writes. When no
// server shows up within the timeout it returns "" and no error.
func (c *Client) ConnRecv(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	path := SocketPath(c.dir, name)
	deadline := time.Now().Add(c.timeout)

	var conn net.Conn
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", nil
		}
		var err error
		conn, err = net.DialTimeout("unix", path, remaining)
		if err == nil {
			break
		}
		time.Sleep(min(pollInterval, remaining))
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	data, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("ipc: read on %s: %w", name, err)
	}
	return string(data), nil
}

// ReceivePaths reads a JSON array of paths. A timed-out channel yields nil.
func (c *Client) ReceivePaths(name string) ([]string, error) {
	data, err := c.ConnRecv(name)
	if err != nil || data == "" {
		return nil, err
	}
	var paths []string
	if err := json.Unmarshal([]byte(data), &paths); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return paths, nil
}
