package protocol

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/harrison/looper/internal/backend"
)

// session is the slice of an MCP client the backend uses.
type session interface {
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	// Done is closed when the underlying channel dies.
	Done() <-chan struct{}
	Close() error
}

// dialFunc opens a session and routes server notifications to onNotify.
type dialFunc func(ctx context.Context, onNotify func(mcp.JSONRPCNotification)) (session, error)

// stdioSession is an MCP client speaking over a spawned server's stdio.
type stdioSession struct {
	client *client.Client
	cmd    *exec.Cmd
	exited chan struct{}
	grace  time.Duration

	closeOnce sync.Once
}

// dialStdio spawns the server command and performs the initialize handshake.
func dialStdio(cfg Config, version string) dialFunc {
	return func(ctx context.Context, onNotify func(mcp.JSONRPCNotification)) (session, error) {
		if cfg.Command == "" {
			return nil, fmt.Errorf("no server command configured")
		}

		// The server must outlive the dial context.
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = append(os.Environ(), cfg.Env...)
		cmd.Dir = cfg.Dir
		cmd.Stderr = io.Discard
		backend.Isolate(cmd)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
		}

		s := &stdioSession{cmd: cmd, exited: make(chan struct{}), grace: cfg.GracePeriod}
		go func() {
			_ = cmd.Wait()
			close(s.exited)
		}()

		tr := transport.NewIO(stdout, stdin, io.NopCloser(strings.NewReader("")))
		c := client.NewClient(tr)
		if err := c.Start(context.Background()); err != nil {
			s.reap()
			return nil, fmt.Errorf("start transport: %w", err)
		}
		c.OnNotification(onNotify)

		hsCtx := ctx
		if cfg.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			hsCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
			defer cancel()
		}

		var init mcp.InitializeRequest
		init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
		init.Params.ClientInfo = mcp.Implementation{Name: "looper", Version: version}
		if _, err := c.Initialize(hsCtx, init); err != nil {
			_ = c.Close()
			s.reap()
			return nil, fmt.Errorf("initialize: %w", err)
		}

		s.client = c
		return s, nil
	}
}

func (s *stdioSession) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.client.CallTool(ctx, req)
}

func (s *stdioSession) Done() <-chan struct{} { return s.exited }

// Close shuts the client down and reaps the server process.
func (s *stdioSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.client != nil {
			err = s.client.Close()
		}
		s.reap()
	})
	return err
}

func (s *stdioSession) reap() {
	backend.Terminate(s.cmd.Process, s.exited, s.grace)
}
