// Package protocol implements the protocol-client backend: one long-lived
// MCP server subprocess, one tool call per iteration, progress streamed
// from server notifications.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/harrison/looper/internal/backend"
	"github.com/harrison/looper/internal/models"
)

// Config holds protocol backend settings.
type Config struct {
	Command        string
	Args           []string
	Env            []string // extra KEY=VALUE pairs
	Dir            string
	Tools          map[models.Subagent]string // tool name overrides
	ConnectTimeout time.Duration
	CallTimeout    time.Duration // per iteration; 0 = none
	RetryAttempts  int
	RetryDelay     time.Duration
	GracePeriod    time.Duration
}

// Logger is the subset of logging the backend needs.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Backend drives a subagent through an MCP server.
type Backend struct {
	cfg    Config
	dial   dialFunc
	logger Logger

	mu       sync.Mutex
	sess     session
	inflight *call
}

var _ backend.Backend = (*Backend)(nil)

// call tracks the iteration currently allowed to emit progress.
type call struct {
	token string
	ictx  backend.IterationContext
	done  chan struct{}
}

// New creates a protocol backend that spawns cfg.Command on Connect.
func New(cfg Config, version string, logger Logger) *Backend {
	return newBackend(cfg, dialStdio(withDefaults(cfg), version), logger)
}

func newBackend(cfg Config, dial dialFunc, logger Logger) *Backend {
	return &Backend{cfg: withDefaults(cfg), dial: dial, logger: logger}
}

func withDefaults(cfg Config) Config {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	return cfg
}

// Type implements backend.Backend.
func (b *Backend) Type() models.BackendType { return models.BackendProtocol }

// ToolName returns the MCP tool invoked for subagent.
func (b *Backend) ToolName(subagent models.Subagent) string {
	if name, ok := b.cfg.Tools[subagent]; ok && name != "" {
		return name
	}
	return string(subagent) + "_subagent"
}

// Connect spawns the server and performs the handshake. It is a no-op when
// a live session exists.
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.sess != nil {
		select {
		case <-b.sess.Done():
			_ = b.sess.Close()
			b.sess = nil
		default:
			b.mu.Unlock()
			return nil
		}
	}
	b.mu.Unlock()

	var sess session
	err := backend.ConnectWithRetry(ctx, "protocol", b.cfg.RetryAttempts, b.cfg.RetryDelay, func(ctx context.Context) error {
		s, err := b.dial(ctx, b.handleNotification)
		if err != nil {
			if b.logger != nil {
				b.logger.Warnf("protocol backend: connect: %v", err)
			}
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.sess = sess
	b.mu.Unlock()
	return nil
}

// Disconnect closes the session and reaps the server.
func (b *Backend) Disconnect() {
	b.mu.Lock()
	sess := b.sess
	b.sess = nil
	b.inflight = nil
	b.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil && b.logger != nil {
			b.logger.Debugf("protocol backend: close: %v", err)
		}
	}
}

// RunIteration calls the subagent tool once.
func (b *Backend) RunIteration(ctx context.Context, req models.ExecutionRequest, ictx backend.IterationContext) (*backend.IterationOutput, error) {
	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()
	if sess == nil {
		return nil, &models.FatalBackendError{Reason: models.ReasonConnection, Message: "not connected"}
	}

	c := &call{token: ProgressToken(req.RequestID, ictx.Number), ictx: ictx, done: make(chan struct{})}
	b.setInflight(c)
	defer b.clearInflight(c)

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	var creq mcp.CallToolRequest
	creq.Params.Name = b.ToolName(req.Subagent)
	creq.Params.Arguments = map[string]any{
		"instruction":  req.Instruction,
		"project_path": req.WorkingDirectory,
		"model":        req.Model,
		"iteration":    ictx.Number,
		"request_id":   req.RequestID,
		"server_name":  req.ServerName,
	}
	creq.Params.Meta = &mcp.Meta{ProgressToken: c.token}

	type reply struct {
		res *mcp.CallToolResult
		err error
	}
	replyc := make(chan reply, 1)
	go func() {
		res, err := sess.CallTool(callCtx, creq)
		replyc <- reply{res, err}
	}()

	var r reply
	select {
	case r = <-replyc:
	case <-callCtx.Done():
		r = reply{err: callCtx.Err()}
	case <-sess.Done():
		select {
		case r = <-replyc:
		default:
			r = reply{err: errors.New("server exited")}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, &models.CancellationError{Cause: err}
	}
	if r.err != nil {
		return nil, b.classifyCallError(callCtx, sess, r.err)
	}
	return b.toOutput(r.res)
}

func (b *Backend) classifyCallError(callCtx context.Context, sess session, err error) error {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &models.TransientBackendError{
			Reason:  models.ReasonTimeout,
			Message: fmt.Sprintf("tool call exceeded %s", b.cfg.CallTimeout),
			Err:     err,
		}
	}
	select {
	case <-sess.Done():
		// Next Connect replaces the dead session.
		return &models.FatalBackendError{Reason: models.ReasonConnection, Message: "server channel closed", Err: err}
	default:
	}
	if info := rateLimitIn(err.Error()); info != nil {
		return info
	}
	return &models.FatalBackendError{Reason: models.ReasonProtocol, Err: err}
}

func (b *Backend) toOutput(res *mcp.CallToolResult) (*backend.IterationOutput, error) {
	if res == nil {
		return nil, &models.FatalBackendError{Reason: models.ReasonProtocol, Message: "empty tool result"}
	}

	var parts []string
	for _, content := range res.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, text.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if res.IsError {
		return nil, backend.ClassifyOutput(text, models.ReasonToolError, nil)
	}

	tr := models.ToolResult{Content: text, Metadata: map[string]any{models.MetaFormat: "mcp"}}
	if done, found := backend.CompletionMarker(text); found {
		tr.Completed = done
	}
	return &backend.IterationOutput{ToolResult: tr}, nil
}

func (b *Backend) setInflight(c *call) {
	b.mu.Lock()
	b.inflight = c
	b.mu.Unlock()
}

func (b *Backend) clearInflight(c *call) {
	b.mu.Lock()
	if b.inflight == c {
		b.inflight = nil
	}
	b.mu.Unlock()
	close(c.done)
}

// handleNotification runs on the client's read goroutine.
func (b *Backend) handleNotification(n mcp.JSONRPCNotification) {
	ev, token, ok := toProgressEvent(n)
	if !ok {
		return
	}

	b.mu.Lock()
	c := b.inflight
	b.mu.Unlock()
	if c == nil || (token != "" && token != c.token) {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	c.ictx.Emit(ev)
}

// ProgressToken correlates notifications with one iteration.
func ProgressToken(requestID string, iteration int) string {
	return fmt.Sprintf("%s:%d", requestID, iteration)
}
