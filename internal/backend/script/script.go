// Package script implements the script-execution backend: one subagent
// script invocation per iteration, output parsed line by line.
package script

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harrison/looper/internal/backend"
	"github.com/harrison/looper/internal/models"
)

// Config holds script backend settings.
type Config struct {
	ScriptsDir  string                     // <dir>/<subagent>.sh
	Scripts     map[models.Subagent]string // explicit per-subagent paths
	Subagent    models.Subagent            // verified by Connect
	Timeout     time.Duration              // per iteration; 0 = none
	GracePeriod time.Duration              // SIGTERM -> SIGKILL
	TmpDir      string                     // clean TMPDIR for scripts
	Env         []string                   // extra KEY=VALUE pairs, e.g. LOOPER_FEEDBACK_FILE
}

// Logger is the subset of logging the backend needs.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

const (
	defaultGracePeriod = 5 * time.Second
	maxLineSize        = 4 * 1024 * 1024
	tailLines          = 50
)

// Backend runs subagent scripts.
type Backend struct {
	cfg    Config
	logger Logger

	mu       sync.Mutex
	resolved map[models.Subagent]string
}

var _ backend.Backend = (*Backend)(nil)

// New creates a script backend. logger may be nil.
func New(cfg Config, logger Logger) *Backend {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = filepath.Join(os.TempDir(), "looper-scripts")
	}
	return &Backend{
		cfg:      cfg,
		logger:   logger,
		resolved: make(map[models.Subagent]string),
	}
}

// Type implements backend.Backend.
func (b *Backend) Type() models.BackendType { return models.BackendScript }

// Connect verifies that the configured subagent's script is runnable.
func (b *Backend) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.cfg.Subagent == "" {
		return nil
	}
	_, err := b.scriptFor(b.cfg.Subagent)
	return err
}

// Disconnect is a no-op; every iteration reaps its own process.
func (b *Backend) Disconnect() {}

// ScriptPath returns the path the backend would run for subagent.
func (b *Backend) ScriptPath(subagent models.Subagent) string {
	if p, ok := b.cfg.Scripts[subagent]; ok && p != "" {
		return p
	}
	return filepath.Join(b.cfg.ScriptsDir, string(subagent)+".sh")
}

func (b *Backend) scriptFor(subagent models.Subagent) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.resolved[subagent]; ok {
		return p, nil
	}

	path := b.ScriptPath(subagent)
	info, err := os.Stat(path)
	if err != nil {
		return "", &models.ConfigurationError{
			Component: "script backend",
			Message:   fmt.Sprintf("script for %s not found at %s", subagent, path),
			Err:       err,
		}
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", &models.ConfigurationError{
			Component: "script backend",
			Message:   fmt.Sprintf("script %s is not executable", path),
		}
	}
	b.resolved[subagent] = path
	return path, nil
}

// RunIteration spawns the subagent script once and parses its output.
func (b *Backend) RunIteration(ctx context.Context, req models.ExecutionRequest, ictx backend.IterationContext) (*backend.IterationOutput, error) {
	path, err := b.scriptFor(req.Subagent)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	args := []string{"--iteration", strconv.Itoa(ictx.Number)}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	cmd := exec.CommandContext(callCtx, path, args...)
	cmd.Dir = req.WorkingDirectory
	cmd.Env = b.env(req, ictx.Number)
	cmd.Stdin = strings.NewReader(req.Instruction)
	backend.Isolate(cmd)

	done := make(chan struct{})
	cmd.Cancel = func() error {
		return backend.Escalate(cmd.Process, done, b.cfg.GracePeriod)
	}
	cmd.WaitDelay = 2 * b.cfg.GracePeriod

	var stderr tailBuffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &models.FatalBackendError{Reason: models.ReasonProcessExit, Message: "stdout pipe", Err: err}
	}

	if b.logger != nil {
		b.logger.Debugf("script backend: iteration %d running %s", ictx.Number, path)
	}
	if err := cmd.Start(); err != nil {
		close(done)
		return nil, &models.FatalBackendError{Reason: models.ReasonProcessExit, Message: "start " + path, Err: err}
	}

	p := newParser()
	var out tailBuffer
	scanErr := b.scan(stdout, p, &out, ictx)
	waitErr := cmd.Wait()
	close(done)

	if err := ctx.Err(); err != nil {
		return nil, &models.CancellationError{Cause: err}
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, &models.TransientBackendError{
			Reason:  models.ReasonTimeout,
			Message: fmt.Sprintf("iteration exceeded %s", b.cfg.Timeout),
			Err:     callCtx.Err(),
		}
	}
	if waitErr != nil {
		combined := stderr.String() + "\n" + out.String()
		return nil, backend.ClassifyOutput(combined, models.ReasonProcessExit, waitErr)
	}
	if scanErr != nil {
		return nil, &models.TransientBackendError{Reason: models.ReasonOutput, Message: "reading script output", Err: scanErr}
	}

	events, result := p.Finish()
	if result.IsError {
		return nil, backend.ClassifyOutput(result.Content, models.ReasonToolError, nil)
	}
	return &backend.IterationOutput{ToolResult: result, Events: events}, nil
}

// scan streams parsed events to the sink as lines arrive.
func (b *Backend) scan(r io.Reader, p *parser, out *tailBuffer, ictx backend.IterationContext) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Text()
		out.WriteLine(line)
		for _, ev := range p.Line(line) {
			ictx.Emit(ev)
		}
	}
	if err := sc.Err(); err != nil {
		// Drain so the child is not blocked on a full pipe.
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

func (b *Backend) env(req models.ExecutionRequest, iteration int) []string {
	_ = os.MkdirAll(b.cfg.TmpDir, 0o755)

	env := make([]string, 0, len(os.Environ())+len(b.cfg.Env)+6)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "TMPDIR=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, b.cfg.Env...)
	return append(env,
		"TMPDIR="+b.cfg.TmpDir,
		"LOOPER_REQUEST_ID="+req.RequestID,
		"LOOPER_ITERATION="+strconv.Itoa(iteration),
		"LOOPER_SUBAGENT="+string(req.Subagent),
		"LOOPER_MODEL="+req.Model,
		"LOOPER_SERVER_NAME="+req.ServerName,
	)
}

// tailBuffer keeps the last lines written to it for error classification.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	part  strings.Builder
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range p {
		if c == '\n' {
			t.push(t.part.String())
			t.part.Reset()
			continue
		}
		t.part.WriteByte(c)
	}
	return len(p), nil
}

func (t *tailBuffer) WriteLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.push(line)
}

func (t *tailBuffer) push(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > tailLines {
		t.lines = t.lines[len(t.lines)-tailLines:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := strings.Join(t.lines, "\n")
	if t.part.Len() > 0 {
		s += "\n" + t.part.String()
	}
	return s
}
