// Package executor implements the iteration state machine that drives a
// subagent through a Backend until the task completes or the run ends.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harrison/looper/internal/backend"
	"github.com/harrison/looper/internal/budget"
	"github.com/harrison/looper/internal/models"
	"github.com/harrison/looper/internal/stats"
)

// Config tunes an Engine.
type Config struct {
	Timeout           time.Duration        // wall-clock budget for a run; 0 = none
	Backoff           budget.BackoffConfig // rate-limit policy
	CountdownInterval time.Duration        // rate-limit countdown cadence
	AbortWait         time.Duration        // how long to wait for an aborted backend call to return
	Logger            Logger               // can be nil
	WaiterLogger      budget.WaiterLogger  // can be nil
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		Backoff:           budget.DefaultBackoffConfig(),
		CountdownInterval: time.Second,
		AbortWait:         10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Timeout < 0:
		return &models.ConfigurationError{Component: "engine", Message: "timeout cannot be negative"}
	case c.Backoff.BaseDelay < 0 || c.Backoff.MaxDelay < 0 || c.Backoff.MaxWait < 0:
		return &models.ConfigurationError{Component: "engine", Message: "backoff durations cannot be negative"}
	case c.Backoff.MaxConsecutive < 0:
		return &models.ConfigurationError{Component: "engine", Message: "max consecutive rate limits cannot be negative"}
	case c.AbortWait < 0:
		return &models.ConfigurationError{Component: "engine", Message: "abort wait cannot be negative"}
	}
	return nil
}

// Engine runs one ExecutionRequest at a time against a single Backend.
type Engine struct {
	cfg     Config
	backend backend.Backend
	running atomic.Bool

	mu       sync.Mutex
	state    models.ExecutionStatus
	progress []ProgressHandler
	handlers map[EventName][]LifecycleHandler
	cancel   context.CancelFunc
	closed   bool
}

// New binds an Engine to b for its whole lifetime.
func New(cfg Config, b backend.Backend) (*Engine, error) {
	if b == nil {
		return nil, &models.ConfigurationError{Component: "engine", Message: "backend is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		backend:  b,
		state:    models.StatusInitializing,
		handlers: make(map[EventName][]LifecycleHandler),
	}, nil
}

// Execute runs req to a terminal status. It returns an error only when the
// run cannot start: invalid request, unreachable backend, engine busy or
// shut down. Every in-loop outcome is reported through the result.
func (e *Engine) Execute(ctx context.Context, req models.ExecutionRequest) (*models.ExecutionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil, &models.ConfigurationError{Component: "engine", Message: "execute", Err: ErrBusy}
	}
	defer e.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if e.cfg.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, e.cfg.Timeout, errWallClock)
		defer cancelTimeout()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, &models.ConfigurationError{Component: "engine", Message: "execute", Err: ErrShutdown}
	}
	e.state = models.StatusInitializing
	e.cancel = cancel
	e.mu.Unlock()

	r := &run{
		engine:  e,
		req:     req,
		ctx:     runCtx,
		stats:   stats.NewAggregator(),
		ctrl:    budget.NewController(e.cfg.Backoff),
		waiter:  budget.NewWaiter(e.cfg.CountdownInterval, e.cfg.WaiterLogger),
		started: time.Now(),
	}

	GracefulInfo(e.cfg.Logger, "Connecting %s backend for %s", e.backend.Type(), req.Subagent)
	if err := e.backend.Connect(runCtx); err != nil {
		if runCtx.Err() != nil {
			return r.finish(interruptStatus(runCtx), nil), nil
		}
		if models.IsConfiguration(err) {
			return nil, err
		}
		return nil, &models.ConfigurationError{Component: "backend", Message: "connect failed", Err: err}
	}

	return r.loop(), nil
}

// Shutdown cancels any active run, drops all handlers and disconnects the
// backend. It is idempotent.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	cancel := e.cancel
	e.progress = nil
	e.handlers = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.backend.Disconnect()
}

type reply struct {
	out *backend.IterationOutput
	err error
}

// run is the state of one Execute call. It is only touched by the engine
// goroutine.
type run struct {
	engine     *Engine
	req        models.ExecutionRequest
	ctx        context.Context
	stats      *stats.Aggregator
	ctrl       *budget.Controller
	waiter     *budget.Waiter
	iterations []models.IterationResult
	started    time.Time
}

func (r *run) loop() *models.ExecutionResult {
	e := r.engine
	if err := e.transition(models.StatusRunning); err != nil {
		return r.finish(models.StatusFailed, nil)
	}

	n := 1
	for {
		if r.ctx.Err() != nil {
			return r.finish(interruptStatus(r.ctx), nil)
		}

		e.emit(Event{Name: EventIterationStart, RequestID: r.req.RequestID, IterationNumber: n})
		startedAt := time.Now()
		out, err := r.call(n)
		duration := time.Since(startedAt)

		// An aborted call never produces a partial result.
		if r.ctx.Err() != nil {
			return r.finish(interruptStatus(r.ctx), nil)
		}

		if err == nil {
			r.ctrl.Reset()
			tr := out.ToolResult
			r.record(models.IterationResult{
				IterationNumber: n,
				Success:         true,
				Duration:        duration,
				ToolResult:      tr.Clone(),
				StartedAt:       startedAt,
			})
			if tr.Completed {
				GracefulInfo(e.cfg.Logger, "Subagent signalled completion at iteration %d", n)
				return r.finish(models.StatusCompleted, nil)
			}
			if r.req.BudgetReached(len(r.iterations)) {
				return r.finish(models.StatusCompleted, nil)
			}
			n++
			continue
		}

		ce := classify(r.ctx, err)
		switch ce.Kind() {
		case models.KindRateLimit:
			if status, done := r.backoff(n, ce); done {
				return r.finish(status, models.NewIterationError(ce))
			}

		case models.KindCancellation:
			return r.finish(models.StatusCancelled, nil)

		case models.KindTransient:
			r.ctrl.Reset()
			GracefulWarn(e.cfg.Logger, "Iteration %d failed, continuing: %v", n, ce)
			r.record(r.failed(n, duration, startedAt, ce))
			if r.req.BudgetReached(len(r.iterations)) {
				return r.finish(models.StatusCompleted, nil)
			}
			n++

		default:
			r.ctrl.Reset()
			r.record(r.failed(n, duration, startedAt, ce))
			e.emit(Event{Name: EventExecutionError, RequestID: r.req.RequestID, IterationNumber: n, Error: ce})
			return r.finish(models.StatusFailed, models.NewIterationError(ce))
		}
	}
}

// backoff handles a rate-limited attempt of iteration n. done is true when
// the run must end with status.
func (r *run) backoff(n int, ce models.ClassifiedError) (models.ExecutionStatus, bool) {
	e := r.engine
	if r.ctrl.Register() {
		GracefulWarn(e.cfg.Logger, "Giving up after %d consecutive rate limits", r.ctrl.Consecutive())
		return models.StatusRateLimited, true
	}

	rl, _ := ce.(*models.RateLimitError)
	wait := r.ctrl.WaitFor(rl)
	if !r.ctrl.Acceptable(wait) {
		GracefulWarn(e.cfg.Logger, "Rate limit wait %s exceeds the configured maximum", wait.Round(time.Second))
		return models.StatusRateLimited, true
	}

	e.emit(Event{Name: EventRateLimitStart, RequestID: r.req.RequestID, IterationNumber: n, WaitTime: wait, Error: ce})
	if err := e.transition(models.StatusWaitingRateLimit); err != nil {
		return models.StatusFailed, true
	}

	waited, err := r.waiter.Wait(r.ctx, wait)
	r.stats.RecordRateLimitWait(waited)
	if err != nil {
		return interruptStatus(r.ctx), true
	}
	if err := e.transition(models.StatusRunning); err != nil {
		return models.StatusFailed, true
	}
	return "", false
}

func (r *run) failed(n int, d time.Duration, startedAt time.Time, ce models.ClassifiedError) models.IterationResult {
	return models.IterationResult{
		IterationNumber: n,
		Duration:        d,
		Error:           models.NewIterationError(ce),
		StartedAt:       startedAt,
	}
}

// record appends a finished iteration, updates statistics and announces it.
func (r *run) record(ir models.IterationResult) {
	r.iterations = append(r.iterations, ir)
	r.stats.RecordIteration(ir)
	snapshot := ir.Clone()
	r.engine.emit(Event{Name: EventIterationComplete, RequestID: r.req.RequestID, IterationNumber: ir.IterationNumber, Result: &snapshot})
}

// call runs one backend round trip on a helper goroutine and pumps its
// progress events to handlers until it resolves.
func (r *run) call(n int) (*backend.IterationOutput, error) {
	e := r.engine
	events := make(chan models.ProgressEvent)
	closed := make(chan struct{})
	sink := backend.SinkFunc(func(ev models.ProgressEvent) bool {
		select {
		case events <- ev:
			return true
		case <-closed:
			return false
		}
	})

	replyc := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				replyc <- reply{err: &models.FatalBackendError{Reason: models.ReasonUnknown, Message: fmt.Sprintf("backend panic: %v", p)}}
			}
		}()
		out, err := e.backend.RunIteration(r.ctx, r.req, backend.IterationContext{Number: n, Sink: sink})
		replyc <- reply{out, err}
	}()

	for {
		select {
		case ev := <-events:
			r.deliver(ev)

		case rep := <-replyc:
			r.drain(events)
			close(closed)
			if rep.err != nil {
				return nil, rep.err
			}
			if rep.out == nil {
				return nil, &models.FatalBackendError{Reason: models.ReasonOutput, Message: "backend returned no output"}
			}
			for _, ev := range rep.out.Events {
				r.deliver(ev)
			}
			return rep.out, nil

		case <-r.ctx.Done():
			close(closed)
			r.awaitAbort(replyc)
			return nil, r.ctx.Err()
		}
	}
}

// drain delivers events whose senders were already waiting.
func (r *run) drain(events <-chan models.ProgressEvent) {
	for {
		select {
		case ev := <-events:
			r.deliver(ev)
		default:
			return
		}
	}
}

// awaitAbort gives an aborted backend call a bounded chance to clean up.
func (r *run) awaitAbort(replyc <-chan reply) {
	wait := r.engine.cfg.AbortWait
	if wait <= 0 {
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-replyc:
	case <-t.C:
		GracefulWarn(r.engine.cfg.Logger, "Backend call did not return within %s of cancellation", wait)
	}
}

func (r *run) deliver(ev models.ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Backend == "" {
		ev.Backend = r.engine.backend.Type()
	}
	r.stats.RecordProgress(ev)
	r.engine.deliverProgress(ev)
}

// finish moves to a terminal status and freezes the result.
func (r *run) finish(status models.ExecutionStatus, cause *models.IterationError) *models.ExecutionResult {
	e := r.engine
	if err := e.transition(status); err != nil {
		GracefulWarn(e.cfg.Logger, "%v", err)
		e.mu.Lock()
		if !e.state.IsTerminal() {
			e.state = status
		}
		status = e.state
		e.mu.Unlock()
	}

	iterations := make([]models.IterationResult, len(r.iterations))
	for i, ir := range r.iterations {
		iterations[i] = ir.Clone()
	}

	result := &models.ExecutionResult{
		RequestID:  r.req.RequestID,
		Status:     status,
		Iterations: iterations,
		Statistics: r.stats.Snapshot(),
		StartedAt:  r.started,
		FinishedAt: time.Now(),
		Error:      cause,
	}
	GracefulInfo(e.cfg.Logger, "Run %s finished: %s after %d iteration(s)", r.req.RequestID, status, len(iterations))
	return result
}
