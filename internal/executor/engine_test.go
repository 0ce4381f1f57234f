package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/looper/internal/backend"
	"github.com/harrison/looper/internal/budget"
	"github.com/harrison/looper/internal/models"
)

// step is one scripted RunIteration response.
type step func(ctx context.Context, ictx backend.IterationContext) (*backend.IterationOutput, error)

type fakeBackend struct {
	mu          sync.Mutex
	steps       []step
	calls       []int
	connectErr  error
	connects    int
	disconnects int
}

func (f *fakeBackend) Type() models.BackendType { return models.BackendScript }

func (f *fakeBackend) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeBackend) RunIteration(ctx context.Context, req models.ExecutionRequest, ictx backend.IterationContext) (*backend.IterationOutput, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ictx.Number)
	var s step
	if len(f.steps) > 0 {
		s = f.steps[0]
		f.steps = f.steps[1:]
	}
	f.mu.Unlock()
	if s == nil {
		return ok("done", false), nil
	}
	return s(ctx, ictx)
}

func (f *fakeBackend) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeBackend) callNumbers() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

func ok(content string, completed bool) *backend.IterationOutput {
	return &backend.IterationOutput{ToolResult: models.ToolResult{Content: content, Completed: completed}}
}

func succeed(content string) step {
	return func(context.Context, backend.IterationContext) (*backend.IterationOutput, error) {
		return ok(content, false), nil
	}
}

func complete() step {
	return func(context.Context, backend.IterationContext) (*backend.IterationOutput, error) {
		return ok("all done", true), nil
	}
}

func fail(err error) step {
	return func(context.Context, backend.IterationContext) (*backend.IterationOutput, error) {
		return nil, err
	}
}

func rateLimited(resetIn time.Duration) step {
	return fail(&models.RateLimitError{Message: "usage limit", ResetAt: time.Now().Add(resetIn)})
}

// blockUntilCancelled parks the call until its context ends.
func blockUntilCancelled(started chan<- struct{}) step {
	return func(ctx context.Context, _ backend.IterationContext) (*backend.IterationOutput, error) {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return nil, &models.CancellationError{Cause: ctx.Err()}
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = budget.BackoffConfig{
		BaseDelay:      5 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
		MaxConsecutive: 3,
		MaxWait:        time.Second,
	}
	cfg.CountdownInterval = time.Millisecond
	cfg.AbortWait = time.Second
	return cfg
}

func testRequest(t *testing.T, maxIterations int) models.ExecutionRequest {
	t.Helper()
	req, err := models.NewExecutionRequest(models.RequestParams{
		Instruction:      "fix the failing tests",
		Subagent:         models.SubagentClaude,
		Backend:          models.BackendScript,
		WorkingDirectory: t.TempDir(),
		MaxIterations:    maxIterations,
	})
	require.NoError(t, err)
	return req
}

func newEngine(t *testing.T, cfg Config, fb *fakeBackend) *Engine {
	t.Helper()
	e, err := New(cfg, fb)
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return e
}

func iterationNumbers(res *models.ExecutionResult) []int {
	var out []int
	for _, ir := range res.Iterations {
		out = append(out, ir.IterationNumber)
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New(testConfig(), nil)
	assert.True(t, models.IsConfiguration(err))

	cfg := testConfig()
	cfg.Timeout = -time.Second
	_, err = New(cfg, &fakeBackend{})
	assert.True(t, models.IsConfiguration(err))

	cfg = testConfig()
	cfg.Backoff.MaxConsecutive = -1
	_, err = New(cfg, &fakeBackend{})
	assert.True(t, models.IsConfiguration(err))
}

func TestExecute_BudgetExhaustion(t *testing.T) {
	fb := &fakeBackend{steps: []step{succeed("a"), succeed("b"), succeed("c")}}
	e := newEngine(t, testConfig(), fb)

	res, err := e.Execute(context.Background(), testRequest(t, 3))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, []int{1, 2, 3}, iterationNumbers(res))
	assert.Equal(t, 3, res.Statistics.SuccessfulIterations)
	assert.Equal(t, "c", res.LastToolResult().Content)
	assert.Equal(t, models.StatusCompleted, e.State())
}

func TestExecute_CompletionMarkerStopsEarly(t *testing.T) {
	fb := &fakeBackend{steps: []step{succeed("a"), complete(), succeed("never")}}
	e := newEngine(t, testConfig(), fb)

	res, err := e.Execute(context.Background(), testRequest(t, 10))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Len(t, res.Iterations, 2)
	assert.True(t, res.Iterations[1].ToolResult.Completed)
}

func TestExecute_UnboundedRunsUntilCompletion(t *testing.T) {
	steps := make([]step, 0, 8)
	for i := 0; i < 7; i++ {
		steps = append(steps, succeed("working"))
	}
	steps = append(steps, complete())
	fb := &fakeBackend{steps: steps}
	e := newEngine(t, testConfig(), fb)

	res, err := e.Execute(context.Background(), testRequest(t, models.UnboundedIterations))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Len(t, res.Iterations, 8)
}

func TestExecute_RateLimitRetriesSameIteration(t *testing.T) {
	fb := &fakeBackend{steps: []step{succeed("a"), rateLimited(10 * time.Millisecond), succeed("b")}}
	e := newEngine(t, testConfig(), fb)

	var waits []time.Duration
	var states []models.ExecutionStatus
	e.On(EventRateLimitStart, func(ev Event) {
		waits = append(waits, ev.WaitTime)
		states = append(states, e.State())
		assert.True(t, models.IsRateLimit(ev.Error))
	})

	res, err := e.Execute(context.Background(), testRequest(t, 2))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, []int{1, 2}, iterationNumbers(res))
	assert.Equal(t, []int{1, 2, 2}, fb.callNumbers())

	require.Len(t, waits, 1)
	assert.LessOrEqual(t, waits[0], 10*time.Millisecond)
	assert.Equal(t, 1, res.Statistics.RateLimitEncounters)
	assert.Greater(t, res.Statistics.RateLimitWaitTime, time.Duration(0))
	assert.Empty(t, res.Statistics.ErrorBreakdown)
	// rate-limit:start fires before the wait state is entered.
	assert.Equal(t, []models.ExecutionStatus{models.StatusRunning}, states)
}

func TestExecute_RateLimitCeiling(t *testing.T) {
	fb := &fakeBackend{steps: []step{
		rateLimited(0), rateLimited(0), rateLimited(0), rateLimited(0), succeed("never"),
	}}
	e := newEngine(t, testConfig(), fb)

	res, err := e.Execute(context.Background(), testRequest(t, 5))
	require.NoError(t, err)
	assert.Equal(t, models.StatusRateLimited, res.Status)
	assert.Empty(t, res.Iterations)
	assert.Equal(t, 3, res.Statistics.RateLimitEncounters)
	require.NotNil(t, res.Error)
	assert.Equal(t, models.KindRateLimit, res.Error.Kind)
}

func TestExecute_RateLimitCounterResetsOnOtherOutcomes(t *testing.T) {
	transient := fail(&models.TransientBackendError{Reason: models.ReasonTimeout, Message: "slow"})
	fb := &fakeBackend{steps: []step{
		rateLimited(0), rateLimited(0), rateLimited(0), transient,
		rateLimited(0), rateLimited(0), rateLimited(0), succeed("ok"),
	}}
	e := newEngine(t, testConfig(), fb)

	res, err := e.Execute(context.Background(), testRequest(t, 2))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, 6, res.Statistics.RateLimitEncounters)
	assert.Equal(t, map[string]int{"transient:timeout": 1}, res.Statistics.ErrorBreakdown)
}

func TestExecute_WaitAboveMaximumEndsRateLimited(t *testing.T) {
	fb := &fakeBackend{steps: []step{rateLimited(time.Hour)}}
	e := newEngine(t, testConfig(), fb)

	res, err := e.Execute(context.Background(), testRequest(t, 3))
	require.NoError(t, err)
	assert.Equal(t, models.StatusRateLimited, res.Status)
	assert.Zero(t, res.Statistics.RateLimitEncounters)
}

func TestExecute_FatalError(t *testing.T) {
	fatal := &models.FatalBackendError{Reason: models.ReasonProcessExit, Message: "exit status 2"}
	fb := &fakeBackend{steps: []step{succeed("a"), fail(fatal), succeed("never")}}
	e := newEngine(t, testConfig(), fb)

	var completed []int
	var execErrors []error
	e.On(EventIterationComplete, func(ev Event) { completed = append(completed, ev.Result.IterationNumber) })
	e.On(EventExecutionError, func(ev Event) { execErrors = append(execErrors, ev.Error) })

	res, err := e.Execute(context.Background(), testRequest(t, 5))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, []int{1, 2}, completed)
	require.Len(t, execErrors, 1)
	assert.True(t, models.IsFatal(execErrors[0]))

	require.Len(t, res.Iterations, 2)
	last := res.Iterations[1]
	assert.False(t, last.Success)
	assert.Equal(t, "fatal:process_exit", last.Error.Classification)
	assert.Equal(t, map[string]int{"fatal:process_exit": 1}, res.Statistics.ErrorBreakdown)
	assert.Equal(t, "fatal:process_exit", res.Error.Classification)
}

func TestExecute_UnclassifiedErrorIsFatal(t *testing.T) {
	fb := &fakeBackend{steps: []step{fail(errors.New("boom"))}}
	e := newEngine(t, testConfig(), fb)

	res, err := e.Execute(context.Background(), testRequest(t, 3))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, map[string]int{"fatal:unknown": 1}, res.Statistics.ErrorBreakdown)
}

func TestExecute_TransientContinues(t *testing.T) {
	transient := &models.TransientBackendError{Reason: models.ReasonOutput, Message: "garbled"}
	fb := &fakeBackend{steps: []step{fail(transient), succeed("b"), fail(transient)}}
	e := newEngine(t, testConfig(), fb)

	res, err := e.Execute(context.Background(), testRequest(t, 3))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, []int{1, 2, 3}, iterationNumbers(res))
	assert.Equal(t, 1, res.Statistics.SuccessfulIterations)
	assert.Equal(t, 2, res.Statistics.FailedIterations)
	assert.Equal(t, map[string]int{"transient:output": 2}, res.Statistics.ErrorBreakdown)
}

func TestExecute_CancelDuringIteration(t *testing.T) {
	started := make(chan struct{})
	fb := &fakeBackend{steps: []step{succeed("a"), blockUntilCancelled(started)}}
	e := newEngine(t, testConfig(), fb)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := e.Execute(ctx, testRequest(t, 5))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, res.Status)
	assert.Equal(t, []int{1}, iterationNumbers(res))
	assert.Equal(t, models.StatusCancelled, e.State())
}

func TestExecute_CancelDuringRateLimitWait(t *testing.T) {
	fb := &fakeBackend{steps: []step{rateLimited(500 * time.Millisecond)}}
	cfg := testConfig()
	e := newEngine(t, cfg, fb)

	ctx, cancel := context.WithCancel(context.Background())
	e.On(EventRateLimitStart, func(Event) {
		time.AfterFunc(10*time.Millisecond, cancel)
	})

	start := time.Now()
	res, err := e.Execute(ctx, testRequest(t, 5))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, res.Status)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Empty(t, res.Iterations)
	assert.Equal(t, 1, res.Statistics.RateLimitEncounters)
}

func TestExecute_WallClockTimeout(t *testing.T) {
	fb := &fakeBackend{steps: []step{succeed("a"), blockUntilCancelled(nil)}}
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	e := newEngine(t, cfg, fb)

	res, err := e.Execute(context.Background(), testRequest(t, models.UnboundedIterations))
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimeout, res.Status)
	assert.Equal(t, []int{1}, iterationNumbers(res))
}

func TestExecute_ProgressOrderingAndDelivery(t *testing.T) {
	streaming := func(_ context.Context, ictx backend.IterationContext) (*backend.IterationOutput, error) {
		ictx.Emit(models.NewProgressEvent(models.BackendScript, models.ProgressToolStart, "read"))
		ictx.Emit(models.NewProgressEvent(models.BackendScript, models.ProgressInfo, "thinking"))
		out := ok("done", true)
		out.Events = []models.ProgressEvent{
			models.NewProgressEvent(models.BackendScript, models.ProgressToolResult, "buffered"),
		}
		return out, nil
	}
	fb := &fakeBackend{steps: []step{streaming}}
	e := newEngine(t, testConfig(), fb)

	var order []string
	e.OnProgress(func(ev models.ProgressEvent) { order = append(order, "a:"+ev.Content) })
	e.OnProgress(func(ev models.ProgressEvent) { order = append(order, "b:"+ev.Content) })
	e.On(EventIterationComplete, func(Event) { order = append(order, "complete") })

	res, err := e.Execute(context.Background(), testRequest(t, 1))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, []string{
		"a:read", "b:read",
		"a:thinking", "b:thinking",
		"a:buffered", "b:buffered",
		"complete",
	}, order)
	assert.Equal(t, 1, res.Statistics.TotalToolCalls)
}

func TestExecute_PanickingHandlersAreContained(t *testing.T) {
	streaming := func(_ context.Context, ictx backend.IterationContext) (*backend.IterationOutput, error) {
		ictx.Emit(models.NewProgressEvent(models.BackendScript, models.ProgressInfo, "hello"))
		return ok("done", false), nil
	}
	fb := &fakeBackend{steps: []step{streaming, succeed("b")}}
	e := newEngine(t, testConfig(), fb)

	var seen atomic.Int32
	e.OnProgress(func(models.ProgressEvent) { panic("bad handler") })
	e.OnProgress(func(models.ProgressEvent) { seen.Add(1) })
	e.On(EventIterationStart, func(Event) { panic("bad lifecycle handler") })

	res, err := e.Execute(context.Background(), testRequest(t, 2))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, int32(1), seen.Load())
}

func TestExecute_ResultIsIsolatedFromHandlers(t *testing.T) {
	fb := &fakeBackend{steps: []step{succeed("original")}}
	e := newEngine(t, testConfig(), fb)
	e.On(EventIterationComplete, func(ev Event) { ev.Result.ToolResult.Content = "mutated" })

	res, err := e.Execute(context.Background(), testRequest(t, 1))
	require.NoError(t, err)
	assert.Equal(t, "original", res.Iterations[0].ToolResult.Content)
}

func TestExecute_InvalidRequest(t *testing.T) {
	fb := &fakeBackend{}
	e := newEngine(t, testConfig(), fb)

	req := testRequest(t, 1)
	req.MaxIterations = 0
	_, err := e.Execute(context.Background(), req)
	assert.True(t, models.IsValidation(err))
	assert.Zero(t, fb.connects)
}

func TestExecute_ConnectFailure(t *testing.T) {
	fb := &fakeBackend{connectErr: errors.New("no such server")}
	e := newEngine(t, testConfig(), fb)

	_, err := e.Execute(context.Background(), testRequest(t, 1))
	require.Error(t, err)
	assert.True(t, models.IsConfiguration(err))
	assert.ErrorContains(t, err, "no such server")
}

func TestExecute_Busy(t *testing.T) {
	started := make(chan struct{})
	fb := &fakeBackend{steps: []step{blockUntilCancelled(started)}}
	e := newEngine(t, testConfig(), fb)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *models.ExecutionResult)
	go func() {
		res, _ := e.Execute(ctx, testRequest(t, 1))
		done <- res
	}()
	<-started

	_, err := e.Execute(context.Background(), testRequest(t, 1))
	assert.ErrorIs(t, err, ErrBusy)

	cancel()
	res := <-done
	assert.Equal(t, models.StatusCancelled, res.Status)
}

func TestShutdown(t *testing.T) {
	started := make(chan struct{})
	fb := &fakeBackend{steps: []step{blockUntilCancelled(started)}}
	e := newEngine(t, testConfig(), fb)

	var events atomic.Int32
	e.On(EventIterationComplete, func(Event) { events.Add(1) })

	done := make(chan *models.ExecutionResult)
	go func() {
		res, _ := e.Execute(context.Background(), testRequest(t, 3))
		done <- res
	}()
	<-started
	e.Shutdown()
	e.Shutdown()

	res := <-done
	assert.Equal(t, models.StatusCancelled, res.Status)
	assert.Zero(t, events.Load())
	assert.Equal(t, 1, fb.disconnects)

	_, err := e.Execute(context.Background(), testRequest(t, 1))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestShutdownWithoutExecute(t *testing.T) {
	fb := &fakeBackend{}
	e, err := New(testConfig(), fb)
	require.NoError(t, err)
	e.Shutdown()
	assert.Equal(t, 1, fb.disconnects)
}

func TestTransitions(t *testing.T) {
	assert.True(t, canTransition(models.StatusInitializing, models.StatusRunning))
	assert.True(t, canTransition(models.StatusRunning, models.StatusWaitingRateLimit))
	assert.True(t, canTransition(models.StatusWaitingRateLimit, models.StatusRunning))
	assert.False(t, canTransition(models.StatusCompleted, models.StatusRunning))
	assert.False(t, canTransition(models.StatusInitializing, models.StatusCompleted))
	assert.False(t, canTransition(models.StatusWaitingRateLimit, models.StatusCompleted))
}
