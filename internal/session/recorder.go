package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harrison/looper/internal/executor"
	"github.com/harrison/looper/internal/models"
)

// DefaultQueueSize is the recorder buffer used when none is given.
const DefaultQueueSize = 1024

// ErrRecorderClosed is returned by Finish when called twice.
var ErrRecorderClosed = errors.New("recorder already finished")

// Logger is the subset of logging the recorder needs.
type Logger interface {
	Warnf(format string, args ...interface{})
}

// Recorder forwards engine events into a Manager. Handlers only enqueue;
// a dedicated goroutine performs the writes, so a slow database never
// stalls the iteration loop. Entries are dropped when the queue is full.
type Recorder struct {
	mgr       Manager
	sessionID string
	logger    Logger

	queue   chan Entry
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts a recorder for an existing session.
func NewRecorder(mgr Manager, sessionID string, queueSize int, logger Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Recorder{
		mgr:       mgr,
		sessionID: sessionID,
		logger:    logger,
		queue:     make(chan Entry, queueSize),
		done:      make(chan struct{}),
	}
	go r.drain()
	return r
}

// SessionID returns the recorded session.
func (r *Recorder) SessionID() string { return r.sessionID }

// Dropped reports how many entries were lost to a full queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Attach subscribes the recorder to every engine event it persists.
func (r *Recorder) Attach(e *executor.Engine) {
	e.OnProgress(func(ev models.ProgressEvent) {
		data := map[string]any{"type": string(ev.Type), "backend": string(ev.Backend)}
		for k, v := range ev.Metadata {
			data[k] = v
		}
		r.Record(Entry{
			Type:      EntryProgress,
			Content:   ev.Content,
			Data:      data,
			Iteration: iterationOf(ev),
			CreatedAt: ev.Timestamp,
		})
	})
	e.On(executor.EventIterationComplete, func(ev executor.Event) {
		if ev.Result == nil {
			return
		}
		res := ev.Result
		data := map[string]any{
			"success":     res.Success,
			"duration_ms": res.Duration.Milliseconds(),
		}
		var content string
		if res.ToolResult != nil {
			content = res.ToolResult.Content
			data["completed"] = res.ToolResult.Completed
		}
		if res.Error != nil {
			data["classification"] = res.Error.Classification
			content = res.Error.Message
		}
		r.Record(Entry{Type: EntryIteration, Content: content, Data: data, Iteration: res.IterationNumber, CreatedAt: ev.Timestamp})
	})
	e.On(executor.EventRateLimitStart, func(ev executor.Event) {
		r.Record(Entry{
			Type:      EntryRateLimit,
			Content:   errorText(ev.Error),
			Data:      map[string]any{"wait_ms": ev.WaitTime.Milliseconds()},
			Iteration: ev.IterationNumber,
			CreatedAt: ev.Timestamp,
		})
	})
	e.On(executor.EventExecutionError, func(ev executor.Event) {
		r.Record(Entry{Type: EntryError, Content: errorText(ev.Error), Iteration: ev.IterationNumber, CreatedAt: ev.Timestamp})
	})
}

// Record enqueues e without blocking.
func (r *Recorder) Record(e Entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	select {
	case r.queue <- e:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) drain() {
	defer close(r.done)
	for e := range r.queue {
		if err := r.mgr.AddHistoryEntry(context.Background(), r.sessionID, e); err != nil && r.logger != nil {
			r.logger.Warnf("session %s: record %s entry: %v", r.sessionID, e.Type, err)
		}
	}
}

// Finish flushes queued entries and completes the session with result.
func (r *Recorder) Finish(ctx context.Context, result *models.ExecutionResult) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRecorderClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if n := r.Dropped(); n > 0 && r.logger != nil {
		r.logger.Warnf("session %s: %d history entries dropped", r.sessionID, n)
	}
	if result == nil {
		return nil
	}
	return r.mgr.CompleteSession(ctx, r.sessionID, OutcomeFor(result))
}

func iterationOf(ev models.ProgressEvent) int {
	if n, ok := ev.Metadata[models.MetaIteration].(int); ok {
		return n
	}
	return 0
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
