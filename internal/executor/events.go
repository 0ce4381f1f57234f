package executor

import (
	"fmt"
	"time"

	"github.com/harrison/looper/internal/models"
)

// EventName identifies a lifecycle event.
type EventName string

const (
	EventIterationStart    EventName = "iteration:start"
	EventIterationComplete EventName = "iteration:complete"
	EventRateLimitStart    EventName = "rate-limit:start"
	EventExecutionError    EventName = "execution:error"
)

// Event is the payload passed to lifecycle handlers. Only the fields that
// belong to Name are set.
type Event struct {
	Name            EventName
	RequestID       string
	IterationNumber int                     // iteration:start, rate-limit:start
	Result          *models.IterationResult // iteration:complete
	WaitTime        time.Duration           // rate-limit:start
	Error           error                   // rate-limit:start, execution:error
	Timestamp       time.Time
}

// ProgressHandler receives every progress event of a run, in order, on the
// engine goroutine. It must not block; hand slow work to another goroutine.
type ProgressHandler func(models.ProgressEvent)

// LifecycleHandler receives lifecycle events on the engine goroutine.
type LifecycleHandler func(Event)

// OnProgress registers a progress handler.
func (e *Engine) OnProgress(h ProgressHandler) {
	if h == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.progress = append(e.progress, h)
}

// On subscribes h to a lifecycle event.
func (e *Engine) On(name EventName, h LifecycleHandler) {
	if h == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.handlers == nil {
		e.handlers = make(map[EventName][]LifecycleHandler)
	}
	e.handlers[name] = append(e.handlers[name], h)
}

func (e *Engine) progressHandlers() []ProgressHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ProgressHandler(nil), e.progress...)
}

func (e *Engine) lifecycleHandlers(name EventName) []LifecycleHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]LifecycleHandler(nil), e.handlers[name]...)
}

// deliverProgress runs every progress handler; a panicking handler is
// logged and skipped.
func (e *Engine) deliverProgress(ev models.ProgressEvent) {
	for _, h := range e.progressHandlers() {
		e.safely("progress handler", func() { h(ev) })
	}
}

func (e *Engine) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for _, h := range e.lifecycleHandlers(ev.Name) {
		e.safely(string(ev.Name)+" handler", func() { h(ev) })
	}
}

func (e *Engine) safely(what string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			GracefulWarn(e.cfg.Logger, "%s panicked: %v", what, fmt.Sprint(p))
		}
	}()
	fn()
}
