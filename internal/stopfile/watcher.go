// Package stopfile cancels a run when a sentinel file appears.
//
// The watcher observes the directory holding the stop file with fsnotify,
// so an operator can end a long unbounded run with `touch .looper/STOP`
// from another shell without sending signals to the process.
package stopfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrStopRequested is returned by Wait when the stop file was created.
var ErrStopRequested = errors.New("stop file detected")

// DefaultDebounceDelay coalesces the create+write pair most editors and
// shells produce.
const DefaultDebounceDelay = 50 * time.Millisecond

// Watcher reports when the stop file is created or written.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	stop    chan struct{}
	errors  chan error
	done    chan struct{}

	mu            sync.Mutex
	debounceDelay time.Duration
	timer         *time.Timer
	fired         bool
	closed        bool
}

// New watches path. The parent directory is created if it does not exist.
func New(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve stop file: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create stop file directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		watcher:       fsw,
		path:          abs,
		stop:          make(chan struct{}),
		errors:        make(chan error, 10),
		done:          make(chan struct{}),
		debounceDelay: DefaultDebounceDelay,
	}
	go w.processEvents()
	return w, nil
}

// Path returns the absolute stop file path.
func (w *Watcher) Path() string { return w.path }

// Present reports whether the stop file exists right now.
func (w *Watcher) Present() bool {
	_, err := os.Stat(w.path)
	return err == nil
}

// ClearStale removes a stop file left over from an earlier run. It reports
// whether a file was removed.
func (w *Watcher) ClearStale() (bool, error) {
	err := os.Remove(w.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("remove stale stop file: %w", err)
}

// Stopped is closed once the stop file has been seen.
func (w *Watcher) Stopped() <-chan struct{} { return w.stop }

// Errors returns watcher errors; it is never closed.
func (w *Watcher) Errors() <-chan error { return w.errors }

// SetDebounceDelay must be called before the stop file can appear.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounceDelay = d
}

// Wait blocks until the stop file appears or ctx ends. It returns
// ErrStopRequested in the first case and nil in the second, so it can run
// inside an errgroup whose first error cancels the run.
func (w *Watcher) Wait(ctx context.Context) error {
	select {
	case <-w.stop:
		return ErrStopRequested
	case <-ctx.Done():
		return nil
	}
}

func (w *Watcher) processEvents() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.fired {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceDelay, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.fired {
		return
	}
	w.fired = true
	close(w.stop)
}

// Close stops watching. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	return w.watcher.Close()
}
