package stopfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "STOP")
	w, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { w.Close() })
	w.SetDebounceDelay(5 * time.Millisecond)
	return w, path
}

func TestWatcher_CreatesDirectory(t *testing.T) {
	w, path := newWatcher(t)

	if info, err := os.Stat(filepath.Dir(path)); err != nil || !info.IsDir() {
		t.Fatalf("stop file directory not created: %v", err)
	}
	if !filepath.IsAbs(w.Path()) {
		t.Errorf("Path() = %q, want absolute", w.Path())
	}
	if w.Present() {
		t.Error("Present() = true before the file exists")
	}
}

func TestWatcher_DetectsStopFile(t *testing.T) {
	w, path := newWatcher(t)

	if err := os.WriteFile(path, []byte("please stop\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("stop file not detected")
	}
	if !w.Present() {
		t.Error("Present() = false after creation")
	}

	if err := w.Wait(context.Background()); !errors.Is(err, ErrStopRequested) {
		t.Errorf("Wait() error = %v, want ErrStopRequested", err)
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	w, path := newWatcher(t)

	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "STOP.bak"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-w.Stopped():
		t.Fatal("unrelated file triggered a stop")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcher_WaitReturnsNilOnCancel(t *testing.T) {
	w, _ := newWatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Wait(ctx); err != nil {
		t.Errorf("Wait() error = %v, want nil", err)
	}
}

func TestWatcher_ClearStale(t *testing.T) {
	w, path := newWatcher(t)

	removed, err := w.ClearStale()
	if err != nil || removed {
		t.Fatalf("ClearStale() = %v, %v with no file", removed, err)
	}

	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	removed, err = w.ClearStale()
	if err != nil || !removed {
		t.Fatalf("ClearStale() = %v, %v, want removed", removed, err)
	}
	if w.Present() {
		t.Error("stop file still present")
	}
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	w, _ := newWatcher(t)

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
