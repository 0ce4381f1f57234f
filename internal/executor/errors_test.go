package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/harrison/looper/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind models.ErrorKind
	}{
		{
			name:     "already classified passes through",
			err:      &models.TransientBackendError{Reason: models.ReasonConnection, Message: "pipe closed"},
			wantKind: models.KindTransient,
		},
		{
			name:     "wrapped classified error",
			err:      fmt.Errorf("call tool: %w", &models.FatalBackendError{Reason: models.ReasonToolError, Message: "bad args"}),
			wantKind: models.KindFatal,
		},
		{
			name:     "call deadline is transient",
			err:      fmt.Errorf("tools/call: %w", context.DeadlineExceeded),
			wantKind: models.KindTransient,
		},
		{
			name:     "foreign cancellation is transient",
			err:      context.Canceled,
			wantKind: models.KindTransient,
		},
		{
			name:     "rate limit text",
			err:      errors.New("429 too many requests - Your limit will reset at 2pm (America/New_York)"),
			wantKind: models.KindRateLimit,
		},
		{
			name:     "unknown error is fatal",
			err:      errors.New("segmentation fault"),
			wantKind: models.KindFatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := classify(context.Background(), tt.err)
			if ce == nil {
				t.Fatal("expected classified error")
			}
			if ce.Kind() != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, ce.Kind())
			}
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	if ce := classify(context.Background(), nil); ce != nil {
		t.Errorf("expected nil, got %v", ce)
	}
}

func TestClassify_DoneRunContextWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ce := classify(ctx, &models.FatalBackendError{Reason: models.ReasonProcessExit, Message: "killed"})
	if ce.Kind() != models.KindCancellation {
		t.Errorf("expected cancellation, got %s", ce.Kind())
	}
}

func TestInterruptStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := interruptStatus(ctx); got != models.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", got)
	}

	wall, cancelWall := context.WithCancelCause(context.Background())
	cancelWall(errWallClock)
	if got := interruptStatus(wall); got != models.StatusTimeout {
		t.Errorf("expected TIMEOUT, got %s", got)
	}
}
