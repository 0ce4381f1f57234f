package cmd

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harrison/looper/internal/feedback"
)

func TestFeedback_AddListResolve(t *testing.T) {
	workDir := newWorkDir(t)

	output, err := executeCommand(t, "feedback", "list", "--workdir", workDir)
	if err != nil {
		t.Fatalf("feedback list failed: %v", err)
	}
	if !strings.Contains(output, "No open feedback.") {
		t.Errorf("Expected empty notice, got: %s", output)
	}

	if _, err := executeCommand(t, "feedback", "add", "--workdir", workDir, "prefer", "small", "commits"); err != nil {
		t.Fatalf("feedback add failed: %v", err)
	}
	if _, err := executeCommand(t, "feedback", "add", "--workdir", workDir, "run the linter"); err != nil {
		t.Fatalf("feedback add failed: %v", err)
	}

	store := feedback.NewStore(filepath.Join(workDir, ".looper", "feedback.md"))
	entries, err := store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}

	output, err = executeCommand(t, "feedback", "resolve", "--workdir", workDir, entries[0].ID)
	if err != nil {
		t.Fatalf("feedback resolve failed: %v", err)
	}
	if !strings.Contains(output, "Resolved feedback "+entries[0].ID) {
		t.Errorf("Unexpected resolve output: %s", output)
	}

	output, err = executeCommand(t, "feedback", "list", "--workdir", workDir)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(output, "prefer small commits") || !strings.Contains(output, "run the linter") {
		t.Errorf("Expected only the open entry, got: %s", output)
	}

	output, err = executeCommand(t, "feedback", "list", "--all", "--workdir", workDir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(output, "[resolved] "+entries[0].ID) || !strings.Contains(output, "[open] "+entries[1].ID) {
		t.Errorf("Expected both entries with status, got: %s", output)
	}
}

func TestFeedback_ResolveUnknown(t *testing.T) {
	workDir := newWorkDir(t)
	if _, err := executeCommand(t, "feedback", "add", "--workdir", workDir, "note"); err != nil {
		t.Fatal(err)
	}

	_, err := executeCommand(t, "feedback", "resolve", "--workdir", workDir, "zzzzzzzz")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("Expected not found error, got %v", err)
	}
}

func TestFeedback_AddRequiresText(t *testing.T) {
	workDir := newWorkDir(t)
	if _, err := executeCommand(t, "feedback", "add", "--workdir", workDir); err == nil {
		t.Fatal("Expected error without text")
	}
}

func TestRunCommand_ReportsOpenFeedback(t *testing.T) {
	workDir := newWorkDir(t)
	writeScript(t, workDir, "claude", `cat >/dev/null
test -n "$LOOPER_FEEDBACK_FILE" || exit 1
echo '{"type":"result","content":"done","completed":true}'
`)
	if _, err := executeCommand(t, "feedback", "add", "--workdir", workDir, "keep it short"); err != nil {
		t.Fatal(err)
	}

	output, err := executeCommand(t, "run", "--workdir", workDir, "-b", "script", "--no-session", "go")
	if err != nil {
		t.Fatalf("Run failed: %v\n%s", err, output)
	}
	if !strings.Contains(output, "1 open feedback entry") {
		t.Errorf("Expected open feedback notice, got: %s", output)
	}
}
