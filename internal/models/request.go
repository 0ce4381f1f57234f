package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Subagent identifies the external coding assistant driven by the engine.
type Subagent string

const (
	SubagentClaude Subagent = "claude"
	SubagentCursor Subagent = "cursor"
	SubagentCodex  Subagent = "codex"
	SubagentGemini Subagent = "gemini"
)

// Subagents lists every supported subagent in display order.
var Subagents = []Subagent{SubagentClaude, SubagentCursor, SubagentCodex, SubagentGemini}

// Valid reports whether s is a known subagent.
func (s Subagent) Valid() bool {
	switch s {
	case SubagentClaude, SubagentCursor, SubagentCodex, SubagentGemini:
		return true
	}
	return false
}

// ParseSubagent normalizes and validates a subagent name.
func ParseSubagent(name string) (Subagent, error) {
	s := Subagent(strings.ToLower(strings.TrimSpace(name)))
	if !s.Valid() {
		return "", &ValidationError{
			Field:   "subagent",
			Value:   name,
			Message: "must be one of: claude, cursor, codex, gemini",
		}
	}
	return s, nil
}

// BackendType selects the transport used to reach a subagent.
type BackendType string

const (
	// BackendProtocol talks to a long-lived MCP server over stdio.
	BackendProtocol BackendType = "protocol"
	// BackendScript spawns a subagent script per iteration.
	BackendScript BackendType = "script"
)

// Valid reports whether b is a known backend type.
func (b BackendType) Valid() bool {
	return b == BackendProtocol || b == BackendScript
}

// ParseBackendType normalizes and validates a backend name.
// "mcp" and "shell" are accepted as aliases.
func ParseBackendType(name string) (BackendType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "protocol", "mcp":
		return BackendProtocol, nil
	case "script", "shell":
		return BackendScript, nil
	}
	return "", &ValidationError{
		Field:   "backend",
		Value:   name,
		Message: "must be one of: protocol, script",
	}
}

// UnboundedIterations disables the iteration cap.
const UnboundedIterations = -1

// ExecutionRequest describes one call to Engine.Execute.
// It is a value type; copies handed to backends cannot affect the caller.
type ExecutionRequest struct {
	RequestID        string
	Instruction      string
	Subagent         Subagent
	Backend          BackendType
	WorkingDirectory string
	MaxIterations    int    // -1 = unbounded
	Model            string // optional
	ServerName       string // optional backend routing hint
	CreatedAt        time.Time
}

// RequestParams holds the caller-supplied fields of an ExecutionRequest.
type RequestParams struct {
	Instruction      string
	Subagent         Subagent
	Backend          BackendType
	WorkingDirectory string
	MaxIterations    int
	Model            string
	ServerName       string
}

// NewExecutionRequest assigns a fresh request ID and validates the result.
func NewExecutionRequest(p RequestParams) (ExecutionRequest, error) {
	req := ExecutionRequest{
		RequestID:        uuid.NewString(),
		Instruction:      p.Instruction,
		Subagent:         p.Subagent,
		Backend:          p.Backend,
		WorkingDirectory: p.WorkingDirectory,
		MaxIterations:    p.MaxIterations,
		Model:            p.Model,
		ServerName:       p.ServerName,
		CreatedAt:        time.Now(),
	}
	if err := req.Validate(); err != nil {
		return ExecutionRequest{}, err
	}
	return req, nil
}

// Validate checks the request parameters.
func (r ExecutionRequest) Validate() error {
	if r.RequestID == "" {
		return &ValidationError{Field: "request_id", Message: "cannot be empty"}
	}
	if strings.TrimSpace(r.Instruction) == "" {
		return &ValidationError{Field: "instruction", Message: "cannot be empty"}
	}
	if !r.Subagent.Valid() {
		return &ValidationError{Field: "subagent", Value: string(r.Subagent), Message: "unknown subagent"}
	}
	if !r.Backend.Valid() {
		return &ValidationError{Field: "backend", Value: string(r.Backend), Message: "unknown backend"}
	}
	if r.WorkingDirectory == "" {
		return &ValidationError{Field: "working_directory", Message: "cannot be empty"}
	}
	if r.MaxIterations == 0 || r.MaxIterations < UnboundedIterations {
		return &ValidationError{
			Field:   "max_iterations",
			Value:   itoa(r.MaxIterations),
			Message: "must be -1 (unbounded) or >= 1",
		}
	}
	return nil
}

// Unbounded reports whether the request has no iteration cap.
func (r ExecutionRequest) Unbounded() bool {
	return r.MaxIterations == UnboundedIterations
}

// BudgetReached reports whether completed iterations exhaust the cap.
func (r ExecutionRequest) BudgetReached(completed int) bool {
	return !r.Unbounded() && completed >= r.MaxIterations
}
