package models

import (
	"maps"
	"time"
)

// ProgressType classifies a ProgressEvent.
type ProgressType string

const (
	ProgressToolStart  ProgressType = "tool_start"
	ProgressToolResult ProgressType = "tool_result"
	ProgressThinking   ProgressType = "thinking"
	ProgressError      ProgressType = "error"
	ProgressInfo       ProgressType = "info"
)

// ParseProgressType maps a raw record type onto a ProgressType.
// Unrecognized values become info so output is never dropped.
func ParseProgressType(s string) ProgressType {
	switch ProgressType(s) {
	case ProgressToolStart, ProgressToolResult, ProgressThinking, ProgressError, ProgressInfo:
		return ProgressType(s)
	}
	return ProgressInfo
}

// Well-known metadata keys.
const (
	MetaToolName  = "toolName"
	MetaPhase     = "phase"
	MetaDuration  = "duration"
	MetaArguments = "arguments"
	MetaIteration = "iteration"
	MetaFormat    = "format"
)

// ProgressEvent is a transient notification about sub-iteration activity.
// The engine delivers it to handlers and then forgets it.
type ProgressEvent struct {
	Type      ProgressType   `json:"type"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Backend   BackendType    `json:"backend"`
	ToolID    string         `json:"tool_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewProgressEvent stamps an event with the current time.
func NewProgressEvent(backend BackendType, typ ProgressType, content string) ProgressEvent {
	return ProgressEvent{
		Type:      typ,
		Content:   content,
		Timestamp: time.Now(),
		Backend:   backend,
	}
}

// WithMeta returns a copy of e with key set in its metadata.
func (e ProgressEvent) WithMeta(key string, value any) ProgressEvent {
	m := maps.Clone(e.Metadata)
	if m == nil {
		m = make(map[string]any, 1)
	}
	m[key] = value
	e.Metadata = m
	return e
}

// ToolName returns the toolName metadata value, if present.
func (e ProgressEvent) ToolName() string {
	if s, ok := e.Metadata[MetaToolName].(string); ok {
		return s
	}
	return ""
}
