package script

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/looper/internal/backend"
	"github.com/harrison/looper/internal/models"
)

// outputMode is decided by the first non-blank stdout line.
type outputMode int

const (
	modeUnknown outputMode = iota
	modeStructured
	modeText
)

// parser turns subagent stdout into progress events and a final ToolResult.
// Structured output is one JSON record per line; anything else is text.
type parser struct {
	mode      outputMode
	text      strings.Builder // text mode: the whole output
	assistant strings.Builder // structured mode: assistant text blocks
	lastInfo  string
	result    *models.ToolResult
	toolNames map[string]string // tool_use id -> name
}

func newParser() *parser {
	return &parser{toolNames: make(map[string]string)}
}

// Line consumes one stdout line and returns the events it produced.
func (p *parser) Line(line string) []models.ProgressEvent {
	trimmed := strings.TrimSpace(line)
	if p.mode == modeUnknown {
		if trimmed == "" {
			return nil
		}
		if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
			p.mode = modeStructured
		} else {
			p.mode = modeText
		}
	}

	if p.mode == modeText {
		p.text.WriteString(line)
		p.text.WriteByte('\n')
		return nil
	}

	if trimmed == "" {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		// Malformed record: keep the text, never fail the iteration.
		return []models.ProgressEvent{p.info(trimmed).WithMeta(models.MetaFormat, "text")}
	}
	return p.record(raw, trimmed)
}

// Finish returns trailing events and the final tool result.
func (p *parser) Finish() ([]models.ProgressEvent, models.ToolResult) {
	switch p.mode {
	case modeText:
		content := strings.TrimRight(p.text.String(), "\n")
		ev := newEvent(models.ProgressInfo, content).WithMeta(models.MetaFormat, "text")
		return []models.ProgressEvent{ev}, models.ToolResult{
			Content:  content,
			Metadata: map[string]any{models.MetaFormat: "text"},
		}
	case modeStructured:
		if p.result != nil {
			return nil, *p.result
		}
		content := strings.TrimSpace(p.assistant.String())
		if content == "" {
			content = p.lastInfo
		}
		return nil, models.ToolResult{
			Content:  content,
			Metadata: map[string]any{models.MetaFormat: "structured"},
		}
	}
	return nil, models.ToolResult{}
}

func (p *parser) record(raw map[string]any, line string) []models.ProgressEvent {
	typ := getString(raw, "type")
	switch typ {
	case "result":
		p.setResult(raw)
		return nil
	case "assistant":
		return p.assistantRecord(raw)
	case "user":
		return p.userRecord(raw)
	case "system":
		content := getString(raw, "subtype")
		if msg := getString(raw, "message"); msg != "" {
			content = msg
		}
		return []models.ProgressEvent{p.info("system: " + content).WithMeta(models.MetaPhase, "system")}
	case string(models.ProgressToolStart), string(models.ProgressToolResult),
		string(models.ProgressThinking), string(models.ProgressInfo), string(models.ProgressError):
		return []models.ProgressEvent{p.genericRecord(raw)}
	}
	return []models.ProgressEvent{p.info(line).WithMeta(models.MetaFormat, "passthrough")}
}

// genericRecord handles {"type":..., "content":..., "tool_id":..., "metadata":{...}}.
func (p *parser) genericRecord(raw map[string]any) models.ProgressEvent {
	ev := newEvent(models.ParseProgressType(getString(raw, "type")), contentOf(raw["content"]))
	ev.ToolID = getString(raw, "tool_id")
	if meta, ok := raw["metadata"].(map[string]any); ok {
		ev.Metadata = meta
	}
	if name := getString(raw, "tool_name"); name != "" {
		ev = ev.WithMeta(models.MetaToolName, name)
	}
	if ev.Type == models.ProgressInfo {
		p.lastInfo = ev.Content
	}
	return ev
}

// assistantRecord handles stream-json assistant messages.
func (p *parser) assistantRecord(raw map[string]any) []models.ProgressEvent {
	message, _ := raw["message"].(map[string]any)
	blocks, _ := message["content"].([]any)

	var events []models.ProgressEvent
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		switch getString(block, "type") {
		case "text":
			text := getString(block, "text")
			if text == "" {
				continue
			}
			p.assistant.WriteString(text)
			p.assistant.WriteByte('\n')
			events = append(events, p.info(text))
		case "thinking":
			events = append(events, newEvent(models.ProgressThinking, getString(block, "thinking")))
		case "tool_use":
			id, name := getString(block, "id"), getString(block, "name")
			p.toolNames[id] = name
			ev := newEvent(models.ProgressToolStart, name).WithMeta(models.MetaToolName, name)
			ev.ToolID = id
			if input, ok := block["input"]; ok {
				ev = ev.WithMeta(models.MetaArguments, input)
			}
			events = append(events, ev)
		}
	}
	return events
}

// userRecord handles stream-json tool results echoed back as user messages.
func (p *parser) userRecord(raw map[string]any) []models.ProgressEvent {
	message, _ := raw["message"].(map[string]any)
	blocks, _ := message["content"].([]any)

	var events []models.ProgressEvent
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok || getString(block, "type") != "tool_result" {
			continue
		}
		id := getString(block, "tool_use_id")
		typ := models.ProgressToolResult
		if isErr, _ := block["is_error"].(bool); isErr {
			typ = models.ProgressError
		}
		ev := newEvent(typ, contentOf(block["content"]))
		ev.ToolID = id
		if name := p.toolNames[id]; name != "" {
			ev = ev.WithMeta(models.MetaToolName, name)
		}
		events = append(events, ev)
	}
	return events
}

// setResult accepts both {"type":"result","content":...,"completed":true}
// and the stream-json {"type":"result","result":"...","is_error":false}.
func (p *parser) setResult(raw map[string]any) {
	content := contentOf(raw["content"])
	if r, ok := raw["result"].(string); ok && content == "" {
		content = r
	}
	tr := models.ToolResult{Content: content, Metadata: map[string]any{models.MetaFormat: "structured"}}
	if meta, ok := raw["metadata"].(map[string]any); ok {
		for k, v := range meta {
			tr.Metadata[k] = v
		}
	}
	if isErr, ok := raw["is_error"].(bool); ok {
		tr.IsError = isErr
	}
	if done, ok := raw["completed"].(bool); ok {
		tr.Completed = done
	} else if done, found := backend.CompletionMarker(content); found {
		tr.Completed = done
	}
	if d, ok := raw["duration_ms"].(float64); ok {
		tr.Metadata[models.MetaDuration] = time.Duration(d) * time.Millisecond
	}
	p.result = &tr
}

func (p *parser) info(content string) models.ProgressEvent {
	p.lastInfo = content
	return newEvent(models.ProgressInfo, content)
}

func newEvent(typ models.ProgressType, content string) models.ProgressEvent {
	return models.NewProgressEvent(models.BackendScript, typ, content)
}

// contentOf flattens string or content-block values into text.
func contentOf(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case []any:
		var parts []string
		for _, item := range c {
			if m, ok := item.(map[string]any); ok {
				if t := getString(m, "text"); t != "" {
					parts = append(parts, t)
				}
			} else if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func getString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}
