package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/harrison/looper/internal/budget"
	"github.com/harrison/looper/internal/models"
)

const (
	methodProgress = "notifications/progress"
	methodMessage  = "notifications/message"
)

// toProgressEvent maps a server notification onto a ProgressEvent. token is
// empty when the notification does not name one.
func toProgressEvent(n mcp.JSONRPCNotification) (models.ProgressEvent, string, bool) {
	fields := n.Params.AdditionalFields
	token := ""
	if t, ok := fields["progressToken"]; ok && t != nil {
		token = fmt.Sprint(t)
	}

	switch n.Method {
	case methodProgress:
		ev := fromPayload(fields["message"], models.ProgressInfo)
		ev = ev.WithMeta(models.MetaPhase, "progress")
		if p, ok := fields["progress"]; ok {
			ev = ev.WithMeta("progress", p)
		}
		if total, ok := fields["total"]; ok {
			ev = ev.WithMeta("total", total)
		}
		return ev, token, true

	case methodMessage:
		fallback := models.ProgressInfo
		if level, _ := fields["level"].(string); isErrorLevel(level) {
			fallback = models.ProgressError
		}
		ev := fromPayload(fields["data"], fallback)
		if logger, _ := fields["logger"].(string); logger != "" {
			ev = ev.WithMeta("logger", logger)
		}
		if data, ok := fields["data"].(map[string]any); ok && token == "" {
			if t, ok := data["progressToken"]; ok && t != nil {
				token = fmt.Sprint(t)
			}
		}
		return ev, token, true
	}
	return models.ProgressEvent{}, "", false
}

// fromPayload accepts a typed record ({"type":"tool_start",...}), a JSON
// string holding one, or plain text.
func fromPayload(v any, fallback models.ProgressType) models.ProgressEvent {
	record, ok := asRecord(v)
	if !ok {
		return newEvent(fallback, plainText(v))
	}

	typ := fallback
	if t, _ := record["type"].(string); t != "" {
		typ = models.ParseProgressType(t)
	}
	ev := newEvent(typ, textOf(record))
	if id, _ := record["tool_id"].(string); id != "" {
		ev.ToolID = id
	}
	if meta, ok := record["metadata"].(map[string]any); ok {
		for k, val := range meta {
			ev = ev.WithMeta(k, val)
		}
	}
	if name, _ := record["tool_name"].(string); name != "" {
		ev = ev.WithMeta(models.MetaToolName, name)
	}
	return ev
}

func asRecord(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, true
	case string:
		var m map[string]any
		t := strings.TrimSpace(x)
		if strings.HasPrefix(t, "{") && json.Unmarshal([]byte(t), &m) == nil {
			return m, true
		}
	}
	return nil, false
}

func plainText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func textOf(record map[string]any) string {
	for _, k := range []string{"content", "message", "text"} {
		if s, ok := record[k].(string); ok {
			return s
		}
	}
	return ""
}

func isErrorLevel(level string) bool {
	switch level {
	case "error", "critical", "alert", "emergency":
		return true
	}
	return false
}

func newEvent(typ models.ProgressType, content string) models.ProgressEvent {
	return models.NewProgressEvent(models.BackendProtocol, typ, content)
}

// rateLimitIn reports a rate limit described by an RPC error message.
func rateLimitIn(msg string) *models.RateLimitError {
	if info := budget.ParseRateLimit(msg); info != nil {
		return info.Err()
	}
	return nil
}
