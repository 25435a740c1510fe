package stream

import (
	"encoding/json"
	"strings"
)

// Type tags the closed set of event variants the assistant emits.
// Anything that does not decode cleanly degrades to TypeRawText so the
// orchestrator never loses output to a decoding hiccup.
type Type string

const (
	TypeInit             Type = "init"
	TypeAssistantMessage Type = "assistant_message"
	TypeToolCall         Type = "tool_call"
	TypeResult           Type = "result"
	TypeRawText          Type = "raw_text"
	TypeUnknown          Type = "unknown"
)

// Event is one decoded line of the assistant's stream output
type Event struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	NumTurns  int             `json:"num_turns,omitempty"`
	Raw       string          `json:"raw,omitempty"`
}

// IsReply reports whether the event carries a substantive assistant
// response, used to find the first-reply boundary for early-return callers
func (e Event) IsReply() bool {
	return e.Type == TypeAssistantMessage || e.Type == TypeResult
}

// envelope mirrors the assistant's stream-json line shape loosely enough
// to survive fields we do not model
type envelope struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype"`
	SessionID string   `json:"session_id"`
	Result    string   `json:"result"`
	IsError   bool     `json:"is_error"`
	NumTurns  int      `json:"num_turns"`
	Message   *message `json:"message"`
}

type message struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ParseLine decodes one line of assistant output into a typed event.
// Blank lines yield nil. Malformed lines are preserved as raw_text
// passthrough events rather than dropped.
func ParseLine(line []byte) *Event {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return &Event{Type: TypeRawText, Text: trimmed}
	}

	switch env.Type {
	case "system":
		if env.Subtype == "init" {
			return &Event{Type: TypeInit, SessionID: env.SessionID}
		}
		return &Event{Type: TypeUnknown, SessionID: env.SessionID, Raw: trimmed}

	case "assistant":
		evt := &Event{Type: TypeAssistantMessage, SessionID: env.SessionID}
		if env.Message != nil {
			var text []string
			for _, block := range env.Message.Content {
				switch block.Type {
				case "text":
					text = append(text, block.Text)
				case "tool_use":
					// A tool invocation supersedes any preamble text on
					// the same message
					evt.Type = TypeToolCall
					evt.ToolName = block.Name
					evt.ToolInput = block.Input
				}
			}
			evt.Text = strings.Join(text, "\n")
		}
		return evt

	case "result":
		return &Event{
			Type:      TypeResult,
			SessionID: env.SessionID,
			Result:    env.Result,
			IsError:   env.IsError,
			NumTurns:  env.NumTurns,
		}

	case "":
		// Valid JSON but not an envelope we recognize
		return &Event{Type: TypeRawText, Text: trimmed}

	default:
		return &Event{Type: TypeUnknown, SessionID: env.SessionID, Raw: trimmed}
	}
}

// ExtractSessionID scans decoded events for the assistant's self-reported
// session identifier. First occurrence wins; returns "" if none seen yet.
func ExtractSessionID(events []Event) string {
	for _, evt := range events {
		if evt.SessionID != "" {
			return evt.SessionID
		}
	}
	return ""
}
