package transcript

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mpurcell/drover/internal/stream"
)

// Formatter renders stream events as one-line console output
type Formatter struct{}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatEvent formats a decoded assistant event for console display
func (f *Formatter) FormatEvent(evt stream.Event) string {
	switch evt.Type {
	case stream.TypeInit:
		return fmt.Sprintf("[assistant] session started (session: %s)", evt.SessionID)

	case stream.TypeAssistantMessage:
		return fmt.Sprintf("[assistant] %s", f.truncate(evt.Text, 200))

	case stream.TypeToolCall:
		if evt.Text != "" {
			return fmt.Sprintf("[assistant] tool: %s: %s", evt.ToolName, f.truncate(evt.Text, 120))
		}
		return fmt.Sprintf("[assistant] tool: %s", evt.ToolName)

	case stream.TypeResult:
		status := "ok"
		if evt.IsError {
			status = "error"
		}
		return fmt.Sprintf("[assistant] result (%s, %d turns): %s", status, evt.NumTurns, f.truncate(evt.Result, 200))

	case stream.TypeRawText:
		return fmt.Sprintf("[raw] %s", f.truncate(evt.Text, 200))

	default:
		return fmt.Sprintf("[assistant] %s", evt.Type)
	}
}

func (f *Formatter) truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	// Never split a rune mid-sequence
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
