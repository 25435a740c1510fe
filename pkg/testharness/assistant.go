// Package testharness provides fake assistant executables and git fixtures
// for exercising run supervision without a real coding assistant installed.
package testharness

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AssistantScript describes the behavior of a scripted fake assistant.
// Write renders it as a /bin/sh executable that speaks the stream-json
// protocol on stdout and exits with the configured code.
type AssistantScript struct {
	SessionID string
	Messages  []string
	// ExtraLines are emitted verbatim between the messages and the result,
	// for exercising malformed-line handling
	ExtraLines []string
	Result     string
	IsError    bool
	ExitCode   int
	// SleepS delays before the result line, for timeout tests
	SleepS int
	// IgnoreSIGTERM makes the script trap and discard SIGTERM so only a
	// SIGKILL can stop it
	IgnoreSIGTERM bool
}

// Write renders the script into dir and returns the executable's path
func (s AssistantScript) Write(dir string) (string, error) {
	sessionID := s.SessionID
	if sessionID == "" {
		sessionID = "sess-test"
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	if s.IgnoreSIGTERM {
		b.WriteString("trap '' TERM\n")
	}

	writeLine := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "echo %s\n", shQuote(string(data)))
		return nil
	}

	if err := writeLine(map[string]any{
		"type":       "system",
		"subtype":    "init",
		"session_id": sessionID,
	}); err != nil {
		return "", err
	}

	for _, msg := range s.Messages {
		if err := writeLine(map[string]any{
			"type":       "assistant",
			"session_id": sessionID,
			"message": map[string]any{
				"content": []map[string]any{
					{"type": "text", "text": msg},
				},
			},
		}); err != nil {
			return "", err
		}
	}

	for _, line := range s.ExtraLines {
		fmt.Fprintf(&b, "echo %s\n", shQuote(line))
	}

	if s.SleepS > 0 {
		fmt.Fprintf(&b, "sleep %d\n", s.SleepS)
	}

	if s.Result != "" || s.ExitCode == 0 {
		if err := writeLine(map[string]any{
			"type":       "result",
			"session_id": sessionID,
			"result":     s.Result,
			"is_error":   s.IsError,
			"num_turns":  len(s.Messages),
		}); err != nil {
			return "", err
		}
	}

	fmt.Fprintf(&b, "exit %d\n", s.ExitCode)

	path := filepath.Join(dir, "assistant.sh")
	if err := os.WriteFile(path, []byte(b.String()), 0755); err != nil {
		return "", fmt.Errorf("failed to write assistant script: %w", err)
	}
	return path, nil
}

// shQuote single-quotes a string for /bin/sh
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
