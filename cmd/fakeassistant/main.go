// fakeassistant mimics the coding assistant's command-line surface and
// stream-json output for manual smoke testing without burning tokens.
// Behavior is controlled through FAKE_ASSISTANT_* environment variables.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
)

func main() {
	prompt := flag.String("p", "", "Task prompt")
	outputFormat := flag.String("output-format", "text", "Output format (text, stream-json)")
	verbose := flag.Bool("verbose", false, "Verbose output")
	resume := flag.String("resume", "", "Session id to resume")
	maxTurns := flag.Int("max-turns", 0, "Maximum agent turns")
	model := flag.String("model", "", "Model override")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	sessionID := os.Getenv("FAKE_ASSISTANT_SESSION")
	if sessionID == "" {
		if *resume != "" {
			sessionID = *resume
		} else {
			sessionID = uuid.New().String()
		}
	}

	messages := envInt("FAKE_ASSISTANT_MESSAGES", 2)
	result := os.Getenv("FAKE_ASSISTANT_RESULT")
	if result == "" {
		result = fmt.Sprintf("done: %s", *prompt)
	}
	exitCode := envInt("FAKE_ASSISTANT_EXIT", 0)
	delay := envDuration("FAKE_ASSISTANT_DELAY", 0)
	ignoreTerm := os.Getenv("FAKE_ASSISTANT_IGNORE_SIGTERM") == "1"

	logger.Info("fake assistant starting",
		"pid", os.Getpid(),
		"session", sessionID,
		"format", *outputFormat,
		"verbose", *verbose,
		"max_turns", *maxTurns,
		"model", *model)

	if ignoreTerm {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM)
		go func() {
			for sig := range ch {
				logger.Info("ignoring signal", "signal", sig)
			}
		}()
	}

	enc := json.NewEncoder(os.Stdout)

	emit := func(v any) {
		if err := enc.Encode(v); err != nil {
			logger.Error("failed to write output", "error", err)
			os.Exit(1)
		}
	}

	emit(map[string]any{
		"type":       "system",
		"subtype":    "init",
		"session_id": sessionID,
	})

	for i := 0; i < messages; i++ {
		emit(map[string]any{
			"type":       "assistant",
			"session_id": sessionID,
			"message": map[string]any{
				"content": []map[string]any{
					{"type": "text", "text": fmt.Sprintf("working on it (%d/%d)", i+1, messages)},
				},
			},
		})
		time.Sleep(50 * time.Millisecond)
	}

	if delay > 0 {
		logger.Info("sleeping", "delay", delay)
		time.Sleep(delay)
	}

	emit(map[string]any{
		"type":       "result",
		"session_id": sessionID,
		"result":     result,
		"is_error":   exitCode != 0,
		"num_turns":  messages,
	})

	os.Exit(exitCode)
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
