package workflow

import (
	"fmt"
	"path/filepath"

	"github.com/mpurcell/drover/internal/fsutil"
)

// ConfigDirName is the directory inside a workspace holding the files the
// assistant reads
const ConfigDirName = ".drover"

// toolPolicy is the settings file shape consumed by the assistant
type toolPolicy struct {
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`
	MaxTurns        int      `json:"max_turns,omitempty"`
	Model           string   `json:"model,omitempty"`
}

// Materialize writes the workflow's instructions document, tool policy and
// service-endpoint descriptor into the workspace. Must be called before
// the assistant process starts. Writes are atomic so the assistant never
// observes a partially written file.
func Materialize(def *Definition, workspacePath string) error {
	dir := filepath.Join(workspacePath, ConfigDirName)

	instructions := filepath.Join(dir, "INSTRUCTIONS.md")
	if err := fsutil.AtomicWrite(instructions, []byte(def.Instructions)); err != nil {
		return fmt.Errorf("failed to write instructions: %w", err)
	}

	policy := toolPolicy{
		AllowedTools:    def.AllowedTools,
		DisallowedTools: def.DisallowedTools,
		MaxTurns:        def.MaxTurns,
		Model:           def.Model,
	}
	if err := fsutil.AtomicWriteJSON(filepath.Join(dir, "settings.json"), policy); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}

	endpoints := def.Endpoints
	if endpoints == nil {
		endpoints = []Endpoint{}
	}
	if err := fsutil.AtomicWriteJSON(filepath.Join(dir, "endpoints.json"), endpoints); err != nil {
		return fmt.Errorf("failed to write endpoints: %w", err)
	}

	return nil
}
