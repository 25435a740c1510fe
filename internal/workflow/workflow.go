// Package workflow loads per-workflow definitions and materializes their
// configuration files into a workspace before the assistant starts.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition represents one workflows/<name>.yaml file
type Definition struct {
	Name            string     `yaml:"name"`
	Instructions    string     `yaml:"instructions"`
	AllowedTools    []string   `yaml:"allowed_tools,omitempty"`
	DisallowedTools []string   `yaml:"disallowed_tools,omitempty"`
	Endpoints       []Endpoint `yaml:"endpoints,omitempty"`
	Persistent      bool       `yaml:"persistent"`
	BaseBranch      string     `yaml:"base_branch,omitempty"`
	BaseRepo        string     `yaml:"base_repo,omitempty"`
	TimeoutS        int        `yaml:"timeout_s,omitempty"`
	MaxTurns        int        `yaml:"max_turns,omitempty"`
	Model           string     `yaml:"model,omitempty"`
}

// Endpoint describes a service the assistant may reach during a run,
// copied verbatim into the workspace's endpoint descriptor file
type Endpoint struct {
	Name      string   `yaml:"name" json:"name"`
	Transport string   `yaml:"transport" json:"transport"`
	URL       string   `yaml:"url,omitempty" json:"url,omitempty"`
	Command   string   `yaml:"command,omitempty" json:"command,omitempty"`
	Args      []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// Timeout returns the workflow's run timeout, or fallback if unset
func (d *Definition) Timeout(fallback time.Duration) time.Duration {
	if d.TimeoutS > 0 {
		return time.Duration(d.TimeoutS) * time.Second
	}
	return fallback
}

// Validate checks a definition for errors
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow error: missing 'name' field")
	}
	if d.Instructions == "" {
		return fmt.Errorf("workflow error: workflow %q has no 'instructions'\n\nHint: add the instructions document the assistant should follow:\n  instructions: |\n    You are ...", d.Name)
	}
	for _, ep := range d.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("workflow error: workflow %q has an endpoint with no name", d.Name)
		}
		if ep.URL == "" && ep.Command == "" {
			return fmt.Errorf("workflow error: endpoint %q needs either 'url' or 'command'", ep.Name)
		}
	}
	return nil
}

// Load reads and validates the definition for name from dir
func Load(dir, name string) (*Definition, error) {
	path := filepath.Join(dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", name, err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow %s: %w", name, err)
	}
	if def.Name == "" {
		def.Name = name
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	return &def, nil
}

// List returns the names of all workflow definitions in dir
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ext := filepath.Ext(entry.Name()); ext == ".yaml" || ext == ".yml" {
			names = append(names, entry.Name()[:len(entry.Name())-len(ext)])
		}
	}
	return names, nil
}
