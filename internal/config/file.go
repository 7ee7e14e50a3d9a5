package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk YAML shape. Durations are Go duration strings.
type FileConfig struct {
	Port         int               `yaml:"port,omitempty"`
	LogLevel     string            `yaml:"log_level,omitempty"`
	LogDir       string            `yaml:"log_dir,omitempty"`
	Headless     *bool             `yaml:"headless,omitempty"`
	ToolPaths    map[string]string `yaml:"tool_paths,omitempty"`
	PollInterval string            `yaml:"poll_interval,omitempty"`
	GracePeriod  string            `yaml:"grace_period,omitempty"`

	// Progress heuristics for the tool's output file.
	StagnationLimit  int      `yaml:"stagnation_limit,omitempty"`
	OutputExtensions []string `yaml:"output_extensions,omitempty"`
}

// LoadFile parses a YAML config file in strict mode: unknown keys are errors.
// An empty file yields a zero FileConfig.
func LoadFile(path string) (*FileConfig, error) {
	// #nosec G304 -- configuration file paths are provided by the operator via ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fc FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&fc); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}

	return &fc, nil
}
