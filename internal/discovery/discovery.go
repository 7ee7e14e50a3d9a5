// Package discovery enumerates the exportable units in a project by running
// the render tool in probe mode and reading what it leaves behind.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/heimdex/render-agent/internal/jobspec"
	"github.com/heimdex/render-agent/internal/logging"
	"github.com/heimdex/render-agent/internal/metrics"
	"github.com/heimdex/render-agent/internal/runner"
)

// ScratchPrefix names the per-probe output directory.
const ScratchPrefix = "render_probe_"

var logUnitPattern = regexp.MustCompile(`(?i)skeleton:\s*([^\]\r\n]+)`)

// Unit is one named exportable entity in a project.
type Unit struct {
	Name string `json:"name"`
}

// Discoverer lists the units of a project. An empty list is not an error:
// callers export the whole project instead.
type Discoverer interface {
	Discover(ctx context.Context, project string) ([]Unit, error)
}

// Config holds the prober's configuration.
type Config struct {
	Tool    string // render tool executable
	TempDir string // parent of scratch dirs and job files; empty = OS temp
	Logger  *slog.Logger
}

// Prober runs discovery invocations of the render tool.
type Prober struct {
	runner runner.Runner
	cfg    Config
	logger *slog.Logger
}

// NewProber creates a Prober that launches the tool through r.
func NewProber(r runner.Runner, cfg Config) *Prober {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	return &Prober{
		runner: r,
		cfg:    cfg,
		logger: logging.WithComponent(logging.OrDiscard(cfg.Logger), "discovery"),
	}
}

// Discover runs one probe against project.
func (p *Prober) Discover(ctx context.Context, project string) ([]Unit, error) {
	scratch, err := os.MkdirTemp(p.cfg.TempDir, ScratchPrefix)
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			p.logger.Warn("cannot remove scratch dir", "path", logging.SanitizePath(scratch), "error", err)
		}
	}()

	jobFile, err := jobspec.WriteTemp(p.cfg.TempDir, jobspec.BuildDiscovery())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := jobspec.Remove(jobFile); err != nil {
			p.logger.Warn("cannot remove job file", "path", logging.SanitizePath(jobFile), "error", err)
		}
	}()

	res, err := p.runner.Run(ctx, runner.Command{
		Tool:    p.cfg.Tool,
		Project: project,
		Output:  scratch,
		JobFile: jobFile,
	})
	if err != nil {
		return nil, err
	}
	if res.Canceled {
		return nil, context.Cause(ctx)
	}
	if !res.IsSuccess() {
		// The log fallback below may still find names.
		p.logger.Warn("probe exited with error",
			"exit_code", res.ExitCode,
			"log", logging.SanitizePath(res.LogPath),
		)
	}

	names := DescriptorNames(scratch, jobFile, p.logger)
	source := "descriptors"
	if len(names) == 0 {
		names = LogNames(res.Log)
		source = "log"
	}
	units := Dedup(names)

	metrics.DiscoveredUnits.Add(float64(len(units)))
	p.logger.Info("discovery complete",
		"project", logging.SanitizePath(project),
		"units", len(units),
		"source", source,
	)
	return units, nil
}

// DescriptorNames reads every *.json in dir except exclude and returns one
// name per parseable file, in directory order.
func DescriptorNames(dir, exclude string, logger *slog.Logger) []string {
	logger = logging.OrDiscard(logger)
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("cannot list probe output", "error", err)
		return nil
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if exclude != "" && filepath.Clean(path) == filepath.Clean(exclude) {
			continue
		}
		name, err := descriptorName(path)
		if err != nil {
			logger.Warn("skipping unreadable descriptor", "file", e.Name(), "error", err)
			continue
		}
		names = append(names, name)
	}
	return names
}

// descriptorName returns skeleton.name, or the file's base name when the
// document has any other shape. Only unparseable JSON is an error.
func descriptorName(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", err
	}
	if top, ok := doc.(map[string]any); ok {
		if skel, ok := top["skeleton"].(map[string]any); ok {
			if s, ok := skel["name"].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s), nil
			}
		}
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base)), nil
}

// LogNames extracts unit names from "skeleton: <name>" lines in the tool's
// log, in the order they appear.
func LogNames(log string) []string {
	var names []string
	for _, m := range logUnitPattern.FindAllStringSubmatch(log, -1) {
		if name := strings.TrimSpace(m[1]); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Dedup drops repeated names, keeping each at its first position.
func Dedup(names []string) []Unit {
	seen := make(map[string]struct{}, len(names))
	units := make([]Unit, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		units = append(units, Unit{Name: n})
	}
	return units
}

// Names returns the unit names in order.
func Names(units []Unit) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.Name
	}
	return out
}
