package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// isolate points the data dir at an empty temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(EnvDataDir, dir)
	for _, env := range []string{EnvPort, EnvLogLevel, EnvHeadless, EnvLogDir, EnvConfigFile, EnvToolWindows, EnvToolDarwin, EnvToolLinux} {
		t.Setenv(env, "")
	}
	return dir
}

func TestNew_Defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != DefaultPort {
		t.Errorf("Port() = %d, want %d", cfg.Port(), DefaultPort)
	}
	if cfg.DBPath() != filepath.Join(dir, DBFilename) {
		t.Errorf("DBPath() = %q", cfg.DBPath())
	}
	if cfg.ToolPathFor("darwin") != DefaultToolDarwin {
		t.Errorf("ToolPathFor(darwin) = %q", cfg.ToolPathFor("darwin"))
	}
	if cfg.ToolPathFor("plan9") != DefaultToolWindows {
		t.Errorf("unknown OS should fall back to windows path, got %q", cfg.ToolPathFor("plan9"))
	}
	if cfg.PollInterval() != 500*time.Millisecond {
		t.Errorf("PollInterval() = %v", cfg.PollInterval())
	}
	if cfg.GracePeriod() != 3*time.Second {
		t.Errorf("GracePeriod() = %v", cfg.GracePeriod())
	}
	if cfg.LogDir() != os.TempDir() {
		t.Errorf("LogDir() = %q, want temp dir", cfg.LogDir())
	}
}

func TestNew_EnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv(EnvPort, "9100")
	t.Setenv(EnvHeadless, "true")
	t.Setenv(EnvToolLinux, "/opt/spine/Spine.sh")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != 9100 {
		t.Errorf("Port() = %d, want 9100", cfg.Port())
	}
	if !cfg.Headless() {
		t.Error("Headless() = false, want true")
	}
	if cfg.ToolPathFor("linux") != "/opt/spine/Spine.sh" {
		t.Errorf("ToolPathFor(linux) = %q", cfg.ToolPathFor("linux"))
	}
}

func TestNew_InvalidPort(t *testing.T) {
	isolate(t)
	t.Setenv(EnvPort, "70000")

	if _, err := New(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestNew_FileThenEnv(t *testing.T) {
	dir := isolate(t)
	yaml := `
port: 9001
log_level: debug
tool_paths:
  macos: /Apps/Spine
  windows: D:/Spine/Spine.com
poll_interval: 250ms
grace_period: 1s
stagnation_limit: 5
output_extensions: [MOV, .part, " "]
`
	if err := os.WriteFile(filepath.Join(dir, ConfigFilename), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvPort, "9002")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != 9002 {
		t.Errorf("env should win over file: Port() = %d", cfg.Port())
	}
	if cfg.LogLevel() != "debug" {
		t.Errorf("LogLevel() = %q", cfg.LogLevel())
	}
	if cfg.ToolPathFor("darwin") != "/Apps/Spine" {
		t.Errorf("macos alias not applied: %q", cfg.ToolPathFor("darwin"))
	}
	if cfg.ToolPathFor("windows") != "D:/Spine/Spine.com" {
		t.Errorf("ToolPathFor(windows) = %q", cfg.ToolPathFor("windows"))
	}
	if cfg.PollInterval() != 250*time.Millisecond || cfg.GracePeriod() != time.Second {
		t.Errorf("durations = %v / %v", cfg.PollInterval(), cfg.GracePeriod())
	}
	if cfg.StagnationLimit() != 5 {
		t.Errorf("StagnationLimit() = %d", cfg.StagnationLimit())
	}
	if got := cfg.OutputExtensions(); len(got) != 2 || got[0] != ".mov" || got[1] != ".part" {
		t.Errorf("OutputExtensions() = %v", got)
	}
}

func TestNew_ExplicitMissingFile(t *testing.T) {
	dir := isolate(t)
	t.Setenv(EnvConfigFile, filepath.Join(dir, "nope.yaml"))

	if _, err := New(); err == nil {
		t.Fatal("expected error when an explicit config file is missing")
	}
}

func TestLoadFile_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	os.WriteFile(path, []byte("spine_path_win: x\n"), 0o644)

	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected strict-mode error for unknown key")
	}
}

func TestLoadFile_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	os.WriteFile(path, nil, 0o644)

	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile(empty) error = %v", err)
	}
	if fc.Port != 0 || len(fc.ToolPaths) != 0 {
		t.Errorf("expected zero config, got %+v", fc)
	}
}

func TestLoadFile_BadDuration(t *testing.T) {
	dir := isolate(t)
	os.WriteFile(filepath.Join(dir, ConfigFilename), []byte("poll_interval: soon\n"), 0o644)

	if _, err := New(); err == nil {
		t.Fatal("expected error for invalid poll_interval")
	}
}

func TestLoadFile_NegativeStagnation(t *testing.T) {
	dir := isolate(t)
	os.WriteFile(filepath.Join(dir, ConfigFilename), []byte("stagnation_limit: -1\n"), 0o644)

	if _, err := New(); err == nil {
		t.Fatal("expected error for negative stagnation_limit")
	}
}
