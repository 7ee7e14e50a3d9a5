package runner

import (
	"fmt"
	"os"
)

// LogPrefix names every log file the runner creates.
const LogPrefix = "render_cli_"

// LogSink is the append-only file the tool's stdout and stderr are written
// to. After the run it is either discarded or retained for diagnosis.
type LogSink struct {
	f      *os.File
	path   string
	closed bool
}

// NewLogSink creates a fresh log file in dir (the OS temp dir if empty).
func NewLogSink(dir string) (*LogSink, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.CreateTemp(dir, LogPrefix+"*.log")
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	return &LogSink{f: f, path: f.Name()}, nil
}

func (s *LogSink) Write(p []byte) (int, error) { return s.f.Write(p) }

// Path returns the log file location.
func (s *LogSink) Path() string { return s.path }

// Close flushes and closes the file. Safe to call more than once.
func (s *LogSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	syncErr := s.f.Sync()
	if err := s.f.Close(); err != nil {
		return err
	}
	return syncErr
}

// Contents reads the whole log back.
func (s *LogSink) Contents() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Discard closes and deletes the log.
func (s *LogSink) Discard() error {
	_ = s.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Retain closes the log and returns its path; the file outlives the job.
func (s *LogSink) Retain() string {
	_ = s.Close()
	return s.path
}
