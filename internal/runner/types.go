// Package runner executes the external render tool as a subprocess with its
// combined output captured in a log file.
package runner

import (
	"errors"
	"time"
)

var (
	// ErrPrecondition wraps every failure detected before a process is spawned.
	ErrPrecondition = errors.New("precondition failed")

	// ErrToolNotFound is returned (wrapped in ErrPrecondition) when the
	// configured executable cannot be located.
	ErrToolNotFound = errors.New("render tool not found")

	// ErrStart is returned when the OS refuses to start the process.
	ErrStart = errors.New("cannot start render tool")
)

// Command is one tool invocation: tool -i <Project> -o <Output> -e <JobFile>.
type Command struct {
	Tool    string
	Project string
	Output  string
	JobFile string

	// OnStart, if set, is called with the child's PID right after it starts.
	OnStart func(pid int)
}

// Args returns the argument vector after the executable.
func (c Command) Args() []string {
	return []string{"-i", c.Project, "-o", c.Output, "-e", c.JobFile}
}

// Result is the structured outcome of one tool invocation. The process has
// always exited (or been killed) by the time a Result exists.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Canceled bool          `json:"canceled"`
	Log      string        `json:"-"`                  // full combined stdout+stderr
	LogTail  string        `json:"log_tail,omitempty"` // last N bytes, for messages
	LogPath  string        `json:"log_path,omitempty"` // set only when the log was retained
	Duration time.Duration `json:"duration"`
}

// IsSuccess returns true when the tool exited 0 and was not canceled.
func (r Result) IsSuccess() bool { return !r.Canceled && r.ExitCode == 0 }
