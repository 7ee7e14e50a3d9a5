package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/heimdex/render-agent/internal/logging"
	"github.com/heimdex/render-agent/internal/procgroup"
)

const (
	maxTailBytes = 8 * 1024 // 8 KB tail of the log kept for messages

	defaultGracePeriod = 3 * time.Second
)

// Runner executes render tool commands.
type Runner interface {
	// Run starts the tool and blocks until it exits or ctx is canceled. On
	// cancellation the process group is terminated before Run returns and
	// the Result has Canceled set. Errors are returned only for failures
	// before or while spawning the process.
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Config holds the runner's configuration.
type Config struct {
	LogDir      string        // where render_cli_*.log files go; empty = OS temp
	GracePeriod time.Duration // SIGTERM -> SIGKILL delay on cancel
	Logger      *slog.Logger
	DebugPaths  bool // if true, log full file paths; otherwise sanitise
}

// SubprocessRunner is the production implementation of Runner.
type SubprocessRunner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a SubprocessRunner.
func New(cfg Config) *SubprocessRunner {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	return &SubprocessRunner{
		cfg:    cfg,
		logger: logging.WithComponent(logging.OrDiscard(cfg.Logger), "runner"),
	}
}

// Run implements Runner.
func (r *SubprocessRunner) Run(ctx context.Context, c Command) (Result, error) {
	tool, err := CheckPreconditions(c)
	if err != nil {
		return Result{}, err
	}

	sink, err := NewLogSink(r.cfg.LogDir)
	if err != nil {
		return Result{}, err
	}

	var tail bytes.Buffer
	out := io.MultiWriter(sink, &limitedWriter{w: &tail, limit: maxTailBytes})

	cmd := exec.Command(tool, c.Args()...)
	cmd.Stdout = out
	cmd.Stderr = out // same writer: one interleaved stream
	cmd.WaitDelay = r.cfg.GracePeriod
	procgroup.Set(cmd)

	r.logger.Info("executing render command",
		"command", quoteCommand(tool, c.Args()),
		"log", r.safePath(sink.Path()),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = sink.Discard()
		return Result{}, fmt.Errorf("%w %s: %v", ErrStart, r.safePath(tool), err)
	}
	if c.OnStart != nil {
		c.OnStart(cmd.Process.Pid)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	canceled := false
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		canceled = true
		r.logger.Info("cancel requested, terminating render tool", "pid", cmd.Process.Pid)
		waitErr = procgroup.Terminate(cmd, waitCh, r.cfg.GracePeriod)
		if errors.Is(waitErr, procgroup.ErrKillFailed) {
			r.logger.Error("render tool did not exit after SIGKILL", "pid", cmd.Process.Pid)
		}
	}
	elapsed := time.Since(start)

	if err := sink.Close(); err != nil {
		r.logger.Warn("cannot flush log file", "error", err)
	}
	full, err := sink.Contents()
	if err != nil {
		r.logger.Warn("cannot read back log file", "error", err)
	}

	res := Result{
		ExitCode: exitCode(waitErr),
		Canceled: canceled,
		Log:      full,
		LogTail:  tail.String(),
		Duration: elapsed,
	}

	switch {
	case res.Canceled:
		_ = sink.Discard()
		r.logger.Info("render command canceled", "duration_ms", elapsed.Milliseconds())
	case res.ExitCode != 0:
		res.LogPath = sink.Retain()
		r.logger.Warn("render command failed",
			"exit_code", res.ExitCode,
			"duration_ms", elapsed.Milliseconds(),
			"log", r.safePath(res.LogPath),
			"log_tail", truncate(res.LogTail, 512),
		)
	default:
		if err := sink.Discard(); err != nil {
			r.logger.Warn("cannot remove log file", "error", err)
		}
		r.logger.Info("render command succeeded",
			"duration_ms", elapsed.Milliseconds(),
			"output", r.safePath(c.Output),
		)
	}

	return res, nil
}

// CheckPreconditions verifies the tool, project and job description exist
// and returns the resolved tool path.
func CheckPreconditions(c Command) (string, error) {
	tool, err := ResolveTool(c.Tool)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	if err := isRegularFile(c.Project); err != nil {
		return "", fmt.Errorf("%w: project file: %w", ErrPrecondition, err)
	}
	if err := isRegularFile(c.JobFile); err != nil {
		return "", fmt.Errorf("%w: export settings: %w", ErrPrecondition, err)
	}
	return tool, nil
}

// ResolveTool finds the tool executable. Bare names are looked up on PATH;
// anything with a separator must exist as a file.
func ResolveTool(tool string) (string, error) {
	if strings.TrimSpace(tool) == "" {
		return "", fmt.Errorf("%w: no executable configured", ErrToolNotFound)
	}
	if !strings.ContainsAny(tool, `/\`) {
		p, err := exec.LookPath(tool)
		if err != nil {
			return "", fmt.Errorf("%w: %q not on PATH", ErrToolNotFound, tool)
		}
		return p, nil
	}
	if err := isRegularFile(tool); err != nil {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, err)
	}
	return tool, nil
}

func isRegularFile(path string) error {
	if path == "" {
		return errors.New("path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s not found", path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	return nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	// Killed by signal or wait failure.
	return -1
}

func (r *SubprocessRunner) safePath(path string) string {
	if r.cfg.DebugPaths {
		return path
	}
	return logging.SanitizePath(path)
}

// quoteCommand renders argv so it can be pasted into a shell for reproduction.
func quoteCommand(tool string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{tool}, args...) {
		if a == "" || strings.ContainsAny(a, " \t\"'$\\") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
