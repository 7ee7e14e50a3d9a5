package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/render-agent/internal/api"
	"github.com/heimdex/render-agent/internal/config"
	"github.com/heimdex/render-agent/internal/db"
	"github.com/heimdex/render-agent/internal/discovery"
	"github.com/heimdex/render-agent/internal/export"
	"github.com/heimdex/render-agent/internal/history"
	"github.com/heimdex/render-agent/internal/jobspec"
	"github.com/heimdex/render-agent/internal/logging"
	"github.com/heimdex/render-agent/internal/outpath"
	"github.com/heimdex/render-agent/internal/preview"
	"github.com/heimdex/render-agent/internal/progress"
	"github.com/heimdex/render-agent/internal/runner"
	"github.com/heimdex/render-agent/internal/ui"
)

var errJobsFailed = errors.New("one or more exports failed")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, errJobsFailed) || errors.Is(err, flag.ErrHelp) {
			os.Exit(1)
		}
		log.Fatalf("fatal error: %v", err)
	}
}

func run(args []string) error {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		return serve(args)
	case "discover":
		return discover(args, os.Stdout)
	case "export":
		return exportCmd(args, os.Stdout, os.Stderr)
	case "version":
		fmt.Println(config.Version)
		return nil
	default:
		return fmt.Errorf("unknown command %q (want serve, discover, export or version)", cmd)
	}
}

// app holds what every subcommand shares.
type app struct {
	cfg      *config.EnvConfig
	logger   *slog.Logger
	database *db.DB
	repo     *history.SQLiteRepository
	runner   *runner.SubprocessRunner
}

func newApp(logOut io.Writer) (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.LogDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}

	logger := logging.NewLoggerTo(logOut, cfg.LogLevel())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		database: database,
		repo:     history.NewRepository(database.Conn()),
		runner: runner.New(runner.Config{
			LogDir:      cfg.LogDir(),
			GracePeriod: cfg.GracePeriod(),
			Logger:      logger,
		}),
	}, nil
}

func (a *app) Close() error {
	return a.database.Close()
}

func (a *app) prober() *discovery.Prober {
	return discovery.NewProber(a.runner, discovery.Config{
		Tool:   a.cfg.ToolPath(),
		Logger: a.logger,
	})
}

func (a *app) orchestrator() *export.Orchestrator {
	mon := &progress.Monitor{
		Interval:        a.cfg.PollInterval(),
		StagnationLimit: a.cfg.StagnationLimit(),
		Extensions:      a.cfg.OutputExtensions(),
		Logger:          a.logger,
	}
	return export.NewOrchestrator(a.runner, mon, export.Config{
		Tool:    a.cfg.ToolPath(),
		Logger:  a.logger,
		History: a.repo,
	})
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	startTime := time.Now()

	a, err := newApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	logger.Info("starting render agent", "version", config.Version, "data_dir", logging.SanitizePath(a.cfg.DataDir()))

	authToken, err := ensureAuthToken(a.repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Printf("  Render Agent v%s\n", config.Version)
	fmt.Printf("  API URL:    http://127.0.0.1:%d\n", a.cfg.Port())
	fmt.Printf("  Auth Token: %s\n", authToken)
	fmt.Printf("  Tool:       %s\n", a.cfg.ToolPath())
	fmt.Println()

	if _, err := runner.ResolveTool(a.cfg.ToolPath()); err != nil {
		logger.Warn("render tool not available, exports will fail until it is installed", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quitCh := make(chan struct{})
	var quitOnce sync.Once
	quit := func() { quitOnce.Do(func() { close(quitCh) }) }

	var (
		tray    *ui.Tray
		manager *export.Manager
	)
	var extra []export.Reporter
	if !a.cfg.Headless() {
		tray = ui.NewTray(ui.TrayConfig{
			Logger:       logger,
			CancelActive: func() (string, bool) { return manager.CancelActive() },
			OnQuit:       quit,
		})
		extra = append(extra, tray)
	}
	manager = export.NewManager(ctx, a.orchestrator(), logger, extra...)

	apiServer := api.NewServer(api.ServerConfig{
		Port:       a.cfg.Port(),
		LogDir:     a.cfg.LogDir(),
		Repository: a.repo,
		Exporter:   manager,
		Discoverer: discovery.NewCachedProber(a.prober(), 0, logger),
		OpenPath:   ui.OpenPath,
		Preview:    preview.NewStreamer(logger),
		Logger:     logger,
		StartTime:  startTime,
		Version:    config.Version,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
			quit()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			quit()
		case <-quitCh:
		}
	}()

	if tray == nil {
		logger.Info("running in headless mode (no system tray)")
	} else {
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("export worker did not stop in time", "error", err)
	}
	cancel()

	logger.Info("shutdown complete")
	return nil
}

func discover(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: discover <project>")
	}

	a, err := newApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	units, err := a.prober().Discover(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	for _, name := range discovery.Names(units) {
		fmt.Fprintln(stdout, name)
	}
	return nil
}

// exportOptions are the flags of the export subcommand.
type exportOptions struct {
	units      string
	all        bool
	format     string
	mode       string
	output     string
	width      int
	height     int
	fps        float64
	background string
	fixed      bool
	center     bool
	x, y       int
}

func parseExportFlags(args []string) (exportOptions, []string, error) {
	def := export.DefaultParams()
	var o exportOptions

	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.StringVar(&o.units, "units", "", "comma-separated skeleton names (empty: whole project)")
	fs.BoolVar(&o.all, "all-units", false, "discover units first and export each one")
	fs.StringVar(&o.format, "format", string(def.Format), "output container: mov or avi")
	fs.StringVar(&o.mode, "mode", string(def.OutputMode), "single or per-unit")
	fs.StringVar(&o.output, "output", "", "output file when it has an extension, otherwise a directory")
	fs.IntVar(&o.width, "width", def.Width, "frame width")
	fs.IntVar(&o.height, "height", def.Height, "frame height")
	fs.Float64Var(&o.fps, "fps", def.FPS, "frames per second")
	fs.StringVar(&o.background, "background", def.Background, "black, white, transparent or #rrggbb")
	fs.BoolVar(&o.fixed, "fixed", def.Viewport.Mode == jobspec.ViewportFixed, "fixed viewport: crop to width x height instead of fitting")
	fs.BoolVar(&o.center, "center", def.Viewport.Center, "center the fixed viewport on (0,0)")
	fs.IntVar(&o.x, "x", def.Viewport.X, "fixed viewport origin x")
	fs.IntVar(&o.y, "y", def.Viewport.Y, "fixed viewport origin y")
	if err := fs.Parse(args); err != nil {
		return o, nil, err
	}

	// An explicit origin turns centering off unless -center was also given.
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if (set["x"] || set["y"]) && !set["center"] {
		o.center = false
	}
	if fs.NArg() == 0 {
		return o, nil, fmt.Errorf("usage: export [flags] <project>...")
	}
	return o, fs.Args(), nil
}

func (o exportOptions) params() (export.Params, error) {
	p := export.DefaultParams()
	f, err := jobspec.ParseFormat(o.format)
	if err != nil {
		return p, err
	}
	m, err := jobspec.ParseOutputMode(o.mode)
	if err != nil {
		return p, err
	}
	p.Format, p.OutputMode = f, m
	p.Width, p.Height, p.FPS = o.width, o.height, o.fps
	p.Background = o.background
	p.Viewport = o.viewport()
	p.Override = outpath.ParseOverride(o.output)
	return p, p.Validate()
}

func (o exportOptions) viewport() jobspec.Viewport {
	vp := jobspec.Viewport{Mode: jobspec.ViewportFit, Center: o.center}
	if o.fixed {
		vp.Mode = jobspec.ViewportFixed
	}
	if !o.center {
		vp.HasOffset, vp.X, vp.Y = true, o.x, o.y
	}
	return vp
}

func (o exportOptions) pickedUnits() []string {
	var out []string
	for _, u := range strings.Split(o.units, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func exportCmd(args []string, stdout, stderr io.Writer) error {
	opts, projects, err := parseExportFlags(args)
	if err != nil {
		return err
	}
	params, err := opts.params()
	if err != nil {
		return err
	}

	a, err := newApp(stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	units := opts.pickedUnits()
	if opts.all && len(units) == 0 {
		found, err := a.prober().Discover(ctx, projects[0])
		if err != nil {
			return fmt.Errorf("discover units: %w", err)
		}
		units = export.SelectUnits(found, nil)
	}

	res := a.orchestrator().Run(ctx, export.Batch{
		ID:       uuid.NewString(),
		Projects: projects,
		Units:    units,
		Params:   params,
	}, &cliReporter{out: stdout, status: stderr})

	if res.Err != nil {
		return res.Err
	}
	if res.Count(export.OutcomeFailed) > 0 {
		return errJobsFailed
	}
	return nil
}

// cliReporter prints one line per finished job and a rewritten status line.
type cliReporter struct {
	export.NopReporter
	mu     sync.Mutex
	out    io.Writer
	status io.Writer
	width  int
}

func (c *cliReporter) JobStatus(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pad := ""
	if n := c.width - len(text); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	fmt.Fprintf(c.status, "\r%s%s", text, pad)
	c.width = len(text)
}

func (c *cliReporter) JobFinished(r export.JobResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.width > 0 {
		fmt.Fprintln(c.status)
		c.width = 0
	}
	fmt.Fprintln(c.out, r.Message())
}

func (c *cliReporter) BatchFinished(r export.BatchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%d of %d exported", r.Count(export.OutcomeSuccess), r.Total)
	if n := r.Count(export.OutcomeFailed); n > 0 {
		fmt.Fprintf(c.out, ", %d failed", n)
	}
	if r.Canceled {
		fmt.Fprint(c.out, ", canceled")
	}
	fmt.Fprintln(c.out)
}

func ensureAuthToken(repo history.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, "auth_token")
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, "auth_token", token); err != nil {
		return "", err
	}

	return token, nil
}
