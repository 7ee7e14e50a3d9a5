// Package ui shows export progress in the system tray.
package ui

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/getlantern/systray"

	"github.com/heimdex/render-agent/internal/export"
	"github.com/heimdex/render-agent/internal/logging"
)

const idleStatus = "Idle"

// Tray is a systray menu that also receives export events. Events that
// arrive before the menu is ready are kept and applied in onReady.
type Tray struct {
	logger       *slog.Logger
	cancelActive func() (string, bool)
	openPath     func(string) error
	onQuit       func()

	statusItem  *systray.MenuItem
	cancelItem  *systray.MenuItem
	openLogItem *systray.MenuItem

	mu      sync.Mutex
	ready   bool
	status  string
	tooltip string
	busy    bool
	lastLog string
}

type TrayConfig struct {
	Logger       *slog.Logger
	CancelActive func() (string, bool)
	OpenPath     func(string) error
	OnQuit       func()
}

var _ export.Reporter = (*Tray)(nil)

func NewTray(cfg TrayConfig) *Tray {
	openPath := cfg.OpenPath
	if openPath == nil {
		openPath = OpenPath
	}
	return &Tray{
		logger:       logging.WithComponent(logging.OrDiscard(cfg.Logger), "tray"),
		cancelActive: cfg.CancelActive,
		openPath:     openPath,
		onQuit:       cfg.OnQuit,
		status:       idleStatus,
		tooltip:      "Render Agent",
	}
}

// Run blocks on the platform event loop.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("Render")

	t.mu.Lock()
	t.statusItem = systray.AddMenuItem("Status: "+t.status, "Current export")
	t.statusItem.Disable()

	systray.AddSeparator()

	t.cancelItem = systray.AddMenuItem("Cancel export", "Stop the running export batch")
	t.openLogItem = systray.AddMenuItem("Open last log", "Open the log of the last failed export")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Render Agent")

	t.ready = true
	t.applyLocked()
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-t.cancelItem.ClickedCh:
				t.handleCancel()
			case <-t.openLogItem.ClickedCh:
				t.handleOpenLog()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

func (t *Tray) handleCancel() {
	if t.cancelActive == nil {
		return
	}
	if id, ok := t.cancelActive(); ok {
		t.logger.Info("cancel requested from tray", "batch_id", id)
		t.setStatus("Canceling…")
	}
}

func (t *Tray) handleOpenLog() {
	t.mu.Lock()
	path := t.lastLog
	t.mu.Unlock()
	if path == "" {
		return
	}
	if err := t.openPath(path); err != nil {
		t.logger.Error("failed to open log", "path", logging.SanitizePath(path), "error", err)
	}
}

func (t *Tray) BatchStarted(id string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.busy = true
	t.status = fmt.Sprintf("Starting export (%d jobs)", total)
	t.applyLocked()
}

func (t *Tray) JobProgress(float64) {}

func (t *Tray) JobStatus(text string) {
	t.setStatus(text)
}

func (t *Tray) JobFinished(r export.JobResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tooltip = r.Message()
	if r.LogPath != "" {
		t.lastLog = r.LogPath
	}
	t.applyLocked()
}

func (t *Tray) BatchFinished(r export.BatchResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.busy = false
	t.status = batchSummary(r)
	t.applyLocked()
}

// Status returns the current status line.
func (t *Tray) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// LastLog returns the most recent retained failure log.
func (t *Tray) LastLog() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLog
}

func (t *Tray) setStatus(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = s
	t.applyLocked()
}

// applyLocked pushes state into the menu. Caller holds t.mu.
func (t *Tray) applyLocked() {
	if !t.ready {
		return
	}
	t.statusItem.SetTitle("Status: " + t.status)
	systray.SetTooltip(t.tooltip)
	if t.busy {
		t.cancelItem.Enable()
	} else {
		t.cancelItem.Disable()
	}
	if t.lastLog != "" {
		t.openLogItem.Enable()
	} else {
		t.openLogItem.Disable()
	}
}

func batchSummary(r export.BatchResult) string {
	ok := r.Count(export.OutcomeSuccess)
	failed := r.Count(export.OutcomeFailed)
	switch r.Status() {
	case "failed":
		return "Export aborted"
	case "canceled":
		return fmt.Sprintf("Canceled after %d of %d", len(r.Jobs), r.Total)
	}
	if failed > 0 {
		return fmt.Sprintf("Done: %d exported, %d failed", ok, failed)
	}
	return fmt.Sprintf("Done: %d exported", ok)
}

func (t *Tray) Quit() {
	systray.Quit()
}
