// Package watcher reports filesystem changes in directories where the render
// tool writes its output.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/heimdex/render-agent/internal/logging"
)

type Watcher interface {
	Watch(ctx context.Context, path string) error
	Stop() error
	OnChange(callback func(path string, event EventType))
}

type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
)

func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FSWatcher is a Watcher backed by fsnotify. Watched paths are directories;
// events for any entry inside them are delivered to the callback.
type FSWatcher struct {
	logger *slog.Logger
	fsw    *fsnotify.Watcher

	mu       sync.Mutex
	callback func(path string, event EventType)

	loopOnce sync.Once
	stopOnce sync.Once
	done     chan struct{}
}

// New creates an FSWatcher. Call Stop to release the underlying handle.
func New(logger *slog.Logger) (*FSWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	return &FSWatcher{
		logger: logging.WithComponent(logging.OrDiscard(logger), "watcher"),
		fsw:    fsw,
		done:   make(chan struct{}),
	}, nil
}

// Watch adds path to the watch set. The event loop runs until ctx is done or
// Stop is called.
func (w *FSWatcher) Watch(ctx context.Context, path string) error {
	if err := w.fsw.Add(path); err != nil {
		return fmt.Errorf("watch directory %s: %w", logging.SanitizePath(path), err)
	}
	w.loopOnce.Do(func() { go w.loop(ctx) })
	return nil
}

// Stop closes the watcher. Safe to call more than once.
func (w *FSWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

func (w *FSWatcher) OnChange(callback func(path string, event EventType)) {
	w.mu.Lock()
	w.callback = callback
	w.mu.Unlock()
}

func (w *FSWatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			kind, relevant := classify(ev.Op)
			if !relevant {
				continue
			}
			w.mu.Lock()
			cb := w.callback
			w.mu.Unlock()
			if cb != nil {
				cb(ev.Name, kind)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fsnotify watcher error", "error", err)
		}
	}
}

func classify(op fsnotify.Op) (EventType, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return EventCreate, true
	case op.Has(fsnotify.Write):
		return EventModify, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return EventDelete, true
	default:
		return 0, false
	}
}
