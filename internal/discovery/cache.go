package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/heimdex/render-agent/internal/logging"
	"github.com/heimdex/render-agent/internal/runner"
)

const defaultCacheTTL = 5 * time.Minute

// CachedProber wraps a Discoverer to cache results per project file. An
// entry is fresh while the file's mtime and size are unchanged and the TTL
// has not passed.
type CachedProber struct {
	inner  Discoverer
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	modTime  time.Time
	size     int64
	probedAt time.Time
	units    []Unit
}

// NewCachedProber creates a caching wrapper around discovery probes.
func NewCachedProber(inner Discoverer, ttl time.Duration, logger *slog.Logger) *CachedProber {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedProber{
		inner:   inner,
		ttl:     ttl,
		logger:  logging.WithComponent(logging.OrDiscard(logger), "discovery"),
		entries: make(map[string]cacheEntry),
	}
}

// Discover returns cached units if fresh, otherwise re-probes.
func (c *CachedProber) Discover(ctx context.Context, project string) ([]Unit, error) {
	info, statErr := os.Stat(project)

	c.mu.RLock()
	e, ok := c.entries[project]
	c.mu.RUnlock()
	if ok && statErr == nil && e.matches(info) && time.Since(e.probedAt) < c.ttl {
		return cloneUnits(e.units), nil
	}

	return c.Refresh(ctx, project)
}

// Refresh forces a new probe regardless of cache freshness. A stale entry
// stands in for a failed probe, never for a missing project or tool.
func (c *CachedProber) Refresh(ctx context.Context, project string) ([]Unit, error) {
	if _, err := os.Stat(project); err != nil {
		c.drop(project)
		return nil, fmt.Errorf("%w: project %s: %v", runner.ErrPrecondition, logging.SanitizePath(project), err)
	}
	units, err := c.inner.Discover(ctx, project)
	if errors.Is(err, runner.ErrPrecondition) {
		return nil, err
	}
	if err != nil {
		c.logger.Warn("discovery probe failed", "project", logging.SanitizePath(project), "error", err)
		c.mu.RLock()
		e, ok := c.entries[project]
		c.mu.RUnlock()
		if ok && ctx.Err() == nil {
			c.logger.Info("returning stale discovery cache")
			return cloneUnits(e.units), nil
		}
		return nil, err
	}

	e := cacheEntry{probedAt: time.Now(), units: cloneUnits(units)}
	if info, err := os.Stat(project); err == nil {
		e.modTime, e.size = info.ModTime(), info.Size()
	}
	c.mu.Lock()
	c.entries[project] = e
	c.mu.Unlock()
	return units, nil
}

// Peek returns the cached units for project without probing.
func (c *CachedProber) Peek(project string) ([]Unit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[project]
	if !ok {
		return nil, false
	}
	return cloneUnits(e.units), true
}

// Invalidate drops every cached entry.
func (c *CachedProber) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *CachedProber) drop(project string) {
	c.mu.Lock()
	delete(c.entries, project)
	c.mu.Unlock()
}

func (e cacheEntry) matches(info os.FileInfo) bool {
	return e.size == info.Size() && e.modTime.Equal(info.ModTime())
}

func cloneUnits(in []Unit) []Unit {
	if in == nil {
		return nil
	}
	return append([]Unit(nil), in...)
}
