package syncer

import (
	"log/slog"
	"sync"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/errkind"
)

// Controller adaptively tunes batch size, forward window and diff mode from
// observed error rates. One controller serves one (repo, job) loop.
type Controller struct {
	mu        sync.Mutex
	base      config.SyncConfig
	forward   int
	batch     int
	diffMode  string
	errStreak int
}

// NewController starts at the configured values.
func NewController(cfg config.SyncConfig) *Controller {
	return &Controller{
		base:     cfg,
		forward:  cfg.ForwardWindowSeconds,
		batch:    cfg.BatchSize,
		diffMode: cfg.DiffMode,
	}
}

// Apply overlays the current tuning onto a config.
func (c *Controller) Apply(cfg config.SyncConfig) config.SyncConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg.ForwardWindowSeconds = c.forward
	cfg.BatchSize = c.batch
	cfg.DiffMode = c.diffMode
	return cfg
}

// Observe updates the tuning from one batch outcome. Pressure signals
// (rate limits, timeouts, server errors) shrink the window; a clean busy
// batch grows it back; a persistent error streak demotes the diff mode.
func (c *Controller) Observe(res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if res.Locked {
		return
	}
	pressured := res.sawKind(errkind.RateLimited, errkind.Timeout, errkind.HTTPError, errkind.NetworkError)
	if pressured {
		c.errStreak++
		c.shrink()
		if c.base.DemoteAfterErrors > 0 && c.errStreak >= c.base.DemoteAfterErrors {
			c.demote()
			c.errStreak = 0
		}
		return
	}

	c.errStreak = 0
	if res.Status == "completed" && res.Counts.Persisted >= c.base.AdaptiveCommitThreshold {
		c.grow()
	}
}

func (c *Controller) shrink() {
	c.forward = int(float64(c.forward) * c.base.ShrinkFactor)
	if c.forward < c.base.MinForwardSeconds {
		c.forward = c.base.MinForwardSeconds
	}
	c.batch = int(float64(c.batch) * c.base.ShrinkFactor)
	if c.batch < 1 {
		c.batch = 1
	}
	slog.Info("sync: shrinking window", "forward_seconds", c.forward, "batch_size", c.batch)
}

func (c *Controller) grow() {
	c.forward = int(float64(c.forward) * c.base.GrowFactor)
	if c.base.MaxForwardSeconds > 0 && c.forward > c.base.MaxForwardSeconds {
		c.forward = c.base.MaxForwardSeconds
	}
	c.batch = int(float64(c.batch) * c.base.GrowFactor)
	if c.batch > c.base.BatchSize {
		c.batch = c.base.BatchSize
	}
	slog.Debug("sync: growing window", "forward_seconds", c.forward, "batch_size", c.batch)
}

// demote steps the diff mode down one notch: always -> best_effort -> none.
func (c *Controller) demote() {
	switch c.diffMode {
	case DiffModeAlways:
		c.diffMode = DiffModeBestEffort
	case DiffModeBestEffort:
		c.diffMode = DiffModeNone
	default:
		return
	}
	slog.Warn("sync: demoting diff mode", "diff_mode", c.diffMode)
}
