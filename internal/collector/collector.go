// Package collector expires uploads whose directories have outlived the
// configured lifetime.
package collector

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"filedrop/internal/ledger"
	"filedrop/internal/storage"
)

const (
	DefaultLifetime = 24 * time.Hour
	DefaultInterval = time.Second
)

// Ledger records expired uploads.
type Ledger interface {
	RecordRemoval(ctx context.Context, id string, reason ledger.Reason, at time.Time) error
}

// Replicator removes the remote copies of expired uploads.
type Replicator interface {
	Remove(ctx context.Context, id string) error
}

// Config controls a Collector. Only Dir is required.
type Config struct {
	Dir        string
	Lifetime   time.Duration
	Interval   time.Duration
	Reserved   []string
	Locks      *storage.Locks
	Ledger     Ledger
	Replicator Replicator
	Logger     *slog.Logger
	Now        func() time.Time
}

// Collector periodically sweeps Dir.
type Collector struct {
	cfg Config
	log *slog.Logger
}

// New returns a Collector with defaults filled in.
func New(cfg Config) *Collector {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Locks == nil {
		cfg.Locks = storage.NewLocks()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{cfg: cfg, log: logger.With("service", "collector")}
}

// Run sweeps immediately and then once per interval until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	c.log.Info("Collector started", "dir", c.cfg.Dir, "lifetime", c.cfg.Lifetime, "interval", c.cfg.Interval)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Collector stopped")
			return nil
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep removes every expired entry of Dir and returns how many were
// removed. Failures on one entry are logged and the sweep moves on.
func (c *Collector) Sweep(ctx context.Context) int {
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		c.log.Error("Failed to list storage directory", "dir", c.cfg.Dir, "err", err)
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		name := entry.Name()
		if slices.Contains(c.cfg.Reserved, name) {
			continue
		}

		if c.expire(ctx, name) {
			removed++
		}
	}

	if removed > 0 {
		c.log.Info("Sweep finished", "removed", removed)
	}
	return removed
}

// expired reports the age of entry p and whether it is past the lifetime.
func (c *Collector) expired(p string, now time.Time) (time.Duration, bool) {
	// Lstat so a symlink's target age is never consulted.
	info, err := os.Lstat(p)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("Failed to read entry metadata", "path", p, "err", err)
		}
		return 0, false
	}
	age := now.Sub(info.ModTime())
	return age, age > c.cfg.Lifetime
}

// expire removes entry name if it is older than the lifetime. Entries with
// a transfer in flight are left for a later sweep.
func (c *Collector) expire(ctx context.Context, name string) bool {
	p := filepath.Join(c.cfg.Dir, name)

	now := c.cfg.Now()
	if _, ok := c.expired(p, now); !ok {
		return false
	}

	unlock, ok := c.cfg.Locks.TryLock(name)
	if !ok {
		c.log.Debug("Upload busy, retrying next sweep", "id", name)
		return false
	}
	defer unlock()

	// The entry may have been replaced or removed before the lock was taken.
	age, ok := c.expired(p, now)
	if !ok {
		return false
	}

	if err := os.RemoveAll(p); err != nil {
		c.log.Error("Failed to remove expired upload", "path", p, "err", err)
		return false
	}
	c.log.Info("Removed expired upload", "id", name, "age", age.Round(time.Second))

	if c.cfg.Ledger != nil {
		if err := c.cfg.Ledger.RecordRemoval(ctx, name, ledger.ReasonExpired, now); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			c.log.Warn("Failed to record expiry", "id", name, "err", err)
		}
	}
	if c.cfg.Replicator != nil {
		if err := c.cfg.Replicator.Remove(ctx, name); err != nil {
			c.log.Warn("Failed to remove replica", "id", name, "err", err)
		}
	}
	return true
}
