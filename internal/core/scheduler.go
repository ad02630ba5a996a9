package core

// scheduler.go runs background maintenance for run history.
//
// The purge job deletes history entries older than the retention window.
// It runs once at start, then on every tick, and stops with its context.
// A failed purge is logged and retried on the next tick.

import (
	"context"
	"log/slog"
	"time"
)

// PurgeConfig holds configuration for the history purge scheduler.
type PurgeConfig struct {
	RetentionDays int           // Days of history to keep (default: 90)
	Interval      time.Duration // How often to run (default: 24h)
}

func (c PurgeConfig) withDefaults() PurgeConfig {
	if c.RetentionDays <= 0 {
		c.RetentionDays = 90
	}
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	return c
}

// StartHistoryPurge blocks, purging old run history until ctx is cancelled.
// It returns immediately when history is disabled.
func (s *Service) StartHistoryPurge(ctx context.Context, cfg PurgeConfig) {
	if s.recorder == nil {
		return
	}
	cfg = cfg.withDefaults()

	slog.Info("history purge scheduler started",
		"retention_days", cfg.RetentionDays,
		"interval", cfg.Interval.String(),
	)

	s.runPurgeJob(ctx, cfg, time.Now())

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("history purge scheduler stopped")
			return
		case now := <-ticker.C:
			s.runPurgeJob(ctx, cfg, now)
		}
	}
}

// runPurgeJob performs one purge cycle and returns the rows removed.
func (s *Service) runPurgeJob(ctx context.Context, cfg PurgeConfig, now time.Time) int64 {
	start := time.Now()
	cutoff := now.AddDate(0, 0, -cfg.RetentionDays).UTC()

	purged, err := s.recorder.PurgeRuns(ctx, cutoff)
	if err != nil {
		slog.Error("history purge failed", "error", err)
		return 0
	}

	slog.Info("purged run history",
		"runs_purged", purged,
		"cutoff", cutoff.Format(time.RFC3339),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return purged
}
