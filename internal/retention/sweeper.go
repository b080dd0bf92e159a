// Package retention runs the retention sweeper: once at startup, then on a
// fixed ~1-hour interval (or an optional cron-expression override), it
// deletes events and snapshots older than the configured retention window.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

const defaultInterval = time.Hour
const tickInterval = time.Minute

type sweepStore interface {
	DeleteOlderThan(cutoffMs int64) (eventsDeleted, snapshotsDeleted int64, err error)
}

type retentionConfig interface {
	RetentionDisabled() bool
	RetentionDaysValue() int
}

// Sweeper periodically deletes aged events/snapshots.
type Sweeper struct {
	store     sweepStore
	cfg       retentionConfig
	cronExpr  string
	gx        gronx.Gronx
	nowMs     func() int64
	lastSweep time.Time
}

// New constructs a Sweeper. cronExpr, if non-empty and a valid 5-field cron
// expression, overrides the default fixed ~1h interval with a schedule.
func New(store sweepStore, cfg retentionConfig, cronExpr string) *Sweeper {
	s := &Sweeper{
		store:    store,
		cfg:      cfg,
		cronExpr: cronExpr,
		gx:       *gronx.New(),
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
	if cronExpr != "" && !s.gx.IsValid(cronExpr) {
		slog.Warn("retention.invalid_cron_override", "cron", cronExpr)
		s.cronExpr = ""
	}
	return s
}

// Run sweeps once immediately, then blocks checking every tickInterval
// whether it's time to sweep again, until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweep()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.due(now) {
				s.sweep()
			}
		}
	}
}

func (s *Sweeper) due(now time.Time) bool {
	if s.cronExpr != "" {
		due, err := s.gx.IsDue(s.cronExpr, now)
		if err != nil {
			slog.Warn("retention.cron_check_failed", "error", err)
			return false
		}
		return due
	}
	return now.Sub(s.lastSweep) >= defaultInterval
}

func (s *Sweeper) sweep() {
	s.lastSweep = time.Now()

	if s.cfg.RetentionDisabled() {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDaysValue()).UnixMilli()
	events, snapshots, err := s.store.DeleteOlderThan(cutoff)
	if err != nil {
		slog.Error("retention.sweep_failed", "error", err)
		return
	}
	if events > 0 || snapshots > 0 {
		slog.Info("retention.swept", "eventsDeleted", events, "snapshotsDeleted", snapshots)
	}
}
