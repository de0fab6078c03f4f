// Package retention runs the periodic housekeeping of the agent runtime:
// purging expired memory entries across every agent namespace and dropping
// registry entries for agents that are gone or stopped.
//
// Jobs are scheduled with cron specs. When an Archiver is set, expired
// entries are archived first and purged only if archiving succeeded.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/KSDGitMe/LiMOS-sub001/internal/config"
	"github.com/KSDGitMe/LiMOS-sub001/internal/memory"
	"github.com/KSDGitMe/LiMOS-sub001/internal/registry"
	"github.com/KSDGitMe/LiMOS-sub001/internal/store"
	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
)

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	ExpiredPurged int
	Archived      int
	ArchivePath   string
	StaleRemoved  int
	Errors        []error
}

// Janitor owns the retention jobs. Registry may be nil for memory-only use.
type Janitor struct {
	backend  store.Backend
	registry *registry.Registry
	cfg      config.RetentionConfig
	archiver Archiver
	now      func() time.Time
}

// NewJanitor creates a janitor. Archiving is enabled when cfg.ArchiveDir is set.
func NewJanitor(backend store.Backend, reg *registry.Registry, cfg config.RetentionConfig) *Janitor {
	j := &Janitor{backend: backend, registry: reg, cfg: cfg, now: time.Now}
	if cfg.ArchiveDir != "" {
		j.archiver = NewLocalFileArchiver(cfg.ArchiveDir, cfg.ArchiveCompress)
	}
	return j
}

// SetArchiver replaces the archive driver; nil disables archiving.
func (j *Janitor) SetArchiver(a Archiver) { j.archiver = a }

// SetClock overrides the time source used for expiry checks.
func (j *Janitor) SetClock(now func() time.Time) { j.now = now }

// Start schedules the jobs and blocks until ctx is canceled. Running jobs are
// allowed to finish before it returns.
func (j *Janitor) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(j.cfg.SweepSchedule, func() { j.runSweep(ctx) }); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", j.cfg.SweepSchedule, err)
	}
	if j.registry != nil && j.cfg.StaleSchedule != "" {
		if _, err := c.AddFunc(j.cfg.StaleSchedule, func() { j.runStale() }); err != nil {
			return fmt.Errorf("stale schedule %q: %w", j.cfg.StaleSchedule, err)
		}
	}

	log.Info().
		Str("sweep_schedule", j.cfg.SweepSchedule).
		Str("stale_schedule", j.cfg.StaleSchedule).
		Dur("stale_after", j.cfg.StaleAfter).
		Bool("archive", j.archiver != nil).
		Msg("Retention janitor started")

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info().Msg("Retention janitor stopped")
	return nil
}

// RunOnce performs both jobs immediately.
func (j *Janitor) RunOnce(ctx context.Context) CycleStats {
	stats := j.sweep(ctx)
	if j.registry != nil {
		stats.StaleRemoved = j.registry.CleanupStaleAgents(j.cfg.StaleAfter)
	}
	return stats
}

func (j *Janitor) runSweep(ctx context.Context) {
	start := time.Now()
	stats := j.sweep(ctx)
	for _, err := range stats.Errors {
		log.Warn().Err(err).Msg("Retention cycle error")
	}
	if stats.ExpiredPurged > 0 || stats.Archived > 0 {
		log.Info().
			Int("purged", stats.ExpiredPurged).
			Int("archived", stats.Archived).
			Str("archive_path", stats.ArchivePath).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
}

func (j *Janitor) runStale() {
	j.registry.CleanupStaleAgents(j.cfg.StaleAfter)
}

func (j *Janitor) sweep(ctx context.Context) CycleStats {
	var stats CycleStats
	now := j.now()

	if j.archiver == nil {
		n, err := memory.SweepExpired(ctx, j.backend, now)
		stats.ExpiredPurged = n
		if err != nil {
			stats.Errors = append(stats.Errors, err)
		}
		return stats
	}

	expired, err := j.findExpired(ctx, now)
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return stats
	}
	if len(expired) == 0 {
		return stats
	}

	path, err := j.archiver.ArchiveEntries(ctx, expired)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Errorf("archive (%s): %w", j.archiver.Kind(), err))
		log.Warn().Err(err).Msg("Archive failed, skipping purge")
		return stats
	}
	stats.Archived = len(expired)
	stats.ArchivePath = path

	for _, e := range expired {
		ok, err := j.backend.Delete(ctx, e.Key)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		if ok {
			stats.ExpiredPurged++
		}
	}
	return stats
}

func (j *Janitor) findExpired(ctx context.Context, now time.Time) ([]*models.MemoryEntry, error) {
	keys, err := j.backend.Keys(ctx, memory.NamespaceRoot+"*")
	if err != nil {
		return nil, fmt.Errorf("list memory keys: %w", err)
	}
	var expired []*models.MemoryEntry
	for _, k := range keys {
		e, err := j.backend.Peek(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("peek %s: %w", k, err)
		}
		if e != nil && e.IsExpired(now) {
			expired = append(expired, e)
		}
	}
	return expired, nil
}
