package build

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/splax/statikk/internal/domain"
	"github.com/splax/statikk/internal/metrics"
	"github.com/splax/statikk/internal/queue"
	"github.com/splax/statikk/internal/repository"
	"github.com/splax/statikk/pkg/config"
)

const (
	defaultSweepInterval = time.Minute
	sweepTimeout         = 15 * time.Second
)

// StatusNotifier pushes build stage changes to live viewers.
type StatusNotifier interface {
	BroadcastStatus(build domain.Build) bool
}

// Sweeper fails builds that stayed RUNNING longer than the build timeout. It
// covers terminal statuses that never arrived from workers.
type Sweeper struct {
	store     repository.BuildStore
	publisher queue.Publisher
	notifier  StatusNotifier
	logger    *slog.Logger
	metrics   *metrics.Metrics

	interval time.Duration
	timeout  time.Duration

	now func() time.Time
}

// NewSweeper constructs a sweeper. It returns nil when no build timeout is
// configured. publisher and notifier may be nil.
func NewSweeper(store repository.BuildStore, publisher queue.Publisher, notifier StatusNotifier, logger *slog.Logger, m *metrics.Metrics, cfg config.APIConfig) *Sweeper {
	if store == nil || cfg.BuildTimeout <= 0 {
		return nil
	}
	interval := cfg.BuildSweepEvery
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		store:     store,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger.With("component", "build_sweeper"),
		metrics:   m,
		interval:  interval,
		timeout:   cfg.BuildTimeout,
		now:       time.Now,
	}
}

// Run executes the sweep loop until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("build sweeper started", "interval", s.interval, "timeout", s.timeout)
	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("build sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns the builds it failed.
func (s *Sweeper) Sweep(parent context.Context) []domain.Build {
	if s == nil {
		return nil
	}
	timeout := sweepTimeout
	if s.interval < timeout {
		timeout = s.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	cutoff := s.now().Add(-s.timeout)
	stale, err := s.store.ListRunningBuildsStartedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("failed to list stale builds", "error", err)
		return nil
	}

	failed := make([]domain.Build, 0, len(stale))
	for _, b := range stale {
		updated, ok := s.expire(ctx, b)
		if !ok {
			continue
		}
		s.metrics.BuildTimedOut()
		s.logger.Warn("build timed out", "project_id", b.ProjectID, "build_id", b.ID, "started_at", b.StartedAt)
		if s.notifier != nil {
			s.notifier.BroadcastStatus(*updated)
		}
		failed = append(failed, *updated)
	}
	return failed
}

// expire stops one stale build the way a user stop does: the stop command is
// published first and the build is only marked FAILED once it is out. When
// the command cannot be published the build is left RUNNING for the next pass.
func (s *Sweeper) expire(ctx context.Context, b domain.Build) (*domain.Build, bool) {
	running, err := s.store.FindRunningBuild(ctx, b.ProjectID)
	if err != nil || running.ID != b.ID {
		return nil, false
	}
	if s.publisher != nil {
		if err := s.publisher.PublishCommand(ctx, queue.Command{Action: queue.ActionStop, ProjectID: b.ProjectID}); err != nil {
			s.metrics.DispatchFailed(string(queue.ActionStop))
			s.logger.Warn("stop command for timed out build not dispatched, retrying next sweep", "build_id", b.ID, "error", err)
			return nil, false
		}
	}
	updated, err := s.store.UpdateBuildStage(ctx, b.ID, domain.StageFailed)
	if err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			s.logger.Warn("failed to time out build", "build_id", b.ID, "error", err)
		}
		return nil, false
	}
	return updated, true
}
