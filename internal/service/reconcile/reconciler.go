// Package reconcile applies worker events to build state and forwards them to
// live viewers.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/splax/statikk/internal/domain"
	"github.com/splax/statikk/internal/metrics"
	"github.com/splax/statikk/internal/queue"
	"github.com/splax/statikk/internal/repository"
)

const (
	handleTimeout       = 10 * time.Second
	defaultRestartDelay = time.Second
	maxRestartDelay     = 30 * time.Second
)

// Outcome labels how a delivery was handled.
type Outcome string

const (
	OutcomeMalformed Outcome = "malformed"
	OutcomeBroadcast Outcome = "broadcast"
	OutcomeApplied   Outcome = "applied"
	OutcomeStale     Outcome = "stale"
	OutcomeFailed    Outcome = "failed"
)

// Broadcaster forwards events to live viewers without blocking.
type Broadcaster interface {
	BroadcastLog(projectID string, line []byte) bool
	BroadcastStatus(build domain.Build) bool
}

// Reconciler consumes worker events on a single processing path.
type Reconciler struct {
	consumer queue.Consumer
	store    repository.BuildStore
	hub      Broadcaster
	logger   *slog.Logger
	metrics  *metrics.Metrics

	restartDelay time.Duration
}

// New constructs a Reconciler.
func New(consumer queue.Consumer, store repository.BuildStore, hub Broadcaster, logger *slog.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		consumer:     consumer,
		store:        store,
		hub:          hub,
		logger:       logger.With("component", "reconciler"),
		metrics:      m,
		restartDelay: defaultRestartDelay,
	}
}

// Run consumes events until ctx is cancelled, subscribing again with backoff
// whenever the subscription fails or ends.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("event reconciler started")
	defer r.logger.Info("event reconciler stopped")

	for {
		deliveries, err := r.subscribe(ctx)
		if err != nil {
			return
		}
		r.drain(ctx, deliveries)
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("event subscription ended, resubscribing")
	}
}

func (r *Reconciler) subscribe(ctx context.Context) (<-chan *queue.Delivery, error) {
	backoff := retry.NewExponential(r.restartDelay)
	backoff = retry.WithCappedDuration(maxRestartDelay, backoff)

	var deliveries <-chan *queue.Delivery
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ch, err := r.consumer.ConsumeEvents(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			r.logger.Warn("event subscription failed", "error", err)
			return retry.RetryableError(err)
		}
		deliveries = ch
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("event subscription abandoned", "error", err)
		}
		return nil, err
	}
	return deliveries, nil
}

func (r *Reconciler) drain(ctx context.Context, deliveries <-chan *queue.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			r.Handle(ctx, d)
		}
	}
}

// Handle processes one delivery. The message is acknowledged as soon as it
// has been validated; failures after that point are logged and dropped.
func (r *Reconciler) Handle(ctx context.Context, d *queue.Delivery) Outcome {
	ev, err := queue.DecodeEvent(d)
	if err != nil {
		r.ack(d)
		r.logger.Debug("dropping malformed event", "error", err)
		r.metrics.EventConsumed("unknown", string(OutcomeMalformed))
		return OutcomeMalformed
	}
	r.ack(d)

	var outcome Outcome
	switch ev.Kind {
	case queue.EventLog:
		r.hub.BroadcastLog(ev.ProjectID, ev.Payload)
		outcome = OutcomeBroadcast
	case queue.EventStatus:
		opCtx, cancel := context.WithTimeout(ctx, handleTimeout)
		outcome = r.applyStatus(opCtx, ev)
		cancel()
	}
	r.metrics.EventConsumed(string(ev.Kind), string(outcome))
	return outcome
}

func (r *Reconciler) applyStatus(ctx context.Context, ev queue.Event) Outcome {
	var (
		build *domain.Build
		err   error
	)
	if ev.Stage == domain.StageRunning {
		build, err = r.store.FindRunningBuild(ctx, ev.ProjectID)
	} else {
		build, err = r.store.UpdateBuildStageForRunning(ctx, ev.ProjectID, ev.Stage)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidArgument) {
			r.logger.Debug("ignoring status for project without running build", "project_id", ev.ProjectID, "stage", ev.Stage)
			return OutcomeStale
		}
		r.logger.Error("failed to apply build status", "project_id", ev.ProjectID, "stage", ev.Stage, "error", err)
		return OutcomeFailed
	}
	if ev.Stage.Terminal() {
		r.logger.Info("build finished", "project_id", ev.ProjectID, "build_id", build.ID, "stage", build.Stage)
	}
	r.hub.BroadcastStatus(*build)
	return OutcomeApplied
}

func (r *Reconciler) ack(d *queue.Delivery) {
	if err := d.Ack(); err != nil {
		r.logger.Warn("failed to ack event", "error", err)
	}
}
