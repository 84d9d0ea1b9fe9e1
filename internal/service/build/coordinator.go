// Package build coordinates build lifecycles: it records builds in the store
// and dispatches start and stop commands to the worker pool.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/statikk/internal/domain"
	"github.com/splax/statikk/internal/metrics"
	"github.com/splax/statikk/internal/queue"
	"github.com/splax/statikk/internal/repository"
)

const (
	defaultHistoryLimit = 50
	dispatchTimeout     = 10 * time.Second
)

// Dispatcher is the build capability exposed to the HTTP layer.
type Dispatcher interface {
	StartBuild(ctx context.Context, projectID, requesterID string) (*domain.Build, error)
	StopBuild(ctx context.Context, buildID, requesterID string) (*domain.Build, error)
	ListBuilds(ctx context.Context, projectID, requesterID string) ([]domain.Build, error)
}

// Coordinator is the live Dispatcher backed by a work queue.
type Coordinator struct {
	store     repository.BuildStore
	publisher queue.Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

var _ Dispatcher = (*Coordinator)(nil)

// NewCoordinator wires a Coordinator.
func NewCoordinator(store repository.BuildStore, publisher queue.Publisher, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		store:     store,
		publisher: publisher,
		logger:    logger.With("component", "build_coordinator"),
		metrics:   m,
		now:       time.Now,
	}
}

// NewDispatcher returns a Coordinator when publisher is set, or an
// Unavailable dispatcher otherwise. The choice is made once at startup.
func NewDispatcher(store repository.BuildStore, publisher queue.Publisher, logger *slog.Logger, m *metrics.Metrics) Dispatcher {
	if publisher == nil {
		return Unavailable{store: store}
	}
	return NewCoordinator(store, publisher, logger, m)
}

// Available reports whether d can dispatch commands.
func Available(d Dispatcher) bool {
	_, ok := d.(*Coordinator)
	return ok
}

// StartBuild creates a RUNNING build and then asks workers to run it. If the
// command cannot be published the build is kept and a *DispatchError is
// returned.
func (c *Coordinator) StartBuild(ctx context.Context, projectID, requesterID string) (*domain.Build, error) {
	project, err := ownedProject(ctx, c.store, projectID, requesterID)
	if err != nil {
		return nil, err
	}

	build, err := c.store.CreateBuild(ctx, project.ID, c.now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, ErrAlreadyRunning
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("create build: %w", err)
	}

	// The build is committed; a caller going away must not strand it without
	// a start command.
	dispatchCtx, cancel := detach(ctx)
	defer cancel()
	cmd := queue.Command{Action: queue.ActionStart, ProjectID: project.ID, Repository: project.RepoURL}
	if err := c.publisher.PublishCommand(dispatchCtx, cmd); err != nil {
		c.metrics.DispatchFailed(string(queue.ActionStart))
		c.logger.Error("start command not dispatched", "project_id", project.ID, "build_id", build.ID, "error", err)
		return build, &DispatchError{Build: build, Err: err}
	}
	c.metrics.BuildStarted()
	c.logger.Info("build started", "project_id", project.ID, "build_id", build.ID)
	return build, nil
}

// StopBuild asks workers to stop a RUNNING build and then marks it FAILED.
// Nothing is written when the command cannot be published.
func (c *Coordinator) StopBuild(ctx context.Context, buildID, requesterID string) (*domain.Build, error) {
	buildID = strings.TrimSpace(buildID)
	if buildID == "" {
		return nil, ErrBuildNotFound
	}
	build, err := c.store.GetBuildByID(ctx, buildID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrBuildNotFound
		}
		return nil, fmt.Errorf("load build: %w", err)
	}
	project, err := ownedProject(ctx, c.store, build.ProjectID, requesterID)
	if err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return nil, ErrBuildNotFound
		}
		return nil, err
	}
	if !build.Running() {
		return nil, ErrNotRunning
	}

	// Once the stop is published the FAILED write must follow, whatever the caller does.
	ctx, cancel := detach(ctx)
	defer cancel()
	if err := c.publisher.PublishCommand(ctx, queue.Command{Action: queue.ActionStop, ProjectID: project.ID}); err != nil {
		c.metrics.DispatchFailed(string(queue.ActionStop))
		c.logger.Error("stop command not dispatched", "project_id", project.ID, "build_id", build.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	stopped, err := c.store.UpdateBuildStage(ctx, build.ID, domain.StageFailed)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, ErrNotRunning
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrBuildNotFound
		}
		return nil, fmt.Errorf("update build: %w", err)
	}
	c.metrics.BuildStopped()
	c.logger.Info("build stopped", "project_id", project.ID, "build_id", build.ID)
	return stopped, nil
}

// ListBuilds returns the project's builds, newest first.
func (c *Coordinator) ListBuilds(ctx context.Context, projectID, requesterID string) ([]domain.Build, error) {
	return listBuilds(ctx, c.store, projectID, requesterID)
}

// Unavailable is the Dispatcher used when no work queue is configured. Build
// history stays readable.
type Unavailable struct {
	store repository.BuildStore
}

// StartBuild always fails with ErrDispatchUnavailable.
func (Unavailable) StartBuild(context.Context, string, string) (*domain.Build, error) {
	return nil, ErrDispatchUnavailable
}

// StopBuild always fails with ErrDispatchUnavailable.
func (Unavailable) StopBuild(context.Context, string, string) (*domain.Build, error) {
	return nil, ErrDispatchUnavailable
}

// ListBuilds reads history from the store.
func (u Unavailable) ListBuilds(ctx context.Context, projectID, requesterID string) ([]domain.Build, error) {
	if u.store == nil {
		return nil, ErrDispatchUnavailable
	}
	return listBuilds(ctx, u.store, projectID, requesterID)
}

func listBuilds(ctx context.Context, store repository.BuildStore, projectID, requesterID string) ([]domain.Build, error) {
	project, err := ownedProject(ctx, store, projectID, requesterID)
	if err != nil {
		return nil, err
	}
	builds, err := store.ListBuildsByProject(ctx, project.ID, defaultHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	return builds, nil
}

func ownedProject(ctx context.Context, store repository.BuildStore, projectID, requesterID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, ErrProjectNotFound
	}
	project, err := store.GetProjectByID(ctx, projectID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("load project: %w", err)
	}
	if !project.OwnedBy(requesterID) {
		return nil, ErrUnauthorized
	}
	return project, nil
}

// detach keeps ctx values but not its cancellation, bounded by dispatchTimeout.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
}

// isNotFound treats malformed identifiers as unknown ones.
func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidArgument)
}
