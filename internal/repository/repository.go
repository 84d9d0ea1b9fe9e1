package repository

import (
	"context"
	"time"

	"github.com/splax/statikk/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// ProjectRepository persists project registrations. CreateProject returns
// ErrConflict when the name is taken.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjectsByOwner(ctx context.Context, ownerID string) ([]domain.Project, error)
	DeleteProject(ctx context.Context, projectID string) error
}

// BuildStore is the build state view used by the coordinator, the event
// reconciler and the sweeper. Every method is atomic on its own.
type BuildStore interface {
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error)
	// FindRunningBuild returns the project's RUNNING build or ErrNotFound.
	FindRunningBuild(ctx context.Context, projectID string) (*domain.Build, error)
	// CreateBuild inserts a RUNNING build, failing with ErrConflict when the
	// project already has one. The check and the insert happen atomically.
	CreateBuild(ctx context.Context, projectID string, startedAt time.Time) (*domain.Build, error)
	// UpdateBuildStage transitions a RUNNING build. A build that already
	// reached a terminal stage is left untouched and ErrConflict is returned.
	UpdateBuildStage(ctx context.Context, buildID string, stage domain.Stage) (*domain.Build, error)
	// UpdateBuildStageForRunning transitions whichever build of the project is
	// currently RUNNING, returning ErrNotFound when there is none.
	UpdateBuildStageForRunning(ctx context.Context, projectID string, stage domain.Stage) (*domain.Build, error)
	ListBuildsByProject(ctx context.Context, projectID string, limit int) ([]domain.Build, error)
	ListRunningBuildsStartedBefore(ctx context.Context, cutoff time.Time) ([]domain.Build, error)
}
