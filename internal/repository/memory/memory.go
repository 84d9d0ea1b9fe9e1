// Package memory keeps users, projects and builds in process memory. It is
// used for local runs without PostgreSQL and as the store behind tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/statikk/internal/domain"
	"github.com/splax/statikk/internal/repository"
)

// Repository is a mutex guarded store. Every method holds the lock for its
// whole duration, which makes check-and-create operations atomic. Build
// writes fail with the context error once ctx is done, as a database would.
type Repository struct {
	mu       sync.Mutex
	users    map[string]domain.User
	projects map[string]domain.Project
	builds   map[string]domain.Build
	now      func() time.Time
}

var (
	_ repository.UserRepository    = (*Repository)(nil)
	_ repository.ProjectRepository = (*Repository)(nil)
	_ repository.BuildStore        = (*Repository)(nil)
)

// New returns an empty Repository.
func New() *Repository {
	return &Repository{
		users:    make(map[string]domain.User),
		projects: make(map[string]domain.Project),
		builds:   make(map[string]domain.Build),
		now:      time.Now,
	}
}

// CreateUser stores a user; emails are unique case-insensitively.
func (r *Repository) CreateUser(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return repository.ErrConflict
		}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	r.users[user.ID] = *user
	return nil
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			found := u
			return &found, nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetUserByID fetches a user by identifier.
func (r *Repository) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

// CreateProject stores a project, rejecting duplicate names.
func (r *Repository) CreateProject(_ context.Context, project *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.projects {
		if existing.Name == project.Name {
			return repository.ErrConflict
		}
	}
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	r.projects[project.ID] = *project
	return nil
}

// GetProjectByID fetches a project.
func (r *Repository) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

// ListProjectsByOwner returns the owner's projects, newest first.
func (r *Repository) ListProjectsByOwner(_ context.Context, ownerID string) ([]domain.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	projects := make([]domain.Project, 0)
	for _, p := range r.projects {
		if p.OwnerID == ownerID {
			projects = append(projects, p)
		}
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].CreatedAt.After(projects[j].CreatedAt) })
	return projects, nil
}

// DeleteProject removes a project together with its builds.
func (r *Repository) DeleteProject(_ context.Context, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[projectID]; !ok {
		return repository.ErrNotFound
	}
	delete(r.projects, projectID)
	for id, b := range r.builds {
		if b.ProjectID == projectID {
			delete(r.builds, id)
		}
	}
	return nil
}

// GetBuildByID fetches a build.
func (r *Repository) GetBuildByID(_ context.Context, buildID string) (*domain.Build, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.builds[buildID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &b, nil
}

// FindRunningBuild returns the project's RUNNING build.
func (r *Repository) FindRunningBuild(_ context.Context, projectID string) (*domain.Build, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.runningLocked(projectID)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &b, nil
}

// CreateBuild inserts a RUNNING build unless one exists for the project.
func (r *Repository) CreateBuild(ctx context.Context, projectID string, startedAt time.Time) (*domain.Build, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.projects[projectID]; !ok {
		return nil, repository.ErrNotFound
	}
	if _, running := r.runningLocked(projectID); running {
		return nil, repository.ErrConflict
	}
	b := domain.Build{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Stage:     domain.StageRunning,
		StartedAt: startedAt.UTC(),
		UpdatedAt: startedAt.UTC(),
	}
	r.builds[b.ID] = b
	return &b, nil
}

// UpdateBuildStage transitions a RUNNING build.
func (r *Repository) UpdateBuildStage(ctx context.Context, buildID string, stage domain.Stage) (*domain.Build, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.builds[buildID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !b.Running() {
		return nil, repository.ErrConflict
	}
	return r.setStageLocked(b, stage), nil
}

// UpdateBuildStageForRunning transitions the project's RUNNING build.
func (r *Repository) UpdateBuildStageForRunning(ctx context.Context, projectID string, stage domain.Stage) (*domain.Build, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.runningLocked(projectID)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.setStageLocked(b, stage), nil
}

// ListBuildsByProject returns the newest builds first.
func (r *Repository) ListBuildsByProject(_ context.Context, projectID string, limit int) ([]domain.Build, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	builds := make([]domain.Build, 0)
	for _, b := range r.builds {
		if b.ProjectID == projectID {
			builds = append(builds, b)
		}
	}
	sort.Slice(builds, func(i, j int) bool { return builds[i].StartedAt.After(builds[j].StartedAt) })
	if limit > 0 && len(builds) > limit {
		builds = builds[:limit]
	}
	return builds, nil
}

// ListRunningBuildsStartedBefore finds builds RUNNING since before cutoff.
func (r *Repository) ListRunningBuildsStartedBefore(_ context.Context, cutoff time.Time) ([]domain.Build, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	builds := make([]domain.Build, 0)
	for _, b := range r.builds {
		if b.Running() && b.StartedAt.Before(cutoff) {
			builds = append(builds, b)
		}
	}
	sort.Slice(builds, func(i, j int) bool { return builds[i].StartedAt.Before(builds[j].StartedAt) })
	return builds, nil
}

// CountBuilds reports how many builds the project has, in any stage.
func (r *Repository) CountBuilds(projectID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.builds {
		if b.ProjectID == projectID {
			n++
		}
	}
	return n
}

func (r *Repository) runningLocked(projectID string) (domain.Build, bool) {
	for _, b := range r.builds {
		if b.ProjectID == projectID && b.Running() {
			return b, true
		}
	}
	return domain.Build{}, false
}

func (r *Repository) setStageLocked(b domain.Build, stage domain.Stage) *domain.Build {
	b.Stage = stage
	b.UpdatedAt = r.now().UTC()
	r.builds[b.ID] = b
	return &b
}
