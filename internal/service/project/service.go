package project

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/statikk/internal/domain"
	"github.com/splax/statikk/internal/repository"
)

// CreateInput encapsulates project creation attributes.
type CreateInput struct {
	OwnerID string
	Name    string
	RepoURL string
}

// Service orchestrates project management.
type Service struct {
	projects repository.ProjectRepository
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a project service.
func New(projects repository.ProjectRepository, logger *slog.Logger) Service {
	return Service{projects: projects, logger: logger.With("component", "project"), now: time.Now}
}

// gitURLPattern accepts git, ssh, http(s) and scp-like remotes ending in .git.
var gitURLPattern = regexp.MustCompile(`(?:git|ssh|https?|git@[-\w.]+):(//)?(.*?)(\.git)(/?|#[-\d\w._]+?)$`)

var (
	ErrInvalidName    = errors.New("project name is required")
	ErrInvalidRepoURL = errors.New("the field `repository` must be a valid git repository URL")
	ErrNameTaken      = errors.New("a project with the same name already exists")
	ErrNotFound       = errors.New("project not found")
	ErrUnauthorized   = errors.New("you're not allowed to access this project")
	ErrNameMismatch   = errors.New("the field `name` must match with the project name")
	errMissingOwner   = errors.New("owner id required")
)

// ValidRepoURL reports whether raw looks like a git remote.
func ValidRepoURL(raw string) bool {
	return gitURLPattern.MatchString(strings.TrimSpace(raw))
}

// Create registers a new project for its owner. Names are globally unique.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Project, error) {
	if strings.TrimSpace(input.OwnerID) == "" {
		return nil, errMissingOwner
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, ErrInvalidName
	}
	repoURL := strings.TrimSpace(input.RepoURL)
	if !ValidRepoURL(repoURL) {
		return nil, ErrInvalidRepoURL
	}
	project := &domain.Project{
		ID:        uuid.NewString(),
		OwnerID:   input.OwnerID,
		Name:      name,
		RepoURL:   repoURL,
		CreatedAt: s.now().UTC(),
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrNameTaken
		}
		return nil, err
	}
	s.logger.Info("project created", "project_id", project.ID, "owner_id", project.OwnerID)
	return project, nil
}

// ListByOwner returns projects owned by the user.
func (s Service) ListByOwner(ctx context.Context, ownerID string) ([]domain.Project, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, errMissingOwner
	}
	return s.projects.ListProjectsByOwner(ctx, ownerID)
}

// Get returns project details when requesterID owns it.
func (s Service) Get(ctx context.Context, projectID, requesterID string) (*domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, ErrNotFound
	}
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !project.OwnedBy(requesterID) {
		return nil, ErrUnauthorized
	}
	return project, nil
}

// Delete removes a project and its build history. confirmName must equal the
// project's name.
func (s Service) Delete(ctx context.Context, projectID, requesterID, confirmName string) error {
	project, err := s.Get(ctx, projectID, requesterID)
	if err != nil {
		return err
	}
	if project.Name != confirmName {
		return ErrNameMismatch
	}
	if err := s.projects.DeleteProject(ctx, project.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.logger.Info("project deleted", "project_id", project.ID, "owner_id", project.OwnerID)
	return nil
}
