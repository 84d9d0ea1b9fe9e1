package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/splax/statikk/internal/domain"
	"github.com/splax/statikk/internal/repository"
)

const buildColumns = `id, project_id, stage, started_at, updated_at`

// GetBuildByID loads a single build.
func (r *Repository) GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1`, buildID)
	return scanBuild(row)
}

// FindRunningBuild returns the RUNNING build of a project.
func (r *Repository) FindRunningBuild(ctx context.Context, projectID string) (*domain.Build, error) {
	const query = `SELECT ` + buildColumns + ` FROM builds
		WHERE project_id = $1 AND stage = 'RUNNING'
		LIMIT 1`
	return scanBuild(r.pool.QueryRow(ctx, query, projectID))
}

// CreateBuild inserts a RUNNING build unless the project already has one.
// The project row is locked for the duration of the check so concurrent
// starts serialise; the partial unique index on running builds backs it up.
func (r *Repository) CreateBuild(ctx context.Context, projectID string, startedAt time.Time) (*domain.Build, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var lockedID string
	if err := tx.QueryRow(ctx, `SELECT id FROM projects WHERE id = $1 FOR UPDATE`, projectID).Scan(&lockedID); err != nil {
		return nil, mapReadError(err)
	}

	var running bool
	const existsQuery = `SELECT EXISTS (SELECT 1 FROM builds WHERE project_id = $1 AND stage = 'RUNNING')`
	if err := tx.QueryRow(ctx, existsQuery, projectID).Scan(&running); err != nil {
		return nil, err
	}
	if running {
		return nil, repository.ErrConflict
	}

	const insert = `INSERT INTO builds (id, project_id, stage, started_at, updated_at)
		VALUES ($1, $2, 'RUNNING', $3, $3)
		RETURNING ` + buildColumns
	build, err := scanBuild(tx.QueryRow(ctx, insert, uuid.NewString(), projectID, startedAt.UTC()))
	if err != nil {
		return nil, mapWriteError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapWriteError(err)
	}
	return build, nil
}

// UpdateBuildStage transitions a RUNNING build to stage.
func (r *Repository) UpdateBuildStage(ctx context.Context, buildID string, stage domain.Stage) (*domain.Build, error) {
	const query = `UPDATE builds SET stage = $2, updated_at = NOW()
		WHERE id = $1 AND stage = 'RUNNING'
		RETURNING ` + buildColumns
	build, err := scanBuild(r.pool.QueryRow(ctx, query, buildID, string(stage)))
	if err == nil {
		return build, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	// Nothing matched: either the build is gone or it already finished.
	if _, lookupErr := r.GetBuildByID(ctx, buildID); lookupErr != nil {
		return nil, lookupErr
	}
	return nil, repository.ErrConflict
}

// UpdateBuildStageForRunning transitions the project's RUNNING build, if any.
func (r *Repository) UpdateBuildStageForRunning(ctx context.Context, projectID string, stage domain.Stage) (*domain.Build, error) {
	const query = `UPDATE builds SET stage = $2, updated_at = NOW()
		WHERE project_id = $1 AND stage = 'RUNNING'
		RETURNING ` + buildColumns
	return scanBuild(r.pool.QueryRow(ctx, query, projectID, string(stage)))
}

// ListBuildsByProject returns the newest builds first.
func (r *Repository) ListBuildsByProject(ctx context.Context, projectID string, limit int) ([]domain.Build, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT ` + buildColumns + ` FROM builds
		WHERE project_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, mapReadError(err)
	}
	return collectBuilds(rows)
}

// ListRunningBuildsStartedBefore finds builds that have been RUNNING since before cutoff.
func (r *Repository) ListRunningBuildsStartedBefore(ctx context.Context, cutoff time.Time) ([]domain.Build, error) {
	const query = `SELECT ` + buildColumns + ` FROM builds
		WHERE stage = 'RUNNING' AND started_at < $1 ORDER BY started_at`
	rows, err := r.pool.Query(ctx, query, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	return collectBuilds(rows)
}

func collectBuilds(rows pgx.Rows) ([]domain.Build, error) {
	defer rows.Close()
	builds := make([]domain.Build, 0)
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *build)
	}
	return builds, rows.Err()
}

func scanBuild(row pgx.Row) (*domain.Build, error) {
	var (
		b     domain.Build
		stage string
	)
	if err := row.Scan(&b.ID, &b.ProjectID, &stage, &b.StartedAt, &b.UpdatedAt); err != nil {
		return nil, mapReadError(err)
	}
	b.Stage = domain.Stage(stage)
	return &b, nil
}
