package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const (
	dialect      = "postgres"
	stepTimeout  = time.Minute
	pingTimeout  = 5 * time.Second
	sqlDriverPgx = "pgx"
)

// Runner applies the schema for builds, projects and users with goose.
type Runner struct {
	pool          *pgxpool.Pool
	dsn           string
	migrationsDir string
	log           *slog.Logger
}

// New returns a migration runner. The migrations directory must exist.
func New(pool *pgxpool.Pool, dsn, migrationsDir string, log *slog.Logger) (Runner, error) {
	switch {
	case pool == nil:
		return Runner{}, errors.New("nil pool provided")
	case dsn == "":
		return Runner{}, errors.New("empty database dsn")
	case migrationsDir == "":
		return Runner{}, errors.New("empty migrations directory")
	}
	if _, err := os.Stat(migrationsDir); err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{pool: pool, dsn: dsn, migrationsDir: migrationsDir, log: log.With("component", "migrate")}, nil
}

// Ensure applies pending migrations.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
		r.log.Info("applying migrations", "dir", r.migrationsDir)
		if err := goose.UpContext(ctx, db, r.migrationsDir); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		version, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		r.log.Info("migrations applied", "version", version)
		return nil
	})
}

// Status reports applied and pending migrations.
func (r Runner) Status(ctx context.Context) error {
	return r.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
		r.log.Info("migration status", "dir", r.migrationsDir)
		if err := goose.StatusContext(ctx, db, r.migrationsDir); err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		return nil
	})
}

// Down rolls back the latest migration, or everything above targetVersion when it is positive.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	return r.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
		if targetVersion > 0 {
			r.log.Info("rolling back migrations", "target", targetVersion)
			if err := goose.DownToContext(ctx, db, r.migrationsDir, targetVersion); err != nil {
				return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
			}
		} else {
			r.log.Info("rolling back latest migration")
			if err := goose.DownContext(ctx, db, r.migrationsDir); err != nil {
				return fmt.Errorf("rollback latest migration: %w", err)
			}
		}
		r.log.Info("rollback complete")
		return nil
	})
}

// Ping ensures the database connection is alive.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases underlying connections.
func (r Runner) Close() {
	r.pool.Close()
}

func (r Runner) withDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	db, err := sql.Open(sqlDriverPgx, r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer db.Close()

	runCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	if err := db.PingContext(runCtx); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}
	return fn(runCtx, db)
}
