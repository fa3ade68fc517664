package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockID keeps concurrent binaries from migrating at the same time
const migrationLockID = 6021447390

func (db *DB) newMigrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	connString := db.Pool.Config().ConnString()
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		connString = strings.TrimPrefix(connString, prefix)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, "pgx5://"+connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

func (db *DB) withMigrationLock(ctx context.Context, fn func(*migrate.Migrate) error) error {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockID)

	m, err := db.newMigrator()
	if err != nil {
		return err
	}
	defer m.Close()

	return fn(m)
}

// MigrateUp applies all pending migrations
func (db *DB) MigrateUp(ctx context.Context) error {
	return db.withMigrationLock(ctx, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to run migrations up: %w", err)
		}
		return nil
	})
}

// MigrateDown rolls back every migration
func (db *DB) MigrateDown(ctx context.Context) error {
	return db.withMigrationLock(ctx, func(m *migrate.Migrate) error {
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to run migrations down: %w", err)
		}
		return nil
	})
}

// MigrationVersion reports the applied schema version
func (db *DB) MigrationVersion(ctx context.Context) (version uint, dirty bool, err error) {
	err = db.withMigrationLock(ctx, func(m *migrate.Migrate) error {
		version, dirty, err = m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			version, dirty, err = 0, false, nil
		}
		return err
	})
	return version, dirty, err
}
