package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/zeebo/errs"

	logx "newsletterd/pkg/logx"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// migrateUp applies embedded migrations on a dedicated connection pool that
// is closed afterwards (closing the migrate instance closes its database).
func migrateUp(ctx context.Context, engine, dsn string, log logx.Logger) (err error) {
	sqlDriver := engine
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("%s ping: %w", engine, err)
	}

	var dbDriver database.Driver
	switch engine {
	case "sqlite":
		dbDriver, err = sqlite.WithInstance(db, &sqlite.Config{})
	case "postgres":
		dbDriver, err = postgres.WithInstance(db, &postgres.Config{})
	default:
		err = fmt.Errorf("no migrations for engine %q", engine)
	}
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+engine)
	if err != nil {
		_ = dbDriver.Close()
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, engine, dbDriver)
	if err != nil {
		_ = src.Close()
		_ = dbDriver.Close()
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		err = errs.Combine(err, srcErr, dbErr)
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("no database migrations to apply", logx.String("engine", engine))
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	log.Info("database migrations applied", logx.String("engine", engine), logx.Int64("version", int64(version)), logx.Bool("dirty", dirty))
	return nil
}
