package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations applies every pending goose migration against the pipelines
// table. It opens its own database/sql handle sized off the same Config the
// pgxpool was built from, since goose drives migrations through database/sql
// rather than pgx directly.
func RunMigrations(ctx context.Context, pool *Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("running descriptor store migrations")

	db, err := openSQLDB(pool.Config())
	if err != nil {
		logger.Error("failed to open sql.DB for migrations", "error", err)
		return fmt.Errorf("failed to open sql.DB: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		logger.Error("migration failed", "error", err)
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("descriptor store migrations complete")
	return nil
}

func openSQLDB(cfg *Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(int(cfg.MaxConns))
	db.SetMaxIdleConns(int(cfg.MinConns))
	db.SetConnMaxLifetime(cfg.MaxConnLifetime)
	db.SetConnMaxIdleTime(cfg.MaxConnIdleTime)
	return db, nil
}
