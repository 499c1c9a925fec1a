package database

import (
	"context"
	"database/sql"
	"fmt"

	"quote-backfill-service/internal/config"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Connect opens the primary quote database and verifies it is reachable
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger logrus.FieldLogger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host":     cfg.Host,
		"database": cfg.Name,
	}).Info("Connected to quote database")
	return db, nil
}

// Initialize connects and, when enabled, applies pending migrations
func Initialize(ctx context.Context, cfg config.DatabaseConfig, logger logrus.FieldLogger) (*sql.DB, error) {
	db, err := Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if !cfg.MigrateOnStart {
		return db, nil
	}

	migrator := NewMigrator(db, logger)
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	logger.Info("Database initialized successfully")
	return db, nil
}
