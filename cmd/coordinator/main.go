// Package main is the entry point for the Coordinator service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/agentctrl/internal/common/config"
	"github.com/kandev/agentctrl/internal/common/logger"
	"github.com/kandev/agentctrl/internal/coordinator"
	"github.com/kandev/agentctrl/internal/db"
	"github.com/kandev/agentctrl/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting coordinator service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer, reader, err := openDatabase(cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer writer.Close()
	defer reader.Close()

	if err := store.Migrate(writer); err != nil {
		log.Fatal("failed to migrate schema", zap.Error(err))
	}
	log.Info("database ready", zap.String("driver", cfg.Database.Driver))

	c, err := coordinator.New(cfg, writer, reader, log)
	if err != nil {
		log.Fatal("failed to wire coordinator", zap.Error(err))
	}

	if err := c.Recover(ctx); err != nil {
		log.Fatal("failed to recover run queue", zap.Error(err))
	}
	log.Info("run queue recovered", zap.String("mode", cfg.Runner.RecoveryMode))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutdown signal received")
		cancel()
	}()

	if err := c.Run(ctx); err != nil {
		log.Fatal("coordinator exited with error", zap.Error(err))
	}

	log.Info("coordinator service stopped")
}

// openDatabase opens the writer/reader connection pair for the configured
// driver. Postgres uses pgx's own pooling for both; SQLite splits into a
// single-connection writer and a multi-connection WAL reader.
func openDatabase(cfg config.DatabaseConfig) (writer, reader *sqlx.DB, err error) {
	switch cfg.Driver {
	case "postgres":
		conn, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, nil, err
		}
		wrapped := sqlx.NewDb(conn, "pgx")
		return wrapped, wrapped, nil

	case "sqlite", "":
		w, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		r, err := db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = w.Close()
			return nil, nil, err
		}
		return sqlx.NewDb(w, "sqlite3"), sqlx.NewDb(r, "sqlite3"), nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
