package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rpattn/assetimport/internal/config"
	"github.com/rpattn/assetimport/internal/db"
	"github.com/rpattn/assetimport/internal/importer"
	"github.com/rpattn/assetimport/internal/logging"
	"github.com/rpattn/assetimport/internal/middleware"
	"github.com/rpattn/assetimport/internal/repository"
	"github.com/rpattn/assetimport/internal/schema"
	"github.com/rpattn/assetimport/pkg/validator"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// app carries what every subcommand needs once the root command has loaded config.
type app struct {
	configPath string
	cfg        config.Config
	log        *logrus.Entry
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "assetimport",
		Short:         "Bulk asset import pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			cfg, loaded, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logrus.NewEntry(logger)
			a.log.WithField("config_file", loaded).Debug("configuration loaded")
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", ".", "Directory containing config.yaml")

	cmd.AddCommand(
		newMigrateCmd(a),
		newSchemaCmd(a),
		newMappingCmd(),
		newImportCmd(a),
		newStatusCmd(a),
		newHistoryCmd(a),
		newCancelCmd(a),
		newRollbackCmd(a),
		newReportCmd(a),
	)
	return cmd
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// stack is the wired importer stack for one command invocation.
type stack struct {
	conn     *db.Connection
	registry *schema.Registry
	service  *importer.Service
	redis    *redis.Client
	metrics  *http.Server
	log      *logrus.Entry
}

func (a *app) openStack(ctx context.Context) (*stack, error) {
	conn, err := db.NewConnection(ctx, a.cfg.Database, a.log)
	if err != nil {
		return nil, err
	}
	rt := &stack{conn: conn, log: a.log}

	registry, err := schema.NewRegistry(
		repository.NewClassificationRepository(conn.Pool),
		schema.WithCacheSize(a.cfg.Import.CacheSize),
		schema.WithLogger(a.log),
	)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.registry = registry

	opts := []importer.Option{
		importer.WithWorkers(a.cfg.Import.Workers),
		importer.WithBatchSize(a.cfg.Import.BatchSize),
		importer.WithQueueSize(a.cfg.Import.QueueSize),
		importer.WithStallTimeout(a.cfg.Import.StallTimeout),
		importer.WithLogger(a.log),
	}
	if a.cfg.Redis.Addr != "" {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			rt.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		opts = append(opts, importer.WithLocker(importer.NewRedisLocker(rt.redis, a.cfg.Redis.LockTTL, a.log)))
	}

	if a.cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", middleware.Logging(a.log.WithField("component", "metrics"), promhttp.Handler()))
		rt.metrics = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := rt.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	rt.service = importer.NewService(
		repository.NewImportJobRepository(conn.Pool),
		repository.NewHierarchyRepository(conn.Pool),
		repository.NewTransactor(conn),
		validator.NewEngine(registry),
		opts...,
	)
	return rt, nil
}

// close stops the workers, letting a running batch finish, then releases connections.
func (rt *stack) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if rt.service != nil {
		if err := rt.service.Shutdown(ctx); err != nil {
			rt.log.WithError(err).Warn("import service did not stop cleanly")
		}
	}
	if rt.metrics != nil {
		_ = rt.metrics.Shutdown(ctx)
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	rt.conn.Close()
}
