package app

import (
	"context"
	"fmt"
	"io"

	"github.com/therealutkarshpriyadarshi/encodejobs/internal/cache"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/config"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/database"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/lifecycle"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/logging"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/queue"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/storage"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/tracing"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/webhook"
)

// App holds the connected dependencies shared by the binaries
type App struct {
	Config  *config.Config
	Logger  *logging.Logger
	DB      *database.DB
	Repo    *database.JobRepository
	Cache   *cache.Cache
	Queue   *queue.Queue
	Storage *storage.Storage
	Webhook *webhook.Service
	Manager *lifecycle.Manager

	closers []func()
}

// NewLogger builds the process logger from configuration
func NewLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	return logging.NewLogger(logging.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: cfg.Output,
	})
}

// New connects every configured dependency and builds the lifecycle
// manager over them. Postgres is required; redis, the event bus and object
// storage are used when enabled.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	closer, err := tracing.Init(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.onClose(func() { closeQuietly(logger, "tracer", closer) })

	db, err := database.New(cfg.Database)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = db
	a.onClose(db.Close)

	if cfg.Database.MigrateOnBoot {
		if err := db.MigrateUp(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("Database migrations applied")
	}

	a.Repo = database.NewJobRepository(db)
	opts := []lifecycle.Option{}

	if cfg.Redis.Enabled {
		c, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.Cache = c
		a.onClose(func() { closeQuietly(logger, "redis", c) })
		opts = append(opts, lifecycle.WithCache(c))
	}

	if cfg.Queue.Enabled {
		q, err := queue.New(cfg.Queue)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to queue: %w", err)
		}
		a.Queue = q
		a.onClose(func() { closeQuietly(logger, "queue", q) })
		opts = append(opts, lifecycle.WithPublisher(q))
	}

	if cfg.Storage.Enabled {
		s, err := storage.New(cfg.Storage)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		a.Storage = s
		opts = append(opts, lifecycle.WithVerifier(s))
	}

	a.Webhook = webhook.NewService(cfg.Webhook, logger)
	a.onClose(a.Webhook.Close)
	opts = append(opts, lifecycle.WithNotifier(a.Webhook))

	a.Manager = lifecycle.NewManager(a.Repo, cfg.Lifecycle, logger, opts...)
	return a, nil
}

// Close releases dependencies in reverse order of creation
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func closeQuietly(logger *logging.Logger, name string, c io.Closer) {
	if err := c.Close(); err != nil {
		logger.WithError(err).Warnf("Failed to close %s", name)
	}
}
