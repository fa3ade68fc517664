package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/encodejobs/internal/app"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/config"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/database"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/logging"
	"github.com/therealutkarshpriyadarshi/encodejobs/internal/sweeper"
	"github.com/therealutkarshpriyadarshi/encodejobs/pkg/models"
)

// jobService is what the operator commands need from the lifecycle manager
type jobService interface {
	Get(ctx context.Context, jobID string) (*models.EncodingJob, error)
	ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.EncodingJob, error)
	Stats(ctx context.Context, staleAfter time.Duration) (*models.JobStats, error)
	Cancel(ctx context.Context, jobID string) (*models.EncodingJob, error)
	RequeueForRetry(ctx context.Context, jobID string) (*models.EncodingJob, error)
}

type sweepRunner interface {
	RunOnce(ctx context.Context) (sweeper.Report, error)
}

type eventQueues interface {
	QueueDepth(queueName string) (int, error)
	DeadLetterDepth(queueName string) (int, error)
}

type migrator interface {
	MigrateUp(ctx context.Context) error
	MigrateDown(ctx context.Context) error
	MigrationVersion(ctx context.Context) (uint, bool, error)
}

// session is one command's connection to the job store
type session struct {
	jobs    jobService
	sweeper sweepRunner
	// nil when the event bus is disabled
	events eventQueues
	close  func()
}

type commandContext struct {
	configFlag string
	verbose    bool

	configOnce sync.Once
	config     *config.Config
	configErr  error

	// replaced in tests
	openSession  func(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*session, error)
	openMigrator func(ctx context.Context, cfg *config.Config) (migrator, func(), error)
}

func newCommandContext() *commandContext {
	return &commandContext{
		openSession:  openAppSession,
		openMigrator: openDatabase,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		path := strings.TrimSpace(c.configFlag)
		if path == "" {
			c.config = config.Default()
			return
		}
		c.config, c.configErr = config.Load(path)
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() *logging.Logger {
	if !c.verbose {
		return logging.Nop()
	}
	logger, err := logging.NewLogger(logging.Config{Level: "debug", Format: "console", Output: "stderr"})
	if err != nil {
		return logging.Nop()
	}
	return logger
}

func (c *commandContext) withSession(ctx context.Context, fn func(*session) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	s, err := c.openSession(ctx, cfg, c.logger())
	if err != nil {
		return err
	}
	defer s.close()
	return fn(s)
}

func (c *commandContext) withMigrator(ctx context.Context, fn func(migrator) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	m, closeFn, err := c.openMigrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(m)
}

func openAppSession(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*session, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var opts []sweeper.Option
	if a.Cache != nil {
		opts = append(opts, sweeper.WithLocker(a.Cache))
	}

	s := &session{
		jobs:    a.Manager,
		sweeper: sweeper.New(a.Manager, a.Webhook, cfg.Sweeper, logger, opts...),
		close:   a.Close,
	}
	if a.Queue != nil {
		s.events = a.Queue
	}
	return s, nil
}

func openDatabase(_ context.Context, cfg *config.Config) (migrator, func(), error) {
	db, err := database.New(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return db, db.Close, nil
}
