package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/payment-ledger/internal"
	"github.com/frahmantamala/payment-ledger/internal/core/events"
	"github.com/frahmantamala/payment-ledger/internal/notification"
	paymentpkg "github.com/frahmantamala/payment-ledger/internal/payment"
	paymentpg "github.com/frahmantamala/payment-ledger/internal/payment/postgres"
	"github.com/frahmantamala/payment-ledger/internal/paymentgateway"
	"github.com/frahmantamala/payment-ledger/internal/reconciliation"
	"github.com/frahmantamala/payment-ledger/internal/redis"
	"github.com/frahmantamala/payment-ledger/internal/retry"
	"github.com/frahmantamala/payment-ledger/internal/transport/rest"
	"github.com/frahmantamala/payment-ledger/pkg/logger"
)

// Dependencies is the fully wired application shared by the server, worker
// and one-shot commands.
type Dependencies struct {
	Config *internal.Config
	Logger *slog.Logger

	DB      *gorm.DB
	SQLX    *sqlx.DB
	Redis   *goredis.Client
	Store   *paymentpg.Store
	Reports *paymentpg.ReportRepository

	Gateways  *paymentgateway.Registry
	Executor  *retry.Executor
	Policies  retry.Policies
	EventBus  *events.EventBus
	Service   *paymentpkg.Service
	Ingestor  *paymentpkg.Ingestor
	Engine    *reconciliation.Engine
	Scheduler *reconciliation.Scheduler
}

func initializeDependencies(ctx context.Context) (*Dependencies, error) {
	config, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	lg := logger.LoggerWrapper()

	db, err := initDB(config.Database, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying SQL database: %w", err)
	}

	deps := &Dependencies{
		Config:   config,
		Logger:   lg,
		DB:       db,
		SQLX:     sqlx.NewDb(sqlDB, "pgx"),
		Store:    paymentpg.NewStore(db),
		EventBus: events.NewEventBus(lg),
	}
	deps.Reports = paymentpg.NewReportRepository(deps.SQLX)

	var runLock reconciliation.RunLock
	if config.Redis.Addr != "" {
		client, err := redis.NewClient(ctx, config.Redis)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		deps.Redis = client
		runLock = redis.NewLockStore(client)
		lg.Info("reconciliation lock backed by redis", "addr", config.Redis.Addr)
	} else {
		lg.Warn("redis not configured, reconciliation lock is process local")
	}

	deps.Gateways, err = paymentgateway.NewRegistryFromConfig(config.Payment, lg)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to build payment gateways: %w", err)
	}

	deps.Policies = retry.NewPolicies(config.Retry)
	deps.Executor = retry.NewExecutor(retry.Config{
		Workers:   config.Retry.Workers,
		QueueSize: config.Retry.QueueSize,
	}, deps.Store.Audit(), lg)
	deps.Executor.Start()

	deps.Service = paymentpkg.NewService(deps.Store, deps.Gateways, deps.Executor, deps.Policies, deps.EventBus, lg)
	deps.Ingestor = paymentpkg.NewIngestor(deps.Store, deps.Gateways, deps.Executor, deps.Policies.Webhook, deps.EventBus, lg)
	paymentpkg.NewEventHandler(deps.Ingestor, lg).RegisterEventHandlers(deps.EventBus)

	sender := notification.NewSender(config.Notification, lg)
	notification.NewDispatcher(sender, deps.Executor, deps.Policies.Notification, lg).RegisterEventHandlers(deps.EventBus)

	deps.Engine = reconciliation.NewEngine(deps.Store, deps.Gateways, deps.Service, deps.Executor, deps.Policies, deps.EventBus, lg,
		reconciliation.Options{StaleWebhookAfter: config.Reconciliation.StaleWebhookAfter})
	deps.Scheduler = reconciliation.NewScheduler(deps.Engine, runLock, reconciliation.SchedulerConfig{
		Interval:              config.Reconciliation.Interval,
		MaxAge:                config.Reconciliation.MaxAge,
		BatchLimit:            config.Reconciliation.BatchLimit,
		IncludeStaleSucceeded: config.Reconciliation.IncludeStaleSucceeded,
		LockTTL:               config.Reconciliation.LockTTL,
	}, lg)

	return deps, nil
}

// Close drains background work before releasing connections. Bus handlers
// submit to the executor and executor tasks publish on the bus, so the bus
// is drained on both sides of the executor shutdown.
func (d *Dependencies) Close() {
	if d.EventBus != nil {
		d.EventBus.Wait()
	}
	if d.Executor != nil {
		d.Executor.Shutdown()
	}
	if d.EventBus != nil {
		d.EventBus.Wait()
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error("redis close error", "error", err)
		}
	}
	if d.DB != nil {
		if sqlDB, err := d.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				d.Logger.Error("database close error", "error", err)
			}
		}
	}
}

func (d *Dependencies) healthChecks() map[string]rest.CheckFunc {
	checks := map[string]rest.CheckFunc{
		"postgres": func(ctx context.Context) error {
			return d.SQLX.PingContext(ctx)
		},
	}
	if d.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return d.Redis.Ping(ctx).Err()
		}
	}
	return checks
}

// initDB opens the ledger database through gorm on the pgx driver.
func initDB(cfg internal.DatabaseConfig, lg *slog.Logger) (*gorm.DB, error) {
	if cfg.Source == "" {
		return nil, errors.New("database source is empty")
	}

	db, err := gorm.Open(postgres.Open(cfg.GetDSN()), &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(slog.NewLogLogger(lg.Handler(), slog.LevelWarn), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying SQL database: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
