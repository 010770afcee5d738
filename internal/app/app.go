// Package app wires the scoring pipeline from configuration. The server, the
// seeder and the recompute CLI share it.
package app

import (
	"context"
	"fmt"
	"time"

	"racesow/internal/config"
	"racesow/internal/events"
	"racesow/internal/jobs"
	"racesow/internal/lock"
	"racesow/internal/metrics"
	"racesow/internal/repository"
	"racesow/internal/service"
	"racesow/internal/tracker"
	"racesow/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// App holds the wired components
type App struct {
	Postgres    *repository.PostgresRepository
	Redis       *repository.RedisRepository // nil when Redis is disabled
	Publisher   events.Publisher
	Metrics     *metrics.Metrics
	Tracker     *tracker.Tracker
	Pool        *worker.WorkerPool
	Scheduler   *jobs.Scheduler
	Races       *service.RaceService
	Scoring     *service.ScoringService
	Leaderboard *service.LeaderboardService

	logger *zap.Logger
}

// New connects to the stores, runs migrations and builds every service. The
// worker pool is started; the scheduler loop is not.
func New(cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*App, error) {
	db, err := initPostgres(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	a := &App{
		Postgres: repository.NewPostgresRepository(db),
		logger:   logger,
	}
	logger.Info("connected to PostgreSQL")

	if err := a.Postgres.AutoMigrate(); err != nil {
		a.Postgres.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	var locker lock.Locker = lock.NewMemoryLocker()
	var queue tracker.Queue = tracker.NewMemoryQueue()
	var mirror *repository.RedisRepository
	if cfg.Redis.Enabled {
		client, err := initRedis(cfg)
		if err != nil {
			a.Postgres.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		mirror = repository.NewRedisRepository(client)
		a.Redis = mirror
		locker = lock.NewRedisLocker(mirror, cfg.Scoring.LockTTL, logger)
		queue = tracker.NewRedisQueue(mirror)
		logger.Info("connected to Redis", zap.String("addr", cfg.GetRedisAddr()))
	} else {
		logger.Warn("Redis disabled, using in-process locks and queue")
	}

	a.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		p, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create Kafka publisher: %w", err)
		}
		a.Publisher = p
		logger.Info("publishing score events", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	a.Metrics = metrics.New(reg)
	a.Tracker = tracker.New(a.Postgres, queue, 0, logger)
	a.Races = service.NewRaceService(a.Postgres, a.Tracker, a.Metrics, logger)
	a.Scoring = service.NewScoringService(a.Postgres, mirror, locker, a.Publisher, a.Metrics, logger)
	a.Leaderboard = service.NewLeaderboardService(a.Postgres, mirror, a.Scoring, logger)

	a.Pool = worker.NewWorkerPool(cfg.Scoring.Workers, cfg.Scoring.QueueSize, cfg.Scoring.RecomputeTimeout, a.Scoring, logger)
	a.Pool.Start()

	a.Scheduler = jobs.NewScheduler(a.Postgres, a.Tracker, a.Pool, locker, a.Scoring, a.Metrics, logger, jobs.SchedulerConfig{
		Interval:    cfg.Scoring.SweepInterval,
		RescanEvery: cfg.Scoring.RescanEvery,
		MaxPasses:   cfg.Scoring.FullMaxPasses,
	})
	a.Leaderboard.SetNextRun(a.Scheduler.NextRun)
	return a, nil
}

// Close stops the scheduler, drains the worker pool and closes the stores
func (a *App) Close() {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Pool != nil {
		if err := a.Pool.Shutdown(30 * time.Second); err != nil {
			a.logger.Warn("worker pool shutdown error", zap.Error(err))
		}
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			a.logger.Warn("error closing event publisher", zap.Error(err))
		}
	}
	if err := a.Postgres.Close(); err != nil {
		a.logger.Warn("error closing PostgreSQL", zap.Error(err))
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger.Warn("error closing Redis", zap.Error(err))
		}
	}
}

// initPostgres opens PostgreSQL with a pool sized for the recompute workers
func initPostgres(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// every worker holds one connection for its transaction; the rest serve the API
	sqlDB.SetMaxOpenConns(cfg.Scoring.Workers + 20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// initRedis initializes Redis connection with connection pooling
func initRedis(cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.GetRedisAddr(),
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
