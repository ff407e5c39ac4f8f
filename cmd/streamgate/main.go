package main

import (
	"context"
	"flag"
	"time"

	"github.com/User-W-20/StreamGate/internal/auth"
	"github.com/User-W-20/StreamGate/internal/cache"
	"github.com/User-W-20/StreamGate/internal/dbpool"
	"github.com/User-W-20/StreamGate/internal/hooks"
	"github.com/User-W-20/StreamGate/internal/nodes"
	"github.com/User-W-20/StreamGate/internal/scheduler"
	"github.com/User-W-20/StreamGate/internal/state"
	"github.com/User-W-20/StreamGate/pkg/config"
	"github.com/User-W-20/StreamGate/pkg/database"
	"github.com/User-W-20/StreamGate/pkg/logging"
	"github.com/User-W-20/StreamGate/pkg/monitoring"
	"github.com/User-W-20/StreamGate/pkg/redis"
	"github.com/User-W-20/StreamGate/pkg/server"
	"github.com/User-W-20/StreamGate/pkg/version"
	"github.com/User-W-20/StreamGate/pkg/workerpool"
)

func main() {
	bootLogger := logging.NewLoggerWithService("streamgate")
	config.LoadEnv(bootLogger)

	configPath := flag.String("config", config.GetEnv("CONFIG_FILE", "streamgate.ini"), "path to the INI configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.WithError(err).Fatal("Configuration load failed")
	}

	logger := logging.NewLoggerWithOptions("streamgate", logging.Options{
		Level:    cfg.LogLevel,
		ToFile:   cfg.LogToFile,
		FilePath: cfg.LogFilePath,
	})
	logger.WithField("config", *configPath).Info("Starting StreamGate")

	ctx := context.Background()

	// Redis must answer PING before anything else comes up.
	redisClient, err := redis.NewClient(ctx, redis.Config{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPass,
		PoolSize: cfg.CachePoolSize,
	})
	if err != nil {
		logger.WithError(err).Fatal("Redis connection failed")
	}
	defer redisClient.Close()

	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.DatabaseURL()
	dbConfig.MaxOpenConns = cfg.DBMaxSize
	db, err := database.Connect(dbConfig, logger)
	if err != nil {
		logger.WithError(err).Fatal("Database connection failed")
	}
	defer db.Close()

	sqlPool, err := dbpool.New(db, dbpool.Config{
		MinSize:         cfg.DBMinSize,
		MaxSize:         cfg.DBMaxSize,
		CheckoutTimeout: cfg.DBTimeout,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("SQL pool initialization failed")
	}
	defer sqlPool.Shutdown()

	cacheClient := cache.New(redisClient, cfg.CacheTTL, logger)
	authRepo := auth.NewRepository(cacheClient, sqlPool, logger)
	authMgr := auth.NewManager(authRepo, cfg.ThreadPoolSize, cfg.AuthTimeout, logger)
	defer authMgr.Shutdown(10 * time.Second)

	stateMgr := state.NewManager(cacheClient, logger)

	var nodeCfg *nodes.Config
	if cfg.NodesFile != "" {
		nodeCfg, err = nodes.LoadFile(cfg.NodesFile, logger)
		if err != nil {
			logger.WithError(err).Fatal("Node inventory load failed")
		}
	} else {
		logger.Warn("No nodes file configured; all selections use the fallback endpoint")
		nodeCfg = nodes.NewConfig(nil, nil, nil)
	}

	healthChecker := monitoring.NewHealthChecker("streamgate", version.Version)
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DB_HOST":    cfg.DBHost,
		"REDIS_HOST": cfg.RedisHost,
	}))
	metricsCollector := monitoring.NewMetricsCollector("streamgate", version.Version, version.GitCommit)

	statsStop := make(chan struct{})
	defer close(statsStop)
	go publishPoolStats(metricsCollector, authRepo, authMgr, sqlPool, statsStop)

	sched := scheduler.New(authMgr, stateMgr, nodeCfg, scheduler.Config{
		TaskTimeout:     cfg.SchedulerTimeout,
		CleanupInterval: cfg.SchedulerCleanupInterval,
	}, logger, metricsCollector)
	if err := sched.Start(); err != nil {
		logger.WithError(err).Fatal("Scheduler start failed")
	}
	defer sched.Stop()

	useCase := hooks.NewUseCase(sched, logger)
	controller := hooks.NewController(useCase, cfg.AuthTimeout, logger, metricsCollector)

	router := server.SetupRouter(logger, "streamgate", healthChecker, metricsCollector)
	controller.Register(router)

	serverConfig := server.DefaultConfig("streamgate", cfg.ServerPort)
	serverConfig.Address = cfg.ServerAddress
	if err := server.Run(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}

// publishPoolStats periodically mirrors the auth and pool counters onto
// the prometheus surfaces. Counters are published as deltas between
// snapshots so restarts of the sampler never double-count.
func publishPoolStats(metrics *monitoring.MetricsCollector, repo *auth.Repository, authMgr *auth.Manager, sqlPool *dbpool.Pool, stop <-chan struct{}) {
	lookups, hitRate := metrics.CreateAuthMetrics()
	connections, events := metrics.CreatePoolMetrics()

	var prevAuth auth.Counters
	var prevWorkers workerpool.Stats
	var prevValidationFailures uint64

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-stop:
			return
		}

		counters := repo.Counters()
		lookups.WithLabelValues("cache", "hit").Add(float64(counters.CacheHits - prevAuth.CacheHits))
		lookups.WithLabelValues("cache", "miss").Add(float64(counters.CacheMisses - prevAuth.CacheMisses))
		lookups.WithLabelValues("sql", "hit").Add(float64(counters.SQLHits - prevAuth.SQLHits))
		lookups.WithLabelValues("sql", "miss").Add(float64(counters.SQLMisses - prevAuth.SQLMisses))
		lookups.WithLabelValues("sql", "error").Add(float64(counters.SQLErrors - prevAuth.SQLErrors))
		hitRate.WithLabelValues("auth").Set(counters.HitRate())
		prevAuth = counters

		poolStats := sqlPool.Stats()
		connections.WithLabelValues("sql", "total").Set(float64(poolStats.Total))
		connections.WithLabelValues("sql", "idle").Set(float64(poolStats.Idle))
		connections.WithLabelValues("sql", "waiters").Set(float64(poolStats.Waiters))
		events.WithLabelValues("sql", "validation_failure").Add(float64(poolStats.ValidationFailures - prevValidationFailures))
		prevValidationFailures = poolStats.ValidationFailures

		workers := authMgr.PoolStats()
		connections.WithLabelValues("auth_workers", "workers").Set(float64(workers.Workers))
		connections.WithLabelValues("auth_workers", "queue_depth").Set(float64(workers.QueueDepth))
		events.WithLabelValues("auth_workers", "submitted").Add(float64(workers.Submitted - prevWorkers.Submitted))
		events.WithLabelValues("auth_workers", "completed").Add(float64(workers.Completed - prevWorkers.Completed))
		events.WithLabelValues("auth_workers", "rejected").Add(float64(workers.Rejected - prevWorkers.Rejected))
		prevWorkers = workers
	}
}
