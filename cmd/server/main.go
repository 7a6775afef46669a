// Package main runs the recorder: admin HTTP API, capture orchestration, post-processing and recovery.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/streamarchive/backend/config"
	"github.com/streamarchive/backend/internal/events"
	"github.com/streamarchive/backend/internal/middleware"
	"github.com/streamarchive/backend/internal/pipeline"
	"github.com/streamarchive/backend/internal/process"
	"github.com/streamarchive/backend/internal/proxies"
	"github.com/streamarchive/backend/internal/recorder"
	"github.com/streamarchive/backend/internal/recordings"
	"github.com/streamarchive/backend/internal/recovery"
	"github.com/streamarchive/backend/internal/registry"
	"github.com/streamarchive/backend/internal/settings"
	"github.com/streamarchive/backend/internal/streams"
	"github.com/streamarchive/backend/internal/supervisor"
	"github.com/streamarchive/backend/pkg/database"
	"github.com/streamarchive/backend/pkg/queue"
	"github.com/streamarchive/backend/pkg/redis"
	"github.com/streamarchive/backend/pkg/response"
	"github.com/streamarchive/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	publisher := events.NewRedisPublisher(rdb.Client, logger)

	// Repositories
	streamRepo := streams.NewRepository(pool)
	recordingRepo := recordings.NewRepository(pool)
	activeRepo := recordings.NewActiveRepository(pool)
	settingsRepo := settings.NewRepository(pool)
	proxyRepo := proxies.NewRepository(pool)
	stateRepo := pipeline.NewRepository(pool)

	resolver := settings.NewResolver(settingsRepo, settings.Effective{
		Enabled:          true,
		Quality:          cfg.Defaults.Quality,
		FilenameTemplate: cfg.Defaults.FilenameTemplate,
		MaxStreams:       cfg.Defaults.MaxStreams,
		ConcurrencyCap:   cfg.Defaults.ConcurrencyCap,
	}, cfg.Defaults.SettingsCacheTTL, logger)
	selector := proxies.NewSelector(proxyRepo, cfg.Proxy.FailureThreshold, cfg.Proxy.RefreshInterval, logger)
	reg := registry.New(activeRepo, logger)
	procs := process.NewSupervisor(logger)

	// Post-processing
	sched := pipeline.NewScheduler(pipeline.SchedulerConfig{
		Workers:        cfg.Pipeline.Workers,
		RetryBaseDelay: cfg.Pipeline.RetryBaseDelay,
	}, stateRepo, logger)
	tools := &pipeline.Tools{
		FFmpeg:     cfg.Pipeline.FFmpegPath,
		FFprobe:    cfg.Pipeline.FFprobePath,
		Runner:     pipeline.ExecRunner{Timeout: cfg.Pipeline.ToolTimeout},
		Events:     streamRepo,
		Recordings: recordingRepo,
		Log:        logger,
	}
	if cfg.Pipeline.ArchiveEnabled {
		tools.Archive = queue.NewQueue(rdb.Client, logger)
	}
	tools.Register(sched)
	factory := pipeline.NewFactory(pipeline.FactoryConfig{
		MaxRetries: cfg.Pipeline.MaxRetries,
		CleanupRaw: cfg.Pipeline.CleanupRaw,
		Archive:    cfg.Pipeline.ArchiveEnabled,
	})
	manager := pipeline.NewManager(sched, factory, stateRepo, publisher, logger)

	recorderSvc := recorder.NewService(recorder.Config{
		OutputDir:         cfg.Recording.OutputDir,
		CaptureBinary:     cfg.Recording.CaptureBinary,
		HeartbeatInterval: cfg.Recording.HeartbeatInterval,
		MinOutputBytes:    cfg.Recording.MinOutputBytes,
		TerminateTimeout:  cfg.Recording.TerminateTimeout,
		ProxyEnabled:      cfg.Proxy.Enabled,
		FallbackToDirect:  cfg.Proxy.FallbackToDirect,
	}, recorder.Deps{
		Registry:   reg,
		Settings:   resolver,
		Proxies:    selector,
		Processes:  procs,
		Streams:    streamRepo,
		Recordings: recordingRepo,
		Active:     activeRepo,
		Pipeline:   manager,
		Events:     publisher,
	}, logger)

	coordinator := recovery.NewCoordinator(recovery.Config{
		Interval:        cfg.Recovery.Interval,
		StaleHeartbeat:  cfg.Recovery.StaleHeartbeat,
		StuckCeiling:    cfg.Recovery.StuckCeiling,
		MinSalvageBytes: cfg.Recovery.MinSalvageBytes,
	}, activeRepo, recordingRepo, process.NewInspector(), manager, recordingRepo, reg, publisher, logger)

	// Startup recovery runs before any new capture can be admitted.
	if report, err := coordinator.ScanAndRecoverOrphaned(ctx); err != nil {
		logger.Error("startup recovery scan", zap.Error(err))
	} else {
		logger.Info("startup recovery scan", zap.Int("scanned", report.Scanned), zap.Any("actions", report.Actions))
	}
	if n, err := manager.Resume(ctx, recordingRepo); err != nil {
		logger.Error("resume pipelines", zap.Error(err))
	} else if n > 0 {
		logger.Info("resumed pipelines", zap.Int("chains", n))
	}

	// HTTP
	recordingHandler := recordings.NewHandler(recordingRepo, streamRepo, recorderSvc, presigner(s3Client), logger)
	streamHandler := streams.NewHandler(streamRepo, recorderSvc, logger)
	settingsHandler := settings.NewHandler(settingsRepo, resolver, logger)
	recoveryHandler := recovery.NewHandler(coordinator, logger)
	eventsHandler := events.NewHandler(publisher)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		hctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(hctx); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if err := rdb.Healthy(hctx); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok", "active_recordings": reg.Count()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/events", eventsHandler.Stream)

	router.POST("/streams/:id/recording/start", recordingHandler.StartRecording)
	router.POST("/streams/:id/recording/force-start", recordingHandler.ForceStart)
	router.POST("/streams/:id/events", streamHandler.AddEvent)
	router.GET("/streams/:id/events", streamHandler.ListEvents)

	router.GET("/recordings/active", recordingHandler.ListActive)
	router.GET("/recordings/statistics", recordingHandler.Statistics)
	router.GET("/recordings/:id", recordingHandler.Get)
	router.POST("/recordings/:id/stop", recordingHandler.StopRecording)
	router.GET("/recordings/:id/download-url", recordingHandler.GenerateDownloadURL)

	router.GET("/streamers/:id/settings", settingsHandler.GetEffective)
	router.PUT("/streamers/:id/settings", settingsHandler.UpdateStreamer)

	router.GET("/recovery/orphaned", recoveryHandler.Orphaned)
	router.POST("/recovery/scan", recoveryHandler.Scan)
	router.POST("/recovery/recordings/:id", recoveryHandler.Recover)

	// Notifications from the platform monitor
	router.POST("/webhooks/stream-online", streamHandler.StreamOnline)
	router.POST("/webhooks/stream-offline", streamHandler.StreamOffline)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	tree := supervisor.NewTree("recorder", logger, supervisor.TreeConfig{})
	tree.AddBackground(sched)
	tree.AddBackground(coordinator)
	tree.AddBackground(registry.NewSnapshotService(reg, cfg.Recording.SnapshotInterval))
	tree.AddAPI(supervisor.NewHTTPService(srv, 15*time.Second))

	treeCtx, treeCancel := context.WithCancel(context.Background())
	defer treeCancel()
	treeDone := tree.ServeBackground(treeCtx)
	logger.Info("server listening", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	treeExited := false
	select {
	case <-quit:
	case err := <-treeDone:
		treeExited = true
		logger.Error("supervisor exited", zap.Error(err))
	}

	// Captures stop first so their hand-off still reaches a running scheduler.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := recorderSvc.GracefulShutdown(shutdownCtx); err != nil {
		logger.Error("recorder shutdown", zap.Error(err))
	}
	treeCancel()
	if !treeExited {
		<-treeDone
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logger.Warn("services did not stop in time", zap.Int("count", len(report)))
	}
	logger.Info("server stopped")
}

// presigner keeps a nil *storage.S3 from becoming a non-nil interface.
func presigner(s *storage.S3) recordings.Presigner {
	if s == nil {
		return nil
	}
	return s
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
