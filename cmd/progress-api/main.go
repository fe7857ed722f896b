package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/campusops/progress-api/api/swagger"
	"github.com/campusops/progress-api/internal/handler"
	"github.com/campusops/progress-api/internal/middleware"
	"github.com/campusops/progress-api/internal/repository"
	"github.com/campusops/progress-api/internal/service"
	"github.com/campusops/progress-api/pkg/cache"
	"github.com/campusops/progress-api/pkg/config"
	"github.com/campusops/progress-api/pkg/database"
	"github.com/campusops/progress-api/pkg/jobs"
	"github.com/campusops/progress-api/pkg/logger"
	corsmiddleware "github.com/campusops/progress-api/pkg/middleware/cors"
	reqidmiddleware "github.com/campusops/progress-api/pkg/middleware/requestid"
	"github.com/campusops/progress-api/pkg/storage"
)

// @title Degree Progress API
// @version 1.0.0
// @description Grade sheet imports and degree-progress aggregation
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, running without cache", "error", err)
		redisClient = nil
	}

	files, err := storage.NewLocalStorage(cfg.Export.Dir)
	if err != nil {
		logr.Sugar().Fatalw("failed to prepare export storage", "error", err)
	}

	programRepo := repository.NewProgramRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	gradeRepo := repository.NewGradeRepository(db, cfg.Import.BatchSize)
	progressRepo := repository.NewProgressRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(cfg.JWT, logr)

	aggregator := service.NewBulkAggregator(progressRepo, cfg.Recompute.ChunkSize)

	queue := jobs.NewQueue("progress-recompute", nil, jobs.QueueConfig{
		Workers:    cfg.Recompute.Workers,
		BufferSize: cfg.Recompute.BufferSize,
		MaxRetries: cfg.Recompute.MaxRetries,
		RetryDelay: cfg.Recompute.RetryDelay,
		Logger:     logr,
	})
	recomputeSvc := service.NewRecomputeService(queue, cfg.Recompute.ChunkSize, metricsSvc, logr)

	progressSvc := service.NewProgressService(progressRepo, studentRepo, cacheRepo, recomputeSvc, cfg.Recompute.CacheTTL, logr)
	importSvc := service.NewImportService(programRepo, studentRepo, courseRepo, gradeRepo, cacheRepo, recomputeSvc, metricsSvc, cfg.Import, logr)

	signer := storage.NewSignedURLSigner(cfg.JWT.Secret, cfg.Export.ResultTTL)
	exportSvc := service.NewExportService(progressSvc, files, signer, service.ExportConfig{
		APIPrefix:       cfg.APIPrefix,
		ResultTTL:       cfg.Export.ResultTTL,
		CleanupInterval: cfg.Export.CleanupInterval,
	}, logr, nil, nil)

	// handler is attached after construction: the worker invalidates the
	// progress cache, which is owned by the progress service above
	worker := service.NewRecomputeWorker(aggregator, progressSvc, metricsSvc, logr)
	queue.SetHandler(worker.Handle)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	queue.Start(ctx)
	defer queue.Stop()
	exportSvc.StartCleanup(ctx)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	importHandler := handler.NewImportHandler(importSvc)
	progressHandler := handler.NewProgressHandler(progressSvc, exportSvc)

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(authSvc))
	{
		imports := api.Group("/imports")
		imports.Use(middleware.RBAC(middleware.RoleAdmin, middleware.RoleRegistrar))
		imports.POST("/results", importHandler.Results)
		imports.POST("/registrations", importHandler.Registrations)

		students := api.Group("/students")
		students.GET("/:id/progress", middleware.RBAC(middleware.RoleAdmin, middleware.RoleRegistrar, middleware.AllowSelf), progressHandler.Get)
		students.GET("/:id/progress/complete", middleware.RBAC(middleware.RoleAdmin, middleware.RoleRegistrar, middleware.AllowSelf), progressHandler.Complete)
		students.GET("/:id/progress/export", middleware.RBAC(middleware.RoleAdmin, middleware.RoleRegistrar, middleware.AllowSelf), progressHandler.Export)

		api.GET("/exports/:token", progressHandler.Download)
		api.POST("/progress/recompute", middleware.RBAC(middleware.RoleAdmin), progressHandler.Recompute)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
