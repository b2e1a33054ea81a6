package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/hexvault/multiscan-api/api/swagger"
	"github.com/hexvault/multiscan-api/internal/adapter"
	"github.com/hexvault/multiscan-api/internal/extract"
	"github.com/hexvault/multiscan-api/internal/handler"
	"github.com/hexvault/multiscan-api/internal/middleware"
	"github.com/hexvault/multiscan-api/internal/models"
	"github.com/hexvault/multiscan-api/internal/orchestrator"
	"github.com/hexvault/multiscan-api/internal/repository"
	"github.com/hexvault/multiscan-api/internal/service"
	"github.com/hexvault/multiscan-api/internal/verdict"
	rediscache "github.com/hexvault/multiscan-api/pkg/cache"
	"github.com/hexvault/multiscan-api/pkg/config"
	"github.com/hexvault/multiscan-api/pkg/database"
	"github.com/hexvault/multiscan-api/pkg/logger"
	corsmiddleware "github.com/hexvault/multiscan-api/pkg/middleware/cors"
	reqidmiddleware "github.com/hexvault/multiscan-api/pkg/middleware/requestid"
	"github.com/hexvault/multiscan-api/pkg/storage"
)

// @title Multiscan API
// @version 1.0.0
// @description Multi-engine antivirus scan orchestration service
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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("database connection failed", "error", err)
	}
	defer db.Close() //nolint:errcheck

	metricsSvc := service.NewMetricsService(nil)

	cacheEnabled := cfg.Status.CacheEnabled
	var cacheRepo service.CacheRepository
	redisClient, err := rediscache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, status cache disabled", "error", err)
		cacheEnabled = false
	} else {
		defer redisClient.Close() //nolint:errcheck
		cacheRepo = repository.NewCacheRepository(redisClient, logr)
	}
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Status.CacheTTL, logr, cacheEnabled)

	userRepo := repository.NewUserRepository(db)
	fileRepo := repository.NewFileRepository(db)
	scanRepo := repository.NewScanRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	queueRepo := repository.NewQueueRepository(db)
	agentRepo := repository.NewAgentRepository(db)
	deliveryRepo := repository.NewDeliveryRepository(db)

	validate := validator.New()

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            "multiscan-api",
		Audience:          []string{"multiscan-api"},
	})
	userSvc := service.NewUserService(userRepo, validate, logr)
	agentSvc := service.NewAgentService(agentRepo, logr)

	thresholds := verdict.Thresholds{
		CleanAcceptance: cfg.Scan.CleanAcceptanceIndex,
		ValidAcceptance: cfg.Scan.ValidAcceptanceIndex,
	}
	scanSvc := service.NewScanService(db, fileRepo, scanRepo, sessionRepo, cacheSvc, thresholds, cfg.Scan.LegacyLevelProgress, logr)

	registry := adapter.NewRegistry(agentRepo, cfg.Scan.SoftDeadline)
	orch := orchestrator.New(registry, scanRepo, fileRepo, sessionRepo, queueRepo, scanSvc, orchestrator.Config{
		Workers:      cfg.Scan.WorkerConcurrency,
		QueueBuffer:  cfg.Scan.QueueBuffer,
		SoftDeadline: cfg.Scan.SoftDeadline,
		ObserveScan:  metricsSvc.ObserveScan,
	}, logr)
	metricsSvc.SetQueueDepthFunc(orch.PendingTasks)
	orch.Start(ctx)
	defer orch.Stop()

	spool, err := storage.NewLocalStorage(cfg.Intake.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("intake storage init failed", "error", err)
	}
	extractor := extract.New(cfg.Intake.MaxArchiveDepth, cfg.Intake.MaxFileSizeBytes)
	intakeSvc := service.NewIntakeService(fileRepo, sessionRepo, spool, extractor, scanSvc, cfg.Intake, logr)

	sessionSvc := service.NewSessionService(sessionRepo, fileRepo, scanRepo, orch, cacheSvc, cfg.Status.CacheTTL, logr)

	receipts, err := storage.NewLocalStorage(cfg.Delivery.ReceiptDir)
	if err != nil {
		logr.Sugar().Fatalw("receipt storage init failed", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.JWT.Secret, 15*time.Minute)
	deliverySvc := service.NewDeliveryService(deliveryRepo, sessionRepo, fileRepo, receipts, signer, cfg.Delivery, logr)
	deliverySvc.Start(ctx)
	defer deliverySvc.Stop()

	authHandler := handler.NewAuthHandler(authSvc)
	userHandler := handler.NewUserHandler(userSvc)
	sessionHandler := handler.NewSessionHandler(intakeSvc, sessionSvc)
	agentHandler := handler.NewAgentHandler(agentSvc)
	deliveryHandler := handler.NewDeliveryHandler(deliverySvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/change-password", middleware.JWT(authSvc), authHandler.ChangePassword)
	auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)

	users := api.Group("/users", middleware.JWT(authSvc), middleware.RequireRoles(models.RoleAdmin))
	users.GET("", userHandler.List)
	users.POST("", userHandler.Create)
	users.GET("/:id", userHandler.Get)
	users.PUT("/:id", userHandler.Update)
	users.DELETE("/:id", userHandler.Delete)

	sessions := api.Group("/sessions", middleware.OptionalJWT(authSvc))
	sessions.POST("", sessionHandler.Create)
	sessions.GET("", sessionHandler.List)
	sessions.GET("/:id", sessionHandler.Get)
	sessions.DELETE("/:id", sessionHandler.Cancel)
	sessions.POST("/:id/files", sessionHandler.Upload)
	sessions.GET("/:id/files", sessionHandler.Files)
	sessions.POST("/:id/files/url", sessionHandler.FromURL)
	sessions.POST("/:id/files/disk", sessionHandler.FromDisk)
	sessions.POST("/:id/files/email", sessionHandler.FromEmail)
	sessions.POST("/:id/start", sessionHandler.Start)
	sessions.GET("/:id/status", sessionHandler.Status)
	sessions.GET("/:id/queue", sessionHandler.Queue)
	sessions.GET("/:id/scans", sessionHandler.Scans)
	sessions.POST("/:id/deliveries", deliveryHandler.Request)
	sessions.GET("/:id/deliveries", deliveryHandler.ListBySession)

	agents := api.Group("/agents", middleware.JWT(authSvc), middleware.RequireRoles(models.RoleAdmin))
	agents.POST("", agentHandler.Register)
	agents.GET("", agentHandler.List)
	agents.GET("/:id", agentHandler.Get)
	agents.PUT("/:id", agentHandler.Update)
	agents.PUT("/:id/active", agentHandler.SetActive)
	agents.DELETE("/:id", agentHandler.Delete)

	deliveries := api.Group("/deliveries")
	deliveries.GET("/receipt", deliveryHandler.DownloadReceipt)
	deliveries.GET("/:id", middleware.OptionalJWT(authSvc), deliveryHandler.Get)
	deliveries.POST("/:id/receipt-token", middleware.OptionalJWT(authSvc), deliveryHandler.ReceiptToken)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
