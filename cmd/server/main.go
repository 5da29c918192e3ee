// Package main runs the StageCall HTTP server with WebSocket push and
// graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stagecall/backend/config"
	"github.com/stagecall/backend/internal/actors"
	"github.com/stagecall/backend/internal/api"
	"github.com/stagecall/backend/internal/app"
	"github.com/stagecall/backend/internal/capture"
	"github.com/stagecall/backend/internal/identity"
	"github.com/stagecall/backend/internal/middleware"
	"github.com/stagecall/backend/internal/models"
	"github.com/stagecall/backend/internal/realtime"
	"github.com/stagecall/backend/internal/session"
	"github.com/stagecall/backend/internal/store"
	"github.com/stagecall/backend/internal/worker"
	"github.com/stagecall/backend/pkg/database"
	"github.com/stagecall/backend/pkg/queue"
	"github.com/stagecall/backend/pkg/redis"
	"github.com/stagecall/backend/pkg/response"
	"github.com/stagecall/backend/pkg/storage"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	tokens := identity.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.ExpireHours)
	provider := identity.NewService(tokens, logger)
	identityRepo := identity.NewRepository(pool)
	identityHandler := identity.NewHandler(identityRepo, tokens, provider, logger,
		cfg.Retry.MaxAttempts, time.Duration(cfg.Retry.BaseDelayMS)*time.Millisecond)

	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)

	sessionStore := store.NewPostgres(pool, rdb.Client, logger)
	device := capture.NewSimulated(cfg.Capture.OutputDir, logger)
	directory := actors.NewPostgres(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	// Finalized media is exported to local disk and shipped by the upload
	// worker; the record already points at the destination.
	ship := func(rec models.SessionRecord, stream *capture.Stream) {
		localPath, err := device.Export(stream, rec.ID)
		if err != nil {
			logger.Error("media export failed", zap.String("session_id", rec.ID.String()), zap.Error(err))
			return
		}
		err = jobQueue.EnqueueMediaUpload(context.Background(), queue.MediaUploadPayload{
			SessionID:  rec.ID,
			CustomerID: rec.CustomerID,
			LocalPath:  localPath,
			StorageKey: storage.RecordingKey(rec.CustomerID.String(), rec.ID.String()),
		})
		if err != nil {
			logger.Error("enqueue media upload failed", zap.String("session_id", rec.ID.String()), zap.Error(err))
		}
	}

	var locator session.StorageLocator
	if s3Client != nil {
		locator = func(customerID, sessionID uuid.UUID) string {
			return s3Client.ObjectURL(storage.RecordingKey(customerID.String(), sessionID.String()))
		}
	}

	registry := app.NewRegistry(app.Deps{
		Store:          sessionStore,
		Device:         device,
		Directory:      directory,
		Notifier:       hub,
		Logger:         logger,
		RetryAttempts:  cfg.Retry.MaxAttempts,
		RetryBase:      time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		StorageLocator: locator,
		Ship:           ship,
	})
	registry.Watch(provider)

	apiHandler := api.NewHandler(registry, provider, s3Client, logger)

	jwtValidate := func(token string) (string, error) {
		claims, err := tokens.Validate(token)
		if err != nil {
			return "", err
		}
		return claims.UserID.String(), nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/anonymous", identityHandler.Anonymous)
		authGroup.POST("/register", identityHandler.Register)
		authGroup.POST("/login", identityHandler.Login)
	}

	// Protected API (JWT required)
	protected := router.Group("")
	protected.Use(middleware.JWT(tokens))
	{
		protected.POST("/role", apiHandler.SelectRole)
		protected.GET("/state", apiHandler.State)
		protected.GET("/library", apiHandler.Library)
		protected.POST("/sessions/start", apiHandler.StartSession)
		protected.POST("/sessions/pay", apiHandler.Pay)
		protected.POST("/sessions/recording/start", apiHandler.StartRecording)
		protected.POST("/sessions/recording/stop", apiHandler.StopRecording)
		protected.GET("/sessions/:id/download-url", apiHandler.DownloadURL)
		protected.POST("/logout", apiHandler.Logout)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, jwtValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (captured media upload to S3)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client != nil {
		uploader := worker.NewMediaUploader(s3Client, jobQueue, logger)
		go uploader.Run(workerCtx)
		logger.Info("media upload worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
