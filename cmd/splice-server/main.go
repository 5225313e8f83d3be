package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/splice/internal/events"
	"github.com/lgulliver/splice/internal/storage"
	"github.com/lgulliver/splice/internal/upload"
	"github.com/lgulliver/splice/pkg/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("splice server exited")
	}
}

func run(cfg *config.Config) error {
	log.Info().Msg("Starting splice upload server")

	uploadDir, cleanup, err := prepareUploadDir(cfg.Upload.Dir)
	if err != nil {
		return err
	}
	defer cleanup()

	// Initialize storage
	storageFactory := storage.NewStorageFactory(&cfg.Storage, uploadDir)
	blobStorage, err := storageFactory.CreateStorage()
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	publisher, err := events.New(&cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to initialize event publisher: %w", err)
	}
	defer publisher.Close()

	uploadService := upload.NewService(blobStorage,
		upload.WithSessionTTL(cfg.Upload.SessionTTL),
		upload.WithPublisher(publisher),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go uploadService.Run(ctx, cfg.Upload.CleanupInterval)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      setupRouter(uploadService, cfg.Upload),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("upload_dir", uploadDir).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		return err
	}

	log.Info().Msg("Server shutdown complete")
	return nil
}

// prepareUploadDir returns the artifact directory. With no configured
// directory a temporary one is created and removed by cleanup.
func prepareUploadDir(dir string) (string, func(), error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", nil, fmt.Errorf("failed to create upload directory: %w", err)
		}
		return dir, func() {}, nil
	}

	tmp, err := os.MkdirTemp("", "splice-uploads-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temporary upload directory: %w", err)
	}

	return tmp, func() {
		if err := os.RemoveAll(tmp); err != nil {
			log.Warn().Err(err).Str("dir", tmp).Msg("failed to remove temporary upload directory")
		}
	}, nil
}

func setupRouter(uploadService *upload.Service, cfg config.UploadConfig) *gin.Engine {
	// Set Gin mode based on log level
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(requestLogger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/status", handleStatus())
	router.POST("/start", handleStart(uploadService))
	router.POST("/part/:upload_id/:chunk_id", handleUploadPart(uploadService, cfg.MaxChunkBytes))
	router.POST("/complete/:upload_id", handleComplete(uploadService))
	router.GET("/uploads/:upload_id", handleUploadInfo(uploadService))

	return router
}
