package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/pressline/mediastage/internal/common"
	"github.com/pressline/mediastage/internal/images"
	"github.com/pressline/mediastage/internal/imagestore"
	"github.com/pressline/mediastage/pkg/config"
	"github.com/pressline/mediastage/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env if present, then configuration from the environment
	_ = godotenv.Load()
	cfg := config.LoadFromEnv()
	cfg.Logging.SetupLogging()

	log.Info().Msg("Starting media staging service")

	// Initialize database
	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Initialize cache (sweep coordination)
	cache, err := common.NewCache(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cache.Close()

	// Initialize object store
	storeFactory := imagestore.NewStoreFactory(&cfg.Store)
	store, err := storeFactory.CreateStore()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize object store")
	}

	// Initialize the staging service and background sweeper
	imageService := images.NewService(db, store, &cfg.Upload, cfg.Store.CallTimeout)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweeper := images.NewSweeper(imageService, cache, cfg.Upload.SweepInterval)
	sweeper.Start(sweepCtx)

	// Setup HTTP server
	router := setupRouter(imageService, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	stopSweeper()
	sweeper.Wait()

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	} else {
		log.Info().Msg("Server shutdown complete")
	}
}

func setupRouter(imageService *images.Service, cfg *config.Config) *gin.Engine {
	if zerolog.GlobalLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, types.APIResponse{
			Success: true,
			Message: "media staging service is healthy",
		})
	})

	api := router.Group("/api/v1/images")
	api.Use(authMiddleware(cfg.Auth.JWTSecret))
	{
		api.POST("/upload/cover", handleUpload(imageService, types.KindCover))
		api.POST("/upload/content", handleUpload(imageService, types.KindContent))
		api.POST("/promote", handlePromote(imageService))
		api.GET("/:id", handleGetImage(imageService))
		api.DELETE("/:id", handleDeleteImage(imageService))
		api.DELETE("/cleanup/:sessionId", handleCleanupSession(imageService))
	}

	return router
}
