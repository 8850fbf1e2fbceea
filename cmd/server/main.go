package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/studyplan/server/internal/config"
	"github.com/studyplan/server/internal/handlers"
	custommw "github.com/studyplan/server/internal/middleware"
	"github.com/studyplan/server/internal/observability"
	"github.com/studyplan/server/internal/repository"
	"github.com/studyplan/server/internal/services"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize telemetry
	ctx := context.Background()
	telemetry, err := observability.Initialize(ctx, observability.NewConfig("studyplan-server", handlers.Version))
	if err != nil {
		log.Printf("Telemetry disabled: %v", err)
	}

	// Initialize database and repository
	var docRepo repository.DocumentRepo
	if cfg.UsePostgres() {
		log.Println("Using PostgreSQL database")
		db, err := repository.NewPostgresDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to initialize PostgreSQL database: %v", err)
		}
		defer db.Close()
		docRepo = repository.NewDocumentRepository(db, "postgres")
	} else {
		log.Println("Using SQLite database")
		db, err := repository.NewSQLiteDB(cfg.DatabasePath)
		if err != nil {
			log.Fatalf("Failed to initialize SQLite database: %v", err)
		}
		defer db.Close()
		docRepo = repository.NewDocumentRepository(db, "sqlite3")
	}

	// Change feed hub
	hub := services.NewChangeFeedHub()
	go hub.Run()

	// Metrics
	replicationMetrics, err := observability.NewReplicationMetrics()
	if err != nil {
		log.Printf("Replication metrics disabled: %v", err)
	}
	httpMetrics, err := observability.NewHTTPMetrics()
	if err != nil {
		log.Printf("HTTP metrics disabled: %v", err)
	}

	// Initialize handlers
	replicationHandler := handlers.NewReplicationHandler(
		docRepo, hub, replicationMetrics,
		cfg.Replication.DefaultBatchSize, cfg.Replication.MaxBatchSize,
	)
	changeFeedHandler := handlers.NewChangeFeedHandler(hub)
	healthHandler := handlers.NewHealthHandler()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware("studyplan-server"))
	if httpMetrics != nil {
		r.Use(observability.MetricsMiddleware(httpMetrics))
	}
	r.Use(custommw.BearerAuth(custommw.AuthConfig{
		JWTSecret:        cfg.Security.JWTSecret,
		ServiceKeyHash:   cfg.Security.ServiceKeyHash,
		ServiceKeyHeader: cfg.Security.ServiceKeyHeader,
		ServiceUserID:    cfg.Security.ServiceUserID,
		SkipPaths:        []string{"/health", "/version"},
	}))

	// Routes
	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/version", handlers.VersionHandler)

	r.Get("/{collection}/pull", replicationHandler.Pull)
	r.Post("/{collection}/push", replicationHandler.Push)

	r.Get("/changes/ws", changeFeedHandler.HandleConnection)

	// Create server
	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("StudyPlan sync server starting on %s", cfg.ServerAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			log.Printf("Telemetry shutdown: %v", err)
		}
	}

	log.Println("Server stopped")
}
