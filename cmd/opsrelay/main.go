package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"

	"github.com/akmatori/opsrelay/internal/alerts"
	"github.com/akmatori/opsrelay/internal/alerts/adapters"
	"github.com/akmatori/opsrelay/internal/alerts/extraction"
	"github.com/akmatori/opsrelay/internal/chat"
	"github.com/akmatori/opsrelay/internal/config"
	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/embedding"
	"github.com/akmatori/opsrelay/internal/handlers"
	"github.com/akmatori/opsrelay/internal/jobs"
	"github.com/akmatori/opsrelay/internal/middleware"
	"github.com/akmatori/opsrelay/internal/retrieval"
	"github.com/akmatori/opsrelay/internal/runbooks"
	"github.com/akmatori/opsrelay/internal/services"
	"github.com/akmatori/opsrelay/internal/slack"
	"github.com/akmatori/opsrelay/internal/worker"
)

const (
	taskReaperInterval = 30 * time.Second
	regroupInterval    = time.Minute
	regroupGrace       = 2 * time.Minute
	shutdownTimeout    = 15 * time.Second
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting OpsRelay (env=%s)...", cfg.AppEnv)
	if cfg.SkipSignatureVerification {
		log.Printf("WARNING: webhook signature verification is DISABLED")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize JWT authentication middleware
	if cfg.AdminPassword == "" {
		log.Fatalf("ADMIN_PASSWORD is not set")
	}
	passwordHash, err := middleware.HashPassword(cfg.AdminPassword)
	if err != nil {
		log.Fatalf("Failed to hash admin password: %v", err)
	}
	jwtAuthMiddleware := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		Enabled:           true,
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: passwordHash,
		JWTSecret:         cfg.JWTSecret,
		JWTExpiryHours:    cfg.JWTExpiryHours,
		SkipPaths: []string{
			"/health",
			"/metrics",
			"/webhook/*",
			"/auth/login",
			"/api/docs",
			"/api/openapi.yaml",
		},
	})
	log.Printf("JWT authentication enabled for user: %s", cfg.AdminUsername)

	// Initialize database connection
	db, err := database.Connect(cfg.DatabaseURL, logger.Warn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// Embeddings: Gemini with hashed bag-of-words as fallback, or hashing only
	var embedder embedding.Embedder = embedding.NewHashEmbedder(embedding.Dimension)
	if cfg.GeminiAPIKey != "" {
		genaiEmbedder, err := embedding.NewGenAIEmbedder(ctx, cfg.GeminiAPIKey, cfg.GeminiEmbedModel)
		if err != nil {
			log.Fatalf("Failed to initialize embeddings: %v", err)
		}
		embedder = &embedding.FallbackEmbedder{Primary: genaiEmbedder, Fallback: embedder}
		log.Printf("Embeddings: %s", cfg.GeminiEmbedModel)
	} else {
		log.Printf("Embeddings: local hashed embedder (GEMINI_API_KEY not set)")
	}

	// Incident notifications
	var notifier services.IncidentNotifier
	if cfg.SlackBotToken != "" && cfg.SlackAlertsChannel != "" {
		notifier = slack.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertsChannel)
		log.Printf("Slack notifications enabled for %s", cfg.SlackAlertsChannel)
	} else {
		log.Printf("Slack notifications disabled (SLACK_BOT_TOKEN or SLACK_ALERTS_CHANNEL not set)")
	}

	// Enrichment: ML service with heuristic fallback
	var mlClient *extraction.MLClient
	if cfg.MLServiceURL != "" {
		mlClient = extraction.NewMLClient(extraction.MLClientConfig{
			BaseURL:      cfg.MLServiceURL,
			Timeout:      cfg.MLServiceTimeout,
			RetryBackoff: cfg.MLRetryBackoff,
		})
		log.Printf("ML service: %s", cfg.MLServiceURL)
	} else {
		log.Printf("ML service not configured, using heuristic enrichment only")
	}
	enricher := extraction.NewEnricher(mlClient, cfg.FallbackConfidence)

	registry := alerts.NewRegistry(
		adapters.NewDatadogAdapter(),
		adapters.NewSentryAdapter(),
		adapters.NewPagerDutyAdapter(),
	)
	log.Printf("Alert adapters registered: %v", registry.Sources())

	// Services
	ingestService := services.NewIngestService(db, registry, cfg.WebhookSecrets, cfg.SkipSignatureVerification)
	groupingService := services.NewGroupingService(db, cfg.Tuning.Grouping, embedder, notifier)
	enrichmentService := services.NewEnrichmentService(db, enricher, groupingService)
	incidentService := services.NewIncidentService(db)
	similarityService := services.NewSimilarityService(db, retrieval.NewEngine(nil), embedder, cfg.Tuning.Retrieval)
	summaryService := services.NewSummaryService(db, similarityService)

	// Worker pool and background jobs
	pool := worker.NewPool(db, enrichmentService, worker.Config{
		Workers:      cfg.WorkerCount,
		PollInterval: cfg.WorkerPollInterval,
		MaxAttempts:  cfg.TaskMaxAttempts,
	})

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		pool.Run(ctx)
	}()

	stopJobs := make(chan struct{})
	go jobs.NewTaskReaper(db, cfg.TaskVisibilityTimeout, pool.Notify).Start(taskReaperInterval, stopJobs)
	go jobs.NewRegroupJob(db, regroupGrace, pool.Notify).Start(regroupInterval, stopJobs)

	// Runbooks
	ingester := runbooks.NewIngester(db, embedder, cfg.RunbookDir)
	if report, err := ingester.IngestFolder(ctx); err != nil {
		log.Printf("Warning: initial runbook ingestion failed: %v", err)
	} else {
		log.Printf("Runbooks: %d documents indexed (corpus %s)", report.Documents, report.CorpusVersion)
	}
	if cfg.RunbookWatch {
		watcher := runbooks.NewWatcher(ingester, runbooks.DefaultDebounce, nil)
		background.Add(1)
		go func() {
			defer background.Done()
			if err := watcher.Run(ctx); err != nil {
				log.Printf("Warning: runbook watcher stopped: %v", err)
			}
		}()
		log.Printf("Watching %s for runbook changes", cfg.RunbookDir)
	}

	// Chat
	var answerer chat.Answerer
	if cfg.GeminiAPIKey != "" {
		genaiAnswerer, err := chat.NewGenAIAnswerer(ctx, cfg.GeminiAPIKey, cfg.GeminiChatModel)
		if err != nil {
			log.Fatalf("Failed to initialize chat model: %v", err)
		}
		answerer = genaiAnswerer
	}
	orchestrator := chat.NewOrchestrator(summaryService, answerer)
	streamOpts := chat.StreamOptions{
		CoalesceWindow:   cfg.ChatCoalesceWindow,
		CoalesceMaxBytes: cfg.ChatCoalesceMaxBytes,
	}

	// Handlers
	limiter := middleware.NewRateLimiter(cfg.WebhookRateLimit, cfg.WebhookRateBurst)
	alertHandler := handlers.NewAlertHandler(ingestService, incidentService, enrichmentService, limiter, pool)
	httpHandler := handlers.NewHTTPHandler(db, alertHandler)
	apiHandler := handlers.NewAPIHandler(incidentService, groupingService, similarityService, summaryService, ingester)
	chatHandler := handlers.NewChatHandler(incidentService, orchestrator, streamOpts)
	authHandler := handlers.NewAuthHandler(jwtAuthMiddleware)

	mux := http.NewServeMux()
	httpHandler.SetupRoutes(mux)
	alertHandler.SetupRoutes(mux)
	apiHandler.SetupRoutes(mux)
	chatHandler.SetupRoutes(mux)
	authHandler.SetupRoutes(mux)

	// Request id and logging outermost, then CORS, then JWT authentication
	corsMiddleware := middleware.NewCORSMiddleware()
	handler := middleware.RequestIDMiddleware(
		middleware.LoggingMiddleware(
			corsMiddleware.Wrap(jwtAuthMiddleware.Wrap(mux)),
		),
	)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	log.Printf("Webhook endpoint: http://localhost:%d/webhook/{source}", cfg.HTTPPort)
	log.Printf("Health check endpoint: http://localhost:%d/health", cfg.HTTPPort)
	log.Printf("API docs: http://localhost:%d/api/docs", cfg.HTTPPort)

	<-ctx.Done()
	log.Println("Received shutdown signal, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}
	close(stopJobs)
	background.Wait()

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	log.Println("Shutdown complete")
}
