package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"attribution-service-server/config"
	"attribution-service-server/database"
	"attribution-service-server/jobs"
	"attribution-service-server/middleware"
	"attribution-service-server/routes"
	"attribution-service-server/services"
	ws "attribution-service-server/websocket"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	// Load configuration
	config.Load()
	cfg := config.AppConfig

	// Initialize database
	if err := database.Initialize(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}

	// Optional demo data for local development
	if os.Getenv("SEED_DEMO_DATA") == "true" {
		if err := seedDemoProfessionals(); err != nil {
			log.Printf("⚠️ Demo seed failed: %v", err)
		}
	}

	// Set Gin mode
	if cfg.Server.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Live push channel for professionals
	hub := ws.NewHub()
	go hub.Run()

	// Delivery pipeline: redis dedupe fast path, channel adapters, dispatcher
	guard := services.NewIdempotencyGuard(cfg.Redis.URL, 24*time.Hour)
	dispatcher := services.NewNotificationDispatcher(database.DB, cfg.Dispatcher, guard)
	dispatcher.RegisterAdapter(services.NewEmailAdapter(cfg.Dispatcher.EmailRelayURL))
	dispatcher.RegisterAdapter(services.NewSMSAdapter(cfg.Dispatcher.SMSGatewayURL))
	dispatcher.RegisterAdapter(services.NewPushAdapter(hub))

	// Attribution services
	matcher := services.NewGeoMatcher(database.DB)
	attributions := services.NewAttributionService(database.DB, matcher, dispatcher, cfg.Attribution)
	reminders := services.NewReminderService(database.DB, dispatcher, cfg.Reminder)

	// Background jobs
	dispatchJob := jobs.NewDispatchJob(dispatcher, cfg.Dispatcher.PollInterval)
	dispatchJob.Start()
	defer dispatchJob.Stop()

	timeoutJob := jobs.NewBroadcastTimeoutJob(attributions, 30*time.Second)
	timeoutJob.Start()
	defer timeoutJob.Stop()

	reminderJob := jobs.NewReminderJob(reminders, cfg.Reminder.PollInterval)
	if err := reminderJob.Start(); err != nil {
		log.Fatal("Failed to start reminder job:", err)
	}
	defer reminderJob.Stop()

	// Create router
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// Disable automatic redirects for trailing slashes
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false

	// Security headers (must be first)
	router.Use(middleware.SecurityHeadersMiddleware())

	// Input validation
	router.Use(middleware.InputValidationMiddleware())

	// Rate limiting, with a background sweep of idle per-key limiters
	router.Use(middleware.RateLimitMiddleware())
	middleware.StartRateLimiterCleanup(10 * time.Minute)

	// CORS
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://localhost:8081"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Accept", "User-Agent"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}))

	// Audit logging
	router.Use(middleware.AuditLogMiddleware())

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"message":     "Attribution Service Server is running",
			"connections": hub.ConnectedCount(),
			"time":        time.Now().UTC(),
		})
	})

	// Professional WebSocket endpoint for live offers
	professionalHandler := ws.NewProfessionalHandler(hub)
	router.GET("/api/v1/ws/professional", professionalHandler.HandleProfessional)

	// API routes
	api := router.Group("/api/v1")
	{
		routes.RegisterAttributionRoutes(api, attributions)
		routes.RegisterNotificationRoutes(api, dispatcher)
		routes.RegisterReminderRoutes(api, reminders)
		routes.RegisterProfessionalRoutes(api, matcher)
	}

	log.Printf("🚀 Attribution Service Server starting on port %s", cfg.Server.Port)
	if err := router.Run(":" + cfg.Server.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
