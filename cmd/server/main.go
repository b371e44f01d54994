package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/taskhive/backend/docs"
	"github.com/taskhive/backend/internal/audit"
	"github.com/taskhive/backend/internal/config"
	"github.com/taskhive/backend/internal/database"
	"github.com/taskhive/backend/internal/handlers"
	mW "github.com/taskhive/backend/internal/middleware"
	"github.com/taskhive/backend/internal/services"
)

// @title TaskHive Settlement Engine API
// @version 1.0
// @description Escrow ledger, settlement and dispatch engine for the TaskHive marketplace
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "TaskHive Settlement Engine API"
	docs.SwaggerInfo.Description = "Escrow ledger, settlement and dispatch engine for the TaskHive marketplace"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	policy := config.LoadSettlementPolicy()
	auditLogger := audit.NewLogger(db)

	ledger := services.NewWalletLedgerService(db)
	escrowService := services.NewEscrowService(db, redisClient, ledger, auditLogger, policy)
	settlementService := services.NewSettlementService(db, redisClient, ledger, auditLogger)
	penaltyCalculator := services.NewPenaltyCalculator(policy)
	cancellationService := services.NewCancellationService(db, settlementService, penaltyCalculator, auditLogger, policy)
	dispatchService := services.NewDispatchService(db, redisClient, auditLogger, policy)
	payoutService := services.NewPayoutService(db, redisClient, ledger, auditLogger)

	dispatchHandler := handlers.NewDispatchHandler(dispatchService)
	walletHandler := handlers.NewWalletHandler(ledger)

	// Background expiry sweep for instant requests
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go dispatchService.RunExpirySweep(sweepCtx)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			// Escrow and settlement
			r.Post("/escrow/hold", escrowService.CreateHold)
			r.Get("/escrow/{escrowId}", escrowService.GetEscrow)
			r.Post("/settle/release", settlementService.ReleaseEscrow)
			r.Post("/settle/refund", settlementService.RefundEscrow)

			// Booking lifecycle
			r.Post("/bookings/cancel", cancellationService.CancelBooking)
			r.Post("/bookings/decide", cancellationService.DecideBooking)

			// Dispatch arbiter
			r.Post("/dispatch/requests", dispatchHandler.BroadcastRequest)
			r.Post("/dispatch/accept", dispatchHandler.AcceptRequest)
			r.Post("/dispatch/decline", dispatchHandler.DeclineRequest)

			// Wallets and payouts
			r.Get("/wallets/{accountId}", walletHandler.GetWallet)
			r.Post("/payouts/withdraw", payoutService.WithdrawFunds)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
