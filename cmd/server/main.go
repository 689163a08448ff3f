package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/dunmininu/oms-trading/internal/audit"
	"github.com/dunmininu/oms-trading/internal/auth"
	"github.com/dunmininu/oms-trading/internal/broker"
	"github.com/dunmininu/oms-trading/internal/broker/sim"
	"github.com/dunmininu/oms-trading/internal/broker/wsvenue"
	"github.com/dunmininu/oms-trading/internal/config"
	"github.com/dunmininu/oms-trading/internal/database"
	"github.com/dunmininu/oms-trading/internal/events"
	"github.com/dunmininu/oms-trading/internal/idempotency"
	"github.com/dunmininu/oms-trading/internal/ledger"
	"github.com/dunmininu/oms-trading/internal/oms"
	"github.com/dunmininu/oms-trading/internal/reconcile"
	"github.com/dunmininu/oms-trading/internal/risk"
	"github.com/dunmininu/oms-trading/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the order management server with graceful
// shutdown support. It wires the database, the broker connector with
// its reconciliation hook, the background loops and the API routes.
func main() {
	configPath := flag.String("config", os.Getenv("OMS_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus(256)
	auditService := audit.NewService(db)
	idemLedger := idempotency.NewLedger(db, cfg.Idempotency.TTL())
	ingestor := ledger.NewIngestor(db, bus)
	pipeline := risk.NewPipeline(risk.DefaultGates(&cfg.Risk)...)

	// Broker connector: the websocket venue when an endpoint is
	// configured, the in-process simulator otherwise.
	var venue broker.Venue
	if cfg.Broker.URL != "" {
		venue = wsvenue.New(cfg.Broker.URL, cfg.Broker.HeartbeatPeriod())
	} else {
		venue = sim.New()
	}
	connector := broker.NewConnector("default", venue, cfg.Broker, bus)

	orderService := oms.NewService(db, idemLedger, pipeline, ingestor, connector, auditService, bus)
	orderHandlers := oms.NewGinHandlers(orderService)

	reconciler := reconcile.NewEngine(db, orderService, ingestor, connector, auditService, bus, cfg.Reconcile)
	connector.SetOnConnected(reconciler.Run)
	connector.SetHandler(func(ev broker.Event) {
		if err := orderService.ApplyBrokerEvent(connector.TenantID(), "broker", ev); err != nil {
			zlog.Error().Err(err).
				Str("client_order_id", ev.ClientOrderID).
				Str("event_type", string(ev.Type)).
				Msg("Failed to apply broker event")
		}
	})
	go connector.Run(ctx)

	go idemLedger.Sweep(ctx, cfg.Idempotency.SweepInterval())

	authService := auth.NewService(cfg.Auth.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register demo credentials for local development
	authService.RegisterAPICredentials("demo-api-key", "demo-api-secret", "default")

	auditHandlers := audit.NewGinHandlers(auditService)

	// Initialize router
	router := gin.Default()
	router.Use(middleware.RateLimit())
	setupRoutes(router, authService, authHandlers, orderHandlers, auditHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Str("port", cfg.Server.Port).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop background loops and the broker session first
	cancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order, position and audit routes: Protected by JWT authentication
func setupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	authHandlers *auth.GinHandlers,
	orderHandlers *oms.GinHandlers,
	auditHandlers *audit.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(authService))
		{
			orders.POST("", orderHandlers.SubmitOrderHandler())
			orders.GET("", orderHandlers.ListOrdersHandler())
			orders.GET("/:client_order_id", orderHandlers.GetOrderHandler())
			orders.POST("/:client_order_id/cancel", orderHandlers.CancelOrderHandler())
			orders.POST("/:client_order_id/modify", orderHandlers.ModifyOrderHandler())
			orders.GET("/:client_order_id/executions", orderHandlers.ListExecutionsHandler())
		}

		// Position routes
		positions := v1.Group("/positions")
		positions.Use(middleware.JWTAuth(authService))
		{
			positions.GET("/:account_id", orderHandlers.ListPositionsHandler())
			positions.GET("/:account_id/:symbol", orderHandlers.GetPositionHandler())
		}

		// Audit routes
		auditGroup := v1.Group("/audit")
		auditGroup.Use(middleware.JWTAuth(authService))
		{
			auditGroup.GET("/orders/:client_order_id", auditHandlers.ListOrderTrailHandler())
			auditGroup.GET("/verify", auditHandlers.VerifyChainHandler())
		}
	}
}
