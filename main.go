// main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gift-presence/config"
	"gift-presence/handlers"
	_ "gift-presence/migrations"
	"gift-presence/monitoring"
	"gift-presence/security"
	"gift-presence/services"
	"gift-presence/utils"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"
)

func main() {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()

	// Initialize PubNub
	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey

	pn := pubnub.NewPubNub(pnConfig)

	// Initialize services
	store := services.NewRedisPresenceStore(redisClient, cfg.HardTTLCeiling)
	registry := services.NewSessionRegistry()
	router := services.NewBroadcastRouter(redisClient, pn, cfg)
	catalog := services.NewPocketBaseCatalog(app)
	coordinator := services.NewPresenceCoordinator(store, registry, router, catalog, cfg)
	monitor := services.NewHeartbeatMonitor(store, coordinator, cfg)

	// Initialize handlers
	presenceHandler := handlers.NewPresenceHandler(app, coordinator)
	adminHandler := handlers.NewAdminHandler(app, store, catalog, cfg)
	rateLimiter := security.NewRateLimiter(redisClient)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	// Create context for background tasks
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start background tasks
	router.Start(ctx)
	monitor.Start()
	metricsMonitor := monitoring.NewMonitor(&occupancySource{store: store})

	// Setup graceful shutdown
	go handleShutdown(cancel, monitor, router, metricsMonitor)

	// Metrics endpoint on its own port
	if cfg.EnableMetrics {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(":"+cfg.MetricsPort, mux); err != nil {
				log.Printf("Metrics server stopped: %v", err)
			}
		}()
	}

	// Register routes
	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		heartbeatLimit := rateLimiter.HeartbeatRateLimit(cfg.HeartbeatRateLimit, cfg.HeartbeatRateWindow)

		// Presence endpoints
		e.Router.POST("/api/presence/join", presenceHandler.Join)
		e.Router.POST("/api/presence/heartbeat", presenceHandler.Heartbeat).BindFunc(heartbeatLimit)
		e.Router.POST("/api/presence/leave", presenceHandler.Leave)
		e.Router.POST("/api/presence/disconnect", presenceHandler.Disconnect)
		e.Router.GET("/api/presence/gifts/{giftId}", presenceHandler.Snapshot)

		// Admin endpoints
		e.Router.GET("/api/admin/presence-dashboard", adminHandler.GetPresenceDashboard)
		e.Router.GET("/api/admin/presence-details", adminHandler.GetPresenceDetails)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{"status": "healthy"})
		})

		log.Println("Server routes registered")

		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
}

// occupancySource adapts the presence store to the metrics collector.
type occupancySource struct {
	store services.PresenceStore
}

func (s *occupancySource) OccupiedGifts(ctx context.Context) ([]string, error) {
	return s.store.OccupiedGifts(ctx)
}

func (s *occupancySource) SessionCount(ctx context.Context, giftID string) (int, error) {
	sessions, _, err := s.store.Sessions(ctx, giftID)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// handleShutdown drains the background units on SIGINT/SIGTERM: stop sweeping,
// stop fan-out workers, stop the metrics collector, then let the server exit.
func handleShutdown(cancel context.CancelFunc, monitor *services.HeartbeatMonitor, router *services.BroadcastRouter, metricsMonitor *monitoring.Monitor) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	cancel()
	monitor.Stop()
	router.Shutdown()
	metricsMonitor.Stop()
}
