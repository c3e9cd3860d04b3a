// Command signald is the conferencing signaling control plane's process
// entrypoint: it validates configuration, wires the Distributed State
// Layer, Exchange Bus, media server client, Module Registry, Room
// Coordinator Manager, and Session Runtime Hub together, and serves the
// WebSocket and HTTP surfaces behind gin, shutting down gracefully on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/lumenrelay/signalcore/internal/v1/auth"
	"github.com/lumenrelay/signalcore/internal/v1/bus"
	"github.com/lumenrelay/signalcore/internal/v1/config"
	"github.com/lumenrelay/signalcore/internal/v1/health"
	"github.com/lumenrelay/signalcore/internal/v1/logging"
	"github.com/lumenrelay/signalcore/internal/v1/media"
	"github.com/lumenrelay/signalcore/internal/v1/middleware"
	"github.com/lumenrelay/signalcore/internal/v1/module"
	"github.com/lumenrelay/signalcore/internal/v1/ratelimit"
	"github.com/lumenrelay/signalcore/internal/v1/room"
	"github.com/lumenrelay/signalcore/internal/v1/session"
	"github.com/lumenrelay/signalcore/internal/v1/store"
	"github.com/lumenrelay/signalcore/internal/v1/tracing"
	"github.com/lumenrelay/signalcore/pkg/sfu"
)

// passthroughInviteResolver treats an invite code as the room id it admits
// to. A production deployment backs InviteCodeResolver with whatever
// relational store mints and tracks invite codes; that store is an
// external collaborator outside this module.
type passthroughInviteResolver struct{}

func (passthroughInviteResolver) ResolveInviteCode(ctx context.Context, code string) (string, bool) {
	return code, code != ""
}

func main() {
	envPaths := []string{".env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		// logging.Initialize has not run yet; this is the one place a raw
		// stderr write is appropriate since structured logging itself may
		// be what's misconfigured.
		println("configuration error:", err.Error())
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		println("failed to initialize logger:", err.Error())
		os.Exit(1)
	}

	ctx := context.Background()

	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "signald", collectorAddr)
		if err != nil {
			logging.Warn(ctx, "failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(ctx) }()
		}
	}

	var storeClient *store.Client
	var busService *bus.Service
	if cfg.RedisEnabled {
		storeClient, err = store.NewClient(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to Redis for store", zap.Error(err))
		}
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to Redis for bus", zap.Error(err))
		}
		defer busService.Close()
	} else {
		logging.Warn(ctx, "Redis disabled; running single-instance with in-memory state only")
	}

	sfuClient, err := sfu.NewClient(sfu.Config{
		URL:       cfg.LiveKitURL,
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitSecret,
	})
	if err != nil {
		logging.Fatal(ctx, "failed to configure media server client", zap.Error(err))
	}
	mediaCoordinator := media.NewCoordinator(sfuClient, webrtc.ICEServer{URLs: []string{cfg.STUNServerURL}})

	modules := []module.Module{
		module.NewControlModule(),
		module.NewChatModule(),
		module.NewModerationModule(),
		module.NewMediaModule(mediaCoordinator),
		module.NewTimerModule(),
		module.NewPollModule(),
	}

	roomManager := room.NewManager(storeClient, busService, modules, cfg.LockLeaseTTL, cfg.RoomGracePeriod)

	var validator session.TokenValidator
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	} else {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			logging.Fatal(ctx, "AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when SKIP_AUTH=false")
		}
		authValidator, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "failed to create auth validator", zap.Error(err))
		}
		validator = authValidator
	}

	var guestValidator *auth.GuestValidator
	if cfg.GuestEnabled {
		guestValidator = &auth.GuestValidator{Resolver: passthroughInviteResolver{}}
	}

	allowedOrigins := session.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	var redisClient *redis.Client
	if busService != nil {
		redisClient = busService.Client()
	}
	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "failed to construct rate limiter", zap.Error(err))
	}

	hub := session.NewHub(session.HubConfig{
		Validator:      validator,
		Guest:          guestValidator,
		Manager:        roomManager,
		Limiter:        limiter,
		AllowedOrigins: allowedOrigins,
	})

	var sfuChecker health.SFUChecker
	if sfuClient != nil {
		sfuChecker = health.NewLiveKitSFUChecker(sfuClient)
	}
	healthHandler := health.NewHandler(busService, sfuChecker)

	if cfg.DevelopmentMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("signald"))

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	corsCfg.AllowCredentials = true
	router.Use(cors.New(corsCfg))

	router.Use(limiter.GlobalMiddleware())

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/hub/:roomId", hub.ServeWs)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "signald starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
	logging.Info(ctx, "server exiting")
}
