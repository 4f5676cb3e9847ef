// Package main runs the relay: registration HTTP surface, platform connectors and the
// relay agent, with graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-community/relay/config"
	"github.com/aura-community/relay/internal/auth"
	"github.com/aura-community/relay/internal/communities"
	"github.com/aura-community/relay/internal/identity"
	"github.com/aura-community/relay/internal/ledger"
	"github.com/aura-community/relay/internal/members"
	"github.com/aura-community/relay/internal/metrics"
	"github.com/aura-community/relay/internal/middleware"
	"github.com/aura-community/relay/internal/platform"
	"github.com/aura-community/relay/internal/platform/web"
	"github.com/aura-community/relay/internal/platform/webhook"
	"github.com/aura-community/relay/internal/relay"
	"github.com/aura-community/relay/pkg/database"
	"github.com/aura-community/relay/pkg/queue"
	"github.com/aura-community/relay/pkg/redis"
	"github.com/aura-community/relay/pkg/response"
)

type stores struct {
	communities communities.Store
	identity    identity.Store
	ledger      ledger.Store
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (stores, func(), error) {
	if cfg.Store.Driver != "postgres" {
		logger.Warn("using in-memory stores; state is lost on restart")
		return stores{
			communities: communities.NewInMemoryStore(),
			identity:    identity.NewInMemoryStore(),
			ledger:      ledger.NewInMemoryStore(),
		}, func() {}, nil
	}
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		return stores{}, nil, err
	}
	if err := database.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return stores{}, nil, err
	}
	return postgresStores(pool), pool.Close, nil
}

func postgresStores(pool *pgxpool.Pool) stores {
	return stores{
		communities: communities.NewPostgresStore(pool),
		identity:    identity.NewPostgresStore(pool),
		ledger:      ledger.NewPostgresStore(pool),
	}
}

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	st, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer closeStores()

	var rdb *goredis.Client
	if cfg.Redis.Enabled {
		client, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer client.Close()
		rdb = client.Client
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	provenance := ledger.New(st.ledger, logger)
	identities := identity.NewRegistry(st.identity, provenance, logger,
		identity.WithCodeTTL(cfg.Relay.VerifyCodeTTL),
		identity.WithMetrics(m))

	// Dedup and dispatch-attempt state live in Redis when available so that several
	// instances agree on what has been relayed.
	var window relay.FingerprintWindow = relay.NewMemoryWindow(cfg.Relay.DedupWindow, cfg.Relay.DedupMax)
	var guard platform.AttemptGuard = platform.NewMemoryAttemptGuard(cfg.Relay.AttemptTTL)
	if rdb != nil {
		window = relay.NewRedisWindow(rdb, cfg.Relay.DedupWindow)
		guard = platform.NewRedisAttemptGuard(rdb, cfg.Relay.AttemptTTL)
	}

	platforms := platform.NewRegistry(guard, logger)
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	var webPlatform *web.Platform
	if cfg.Platforms.WebName != "" {
		var hub *web.Hub
		if rdb != nil {
			pubsub := web.NewRedisPubSub(rdb, logger)
			hub = web.NewHub(logger, pubsub, pubsub)
		} else {
			hub = web.NewHub(logger, nil, nil)
		}
		webPlatform = web.New(cfg.Platforms.WebName, hub, jwtService, st.communities, logger)
		if err := platforms.Register(webPlatform); err != nil {
			logger.Fatal("register web platform", zap.Error(err))
		}
	}

	httpClient := &http.Client{Timeout: cfg.Relay.DispatchTimeout}
	var hooks []*webhook.Platform
	for _, w := range cfg.Platforms.Webhooks {
		p := webhook.New(webhook.Config{Name: w.Name, OutboundURL: w.OutboundURL, Secret: w.Secret}, httpClient, logger)
		if err := platforms.Register(p); err != nil {
			logger.Fatal("register webhook platform", zap.String("platform", w.Name), zap.Error(err))
		}
		if w.Secret == "" {
			logger.Warn("webhook platform has no secret; inbound signatures are not checked", zap.String("platform", w.Name))
		}
		hooks = append(hooks, p)
	}

	agent := relay.NewAgent(relay.Deps{
		Filter:      relay.NewFilter(relay.Policy{MinLength: cfg.Relay.MinLength}),
		Resolver:    identities,
		Recorder:    provenance,
		Bindings:    st.communities,
		Dispatchers: platforms,
		Window:      window,
		Metrics:     m,
	}, relay.Config{
		DispatchTimeout: cfg.Relay.DispatchTimeout,
		MaxContent:      cfg.Relay.MaxContent,
	}, logger)

	intake := platform.NewIntake(st.communities, identities, agent, platforms, m, logger)
	supervisor := platform.NewSupervisor(intake, platform.SupervisorConfig{
		QueueSize:  cfg.Intake.QueueSize,
		Workers:    cfg.Intake.Workers,
		MaxBackoff: cfg.Intake.MaxBackoff,
	}, m, logger)

	var exporter communities.Exporter
	if rdb != nil {
		exporter = queue.NewQueue(rdb, logger)
	}

	communitySvc := communities.NewService(st.communities, provenance, platforms, logger)
	communityHandler := communities.NewHandler(communitySvc, provenance, exporter, logger)
	var tokens members.TokenIssuer
	if webPlatform != nil {
		tokens = jwtService
	}
	memberHandler := members.NewHandler(identities, tokens, platforms, cfg.Platforms.WebName, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/health/connectors", func(c *gin.Context) {
		status := supervisor.Status()
		for _, s := range status {
			if !s.Healthy {
				c.JSON(http.StatusServiceUnavailable, response.Body{Success: false, Data: status, Error: "connector unavailable"})
				return
			}
		}
		response.OK(c, status)
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	scoped := communityHandler.Register(router.Group(""))
	memberHandler.Routes(scoped)

	router.POST("/platforms/:platform/events", webhook.NewHandler(hooks, logger).Events)
	if webPlatform != nil {
		router.GET("/platforms/"+webPlatform.Name()+"/ws", webPlatform.ServeWs())
	}

	listenCtx, stopListening := context.WithCancel(context.Background())
	defer stopListening()
	connectors := make([]platform.Connector, 0, len(platforms.Platforms()))
	for _, p := range platforms.Platforms() {
		connectors = append(connectors, p)
	}
	supervisor.Start(listenCtx, connectors...)
	logger.Info("relay started", zap.Strings("platforms", platforms.Names()))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Stop accepting new events, let queued ones relay, then close HTTP.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := supervisor.Stop(shutdownCtx); err != nil {
		logger.Error("supervisor stop", zap.Error(err))
	}
	if err := agent.Drain(shutdownCtx); err != nil {
		logger.Error("relay drain", zap.Error(err))
	}
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
