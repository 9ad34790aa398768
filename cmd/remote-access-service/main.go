package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"remote-access-service/internal/config"
	"remote-access-service/internal/control"
	"remote-access-service/internal/debounce"
	"remote-access-service/internal/dispatch"
	"remote-access-service/internal/events"
	"remote-access-service/internal/gateway"
	"remote-access-service/internal/httpapi"
	"remote-access-service/internal/middleware"
	"remote-access-service/internal/observability"
	"remote-access-service/internal/pairing"
	"remote-access-service/internal/ratelimit"
	"remote-access-service/internal/session"
	"remote-access-service/internal/store"
)

func main() {
	cfg := config.Load()
	if cfg.JWTPublicKeyPath == "" {
		slog.Error("JWT_PUBLIC_KEY_PATH not set for remote-access-service")
		os.Exit(1)
	}
	pub, err := middleware.LoadRSAPublicKey(cfg.JWTPublicKeyPath)
	if err != nil {
		slog.Error("failed to load jwt public key", "error", err)
		os.Exit(1)
	}

	db, err := store.OpenPostgres(
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.SSLMode,
	)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db init failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Pairing codes and auth rate limits live in redis when an address is
	// configured, so several replicas can share them. Without redis both
	// fall back to in-process stores with periodic sweeps.
	var (
		codeStore pairing.Store
		limiter   ratelimit.Limiter
		memCodes  *pairing.MemoryStore
		memLimits *ratelimit.MemoryLimiter
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis init failed", "error", err)
			os.Exit(1)
		}
		codeStore = pairing.NewRedisStore(rdb)
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimitAttempts, cfg.RateLimitWindow)
	} else {
		memCodes = pairing.NewMemoryStore()
		memLimits = ratelimit.NewMemoryLimiter(cfg.RateLimitAttempts, cfg.RateLimitWindow, cfg.RateLimitCleanup)
		codeStore = memCodes
		limiter = memLimits
	}
	authority := pairing.NewAuthority(codeStore, cfg.PairingCodeTTL)

	var disp *dispatch.Dispatcher
	registry := session.NewRegistry(func(deviceID, reason string) {
		disp.SessionLost(deviceID)
	})
	disp = dispatch.NewDispatcher(registry, cfg.CommandDefaultTimeout, cfg.CommandMaxTimeout, cfg.CommandQueueSize)

	var sink debounce.Sink = events.LogSink{}
	var mqttClient *events.Client
	if cfg.MQTTBrokerURL != "" {
		mqttClient, err = events.Connect(cfg.MQTTBrokerURL)
		if err != nil {
			slog.Error("mqtt connect failed", "broker", cfg.MQTTBrokerURL, "error", err)
			os.Exit(1)
		}
		sink = events.NewMQTTSink(mqttClient)
	}
	debouncer := debounce.New(sink, cfg.DebounceEnabled, cfg.DebounceDelay, cfg.DebounceMaxDelay, cfg.DebounceMaxBatch)

	gw := gateway.New(authority, limiter, registry, disp, debouncer, repo,
		cfg.AuthTimeout, cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	ctrl := control.New(registry, disp, repo)
	api := httpapi.NewServer(authority, ctrl, repo)

	if cfg.CleanupEnabled {
		monitor := session.NewMonitor(registry, cfg.SweepInterval, cfg.StaleThreshold)
		monitor.Start(ctx)
	}

	if cfg.CleanupEnabled && memCodes != nil {
		go func() {
			ticker := time.NewTicker(cfg.RateLimitCleanup)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					expired := memCodes.Sweep(now)
					idle := memLimits.Sweep(now)
					if expired > 0 || idle > 0 {
						slog.Debug("sweep finished", "expired_codes", expired, "idle_buckets", idle)
					}
				}
			}
		}()
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.Handler())
	r.Get("/ws/agent", gw.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.JWTAuthMiddlewareRS256(pub))
		r.Use(middleware.RoleAtLeastMiddleware("user"))
		api.RegisterRoutes(r)
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		slog.Info("remote-access-service started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	registry.Drain()
	debouncer.Close()
	if mqttClient != nil {
		mqttClient.Close()
	}
	slog.Info("remote-access-service stopped")
}
