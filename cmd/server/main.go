// CloudChat - Deployment Conversation Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/rvasily/cloudchat/internal/api"
	"github.com/rvasily/cloudchat/internal/backend"
	"github.com/rvasily/cloudchat/internal/config"
	"github.com/rvasily/cloudchat/internal/docs"
	"github.com/rvasily/cloudchat/internal/identity"
	"github.com/rvasily/cloudchat/internal/kvstore"
	"github.com/rvasily/cloudchat/internal/middleware"
	"github.com/rvasily/cloudchat/internal/orchestrator"
	"github.com/rvasily/cloudchat/internal/session"
	"github.com/rvasily/cloudchat/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.Store.Driver)

	// Session store.
	kv, err := newKVStore(cfg)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := kv.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()
	sessions := session.NewStore(kv)
	slog.Info("Session store ready", "driver", cfg.Store.Driver)

	// Execution backend client.
	backendClient := backend.NewHTTPClient(cfg.Backend.URL, cfg.Backend.Token)
	slog.Info("Execution backend configured", "url", cfg.Backend.URL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Event hub shared between the orchestrator and the transports.
	stream := api.NewStream(cfg)

	// Deployment guide retrieval (optional).
	var orchOpts []orchestrator.Option
	if cfg.Docs.QdrantURL != "" {
		searcher, err := docs.NewQdrantSearcher(docs.QdrantConfig{
			URL:        cfg.Docs.QdrantURL,
			Collection: cfg.Docs.Collection,
			APIKey:     cfg.Docs.APIKey,
		})
		if err != nil {
			slog.Warn("Failed to connect to Qdrant, guide lookups will be disabled", "error", err)
		} else {
			defer func() {
				if closeErr := searcher.Close(); closeErr != nil {
					slog.Debug("Failed to close Qdrant client", "error", closeErr)
				}
			}()
			guideService := docs.NewService(searcher, docs.NewHTTPEmbedder(cfg.Docs.EmbedURL))
			orchOpts = append(orchOpts, orchestrator.WithGuideSource(guideService))
			slog.Info("Guide retrieval enabled", "collection", cfg.Docs.Collection)
		}
	} else {
		slog.Info("Guide retrieval disabled (QDRANT_URL not set)")
	}

	orch := orchestrator.New(ctx, cfg, backendClient, sessions, stream, logger, orchOpts...)

	// Handlers.
	chatHandler := api.NewHandler(orch, stream, cfg)
	healthHandler := api.NewHealthHandler(kv)
	wsHandler := api.NewWebSocketHandler(orch, stream, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{cfg.FrontendURL}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	chatHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/chat", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start the draft janitor.
	session.StartJanitor(ctx, sessions, cfg.Session.DraftTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func newKVStore(cfg *config.Config) (kvstore.Store, error) {
	switch kvstore.Driver(cfg.Store.Driver) {
	case kvstore.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, err
		}
		return kvstore.New(kvstore.DriverRedis,
			kvstore.WithRedisClient(client),
			kvstore.WithRedisTTL(cfg.Store.RedisTTL),
		)
	case kvstore.DriverSQLite:
		return kvstore.New(kvstore.DriverSQLite, kvstore.WithSQLitePath(cfg.Store.DBPath))
	default:
		return kvstore.New(kvstore.Driver(cfg.Store.Driver))
	}
}
