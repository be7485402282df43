// Agent Hub - agent marketplace web server with real-time agent chat.
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

	"github.com/ashureev/agenthub/internal/agentapi"
	"github.com/ashureev/agenthub/internal/api"
	"github.com/ashureev/agenthub/internal/chatsocket"
	"github.com/ashureev/agenthub/internal/config"
	"github.com/ashureev/agenthub/internal/convlog"
	"github.com/ashureev/agenthub/internal/identity"
	"github.com/ashureev/agenthub/internal/middleware"
	"github.com/ashureev/agenthub/internal/room"
	"github.com/ashureev/agenthub/internal/session"
	"github.com/ashureev/agenthub/internal/store"
	"github.com/ashureev/agenthub/internal/userapi"
	"github.com/ashureev/agenthub/web"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.Dev,
		"agent_server", cfg.AgentServerURL, "user_server", cfg.UserServerURL)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	agents, err := agentapi.NewClient(cfg.AgentServerURL, cfg.Upstream.Timeout, cfg.Upstream.DetailCacheTTL)
	if err != nil {
		slog.Error("Failed to initialize agent server client", "error", err)
		os.Exit(1)
	}
	users, err := userapi.NewClient(cfg.UserServerURL, cfg.Upstream.Timeout)
	if err != nil {
		slog.Error("Failed to initialize user server client", "error", err)
		os.Exit(1)
	}

	conversationLogger, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	// Initialize services.
	sessions := session.NewManager(session.Config{
		BaseURL:     agents.BaseURL(),
		DialTimeout: cfg.Chat.DialTimeout,
		ReadLimit:   cfg.Chat.ReadLimit,
		Logger:      logger,
	})

	// Initialize handlers.
	base := api.NewHandler(repo, agents, users)
	authHandler := api.NewAuthHandler(base, cfg.SessionTTL, cfg.Dev, sessions.CloseSession)
	agentHandler := api.NewAgentHandler(base)
	subscriptionHandler := api.NewSubscriptionHandler(base)
	healthHandler := api.NewHealthHandler(repo, sessions)
	chatHandler := chatsocket.NewHandler(chatsocket.Config{
		AllowedOrigins:  cfg.AllowedOrigins,
		IsDev:           cfg.Dev,
		MaxMessageBytes: cfg.Chat.MaxMessageBytes,
		LoadTimeout:     cfg.Chat.LoadTimeout,
		SaveTimeout:     cfg.Chat.SaveTimeout,
		InputTimeout:    cfg.Chat.InputTimeout,
	}, sessions, agents, func(token string) room.History {
		return users.History(token)
	}, conversationLogger)

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	defer limiter.Stop()
	limitByUser := limiter.Middleware(func(r *http.Request) string {
		if username := identity.UsernameFromContext(r.Context()); username != "" {
			return "user:" + username
		}
		return "ip:" + identity.IPFromRequest(r)
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware(repo))

	// Public routes.
	healthHandler.RegisterHealth(r)
	agentHandler.RegisterRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(limitByUser)
		authHandler.RegisterRoutes(r)
	})

	// Signed-in routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.RequireAuth)
		r.Use(limitByUser)
		r.Get("/api/me", authHandler.GetMe)
		subscriptionHandler.RegisterRoutes(r)
	})

	// WebSocket endpoint.
	r.With(identity.RequireAuth).Get("/ws/chat", chatHandler.ServeHTTP)

	// Pages that need a session redirect to the sign-in page.
	spa := web.SPAHandler()
	r.With(identity.RedirectToSignIn).Handle("/chat", spa)
	r.With(identity.RedirectToSignIn).Handle("/agent", spa)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", spa)

	// Create server.
	// Note: chat websockets are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start session sweeper.
	store.StartSessionSweeper(ctx, repo, cfg.SweepInterval, sessions.CloseSession)

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
