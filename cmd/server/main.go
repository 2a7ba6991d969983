package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatverse/internal/blob"
	"chatverse/internal/chat"
	"chatverse/internal/config"
	"chatverse/internal/db"
	"chatverse/internal/feed"
	"chatverse/internal/genai"
	"chatverse/internal/logging"
	"chatverse/internal/metrics"
	myMiddleware "chatverse/internal/middleware"
	"chatverse/internal/user"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config & Flags
	addr := flag.String("addr", "", "http service address (overrides ADDR)")
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("connect to DB: %w", err)
	}
	defer database.Close()
	log.Info("connected to PostgreSQL")

	if err := database.AutoMigrate(); err != nil {
		return err
	}
	log.Info("database schema initialized")

	// 3. Connect to Redis (Platform Layer)
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to Redis: %w", err)
	}
	log.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))

	blobs, err := blob.Open(cfg.BlobPath, log)
	if err != nil {
		return err
	}
	defer blobs.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 4. Initialize User Feature
	userRepo := user.NewRepository(database.Conn)
	resolver := user.NewResolver(userRepo, log.Named("identity"))
	userService := user.NewService(userRepo, resolver, cfg.JWTSecret)
	userHandler := user.NewHandler(userService, log)

	// 5. Initialize Chat Feature
	changes := feed.NewRedis(redisClient, log.Named("feed"))
	chatRepo := chat.NewRepository(database.Conn)
	generator := genai.NewClient(cfg.Generation.Endpoint, cfg.Generation.APIKey, cfg.Generation.Model,
		cfg.Chat.AssistantName, cfg.Generation.Timeout)

	engine := chat.NewEngine(chat.EngineConfig{
		Store:         chatRepo,
		Feed:          changes,
		Users:         userRepo,
		Quota:         userRepo,
		Blobs:         blobs,
		Generator:     generator,
		AssistantName: cfg.Chat.AssistantName,
		MessageWindow: cfg.Chat.MessageWindow,
		MaxImageBytes: int64(cfg.Chat.MaxImageBytes),
		GuestQuota:    cfg.Chat.GuestMessageQuota,
		Metrics:       m,
		Log:           log.Named("chat"),
	})
	hub := chat.NewHub(engine, userRepo, m, log.Named("hub"))
	go hub.Run(ctx)

	chatService := chat.NewService(chatRepo, userService, changes, engine.Assistant(), cfg.Chat.MessageWindow, log.Named("chat"))
	chatHandler := chat.NewHandler(hub, chatService, log)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)
	signInLimiter := myMiddleware.NewRateLimiter(cfg.SignIn.RPS, cfg.SignIn.Burst)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(myMiddleware.GuestMode)

	// Public Routes
	r.Group(func(r chi.Router) {
		r.Use(signInLimiter.Handle)
		r.Post("/auth/guest", userHandler.GuestSignIn)
		r.Post("/register", userHandler.Register)
		r.Post("/login", userHandler.Login)
	})
	r.Get("/blobs/*", blobs.Handler)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		// WebSocket (Real-time)
		r.Get("/ws", chatHandler.ServeWs)

		r.Post("/api/signout", userHandler.SignOut)
		r.Get("/api/users/me", userHandler.Me)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Post("/api/users/me/presence", userHandler.Presence)

		r.Get("/api/conversations", chatHandler.ListConversations)
		r.Post("/api/conversations", chatHandler.StartConversation)
		r.Post("/api/conversations/group", chatHandler.CreateGroup)
		r.Get("/api/conversations/{id}", chatHandler.GetConversation)
		r.Get("/api/conversations/{id}/messages", chatHandler.GetMessages)
		r.Post("/api/conversations/{id}/read", chatHandler.MarkRead)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
