package main

import (
	"context"
	"net/http"

	"social-network/internal/chat"
	"social-network/internal/config"
	"social-network/internal/db"
	"social-network/internal/directory"
	myMiddleware "social-network/internal/middleware"
	"social-network/internal/presence"
	"social-network/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration error", zap.Error(err))
	}

	database, err := db.NewDatabase(cfg.DBDSN)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := database.AutoMigrate(); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("connected to postgres")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	logger.Info("connected to redis")

	// Users & auth
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// Messaging core
	dir := directory.New(database.Conn)
	store := chat.NewPostgresStore(database.Conn)
	hub := chat.NewHub(logger)
	tracker := presence.NewTracker(redisClient)
	chatService := chat.NewService(store, dir, hub, logger)
	chatHandler := chat.NewHandler(chatService, hub, tracker, logger)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// Authenticated
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		r.Get("/users", userHandler.ListUsers)
		r.Get("/online-users", chatHandler.GetOnlineUsers)

		r.Get("/conversation-history", chatHandler.GetDirectHistory)
		r.Get("/group-conversation-history", chatHandler.GetGroupHistory)
		r.Get("/unread-messages", chatHandler.GetUnreadCounts)
		r.Get("/mark-messages-as-read", chatHandler.MarkMessagesRead)
		r.Post("/message", chatHandler.PostMessage)

		r.Get("/ws", chatHandler.ServeWs)
		r.Get("/chatroom", chatHandler.ServeChatroom)
	})

	logger.Info("server starting", zap.String("addr", cfg.Addr))
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
