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

	"github.com/battleforge/backend/internal/config"
	"github.com/battleforge/backend/internal/database"
	"github.com/battleforge/backend/internal/handlers"
	mW "github.com/battleforge/backend/internal/middleware"
	"github.com/battleforge/backend/internal/services"
	"github.com/battleforge/backend/internal/ws"
)

// @title BattleForge Coordinator API
// @version 1.0
// @description Real-time game session coordinator: matchmaking, sessions, economy and chat
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

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize storage
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	defer redisClient.Close()

	gameCfg := config.LoadGameConfig()

	// Initialize services
	actionLimiter := services.NewRateLimiter(gameCfg.RateLimitWindow, gameCfg.RateLimitCeiling)
	chatLimiter := services.NewRateLimiter(gameCfg.RateLimitWindow, gameCfg.RateLimitCeiling)
	antiCheat := services.NewAntiCheatService(redisClient, gameCfg)
	matchmaking := services.NewMatchmakingService(redisClient, gameCfg)
	economy := services.NewEconomyService(db, gameCfg)
	gameState := services.NewGameStateService(db, actionLimiter, antiCheat, nil)
	chat := services.NewChatService(redisClient, chatLimiter, gameCfg)

	hub := ws.NewHub()
	gameHandler := handlers.NewGameHandler(hub, matchmaking, gameState, chat)
	economyHandler := handlers.NewEconomyHandler(economy)

	// Background pricing sweep
	pricingStop := make(chan struct{})
	go economy.StartPricingJob(pricingStop)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

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

	// Duplex game channel. No request timeout here: the socket is expected
	// to stay open for the whole session.
	r.Group(func(r chi.Router) {
		r.Use(mW.AuthMiddleware)
		r.Get("/ws", gameHandler.HandleWS)
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/economy/wallet", economyHandler.GetWallet)
			r.Get("/economy/inventory", economyHandler.GetInventory)
			r.Get("/economy/market", economyHandler.GetMarket)
			r.Get("/game/history", gameHandler.GetHistory)

			r.Post("/economy/transfer", economyHandler.Transfer)
			r.Post("/economy/purchase", economyHandler.Purchase)
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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	close(pricingStop)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
