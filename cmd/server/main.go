package main

import (
	"net/http"

	"chatpad/internal/api"
	"chatpad/internal/chat"
	"chatpad/internal/config"
	"chatpad/internal/db"
	"chatpad/internal/llm"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.DBPath))
	}
	defer database.Close()

	gateway, err := llm.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize LLM gateway", zap.Error(err))
	}

	chatService := chat.NewService(database, gateway, logger)
	handler := api.NewHandler(database, chatService, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(logger), api.CORS())

	handler.Register(router)

	// Serve the web frontend for anything outside /api.
	router.NoRoute(gin.WrapH(http.FileServer(http.Dir("web"))))

	logger.Info("starting server", zap.String("port", cfg.Port))
	if err := router.Run(":" + cfg.Port); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}
