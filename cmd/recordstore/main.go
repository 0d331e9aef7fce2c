package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"bookmarket/pkg/config"
	"bookmarket/pkg/database"
	"bookmarket/pkg/store"
	"bookmarket/pkg/storeapi"

	"github.com/gin-gonic/gin"
)

var (
	records *store.GormStore
	logger  *slog.Logger
)

func main() {
	logger = slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "recordstore")
	logger.Info("starting record store")

	cfg, err := config.Load("8090")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.StoreBackend == config.BackendHTTP {
		logger.Error("the record store needs a database backend", "store_backend", cfg.StoreBackend)
		os.Exit(1)
	}

	db, err := database.Open(cfg, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	records = store.NewGormStore(db)

	server := setupRouter()
	logger.Info("record store listening", "port", cfg.Port, "backend", cfg.StoreBackend)
	if err := server.Run(":" + cfg.Port); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func setupRouter() *gin.Engine {
	server := gin.Default()
	storeapi.Register(server.Group("/db"), records, logger)
	server.GET("/manage/health", healthCheck)
	return server
}

func healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := records.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "DOWN",
			"details": "Database ping failed",
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "UP",
		"details": "Record store is active",
	})
}
