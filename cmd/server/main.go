package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"rentchat/internal/api"
	"rentchat/internal/config"
	"rentchat/internal/db"
	"rentchat/internal/websocket"
)

func setupLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags|log.Lshortfile)
}

func main() {
	isLoadTest := flag.Bool("loadtest", false, "Run server with load testing configuration")
	flag.Parse()

	logger := setupLogger("[SERVER] ")
	logger.Println("Starting server...")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if *isLoadTest {
		// registration bursts would otherwise trip the auth limiter
		cfg.RateLimitRPS = 10000
		cfg.RateLimitBurst = 10000
	}
	if *isLoadTest && cfg.DatabaseDriver == "sqlite3" {
		cwd, err := os.Getwd()
		if err != nil {
			logger.Fatalf("Failed to get working directory: %v", err)
		}
		loadTestPath := filepath.Join(cwd, "loadtest", "loadtest.db")
		cfg.UpdateDatabasePath(loadTestPath)
		logger.Printf("Using load testing database: %s", loadTestPath)
	}

	logger.Printf("Loaded configuration: addr=%s driver=%s origins=%v", cfg.ServerAddress, cfg.DatabaseDriver, cfg.AllowedOrigins)

	database, err := db.NewDB(cfg.DatabaseDriver, cfg.CleanDatabasePath())
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	logger.Println("Database connection established")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := websocket.NewHub(setupLogger("[WEBSOCKET] "))
	go hub.Run(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	handlers := api.NewHandlers(database, hub, cfg, setupLogger("[API] "))
	server := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           api.NewRouter(handlers, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("Server starting on %s", cfg.ServerAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Println("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("Graceful shutdown failed: %v", err)
	}
}
