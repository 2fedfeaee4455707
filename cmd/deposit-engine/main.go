package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deposit-engine/internal/app"
	"deposit-engine/internal/config"
	"deposit-engine/internal/db"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func setupLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		log.Printf("⚠️ Unknown log level %q, using info", cfg.Level)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: config.local.yaml, then config.yaml)")
	flag.Parse()

	if err := config.LoadConfig(*configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := config.AppConfig
	setupLogging(cfg.Logging)

	db.InitDB()

	container, err := app.NewServiceContainer(cfg, db.DB)
	if err != nil {
		log.Fatalf("❌ Failed to initialize services: %v", err)
	}
	if err := container.Start(); err != nil {
		container.Cleanup()
		log.Fatalf("❌ Failed to start services: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           container.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("🌐 Deposit engine listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ HTTP server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("🛑 Received %s, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("⚠️ HTTP server shutdown: %v", err)
	}
	container.Cleanup()

	if sqlDB, err := db.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Println("👋 Deposit engine stopped")
}
