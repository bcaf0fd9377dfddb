package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"offline-sync-engine/internal/api"
	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/logger"
	"offline-sync-engine/internal/store"
	"offline-sync-engine/internal/sync"
)

func main() {
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting offline sync engine")

	var stateStore store.Store
	switch cfg.StateStorage.Type {
	case "memory":
		stateStore = store.NewMemoryStore()
	default:
		stateStore, err = store.NewMySQLStore(cfg.StateStorage)
		if err != nil {
			logger.Log.Fatal("Failed to init state store", zap.Error(err))
		}
	}
	defer stateStore.Close()

	transport := sync.NewHTTPTransport(cfg.Sync.ServerEndpoint, cfg.Sync.ServerToken)
	monitor := sync.NewManualMonitor(sync.NetworkStatus{IsOnline: true, ConnectionType: "wired"})

	engine := sync.NewEngine(cfg.Sync, stateStore, transport, monitor, sync.SystemClock())
	if err := engine.Start(); err != nil {
		logger.Log.Fatal("Failed to start sync engine", zap.Error(err))
	}
	defer engine.Stop()

	scheduler := sync.NewScheduler(cfg.Scheduler, engine)
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(cfg.Server, engine, stateStore, monitor)
	router := handler.Routes()

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
}
