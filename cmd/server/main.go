package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lmittmann/tint"

	"sgfq/internal/agent"
	"sgfq/internal/catalog"
	"sgfq/internal/config"
	"sgfq/internal/handler"
	"sgfq/internal/queue"
	"sgfq/internal/storage"
	"sgfq/internal/websocket"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	SetupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(cfg.DataDir)
	if err != nil {
		slog.Error("Failed to open history store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	hub := websocket.NewHub()
	cat := catalog.NewClient(ctx, catalog.Config{
		ClientID:     cfg.Spotify.ClientID,
		ClientSecret: cfg.Spotify.ClientSecret,
		RefreshToken: cfg.Spotify.RefreshToken,
	})
	channel := agent.New(agent.Options{URL: cfg.AgentURL})
	agentConfig := &agent.ConfigCache{}
	channel.On(agent.SyncConfig, agentConfig.Handle)

	engine := queue.New(cat, channel, queue.Options{
		DeviceID: cfg.Spotify.DeviceID,
		Observer: hub,
		Recorder: store,
	})
	hub.SetSnapshot(engine.Status)

	go hub.Run(ctx)
	engine.Start(ctx)
	channel.Connect(ctx)

	r := chi.NewRouter()
	r.Get("/api/queue", handler.GetQueueHandler(engine))
	r.Post("/api/queue", handler.AddToQueueHandler(engine))
	r.Post("/api/queue/skip", handler.SkipHandler(engine))
	r.Delete("/api/queue/completed", handler.ClearCompletedHandler(engine))
	r.Delete("/api/queue/{id}", handler.DeleteQueueItemHandler(engine))
	r.Get("/api/history", handler.HistoryHandler(store))
	r.Get("/api/agent", handler.AgentStatusHandler(channel, agentConfig))
	r.Post("/api/agent/open-folder", handler.OpenFolderHandler(channel))
	r.Get("/ws", hub.WsHandler)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	done := make(chan bool, 1)

	go func() {
		<-ctx.Done()
		slog.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
		}
		engine.Stop()
		channel.Disconnect()
		done <- true
	}()

	slog.Info("Server starting", "port", cfg.Port, "agent", cfg.AgentURL)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("Failed to start server", "error", err)
		stop()
	}
	<-done
	slog.Info("Server exited")
}

func SetupLogger(level slog.Level) {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02 15:04:05",
		AddSource:  true,
	})

	slog.SetDefault(slog.New(handler))
}
