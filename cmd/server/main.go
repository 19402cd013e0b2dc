package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	chatwidget "github.com/MegaGrindStone/chat-widget"
	"github.com/MegaGrindStone/chat-widget/internal/conversation"
	"github.com/MegaGrindStone/chat-widget/internal/handlers"
	"github.com/MegaGrindStone/chat-widget/internal/services"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	appDir := filepath.Join(cfgDir, "chatwidget")

	defaultCfgPath := os.Getenv("CHATWIDGET_CONFIG")
	if defaultCfgPath == "" {
		defaultCfgPath = filepath.Join(appDir, "config.yaml")
	}
	cfgPath := flag.String("config", defaultCfgPath, "path to the configuration file")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel()}))

	transport, err := cfg.Transport.transport(logger)
	if err != nil {
		fatal(fmt.Errorf("error creating transport: %w", err))
	}

	dbPath := cfg.DiagnosticsPath
	if dbPath == "" {
		if err := os.MkdirAll(appDir, 0755); err != nil {
			fatal(fmt.Errorf("error creating config directory: %w", err))
		}
		dbPath = filepath.Join(appDir, "diagnostics.db")
	}
	boltDB, err := services.NewBoltDB(dbPath, cfg.DiagnosticsMaxEntries)
	if err != nil {
		fatal(err)
	}

	opts := handlers.Options{
		Defaults:      cfg.Widget.defaults(),
		Apology:       cfg.Widget.Apology,
		StrictStyles:  cfg.Widget.StrictStyles,
		LockWhileBusy: cfg.Widget.LockWhileBusy,
	}
	if cfg.Widget.RenderMarkdown {
		opts.Renderer = services.NewMarkdown()
	}

	registry := conversation.NewRegistry()

	m, err := handlers.NewMain(transport, boltDB, registry, opts, logger)
	if err != nil {
		fatal(err)
	}

	sweeper, err := services.NewSweeper(cfg.SweepInterval, func() int {
		return registry.Sweep(cfg.InstanceIdleTimeout)
	}, logger)
	if err != nil {
		fatal(err)
	}
	sweeper.Start()

	// Serve static files
	staticFS, err := fs.Sub(chatwidget.StaticFS, "static")
	if err != nil {
		fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/widget/mount", m.HandleMount)
	mux.HandleFunc("/widget/unmount", m.HandleUnmount)
	mux.HandleFunc("/widget/events", m.HandleEvents)
	mux.HandleFunc("/widget/start", m.HandleStart)
	mux.HandleFunc("/widget/messages", m.HandleMessages)
	mux.HandleFunc("/widget/panel", m.HandlePanel)
	mux.HandleFunc("/widget/append", m.HandleAppend)
	mux.HandleFunc("/widget/transcript", m.HandleTranscript)
	mux.HandleFunc("/debug/diagnostics", m.HandleDiagnostics)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.AllowOrigins(cfg.AllowedOrigins, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := sweeper.Shutdown(); err != nil {
			logger.Error("Failed to shutdown sweeper", slog.String("error", err.Error()))
		}
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("error", err.Error()))
		}
		if err := boltDB.Close(); err != nil {
			logger.Error("Failed to close diagnostics store", slog.String("error", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("error", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("error", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("error", err.Error()))
			}
		}
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
