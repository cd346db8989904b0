package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ayusman/framelens/internal/app"
	"github.com/ayusman/framelens/internal/config"
	"github.com/ayusman/framelens/internal/detector"
	"github.com/ayusman/framelens/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error), overrides the config file")
	addr := flag.String("addr", "", "HTTP listen address, overrides the config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "framelens: %v\n", err)
		os.Exit(2)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if cfg.Server.StaticDir == "" {
		cfg.Server.StaticDir = findWebDir()
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "framelens: %v\n", err)
		os.Exit(2)
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)
	log := logger.For("Main")

	if cfg.Store.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
			log.Fatal().Err(err).Msg("failed to create data directory")
		}
	}

	a, err := app.New(cfg)
	if err != nil {
		if errors.Is(err, detector.ErrModelLoadFailed) {
			log.Fatal().Err(err).Str("engine", cfg.Engine.Kind).Msg("cannot start without a model")
		}
		log.Fatal().Err(err).Msg("failed to initialize")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start pipeline")
	}

	srv := a.Server().HTTPServer(cfg.Server.Addr)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("static_dir", cfg.Server.StaticDir).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	if t := a.Tray(); t != nil {
		t.OnQuit(stop)
		go func() {
			wait(ctx, a)
			t.Quit()
		}()
		// The tray owns the main thread until it quits.
		t.Run()
	}
	wait(ctx, a)

	shutdown(log, srv, a)
	if err := a.Err(); err != nil {
		log.Fatal().Err(err).Msg("pipeline ended")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func wait(ctx context.Context, a *app.App) {
	select {
	case <-ctx.Done():
	case <-a.Done():
	}
}

func shutdown(log zerolog.Logger, srv *http.Server, a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	a.Stop()
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.framelens/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeWebDir := filepath.Join(homeDir, ".framelens", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}
