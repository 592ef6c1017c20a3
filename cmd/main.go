package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/victornm/aerotrain/internal/config"
	"github.com/victornm/aerotrain/internal/server"
)

func main() {
	c, err := loadConfig()
	if err != nil {
		slog.Error("main: load config failed", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()})))

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	s, err := server.Init(c)
	if err != nil {
		slog.Error("main: init server failed", "error", err)
		os.Exit(1)
	}

	go s.Start()

	sig := <-shutdown
	slog.Info("main: shutting down", "signal", sig.String())
	s.Shutdown()
}

func loadConfig() (server.Config, error) {
	c := server.DefaultConfig()

	p := os.Getenv("CONFIG_PATH")
	if p == "" {
		return c, fmt.Errorf("CONFIG_PATH not set")
	}

	if err := config.Load(p, &c, config.WithEnvPrefix("AEROTRAIN")); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}

// logLevel reads LOG_LEVEL (debug, info, warn, error). Unknown values fall back to info.
func logLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		return slog.LevelInfo
	}
	return l
}
