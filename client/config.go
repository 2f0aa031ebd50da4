package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Config defines the client-side environment variables.
type Config struct {
	APIURL         string        `env:"CHAT_API_URL,default=http://localhost:8080"`
	WSURL          string        `env:"CHAT_WS_URL,default=ws://localhost:8080/ws"`
	StateDir       string        `env:"CHAT_STATE_DIR"`
	ReconnectDelay time.Duration `env:"CHAT_RECONNECT_DELAY,default=5s"`
	HeartBeat      time.Duration `env:"CHAT_HEARTBEAT,default=70s"`
	LogFile        string        `env:"CHAT_LOG_FILE,default=client.log"`
	LogLevel       string        `env:"LOG_LEVEL,default=info"`
}

func loadConfig() (Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return cfg, fmt.Errorf("config error: %w", err)
	}
	if cfg.StateDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return cfg, fmt.Errorf("resolve state dir: %w", err)
		}
		cfg.StateDir = filepath.Join(dir, "stompchat")
	}
	return cfg, nil
}

// setupLogging sends logs to a file: the terminal belongs to the UI.
func setupLogging(cfg Config) (*slog.Logger, *os.File, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	log := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level, AddSource: true}))
	return log, f, nil
}
