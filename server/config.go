package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	Host           string `json:"host"`
	Port           string `json:"port"`
	JWTSecret      string `json:"jwt_secret"`
	TokenTTL       string `json:"token_ttl"`
	DatabasePath   string `json:"database_path"`
	WelcomeMessage string `json:"welcome_message"`
	LogLevel       string `json:"log_level"`
	mu             sync.RWMutex
	configFile     string
}

// overrides are applied on top of the file. Unset variables leave the file value.
type overrides struct {
	Host           string `env:"CHAT_HOST"`
	Port           string `env:"CHAT_PORT"`
	JWTSecret      string `env:"CHAT_JWT_SECRET"`
	TokenTTL       string `env:"CHAT_TOKEN_TTL"`
	DatabasePath   string `env:"CHAT_DB_PATH"`
	WelcomeMessage string `env:"CHAT_WELCOME_MESSAGE"`
	LogLevel       string `env:"LOG_LEVEL"`
}

func NewConfig(filename string) *Config {
	if filename == "" {
		filename = "serverconfig.json"
	}
	return &Config{
		configFile: filename,
		// Defaults
		Host:           "localhost",
		Port:           "8080",
		JWTSecret:      "change-me-please-this-is-a-development-secret",
		TokenTTL:       "10h",
		DatabasePath:   "users.db",
		WelcomeMessage: "Welcome to the chat!",
		LogLevel:       "INFO",
	}
}

// Load reads the config file, creating it with defaults when missing, then
// applies environment overrides. Overrides are never written back.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(c.configFile); os.IsNotExist(err) {
		if err := c.saveInternal(); err != nil {
			return err
		}
	} else {
		data, err := os.ReadFile(c.configFile)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w", c.configFile, err)
		}
		// Auto-update config file with any missing fields (defaults)
		if err := c.saveInternal(); err != nil {
			return err
		}
	}

	return c.applyEnv()
}

func (c *Config) applyEnv() error {
	var o overrides
	if _, err := env.UnmarshalFromEnviron(&o); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Host, o.Host)
	set(&c.Port, o.Port)
	set(&c.JWTSecret, o.JWTSecret)
	set(&c.TokenTTL, o.TokenTTL)
	set(&c.DatabasePath, o.DatabasePath)
	set(&c.WelcomeMessage, o.WelcomeMessage)
	set(&c.LogLevel, o.LogLevel)

	if _, err := time.ParseDuration(c.TokenTTL); err != nil {
		return fmt.Errorf("invalid token_ttl %q: %w", c.TokenTTL, err)
	}
	return nil
}

func (c *Config) saveInternal() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// TTL is the validated token lifetime.
func (c *Config) TTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, _ := time.ParseDuration(c.TokenTTL)
	return d
}

func (c *Config) Welcome() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.WelcomeMessage
}

// SetWelcome updates the welcome message in memory and in the file. The
// file is re-read so environment overrides stay out of it.
func (c *Config) SetWelcome(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	disk := NewConfig(c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if err == nil {
		if err := json.Unmarshal(data, disk); err != nil {
			return fmt.Errorf("parse %s: %w", c.configFile, err)
		}
	}
	disk.WelcomeMessage = msg
	if err := disk.saveInternal(); err != nil {
		return err
	}
	c.WelcomeMessage = msg
	return nil
}
