package config

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("server.connectionLimit.maxPerIP", 20)
	v.SetDefault("server.connectionLimit.mode", "reject")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.pingInterval", "25s")
	v.SetDefault("transport.pongTimeoutMultiple", 2)
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("transport.maxMessageBytes", 1<<20)
	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "file:spacesync.db?_foreign_keys=on")
	v.SetDefault("store.autoMigrate", true)
	v.SetDefault("redis.url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("commands", defaultCommands())

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("SPACESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultCommands() map[string]any {
	limited := func(limit string) map[string]any {
		return map[string]any{
			"modifiers": []map[string]any{{"name": "rate_limit", "params": []string{limit}}},
		}
	}
	return map[string]any{
		"snippet-move":   limited("60/s"),
		"snippet-create": limited("10/s"),
		"snippet-update": limited("20/s"),
		"snippet-delete": limited("10/s"),
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Auth.JWTSecret) == "" {
		return errors.New("server.auth.jwtSecret must not be empty")
	}
	switch c.Server.ConnectionLimit.Mode {
	case "", "reject", "cycle":
	default:
		return errors.New("server.connectionLimit.mode must be 'reject' or 'cycle'")
	}
	switch c.Store.Driver {
	case "pgx", "sqlite3", "memory":
	default:
		return errors.New("store.driver must be one of pgx, sqlite3, memory")
	}
	if c.Transport.PingInterval < 0 {
		return errors.New("transport.pingInterval must not be negative")
	}
	return nil
}
