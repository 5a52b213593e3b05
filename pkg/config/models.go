package config

import (
	"time"

	"github.com/a-essam23/spacesync/pkg/pipeline"
	"github.com/a-essam23/spacesync/pkg/protocol"
)

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Store     StoreConfig
	Redis     RedisConfig
	Log       LogConfig
	Commands  map[string]CommandConfig `mapstructure:"commands"`

	// compiled from Commands by CompilePipelines
	Pipelines map[protocol.MessageType][]pipeline.Step `mapstructure:"-"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	ShutdownTimeout time.Duration         `mapstructure:"shutdownTimeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"`
	Mode     string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout         time.Duration `mapstructure:"readTimeout"`
	WriteTimeout        time.Duration `mapstructure:"writeTimeout"`
	PingInterval        time.Duration `mapstructure:"pingInterval"`
	PongTimeoutMultiple int           `mapstructure:"pongTimeoutMultiple"`
	SendBuffer          int           `mapstructure:"sendBuffer"`
	MaxMessageBytes     int64         `mapstructure:"maxMessageBytes"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"` // "pgx", "sqlite3" or "memory"
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"autoMigrate"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CommandConfig lists the modifiers run before a command is relayed.
type CommandConfig struct {
	Modifiers []ModifierConfig `mapstructure:"modifiers"`
}

type ModifierConfig struct {
	Name   string   `mapstructure:"name"`
	Params []string `mapstructure:"params"`
}
