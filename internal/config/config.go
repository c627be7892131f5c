package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	StoreDriver    string
	SigningKey     []byte
	AllowedOrigins []string
	LogLevel       logrus.Level
	LogFormat      string
	SweepInterval  time.Duration
	MigrateOnStart bool
}

// Env is the raw environment view of the configuration. Every field can be
// overridden by a command line flag.
type Env struct {
	ServerAddr     string        `envconfig:"ADDR" default:"localhost:8000"`
	DatabaseDSN    string        `envconfig:"DSN" default:"host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"`
	StoreDriver    string        `envconfig:"STORE" default:"postgres"`
	SigningKey     string        `envconfig:"SIGNING_KEY"`
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string        `envconfig:"LOG_FORMAT" default:"text"`
	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"1s"`
	MigrateOnStart bool          `envconfig:"MIGRATE" default:"true"`
}

// LoadEnv reads an optional .env file and then the STORYROOM_* variables.
func LoadEnv(files ...string) (Env, error) {
	// a missing .env file is not an error
	_ = godotenv.Load(files...)

	var env Env
	if err := envconfig.Process("storyroom", &env); err != nil {
		return Env{}, fmt.Errorf("process env: %w", err)
	}

	return env, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing secret decoded to an empty key")
	}
	return key, nil
}

func NewConfig(env Env) (*Config, error) {
	if env.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	switch env.StoreDriver {
	case StoreDriverPostgres:
		if env.DatabaseDSN == "" {
			return nil, fmt.Errorf("database DSN cannot be empty")
		}
	case StoreDriverMemory:
	default:
		return nil, fmt.Errorf("unknown store driver %q", env.StoreDriver)
	}

	if env.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(env.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	level, err := logrus.ParseLevel(env.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	if env.LogFormat != "text" && env.LogFormat != "json" {
		return nil, fmt.Errorf("log format must be text or json, got %q", env.LogFormat)
	}

	if env.SweepInterval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive")
	}

	return &Config{
		DatabaseDSN:    env.DatabaseDSN,
		ServerAddr:     env.ServerAddr,
		StoreDriver:    env.StoreDriver,
		SigningKey:     signingKey,
		AllowedOrigins: env.AllowedOrigins,
		LogLevel:       level,
		LogFormat:      env.LogFormat,
		SweepInterval:  env.SweepInterval,
		MigrateOnStart: env.MigrateOnStart,
	}, nil
}

// NewLogger builds the process logger from the configured level and format.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
