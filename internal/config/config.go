// Package config loads process configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Server configures a peer node.
type Server struct {
	HTTPAddr           string        `env:"HTTP_ADDR" envDefault:":8080"`
	Relays             []string      `env:"RELAYS" envSeparator:"," envDefault:"ws://localhost:7447/relay"`
	IdentitySeed       string        `env:"IDENTITY_SEED"`
	DisplayName        string        `env:"DISPLAY_NAME"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	PendingCapacity    int           `env:"PENDING_CAPACITY" envDefault:"16"`
	HistoryTimeout     time.Duration `env:"HISTORY_TIMEOUT" envDefault:"10s"`
	PublishRetryWindow time.Duration `env:"PUBLISH_RETRY_WINDOW" envDefault:"2m"`
	RoomIdleTimeout    time.Duration `env:"ROOM_IDLE_TIMEOUT" envDefault:"2h"`
}

// Relay configures the development relay.
type Relay struct {
	Addr        string `env:"RELAY_ADDR" envDefault:":7447"`
	Store       string `env:"RELAY_STORE" envDefault:"memory"` // memory | badger | postgres
	BadgerPath  string `env:"BADGER_PATH" envDefault:"./data/relay"`
	PostgresDSN string `env:"POSTGRES_DSN"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads the given .env files (missing files are fine) and parses the
// environment into target.
func Load(target any, files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (s Server) Validate() error {
	if len(s.Relays) == 0 {
		return errors.New("RELAYS must list at least one relay url")
	}
	if s.PendingCapacity <= 0 {
		return fmt.Errorf("PENDING_CAPACITY must be positive, got %d", s.PendingCapacity)
	}
	return nil
}

func (r Relay) Validate() error {
	switch r.Store {
	case "memory", "badger":
		return nil
	case "postgres":
		if r.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required when RELAY_STORE=postgres")
		}
		return nil
	default:
		return fmt.Errorf("unknown RELAY_STORE %q", r.Store)
	}
}
