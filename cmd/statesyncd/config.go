package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/docopt/docopt-go"

	"github.com/jilio/statesync/codec"
	"github.com/jilio/statesync/internal/telemetry"
	"github.com/jilio/statesync/transport/ws"
)

const (
	defaultAddr = "127.0.0.1:7070"
	defaultURL  = "http://127.0.0.1:7070"
)

// Config is the process configuration of statesyncd.
type Config struct {
	Addr  string        `env:"STATESYNC_ADDR" envDefault:"127.0.0.1:7070"`
	URL   string        `env:"STATESYNC_URL" envDefault:"http://127.0.0.1:7070"`
	Codec string        `env:"STATESYNC_CODEC" envDefault:"json"`
	Tick  time.Duration `env:"STATESYNC_TICK" envDefault:"1s"`

	WriteTimeout time.Duration `env:"STATESYNC_WS_WRITE_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"STATESYNC_WS_READ_TIMEOUT" envDefault:"15s"`
	PingTimeout  time.Duration `env:"STATESYNC_WS_PING_TIMEOUT" envDefault:"5s"`

	Telemetry telemetry.Config
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// apply overrides the environment with the command line flags that are set.
func (c *Config) apply(opts docopt.Opts) error {
	if addr, err := opts.String("--addr"); err == nil {
		c.Addr = addr
	}
	if url, err := opts.String("--url"); err == nil {
		c.URL = url
	}
	if name, err := opts.String("--codec"); err == nil {
		c.Codec = name
	}
	if tick, err := opts.String("--tick"); err == nil {
		d, err := parseInterval(tick)
		if err != nil {
			return fmt.Errorf("--tick: %w", err)
		}
		c.Tick = d
	}
	return nil
}

// Settings returns the websocket settings for the configured codec.
func (c *Config) Settings() (*ws.Settings, error) {
	wireCodec, err := codec.ByName(c.Codec)
	if err != nil {
		return nil, err
	}
	settings := ws.DefaultSettings()
	settings.Codec = wireCodec
	settings.WriteTimeout = c.WriteTimeout
	settings.ReadTimeout = c.ReadTimeout
	settings.PingTimeout = c.PingTimeout
	return settings, nil
}

// parseInterval accepts a duration or a bare number of seconds.
func parseInterval(s string) (time.Duration, error) {
	if seconds, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
