// Package config holds meshbus's tunables. Config gathers everything a
// Hub needs at construction: identity, timeouts, buffer sizes, the
// observer, and the bus transport's connection settings.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"meshbus/pkg/observability"
)

// Config configures a Hub and its Transport.
type Config struct {
	// Name is the hub's identity: the "source" on every outgoing envelope.
	Name string

	// BusName identifies the shared room/fabric this hub attaches to.
	// Overridden by the BUS_NAME environment variable.
	BusName string

	// DefaultTimeout is the default Call deadline when the caller does
	// not pass one explicitly. Overridden by HUB_DEFAULT_TIMEOUT_MS.
	DefaultTimeout time.Duration

	// ChannelBufferSize bounds the transport's inbound queue and every
	// streaming subscription's delivery channel.
	ChannelBufferSize int

	// ShutdownGrace bounds how long Shutdown waits for the receive loop
	// to exit before returning anyway.
	ShutdownGrace time.Duration

	// Observer receives structured events from every meshbus component.
	Observer observability.Observer

	// RedisAddr is the redistransport connection address ("host:port").
	RedisAddr string

	// RedisPassword is the redistransport auth password, if any.
	RedisPassword string

	// RedisDB selects the Redis logical database index.
	RedisDB int
}

const (
	envBusName   = "BUS_NAME"
	envTimeoutMS = "HUB_DEFAULT_TIMEOUT_MS"

	defaultBusName           = "meshbus"
	defaultTimeout           = 30 * time.Second
	defaultChannelBufferSize = 100
	defaultShutdownGrace     = 2 * time.Second
	defaultRedisAddr         = "localhost:6379"
)

// Default returns a Config populated with meshbus's built-in defaults.
func Default() Config {
	return Config{
		Name:              "default",
		BusName:           defaultBusName,
		DefaultTimeout:    defaultTimeout,
		ChannelBufferSize: defaultChannelBufferSize,
		ShutdownGrace:     defaultShutdownGrace,
		Observer:          observability.NewSlogObserver(slog.Default()),
		RedisAddr:         defaultRedisAddr,
	}
}

// Merge overlays non-zero fields of source onto c; zero values in source
// leave c unchanged.
func (c *Config) Merge(source *Config) {
	if source == nil {
		return
	}
	if source.Name != "" {
		c.Name = source.Name
	}
	if source.BusName != "" {
		c.BusName = source.BusName
	}
	if source.DefaultTimeout > 0 {
		c.DefaultTimeout = source.DefaultTimeout
	}
	if source.ChannelBufferSize > 0 {
		c.ChannelBufferSize = source.ChannelBufferSize
	}
	if source.ShutdownGrace > 0 {
		c.ShutdownGrace = source.ShutdownGrace
	}
	if source.Observer != nil {
		c.Observer = source.Observer
	}
	if source.RedisAddr != "" {
		c.RedisAddr = source.RedisAddr
	}
	if source.RedisPassword != "" {
		c.RedisPassword = source.RedisPassword
	}
	if source.RedisDB != 0 {
		c.RedisDB = source.RedisDB
	}
}

// LoadFromEnv reads BUS_NAME and HUB_DEFAULT_TIMEOUT_MS, falling back to
// Default()'s built-in values when either is absent or unparseable.
func LoadFromEnv() Config {
	c := Default()

	if busName := os.Getenv(envBusName); busName != "" {
		c.BusName = busName
	}

	if raw := os.Getenv(envTimeoutMS); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			c.DefaultTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	return c
}
