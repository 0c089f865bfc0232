// Package config reads the agent configuration from the environment.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 32146

	DriverPCSC    = "pcsc"
	DriverVirtual = "virtual"
)

// Config holds runtime configuration.
type Config struct {
	Host string
	Port int

	// Driver selects the card driver: pcsc or virtual.
	Driver string
	// Reader is a reader index or name; empty selects the first reader.
	Reader string
	// Image is the card image of the virtual driver.
	Image string
	// PinCode answers PIN prompts without asking on the terminal.
	PinCode string

	LogLevel  string
	LogFormat string

	SentryDSN string
}

// Load reads configuration from EID_NOTES_* environment variables.
func Load() *Config {
	cfg := &Config{
		Host:      DefaultHost,
		Port:      DefaultPort,
		Driver:    DriverPCSC,
		LogLevel:  "info",
		LogFormat: "console",
	}

	if host := os.Getenv("EID_NOTES_HOST"); host != "" {
		cfg.Host = host
	}

	if portStr := os.Getenv("EID_NOTES_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 && port < 65536 {
			cfg.Port = port
		}
	}

	if driver := os.Getenv("EID_NOTES_DRIVER"); driver != "" {
		cfg.Driver = strings.ToLower(driver)
	}
	cfg.Reader = os.Getenv("EID_NOTES_READER")
	cfg.Image = os.Getenv("EID_NOTES_IMAGE")
	cfg.PinCode = os.Getenv("EID_NOTES_PIN")

	if level := os.Getenv("EID_NOTES_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("EID_NOTES_LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
	cfg.SentryDSN = os.Getenv("EID_NOTES_SENTRY_DSN")

	return cfg
}

// Address returns the listen address for the agent API.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverPCSC, DriverVirtual:
	default:
		return fmt.Errorf("unknown driver %q (want %s or %s)", c.Driver, DriverPCSC, DriverVirtual)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q (want console or json)", c.LogFormat)
	}
	return nil
}
