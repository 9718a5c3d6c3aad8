// Package config holds the settings the engine reads: storage location, worker
// policy, fetch behaviour and service options.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/geoyee/tilevault/internal/client"
)

// Config of the engine and its binaries.
type Config struct {
	AppDir string

	Workers      int
	FetchTimeout time.Duration
	RateLimit    int
	Retries      int
	MinFileSize  int64
	MaxFileSize  int64

	ProxyURL  string
	UserAgent string
	Referer   string
	UseHTTP2  bool
	KeepAlive bool

	LogLevel       string
	LogDevelopment bool

	Port        int
	CORSOrigins []string
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		AppDir:       "tilevault",
		Workers:      8,
		FetchTimeout: 60 * time.Second,
		Retries:      2,
		MinFileSize:  100,
		MaxFileSize:  2 * 1024 * 1024,
		UserAgent:    "tilevault/1.0",
		UseHTTP2:     true,
		KeepAlive:    true,
		LogLevel:     "info",
		Port:         8765,
		CORSOrigins:  []string{"*"},
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.AppDir == "" {
		errs = append(errs, errors.New("app dir is required"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.FetchTimeout < 0 {
		errs = append(errs, fmt.Errorf("fetch timeout must not be negative, got %s", c.FetchTimeout))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative, got %d", c.RateLimit))
	}
	if c.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries must not be negative, got %d", c.Retries))
	}
	if c.MaxFileSize > 0 && c.MinFileSize > c.MaxFileSize {
		errs = append(errs, errors.New("min file size exceeds max file size"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	return errors.Join(errs...)
}

// HTTPClient returns the tile client settings. Per-tile deadlines come from
// FetchTimeout, so the client itself has none.
func (c *Config) HTTPClient() *client.Config {
	return &client.Config{
		ProxyURL:  c.ProxyURL,
		UseHTTP2:  c.UseHTTP2,
		KeepAlive: c.KeepAlive,
		UserAgent: c.UserAgent,
		Referer:   c.Referer,
	}
}
