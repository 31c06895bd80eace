// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads quarkctl settings from a HuJSON or YAML file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/quark"
)

// Environment variables that override the file.
const (
	EnvAPI     = "QUARK_API"
	EnvService = "QUARK_SERVICE"
)

// Config holds the quarkctl configuration.
type Config struct {
	API         string            `yaml:"api" json:"api"`
	Service     string            `yaml:"service" json:"service"`
	Headers     map[string]string `yaml:"headers" json:"headers"`
	Query       map[string]string `yaml:"query" json:"query"`
	CallTimeout string            `yaml:"call_timeout" json:"call_timeout"`
	Compression string            `yaml:"compression" json:"compression"`
	Framing     bool              `yaml:"framing" json:"framing"`
	Plaintext   bool              `yaml:"plaintext" json:"plaintext"`
	Retries     int               `yaml:"retries" json:"retries"`
	Output      string            `yaml:"output" json:"output"`
}

// DefaultPath returns the default config file path: ~/.quark/config.json
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".quark", "config.json")
	}
	return filepath.Join(home, ".quark", "config.json")
}

// Default returns the settings used when no file exists.
func Default() *Config {
	return &Config{
		CallTimeout: quark.DefaultCallTimeout.String(),
		Compression: quark.EncodingGzip,
		Output:      "json",
	}
}

// Load reads the configuration from path. Files ending in .yaml or .yml are
// YAML, anything else is HuJSON (JSON with comments and trailing commas).
// If the file does not exist the defaults are returned with no error.
// QUARK_API and QUARK_SERVICE override the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	default:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if v := os.Getenv(EnvAPI); v != "" {
		cfg.API = v
	}
	if v := os.Getenv(EnvService); v != "" {
		cfg.Service = v
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		std, err := hujson.Standardize(data)
		if err != nil {
			return err
		}
		return json.Unmarshal(std, cfg)
	}
}

// Engine returns the endpoint part of the configuration. A missing service
// defaults to the api URL.
func (c *Config) Engine() quark.Config {
	service := c.Service
	if service == "" {
		service = c.API
	}
	return quark.Config{
		API:     c.API,
		Service: service,
		Headers: c.Headers,
		Query:   c.Query,
	}
}

// Options translates the remaining settings into engine options.
func (c *Config) Options(log *zap.Logger) ([]quark.Option, error) {
	opts := []quark.Option{quark.WithLogger(log)}
	if c.CallTimeout != "" {
		d, err := time.ParseDuration(c.CallTimeout)
		if err != nil {
			return nil, fmt.Errorf("call_timeout: %w", err)
		}
		opts = append(opts, quark.WithCallTimeout(d))
	}
	switch c.Compression {
	case "", quark.EncodingGzip, quark.EncodingDeflate:
		opts = append(opts, quark.WithCompression(&quark.Streams{Encoding: c.Compression}))
	case "none", "off":
		opts = append(opts, quark.WithCompression(nil))
	default:
		return nil, fmt.Errorf("compression: unknown encoding %q", c.Compression)
	}
	if c.Framing {
		opts = append(opts, quark.WithFraming())
	}
	if c.Plaintext {
		opts = append(opts, quark.WithoutEncryption())
	}
	if c.Retries > 0 {
		opts = append(opts, quark.WithRetries(c.Retries))
	}
	return opts, nil
}
