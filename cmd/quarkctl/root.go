// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/quark"
	"github.com/luxfi/quark/internal/config"
)

var (
	// Global flags
	cfgFile    string
	apiURL     string
	serviceURL string
	output     string
	verbose    bool

	// Shared state set during PersistentPreRun
	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "quarkctl",
	Short: "Inspect and call quark remote services",
	Long: `quarkctl connects to a quark service, lists the methods its catalog
exposes and invokes them over HTTP or websocket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		if apiURL != "" {
			cfg.API = apiURL
		}
		if serviceURL != "" {
			cfg.Service = serviceURL
		}
		if output != "" {
			cfg.Output = output
		}

		if verbose {
			log, err = zap.NewDevelopment()
			if err != nil {
				return err
			}
		} else {
			log = zap.NewNop()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.quark/config.json)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "catalog URL")
	rootCmd.PersistentFlags().StringVar(&serviceURL, "service", "", "service URL (defaults to the catalog URL)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "", "output format: json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log engine activity to stderr")
}

// dial connects an engine with the loaded configuration.
func dial(ctx context.Context) (*quark.Engine, error) {
	opts, err := cfg.Options(log)
	if err != nil {
		return nil, err
	}
	return quark.Dial(ctx, cfg.Engine(), opts...)
}

// render writes v in the configured output format.
func render(w io.Writer, v any) error {
	switch cfg.Output {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}
