// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type apiSummary struct {
	Security   string   `json:"security" yaml:"security"`
	Namespaces []string `json:"namespaces" yaml:"namespaces"`
	Methods    []string `json:"methods" yaml:"methods"`
}

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "List the methods exposed by the service catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := dial(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer engine.Stop()

		api := engine.API()
		return render(cmd.OutOrStdout(), apiSummary{
			Security:   engine.Security().State().String(),
			Namespaces: api.Namespaces(),
			Methods:    api.Methods(),
		})
	},
}

func init() {
	rootCmd.AddCommand(apiCmd)
}
