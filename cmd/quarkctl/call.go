// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call <namespace.action.method> [args...]",
	Short: "Invoke a remote method and print its result",
	Long: `Invoke a remote method. Each argument is parsed as JSON and passed as is
when that fails, so 42 is a number, '"42"' a string and '{"id":1}' an object.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := dial(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer engine.Stop()

		res, err := engine.Call(cmd.Context(), args[0], parseArgs(args[1:])...)
		if err != nil {
			return err
		}
		var out any
		if err := res.Decode(&out); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
		return render(cmd.OutOrStdout(), out)
	},
}

func parseArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		args[i] = v
	}
	return args
}

func init() {
	rootCmd.AddCommand(callCmd)
}
