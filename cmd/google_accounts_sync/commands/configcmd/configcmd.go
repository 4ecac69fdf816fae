//  Copyright 2024 Google LLC
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package configcmd implements the CLI command printing the effective
// configuration.
package configcmd

import (
	"fmt"

	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/cfg"
	"github.com/spf13/cobra"
)

// New returns the config command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Prints the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := cfg.ToString()
			if err != nil {
				return fmt.Errorf("failed to serialize configuration: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}
