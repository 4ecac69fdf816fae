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

//go:build linux

// Package daemoncmd implements the CLI command running periodic
// reconciliations.
package daemoncmd

import (
	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/cfg"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/reconcile"
	"github.com/spf13/cobra"
)

// New returns the daemon command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Runs reconciliations periodically",
		Long: "Runs a reconciliation immediately and then at the configured interval " +
			"until interrupted. Local sources are watched for changes.",
		Args: cobra.NoArgs,
		RunE: run,
	}
}

func run(cmd *cobra.Command, _ []string) error {
	config := cfg.Retrieve()
	engine, err := reconcile.NewEngine(config)
	if err != nil {
		return err
	}

	galog.Infof("Starting accounts sync daemon, source: %s, interval: %v", engine.SourceURL(), config.Daemon.Interval)
	return reconcile.RunDaemon(cmd.Context(), engine, config.Daemon)
}
