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

// Package synccmd implements the CLI command running a single reconciliation.
package synccmd

import (
	"errors"

	"github.com/GoogleCloudPlatform/google-accounts-sync/cmd/google_accounts_sync/commands"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/cfg"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/reconcile"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/report"
	"github.com/spf13/cobra"
)

// errNotConverged is reported when some entities could not be reconciled.
var errNotConverged = errors.New("reconciliation did not converge")

// New returns the sync command.
func New() *cobra.Command {
	var opts reconcile.Options

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Runs a single reconciliation",
		Long: "Fetches the desired state, compares it with the local account database " +
			"and applies the difference. Exits 0 when converged, 1 when the run was " +
			"aborted and 2 when some entities were not reconciled.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report the planned operations without applying them")
	cmd.Flags().StringSliceVar(&opts.Only, "only", nil, "restrict the run to the given comma separated user and group names")
	cmd.Flags().StringVar(&opts.Source, "source", "", "override the configured desired state location")

	return cmd
}

func run(cmd *cobra.Command, opts reconcile.Options) error {
	engine, err := reconcile.NewEngine(cfg.Retrieve())
	if err != nil {
		return &commands.ExitError{Code: report.ExitFatal, Err: err}
	}

	r := engine.Run(cmd.Context(), opts)
	if err := r.WriteText(cmd.OutOrStdout()); err != nil {
		return &commands.ExitError{Code: report.ExitFatal, Err: err}
	}

	switch code := r.ExitCode(); code {
	case report.ExitConverged:
		return nil
	case report.ExitFatal:
		return &commands.ExitError{Code: code, Err: r.Fatal()}
	default:
		return &commands.ExitError{Code: code, Err: errNotConverged}
	}
}
