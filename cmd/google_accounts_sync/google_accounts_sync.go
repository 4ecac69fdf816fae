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

// Package main is the implementation of the accounts sync CLI, it reconciles
// the local account database against a desired state document.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/cmd/google_accounts_sync/commands"
	"github.com/GoogleCloudPlatform/google-accounts-sync/cmd/google_accounts_sync/commands/configcmd"
	"github.com/GoogleCloudPlatform/google-accounts-sync/cmd/google_accounts_sync/commands/daemoncmd"
	"github.com/GoogleCloudPlatform/google-accounts-sync/cmd/google_accounts_sync/commands/synccmd"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/cfg"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/logger"
	"github.com/spf13/cobra"
)

const (
	// galogShutdownTimeout is the period of time we should wait for galog to
	// shutdown.
	galogShutdownTimeout = time.Second
)

var (
	// version is the version of the binary, set at build time.
	version = "unknown"

	// exitFc is a reference to os.Exit(), it's overridden in unit tests.
	exitFc = os.Exit
)

// newRootCommand generates the root command with the [sync], [daemon] and
// [config] subcommands.
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "google_accounts_sync",
		Short:         "Reconciles local OS accounts with a desired state.",
		Long:          "Reconciles the local users and groups with a declarative desired state document.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(synccmd.New())
	root.AddCommand(daemoncmd.New())
	root.AddCommand(configcmd.New())

	return root
}

// execute runs the root command with args and returns the process exit code.
func execute(ctx context.Context, args []string) int {
	rootCmd := newRootCommand()
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		galog.Errorf("%s failed: %v", rootCmd.Name(), err)
	}
	return commands.ExitCode(err)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Load(nil); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		exitFc(1)
	}
	config := cfg.Retrieve()
	config.Core.Version = version

	logOpts := logger.Options{
		CloudIdent:        logger.CloudLoggingLogID,
		ProgramVersion:    version,
		LogToStderr:       true,
		LogToCloudLogging: config.Core.CloudLoggingEnabled,
		Level:             config.Core.LogLevel,
		Verbosity:         config.Core.LogVerbosity,
		LogFile:           config.Core.LogFile,
	}

	if err := logger.Init(ctx, logOpts); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		exitFc(1)
	}

	code := execute(ctx, os.Args[1:])
	galog.Shutdown(galogShutdownTimeout)
	exitFc(code)
}
