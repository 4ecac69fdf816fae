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

// Package logger wraps the galog configuration/initialization.
package logger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"cloud.google.com/go/compute/metadata"
	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/retry"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/utils/file"
)

// Options contains the loggers configuration/options.
type Options struct {
	// CloudIdent is the cloud logging logId attribute - or logName field.
	CloudIdent string
	// ProgramVersion is the program version.
	ProgramVersion string
	// LogFile is the path of the log file.
	LogFile string
	// LogToStderr flags if stderr loggers must be enabled.
	LogToStderr bool
	// LogToCloudLogging flags if cloud logging loggers must be enabled.
	LogToCloudLogging bool
	// cloudLoggingBackend is the cloud logging backend.
	cloudLoggingBackend *galog.CloudBackend
	// cloudLoggingWithoutAuthentication flags if cloud logging should be
	// initialized without authentication. Useful for testing.
	cloudLoggingWithoutAuthentication bool
	// Level is the log level.
	Level int
	// Verbosity is the log verbosity level.
	Verbosity int
}

// metadataClient is the subset of the metadata server client used to
// describe the instance to cloud logging.
type metadataClient interface {
	ProjectIDWithContext(ctx context.Context) (string, error)
	InstanceNameWithContext(ctx context.Context) (string, error)
	InstanceAttributeValueWithContext(ctx context.Context, attr string) (string, error)
}

const (
	// cloudLoggingFlushCadence is the cadence of flushing cloud logging data.
	cloudLoggingFlushCadence = time.Second * 5

	// CloudLoggingLogID is the logId used for cloud logging.
	CloudLoggingLogID = "GCEAccountsSync"

	// The following are MIG labels added to the cloud logging logs.
	// MIGNameLabel is the MIG name label.
	migNameLabel = `compute.googleapis.com/instance_group_manager/name`
	// migZoneLabel is the MIG zone label.
	migZoneLabel = `compute.googleapis.com/instance_group_manager/zone`
	// migRegionLabel is the MIG region label.
	migRegionLabel = `compute.googleapis.com/instance_group_manager/region`
)

var (
	// newMetadataClient returns the metadata client used by the cloud logging
	// initialization, it's overridden in unit tests.
	newMetadataClient = func() metadataClient { return metadata.NewClient(nil) }

	// mdsRetryPolicy is the retry policy applied to the metadata queries done
	// while initializing cloud logging.
	mdsRetryPolicy = retry.Policy{MaxAttempts: 5, BackoffFactor: 2, Jitter: time.Second}
)

// Init initializes the logger.
func Init(ctx context.Context, opts Options) error {
	var enabledLoggers []galog.Backend

	galog.SetMinVerbosity(opts.Verbosity)

	if opts.LogFile != "" && file.Exists(filepath.Dir(opts.LogFile), file.TypeDir) {
		enabledLoggers = append(enabledLoggers, galog.NewFileBackend(opts.LogFile))
	}

	if opts.LogToStderr {
		enabledLoggers = append(enabledLoggers, galog.NewStderrBackend(os.Stderr))
	}

	for _, logger := range enabledLoggers {
		galog.RegisterBackend(ctx, logger)
	}

	level, err := galog.ParseLevel(opts.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	galog.SetLevel(level)

	if opts.LogToCloudLogging {
		// The backend is registered in lazy mode, entries are queued until the
		// client is initialized with the project and instance descriptions.
		be, err := galog.NewCloudBackend(ctx, galog.CloudLoggingInitModeLazy, nil)
		if err != nil {
			return fmt.Errorf("failed to initialize cloud logging: %w", err)
		}
		galog.RegisterBackend(ctx, be)
		opts.cloudLoggingBackend = be

		go func() {
			if err := initCloudLogging(ctx, &opts, newMetadataClient()); err != nil {
				galog.Errorf("Failed to initialize cloud logging: %v", err)
			}
		}()
	}

	return nil
}

// parseMIGLabels parses the MIG labels from the created-by metadata attribute.
// This is used to add extra labels to the Cloud Logging logs.
func parseMIGLabels(createdBy string) (map[string]string, error) {
	labels := make(map[string]string)
	if createdBy == "" {
		return labels, nil
	}

	// Make sure the `created-by` is set by MIG.
	migRe, err := regexp.Compile(`^projects/[^/]+/(zones|regions)/([^/]+)/instanceGroupManagers/([^/]+)$`)
	if err != nil {
		return labels, err
	}
	migMatch := migRe.FindStringSubmatch(createdBy)
	if migMatch == nil {
		return labels, nil
	}

	var locationLabel string
	switch migMatch[1] {
	case "zones":
		locationLabel = migZoneLabel
	case "regions":
		locationLabel = migRegionLabel
	}
	labels[migNameLabel] = migMatch[3]
	labels[locationLabel] = migMatch[2]
	return labels, nil
}

// initCloudLogging queries the metadata server for the project and instance
// descriptions and initializes the cloud logging client with them.
func initCloudLogging(ctx context.Context, opts *Options, mds metadataClient) error {
	if opts == nil || opts.cloudLoggingBackend == nil {
		return errors.New("cloud logging backend is not registered")
	}
	if mds == nil {
		return errors.New("no metadata client provided")
	}

	project, err := retry.RunWithResponse(ctx, mdsRetryPolicy, func() (string, error) {
		return mds.ProjectIDWithContext(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to get project id: %w", err)
	}

	instance, err := retry.RunWithResponse(ctx, mdsRetryPolicy, func() (string, error) {
		return mds.InstanceNameWithContext(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to get instance name: %w", err)
	}

	// created-by is only defined for MIG managed instances.
	createdBy, err := mds.InstanceAttributeValueWithContext(ctx, "created-by")
	var notDefined metadata.NotDefinedError
	if err != nil && !errors.As(err, &notDefined) {
		galog.Debugf("Failed to read created-by attribute: %v", err)
	}

	extraLabels, err := parseMIGLabels(createdBy)
	if err != nil {
		galog.Errorf("Failed to parse MIG labels: %v", err)
	}

	programName := filepath.Base(os.Args[0])
	cloudOpts := &galog.CloudOptions{
		Ident:                 opts.CloudIdent,
		ProgramName:           programName,
		ProgramVersion:        opts.ProgramVersion,
		Project:               project,
		FlushCadence:          cloudLoggingFlushCadence,
		Instance:              instance,
		WithoutAuthentication: opts.cloudLoggingWithoutAuthentication,
		ExtraLabels:           extraLabels,
	}

	if err := opts.cloudLoggingBackend.InitClient(ctx, cloudOpts); err != nil {
		return fmt.Errorf("failed to initialize cloud logging client (%s): %w", programName, err)
	}

	galog.Infof("Cloud logging initialized (%s).", programName)
	return nil
}
