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

package logger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"cloud.google.com/go/compute/metadata"
	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/retry"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/exp/slices"
)

type fakeMDS struct {
	project    string
	projectErr error
	instance   string
	createdBy  string
}

func (f *fakeMDS) ProjectIDWithContext(context.Context) (string, error) {
	return f.project, f.projectErr
}

func (f *fakeMDS) InstanceNameWithContext(context.Context) (string, error) {
	return f.instance, nil
}

func (f *fakeMDS) InstanceAttributeValueWithContext(_ context.Context, attr string) (string, error) {
	if f.createdBy == "" {
		return "", metadata.NotDefinedError(attr)
	}
	return f.createdBy, nil
}

func TestNotAdditionalLoggers(t *testing.T) {
	opts := Options{
		Verbosity: 10,
		Level:     1,
	}
	ctx := context.Background()
	if err := Init(ctx, opts); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	if galog.MinVerbosity() != opts.Verbosity {
		t.Errorf("MinVerbosity() = %d, want %d", galog.MinVerbosity(), opts.Verbosity)
	}

	if galog.CurrentLevel() != galog.ErrorLevel {
		t.Errorf("Level() = %s, want %d", galog.CurrentLevel(), opts.Level)
	}
}

func TestFileAdditionalLogger(t *testing.T) {
	tests := []struct {
		name      string
		logLevel  int
		wantError bool
	}{
		{
			name:      "valid-log-level-1",
			logLevel:  1,
			wantError: false,
		},
		{
			name:      "valid-log-level-3",
			logLevel:  3,
			wantError: false,
		},
		{
			name:      "valid-log-level-4",
			logLevel:  4,
			wantError: false,
		},
		{
			name:      "invalid-log-level-5",
			logLevel:  5,
			wantError: true,
		},
	}

	ctx := context.Background()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logFile := filepath.Join(t.TempDir(), "test.log")
			opts := Options{
				LogFile:   logFile,
				Verbosity: 10,
				Level:     tc.logLevel,
			}

			err := Init(ctx, opts)
			if (err == nil) == tc.wantError {
				t.Fatalf("Init() = %v, want error: %t", err, tc.wantError)
			}

			ids := galog.RegisteredBackendIDs()
			fileBackendID := "log-backend,file"
			if !slices.Contains(ids, fileBackendID) {
				t.Errorf("RegisteredBackendIDs() = %v, want %v", ids, fileBackendID)
			}
		})
	}
}

func TestStderrAdditionalLogger(t *testing.T) {
	opts := Options{
		LogToStderr: true,
		Verbosity:   10,
		Level:       1,
	}
	ctx := context.Background()
	if err := Init(ctx, opts); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	ids := galog.RegisteredBackendIDs()
	stderrBackendID := "log-backend,stderr"
	if !slices.Contains(ids, stderrBackendID) {
		t.Errorf("RegisteredBackendIDs() = %v, want %v", ids, stderrBackendID)
	}
}

func TestParseMIGLabels(t *testing.T) {
	tests := []struct {
		name      string
		createdBy string
		want      map[string]string
	}{
		{
			name: "empty",
			want: map[string]string{},
		},
		{
			name:      "not-a-mig",
			createdBy: "projects/123/zones/us-central1-a/instances/foo",
			want:      map[string]string{},
		},
		{
			name:      "zonal-mig",
			createdBy: "projects/123/zones/us-central1-a/instanceGroupManagers/web",
			want: map[string]string{
				migNameLabel: "web",
				migZoneLabel: "us-central1-a",
			},
		},
		{
			name:      "regional-mig",
			createdBy: "projects/123/regions/us-central1/instanceGroupManagers/web",
			want: map[string]string{
				migNameLabel:   "web",
				migRegionLabel: "us-central1",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseMIGLabels(tc.createdBy)
			if err != nil {
				t.Fatalf("parseMIGLabels(%q) failed unexpectedly: %v", tc.createdBy, err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("parseMIGLabels(%q) returned diff (-want +got):\n%s", tc.createdBy, diff)
			}
		})
	}
}

func TestInitCloudLogging(t *testing.T) {
	ctx := context.Background()
	be, err := galog.NewCloudBackend(ctx, galog.CloudLoggingInitModeLazy, nil)
	if err != nil {
		t.Fatalf("NewCloudBackend() returned an unexpected error: %v", err)
	}

	oldPolicy := mdsRetryPolicy
	mdsRetryPolicy = retry.Policy{MaxAttempts: 1}
	t.Cleanup(func() { mdsRetryPolicy = oldPolicy })

	tests := []struct {
		name    string
		opts    *Options
		mds     metadataClient
		wantErr bool
	}{
		{
			name:    "nil-options",
			mds:     &fakeMDS{},
			wantErr: true,
		},
		{
			name:    "no-backend",
			opts:    &Options{},
			mds:     &fakeMDS{},
			wantErr: true,
		},
		{
			name:    "nil-mds",
			opts:    &Options{cloudLoggingBackend: be},
			wantErr: true,
		},
		{
			name:    "project-failure",
			opts:    &Options{cloudLoggingBackend: be},
			mds:     &fakeMDS{projectErr: errors.New("mds unavailable")},
			wantErr: true,
		},
		{
			name: "success",
			opts: &Options{
				CloudIdent:                        "test-ident",
				ProgramVersion:                    "test-version",
				cloudLoggingWithoutAuthentication: true,
				cloudLoggingBackend:               be,
			},
			mds: &fakeMDS{
				project:   "some-project-id",
				instance:  "some-instance",
				createdBy: "projects/123/zones/us-central1-a/instanceGroupManagers/web",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := initCloudLogging(ctx, tc.opts, tc.mds)
			if (err != nil) != tc.wantErr {
				t.Errorf("initCloudLogging() = %v, want error: %t", err, tc.wantErr)
			}
		})
	}
}
