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

package main

import (
	"context"
	"slices"
	"testing"

	"github.com/GoogleCloudPlatform/google-accounts-sync/cmd/google_accounts_sync/commands/testhelper"
	"github.com/google/go-cmp/cmp"
)

func TestNewRootCommand(t *testing.T) {
	cmd := newRootCommand()

	if cmd.Name() != "google_accounts_sync" {
		t.Errorf("newRootCommand.Name = %s, want google_accounts_sync", cmd.Name())
	}

	var got []string
	for _, sub := range cmd.Commands() {
		got = append(got, sub.Name())
	}
	slices.Sort(got)
	want := []string{"config", "daemon", "sync"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("newRootCommand.Commands() returned diff (-want +got):\n%s", diff)
	}
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		args []string
		want int
	}{
		{
			name: "converged",
			doc:  "groups:\n  - name: staff\n    gid: 3000\n",
			args: []string{"sync"},
			want: 0,
		},
		{
			name: "dry-run",
			doc:  "groups:\n  - name: staff\n    gid: 3000\n",
			args: []string{"sync", "--dry-run"},
			want: 0,
		},
		{
			name: "source-unavailable",
			args: []string{"sync"},
			want: 1,
		},
		{
			name: "incomplete",
			doc:  "groups:\n  - name: staff\n    gid: 0\n",
			args: []string{"sync"},
			want: 2,
		},
		{
			name: "unknown-command",
			args: []string{"unknown"},
			want: 1,
		},
		{
			name: "config",
			args: []string{"config"},
			want: 0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			testhelper.SetupHost(t, tc.doc)
			if got := execute(context.Background(), tc.args); got != tc.want {
				t.Errorf("execute(%v) = %d, want %d", tc.args, got, tc.want)
			}
		})
	}
}
