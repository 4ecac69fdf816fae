//  Copyright 2024 Google LLC
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		fatal   error
		want    int
	}{
		{
			name: "empty",
			want: ExitConverged,
		},
		{
			name:    "applied",
			entries: []Entry{{Name: "user:alice", Kind: "CreateUser", Outcome: Applied}},
			want:    ExitConverged,
		},
		{
			name:    "planned",
			entries: []Entry{{Name: "user:alice", Kind: "CreateUser", Outcome: Planned}},
			want:    ExitConverged,
		},
		{
			name: "skipped",
			entries: []Entry{
				{Name: "user:alice", Kind: "CreateUser", Outcome: Applied},
				{Name: "user:bob", Kind: "DeleteUser", Outcome: Skipped, Failure: PermissionDenied, Reason: "active-session"},
			},
			want: ExitIncomplete,
		},
		{
			name:    "failed",
			entries: []Entry{{Name: "group:ops", Kind: "CreateGroup", Outcome: Failed, Failure: KeyCollision}},
			want:    ExitIncomplete,
		},
		{
			name:  "fatal",
			fatal: errors.New("source unavailable"),
			want:  ExitFatal,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := New(false)
			for _, e := range tc.entries {
				r.Add(e)
			}
			if tc.fatal != nil {
				r.SetFatal(tc.fatal)
			}
			if got := r.ExitCode(); got != tc.want {
				t.Errorf("ExitCode() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestSummary(t *testing.T) {
	r := New(false)
	r.Add(Entry{Name: "group:staff", Kind: "ModifyGroup", Outcome: Applied})
	r.Add(Entry{Name: "user:alice", Kind: "CreateUser", Outcome: Applied})
	r.Add(Entry{Name: "user:bob", Kind: "DeleteUser", Outcome: Skipped})
	r.Add(Entry{Name: "user:carol", Kind: "CreateUser", Outcome: Failed})

	want := Summary{Applied: 2, Skipped: 1, Failed: 1}
	if diff := cmp.Diff(want, r.Summary()); diff != "" {
		t.Errorf("Summary() returned diff (-want +got):\n%s", diff)
	}
}

func TestWriteText(t *testing.T) {
	r := New(false)
	r.Add(Entry{Name: "user:alice", Kind: "CreateUser", Outcome: Applied})
	r.Add(Entry{Name: "user:bob", Kind: "DeleteUser", Outcome: Skipped, Failure: PermissionDenied, Reason: "active-session"})

	var buf bytes.Buffer
	if err := r.WriteText(&buf); err != nil {
		t.Fatalf("WriteText() failed unexpectedly: %v", err)
	}

	got := buf.String()
	for _, want := range []string{"ENTITY", "user:alice", "user:bob", "active-session", "1 applied, 1 skipped, 0 failed"} {
		if !strings.Contains(got, want) {
			t.Errorf("WriteText() = %q, want it to contain %q", got, want)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	r := New(true)
	r.Add(Entry{Name: "user:alice", Kind: "CreateUser", Outcome: Planned})
	path := filepath.Join(t.TempDir(), "reports", "last.json")

	if err := r.WriteJSON(context.Background(), path); err != nil {
		t.Fatalf("WriteJSON(%s) failed unexpectedly: %v", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("os.ReadFile(%s) failed: %v", path, err)
	}
	var got jsonReport
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("json.Unmarshal() failed: %v", err)
	}

	if !got.DryRun || got.ExitCode != ExitConverged {
		t.Errorf("WriteJSON() wrote dry_run=%t exit_code=%d, want true and %d", got.DryRun, got.ExitCode, ExitConverged)
	}
	want := []Entry{{Name: "user:alice", Kind: "CreateUser", Outcome: Planned}}
	if diff := cmp.Diff(want, got.Entries); diff != "" {
		t.Errorf("WriteJSON() wrote diff entries (-want +got):\n%s", diff)
	}
}
