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

//go:build linux

package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/accounts"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/apply"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/cfg"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/desired"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/report"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/runlock"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/safety"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/shadow"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

const (
	basePasswd  = "root:x:0:0:root:/root:/bin/bash\n"
	baseShadow  = "root:*:19000:0:99999:7:::\n"
	baseGroup   = "root:x:0:\nstaff:x:3000:\n"
	baseGShadow = "root:*::\nstaff:!::\n"

	aliceDocument = `
groups:
  - name: staff
    gid: 3000
users:
  - name: alice
    uid: 2001
    gid: 3000
    home: /home/alice
    shell: /bin/bash
    groups: [staff]
`
)

// testHost is an account database under a temp root with an engine
// reconciling it.
type testHost struct {
	root   string
	source string
	engine *Engine
}

func (h *testHost) path(elem ...string) string {
	return filepath.Join(append([]string{h.root}, elem...)...)
}

func (h *testHost) read(t *testing.T, elem ...string) string {
	t.Helper()
	data, err := os.ReadFile(h.path(elem...))
	if err != nil {
		t.Fatalf("os.ReadFile(%s) failed: %v", h.path(elem...), err)
	}
	return string(data)
}

func (h *testHost) writeSource(t *testing.T, doc string) {
	t.Helper()
	if err := os.WriteFile(h.source, []byte(doc), 0600); err != nil {
		t.Fatalf("os.WriteFile(%s) failed: %v", h.source, err)
	}
}

func newTestHost(t *testing.T, doc, passwd, group string, managed ...accounts.Key) *testHost {
	t.Helper()
	root := t.TempDir()
	h := &testHost{root: root, source: filepath.Join(root, "accounts.yaml")}

	if err := os.MkdirAll(h.path("etc"), 0755); err != nil {
		t.Fatalf("os.MkdirAll(etc) failed: %v", err)
	}
	for name, content := range map[string]string{
		"passwd":  passwd,
		"shadow":  baseShadow,
		"group":   group,
		"gshadow": baseGShadow,
	} {
		if err := os.WriteFile(h.path("etc", name), []byte(content), 0600); err != nil {
			t.Fatalf("os.WriteFile(%s) failed: %v", name, err)
		}
	}
	h.writeSource(t, doc)

	ledgerPath := h.path("var", "lib", "managed")
	if len(managed) > 0 {
		l, err := accounts.LoadLedger(ledgerPath)
		if err != nil {
			t.Fatalf("LoadLedger(%s) failed: %v", ledgerPath, err)
		}
		for _, k := range managed {
			l.Add(k)
		}
		if err := l.Save(context.Background()); err != nil {
			t.Fatalf("Ledger.Save() failed: %v", err)
		}
	}

	system := []safety.Range{{Min: 0, Max: 999}}
	h.engine = &Engine{
		provider:   desired.NewProvider(&cfg.Source{URL: h.source, Timeout: 5 * time.Second, RetryAttempts: 1}),
		backend:    shadow.New(root, time.Second),
		guard:      safety.New(safety.NewProtectedSet([]string{"root"}, system, system), nil),
		ledgerPath: ledgerPath,
		lockPath:   h.path("run", "sync.lock"),
		homes:      apply.HomeOptions{Root: root},
	}
	return h
}

func (h *testHost) ledger(t *testing.T) []accounts.Key {
	t.Helper()
	l, err := accounts.LoadLedger(h.engine.ledgerPath)
	if err != nil {
		t.Fatalf("LoadLedger() failed: %v", err)
	}
	return l.Keys()
}

var ignoreDetail = cmpopts.IgnoreFields(report.Entry{}, "Detail")

func TestRunExistingGroup(t *testing.T) {
	h := newTestHost(t, aliceDocument, basePasswd, baseGroup)
	ctx := context.Background()

	r := h.engine.Run(ctx, Options{})
	want := []report.Entry{
		{Name: "group:staff", Kind: "ModifyGroup", Outcome: report.Applied},
		{Name: "user:alice", Kind: "CreateUser", Outcome: report.Applied},
	}
	if diff := cmp.Diff(want, r.Entries(), ignoreDetail); diff != "" {
		t.Errorf("Run() returned report diff (-want +got):\n%s", diff)
	}
	if got := r.ExitCode(); got != report.ExitConverged {
		t.Errorf("Run() exit code = %d, want %d", got, report.ExitConverged)
	}

	if got, want := h.read(t, "etc", "passwd"), basePasswd+"alice:x:2001:3000::/home/alice:/bin/bash\n"; got != want {
		t.Errorf("passwd = %q, want %q", got, want)
	}
	if got, want := h.read(t, "etc", "group"), "root:x:0:\nstaff:x:3000:alice\n"; got != want {
		t.Errorf("group = %q, want %q", got, want)
	}
	if !strings.Contains(h.read(t, "etc", "shadow"), "alice:!:") {
		t.Errorf("shadow has no locked entry for alice")
	}

	wantLedger := []accounts.Key{{Kind: accounts.KindGroup, Name: "staff"}, {Kind: accounts.KindUser, Name: "alice"}}
	if diff := cmp.Diff(wantLedger, h.ledger(t)); diff != "" {
		t.Errorf("Ledger keys diff (-want +got):\n%s", diff)
	}

	// A second run has nothing left to do.
	again := h.engine.Run(ctx, Options{})
	if len(again.Entries()) != 0 || again.ExitCode() != report.ExitConverged {
		t.Errorf("Second Run() = %+v, want no entries", again.Entries())
	}
}

func TestRunGIDCollision(t *testing.T) {
	doc := `
groups:
  - name: ops
    gid: 4000
  - name: eng
    gid: 4000
users:
  - name: dan
    uid: 2004
    gid: 4000
    home: /home/dan
    shell: /bin/bash
`
	h := newTestHost(t, doc, basePasswd, baseGroup)

	r := h.engine.Run(context.Background(), Options{})
	want := []report.Entry{
		{Name: "group:eng", Kind: "CreateGroup", Outcome: report.Failed, Failure: report.KeyCollision, Reason: "id-collision"},
		{Name: "group:ops", Kind: "CreateGroup", Outcome: report.Failed, Failure: report.KeyCollision, Reason: "id-collision"},
		{Name: "user:dan", Kind: "CreateUser", Outcome: report.Skipped, Failure: report.DependencyBlocked, Reason: "blocked-by-dependency"},
	}
	if diff := cmp.Diff(want, r.Entries(), ignoreDetail); diff != "" {
		t.Errorf("Run() returned report diff (-want +got):\n%s", diff)
	}
	if got := r.ExitCode(); got != report.ExitIncomplete {
		t.Errorf("Run() exit code = %d, want %d", got, report.ExitIncomplete)
	}
	if got := h.read(t, "etc", "group"); got != baseGroup {
		t.Errorf("group = %q, want unchanged %q", got, baseGroup)
	}
}

func TestRunDeletesManagedOnly(t *testing.T) {
	passwd := basePasswd + "bob:x:2002:3000::/home/bob:/bin/sh\nzed:x:2009:3000::/home/zed:/bin/sh\n"
	h := newTestHost(t, aliceDocument, passwd, baseGroup,
		accounts.Key{Kind: accounts.KindUser, Name: "bob"},
		accounts.Key{Kind: accounts.KindUser, Name: "root"},
	)

	r := h.engine.Run(context.Background(), Options{})
	want := []report.Entry{
		{Name: "user:root", Kind: "DeleteUser", Outcome: report.Skipped, Failure: report.PermissionDenied, Reason: safety.ReasonProtected},
		{Name: "group:staff", Kind: "ModifyGroup", Outcome: report.Applied},
		{Name: "user:alice", Kind: "CreateUser", Outcome: report.Applied},
		{Name: "user:bob", Kind: "DeleteUser", Outcome: report.Applied},
	}
	if diff := cmp.Diff(want, r.Entries(), ignoreDetail); diff != "" {
		t.Errorf("Run() returned report diff (-want +got):\n%s", diff)
	}

	got := h.read(t, "etc", "passwd")
	if strings.Contains(got, "bob:") {
		t.Errorf("passwd = %q, want bob deleted", got)
	}
	for _, name := range []string{"root:", "zed:", "alice:"} {
		if !strings.Contains(got, name) {
			t.Errorf("passwd = %q, want %s kept", got, strings.TrimSuffix(name, ":"))
		}
	}

	wantLedger := []accounts.Key{{Kind: accounts.KindGroup, Name: "staff"}, {Kind: accounts.KindUser, Name: "alice"}}
	if diff := cmp.Diff(wantLedger, h.ledger(t)); diff != "" {
		t.Errorf("Ledger keys diff (-want +got):\n%s", diff)
	}
}

func TestRunDryRun(t *testing.T) {
	h := newTestHost(t, aliceDocument, basePasswd, baseGroup)

	r := h.engine.Run(context.Background(), Options{DryRun: true})
	want := []report.Entry{
		{Name: "group:staff", Kind: "ModifyGroup", Outcome: report.Planned},
		{Name: "user:alice", Kind: "CreateUser", Outcome: report.Planned},
	}
	if diff := cmp.Diff(want, r.Entries(), ignoreDetail); diff != "" {
		t.Errorf("Run() returned report diff (-want +got):\n%s", diff)
	}
	if got := h.read(t, "etc", "passwd"); got != basePasswd {
		t.Errorf("passwd = %q, want unchanged", got)
	}
	if _, err := os.Stat(h.engine.ledgerPath); !os.IsNotExist(err) {
		t.Errorf("Dry run wrote the managed ledger: %v", err)
	}
}

func TestRunOnly(t *testing.T) {
	doc := aliceDocument + `
  - name: carol
    uid: 2003
    gid: 3000
    home: /home/carol
    shell: /bin/bash
`
	h := newTestHost(t, doc, basePasswd, baseGroup)

	r := h.engine.Run(context.Background(), Options{Only: []string{"carol"}})
	want := []report.Entry{{Name: "user:carol", Kind: "CreateUser", Outcome: report.Applied}}
	if diff := cmp.Diff(want, r.Entries(), ignoreDetail); diff != "" {
		t.Errorf("Run() returned report diff (-want +got):\n%s", diff)
	}
	if got := h.read(t, "etc", "passwd"); strings.Contains(got, "alice:") {
		t.Errorf("passwd = %q, want alice not created", got)
	}
}

func TestRunMalformedRecord(t *testing.T) {
	doc := aliceDocument + `
  - name: carol
    uid: 2003
    gid: 3000
    home: relative
    shell: /bin/bash
`
	h := newTestHost(t, doc, basePasswd, baseGroup)

	r := h.engine.Run(context.Background(), Options{})
	want := []report.Entry{
		{Name: "user:carol", Kind: recordKind, Outcome: report.Skipped, Failure: report.MalformedRecord, Reason: reasonMalformed},
		{Name: "group:staff", Kind: "ModifyGroup", Outcome: report.Applied},
		{Name: "user:alice", Kind: "CreateUser", Outcome: report.Applied},
	}
	if diff := cmp.Diff(want, r.Entries(), ignoreDetail); diff != "" {
		t.Errorf("Run() returned report diff (-want +got):\n%s", diff)
	}
	if got := r.ExitCode(); got != report.ExitIncomplete {
		t.Errorf("Run() exit code = %d, want %d", got, report.ExitIncomplete)
	}
}

func TestRunFatal(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, h *testHost)
		wantErr error
	}{
		{
			name: "source-missing",
			setup: func(t *testing.T, h *testHost) {
				if err := os.Remove(h.source); err != nil {
					t.Fatalf("os.Remove(%s) failed: %v", h.source, err)
				}
			},
			wantErr: desired.ErrSourceUnavailable,
		},
		{
			name: "source-empty",
			setup: func(t *testing.T, h *testHost) {
				h.writeSource(t, "")
			},
			wantErr: desired.ErrSourceUnavailable,
		},
		{
			name: "lock-held",
			setup: func(t *testing.T, h *testHost) {
				l, err := runlock.Acquire(h.engine.lockPath)
				if err != nil {
					t.Fatalf("runlock.Acquire() failed: %v", err)
				}
				t.Cleanup(func() { l.Release() })
			},
			wantErr: runlock.ErrLocked,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHost(t, aliceDocument, basePasswd, baseGroup)
			tc.setup(t, h)

			r := h.engine.Run(context.Background(), Options{})
			if !errors.Is(r.Fatal(), tc.wantErr) {
				t.Errorf("Run() fatal error = %v, want %v", r.Fatal(), tc.wantErr)
			}
			if got := r.ExitCode(); got != report.ExitFatal {
				t.Errorf("Run() exit code = %d, want %d", got, report.ExitFatal)
			}
			if got := h.read(t, "etc", "passwd"); got != basePasswd {
				t.Errorf("passwd = %q, want unchanged", got)
			}
		})
	}
}

func TestRunSourceOverride(t *testing.T) {
	h := newTestHost(t, "users: [", basePasswd, baseGroup)
	other := h.path("other.yaml")
	if err := os.WriteFile(other, []byte(aliceDocument), 0600); err != nil {
		t.Fatalf("os.WriteFile(%s) failed: %v", other, err)
	}

	r := h.engine.Run(context.Background(), Options{Source: "file://" + other})
	if err := r.Fatal(); err != nil {
		t.Fatalf("Run() with source override failed: %v", err)
	}
	if got := r.Summary().Applied; got != 2 {
		t.Errorf("Run() applied %d change(s), want 2", got)
	}
}

func TestRunJSONReport(t *testing.T) {
	h := newTestHost(t, aliceDocument, basePasswd, baseGroup)
	h.engine.reportPath = h.path("report.json")

	h.engine.Run(context.Background(), Options{})

	var got struct {
		Summary report.Summary `json:"summary"`
	}
	if err := json.Unmarshal([]byte(h.read(t, "report.json")), &got); err != nil {
		t.Fatalf("json.Unmarshal(report.json) failed: %v", err)
	}
	if got.Summary.Applied != 2 {
		t.Errorf("report.json summary = %+v, want 2 applied", got.Summary)
	}
}

func TestNewBackend(t *testing.T) {
	tests := []struct {
		backend string
		wantErr bool
	}{
		{backend: ""},
		{backend: BackendFiles},
		{backend: BackendCommands},
		{backend: "ldap", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.backend, func(t *testing.T) {
			_, err := newBackend(&cfg.Accounts{Backend: tc.backend})
			if (err != nil) != tc.wantErr {
				t.Errorf("newBackend(%q) = %v, want error: %t", tc.backend, err, tc.wantErr)
			}
		})
	}
}
