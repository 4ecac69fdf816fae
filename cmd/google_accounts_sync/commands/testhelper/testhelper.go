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

// Package testhelper provides helpers to run the CLI commands in unit tests.
package testhelper

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/cfg"
	"github.com/spf13/cobra"
)

// Host is a fake account database under a temp root.
type Host struct {
	// Root is the root directory the account database lives under.
	Root string
	// Source is the desired state document path.
	Source string
}

// Path returns the path of elem under the host's root.
func (h *Host) Path(elem ...string) string {
	return filepath.Join(append([]string{h.Root}, elem...)...)
}

// Read returns the content of the file elem under the host's root.
func (h *Host) Read(t *testing.T, elem ...string) string {
	t.Helper()
	data, err := os.ReadFile(h.Path(elem...))
	if err != nil {
		t.Fatalf("os.ReadFile(%s) failed: %v", h.Path(elem...), err)
	}
	return string(data)
}

// SetupHost creates an account database with only root defined, writes doc as
// the desired state and loads a configuration pointing at both.
func SetupHost(t *testing.T, doc string) *Host {
	t.Helper()
	root := t.TempDir()
	h := &Host{Root: root, Source: filepath.Join(root, "accounts.yaml")}

	if err := os.MkdirAll(h.Path("etc"), 0755); err != nil {
		t.Fatalf("os.MkdirAll(etc) failed: %v", err)
	}
	for name, content := range map[string]string{
		"passwd":  "root:x:0:0:root:/root:/bin/bash\n",
		"shadow":  "root:*:19000:0:99999:7:::\n",
		"group":   "root:x:0:\n",
		"gshadow": "root:*::\n",
	} {
		if err := os.WriteFile(h.Path("etc", name), []byte(content), 0600); err != nil {
			t.Fatalf("os.WriteFile(%s) failed: %v", name, err)
		}
	}
	if err := os.WriteFile(h.Source, []byte(doc), 0600); err != nil {
		t.Fatalf("os.WriteFile(%s) failed: %v", h.Source, err)
	}

	config := `
[Source]
url = ` + h.Source + `
timeout = 5s
retry_attempts = 1

[Accounts]
root_dir = ` + root + `
managed_ledger = ` + h.Path("var", "lib", "managed") + `
create_home = false
lock_timeout = 1s

[Safety]
session_check = false

[Daemon]
watch_source = false

[RunLock]
path = ` + h.Path("run", "sync.lock") + `
`
	if err := cfg.Load([]byte(config)); err != nil {
		t.Fatalf("cfg.Load() failed: %v", err)
	}
	return h
}

func captureOutput(ctx context.Context, cmd *cobra.Command, out io.Writer) {
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetContext(ctx)

	for _, subCmd := range cmd.Commands() {
		captureOutput(ctx, subCmd, out)
	}
}

// ExecuteCommand executes the given command and returns its output.
func ExecuteCommand(ctx context.Context, cmd *cobra.Command, args []string) (string, error) {
	out := new(bytes.Buffer)
	captureOutput(ctx, cmd, out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}
