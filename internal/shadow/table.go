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

package shadow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"syscall"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/utils/file"
)

// entry is a line of an account database file. Lines that couldn't be parsed
// (comments, NIS compat entries, entries with a wrong field count) have nil
// fields and are written back verbatim.
type entry struct {
	raw    string
	fields []string
}

// table is the in memory copy of an account database file.
type table struct {
	// name is the database name, i.e. "passwd".
	name string
	// path is the database file path.
	path string
	// perm is the permission used if the file has to be created.
	perm os.FileMode
	// exists is true if the file existed when it was loaded.
	exists bool
	// entries are the file lines in order.
	entries []*entry
	// dirty is true if the table changed since it was loaded.
	dirty bool
}

// loadTable reads a database file. A missing file results in an empty table.
// fieldCounts are the accepted numbers of fields per entry.
func loadTable(name, path string, perm os.FileMode, fieldCounts ...int) (*table, error) {
	t := &table{name: name, path: path, perm: perm}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			galog.V(2).Debugf("Account database %s does not exist, starting empty.", path)
			return t, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	t.exists = true

	seen := make(map[string]bool)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(data) == 0 {
		lines = nil
	}
	for i, line := range lines {
		e := &entry{raw: line}
		t.entries = append(t.entries, e)

		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-") {
			continue
		}
		fields := strings.Split(line, ":")
		if !slices.Contains(fieldCounts, len(fields)) || fields[0] == "" {
			// Never log the line itself, shadow lines carry password hashes.
			galog.Warnf("Preserving unparsed line %d of %s", i+1, path)
			continue
		}
		if seen[fields[0]] {
			galog.Warnf("Preserving duplicated entry at line %d of %s", i+1, path)
			continue
		}
		seen[fields[0]] = true
		e.fields = fields
	}

	return t, nil
}

// find returns the index of the named entry or -1.
func (t *table) find(name string) int {
	for i, e := range t.entries {
		if e.fields != nil && e.fields[0] == name {
			return i
		}
	}
	return -1
}

// get returns a copy of the named entry fields.
func (t *table) get(name string) ([]string, bool) {
	i := t.find(name)
	if i < 0 {
		return nil, false
	}
	return slices.Clone(t.entries[i].fields), true
}

// each calls fn with the line number and fields of every parsed entry.
func (t *table) each(fn func(line int, fields []string)) {
	for i, e := range t.entries {
		if e.fields != nil {
			fn(i+1, slices.Clone(e.fields))
		}
	}
}

// set replaces the named entry, or appends it if it doesn't exist.
func (t *table) set(fields []string) {
	fields = slices.Clone(fields)
	raw := strings.Join(fields, ":")
	i := t.find(fields[0])
	if i < 0 {
		t.entries = append(t.entries, &entry{raw: raw, fields: fields})
		t.dirty = true
		return
	}
	if t.entries[i].raw == raw {
		return
	}
	t.entries[i] = &entry{raw: raw, fields: fields}
	t.dirty = true
}

// remove deletes the named entry.
func (t *table) remove(name string) {
	i := t.find(name)
	if i < 0 {
		return
	}
	t.entries = slices.Delete(t.entries, i, i+1)
	t.dirty = true
}

func (t *table) bytes() []byte {
	var buf bytes.Buffer
	for _, e := range t.entries {
		buf.WriteString(e.raw)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// commit writes the table back if it changed. The new content is written to
// "<file>+" and synced, the current file is kept as "<file>-" and the new one
// is renamed into place. Mode and ownership of the current file are preserved.
func (t *table) commit(ctx context.Context) error {
	if !t.dirty {
		return nil
	}

	opts := file.Options{Perm: t.perm}
	if t.exists {
		info, err := os.Stat(t.path)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", t.path, err)
		}
		opts.Perm = info.Mode().Perm()
		if st, ok := info.Sys().(*syscall.Stat_t); ok {
			opts.Owner = &file.GUID{UID: int(st.Uid), GID: int(st.Gid)}
		}
		if err := file.CopyFile(ctx, t.path, t.path+"-", opts); err != nil {
			return fmt.Errorf("failed to back up %s: %w", t.path, err)
		}
	}

	tmp := t.path + "+"
	if err := writeSynced(tmp, t.bytes(), opts); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, t.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", t.path, err)
	}

	t.exists = true
	t.dirty = false
	galog.V(2).Debugf("Committed %s", t.path)
	return nil
}

// writeSynced writes data to path and flushes it to disk before returning.
func writeSynced(path string, data []byte, opts file.Options) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, opts.Perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := f.Chmod(opts.Perm); err != nil {
		f.Close()
		return fmt.Errorf("failed to set permissions of %s: %w", path, err)
	}
	if opts.Owner != nil {
		if err := f.Chown(opts.Owner.UID, opts.Owner.GID); err != nil {
			f.Close()
			return fmt.Errorf("failed to set ownership of %s: %w", path, err)
		}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}
