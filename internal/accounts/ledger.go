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

package accounts

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/utils/file"
)

// ledgerMu protects operations manipulating ledger files.
var ledgerMu sync.RWMutex

// Ledger is the list of entities owned by the reconciliation. Only entities in
// the ledger are ever deleted from the host. The file holds one "kind:name"
// key per line.
type Ledger struct {
	// path is the ledger file path.
	path string
	// keys is the set of managed entities.
	keys map[Key]bool
}

// LoadLedger reads the ledger file, a missing file is an empty ledger. Lines
// that aren't valid keys are ignored.
func LoadLedger(path string) (*Ledger, error) {
	ledgerMu.RLock()
	defer ledgerMu.RUnlock()

	res := &Ledger{path: path, keys: make(map[Key]bool)}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			galog.V(2).Debugf("Managed ledger %s does not exist, starting empty.", path)
			return res, nil
		}
		return nil, fmt.Errorf("could not read managed ledger %s: %w", path, err)
	}

	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, err := ParseKey(line)
		if err != nil {
			galog.Warnf("Ignoring line %d of managed ledger %s: %v", i+1, path, err)
			continue
		}
		res.keys[k] = true
	}

	return res, nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Contains returns true if the entity is managed.
func (l *Ledger) Contains(k Key) bool {
	return l.keys[k]
}

// Add records the entity as managed.
func (l *Ledger) Add(k Key) {
	l.keys[k] = true
}

// Remove forgets the entity.
func (l *Ledger) Remove(k Key) {
	delete(l.keys, k)
}

// Keys returns the managed keys sorted by their string form.
func (l *Ledger) Keys() []Key {
	return slices.SortedFunc(maps.Keys(l.keys), func(a, b Key) int {
		return strings.Compare(a.String(), b.String())
	})
}

// Save writes the ledger file. Returns wrapped os errors on failure.
func (l *Ledger) Save(ctx context.Context) error {
	ledgerMu.Lock()
	defer ledgerMu.Unlock()

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("could not create directory %s for managed ledger: %w", dir, err)
	}

	var sb strings.Builder
	for _, k := range l.Keys() {
		sb.WriteString(k.String())
		sb.WriteString("\n")
	}

	if err := file.SaferWriteFile(ctx, []byte(sb.String()), l.path, file.Options{Perm: 0600}); err != nil {
		return fmt.Errorf("failed writing managed ledger %s: %w", l.path, err)
	}
	return nil
}
