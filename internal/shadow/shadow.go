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

// Package shadow reads and writes the passwd, group, shadow and gshadow files
// directly, under the same locks shadow-utils uses.
package shadow

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/accounts"
)

const (
	// DefaultLockTimeout is used when a DB is created without a lock timeout.
	DefaultLockTimeout = 15 * time.Second
)

// DB is the account database rooted at a directory, "/" for the running
// system.
type DB struct {
	root        string
	lockTimeout time.Duration
}

// New returns the account database under root.
func New(root string, lockTimeout time.Duration) *DB {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &DB{root: root, lockTimeout: lockTimeout}
}

func (db *DB) path(name string) string {
	return filepath.Join(db.root, "etc", name)
}

// Tx is an account database transaction. Changes are kept in memory until the
// transaction commits.
type Tx struct {
	passwd  *table
	group   *table
	gshadow *table
	shadow  *table
}

// transaction loads the four files under lock, runs fn and, if write is set
// and fn succeeded, writes the changed files back. The lock is released on
// every path.
func (db *DB) transaction(ctx context.Context, write bool, fn func(*Tx) error) error {
	// Lock order follows shadow-utils, it's also the commit order with the
	// shadow file written last.
	files := []string{db.path("passwd"), db.path("group"), db.path("gshadow"), db.path("shadow")}
	lock, err := lockDatabase(ctx, db.path(".pwd.lock"), db.lockTimeout, files)
	if err != nil {
		return err
	}
	defer lock.release()

	tx := &Tx{}
	if tx.passwd, err = loadTable("passwd", files[0], 0644, accounts.PasswdFields); err != nil {
		return err
	}
	if tx.group, err = loadTable("group", files[1], 0644, accounts.GroupFields); err != nil {
		return err
	}
	if tx.gshadow, err = loadTable("gshadow", files[2], 0600, accounts.GShadowFields); err != nil {
		return err
	}
	if tx.shadow, err = loadTable("shadow", files[3], 0600, accounts.ShadowFields, accounts.ShadowFields-1); err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return err
	}
	if !write {
		return nil
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted before commit: %w", err)
	}
	// Cancellation never interrupts a started commit.
	commitCtx := context.WithoutCancel(ctx)
	for _, t := range []*table{tx.group, tx.gshadow, tx.passwd, tx.shadow} {
		if err := t.commit(commitCtx); err != nil {
			return err
		}
	}
	return nil
}

// Read returns a snapshot of the account database taken under the database
// lock.
func (db *DB) Read(ctx context.Context) (*accounts.Snapshot, error) {
	var snap *accounts.Snapshot
	err := db.transaction(ctx, false, func(tx *Tx) error {
		snap = tx.Snapshot()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read account database: %w", err)
	}
	return snap, nil
}

// Update runs fn in a transaction and commits its changes if fn succeeds.
func (db *DB) Update(ctx context.Context, fn func(*Tx) error) error {
	return db.transaction(ctx, true, fn)
}

// User returns the named user with its shadow entry applied.
func (tx *Tx) User(name string) (accounts.User, bool) {
	fields, ok := tx.passwd.get(name)
	if !ok {
		return accounts.User{}, false
	}
	u, err := accounts.UserFromPasswd(fields)
	if err != nil {
		return accounts.User{}, false
	}
	if sf, ok := tx.shadow.get(name); ok {
		if err := u.ApplyShadow(sf); err != nil {
			galog.Warnf("Ignoring malformed shadow entry of %s", name)
		}
	}
	u.Groups = tx.memberOf(name)
	return u, true
}

// memberOf returns the sorted names of the groups listing name as member.
func (tx *Tx) memberOf(name string) []string {
	var res []string
	tx.group.each(func(_ int, fields []string) {
		if g, err := accounts.GroupFromGroup(fields); err == nil && slices.Contains(g.Members, name) {
			res = append(res, g.Name)
		}
	})
	slices.Sort(res)
	return res
}

// Group returns the named group with its gshadow entry applied.
func (tx *Tx) Group(name string) (accounts.Group, bool) {
	fields, ok := tx.group.get(name)
	if !ok {
		return accounts.Group{}, false
	}
	g, err := accounts.GroupFromGroup(fields)
	if err != nil {
		return accounts.Group{}, false
	}
	if gf, ok := tx.gshadow.get(name); ok {
		if err := g.ApplyGShadow(gf); err != nil {
			galog.Warnf("Ignoring malformed gshadow entry of %s", name)
		}
	}
	return g, true
}

// Snapshot builds a snapshot of the transaction's current state. Entries that
// can't be decoded are skipped with a warning referring to their line.
func (tx *Tx) Snapshot() *accounts.Snapshot {
	shadowByName := make(map[string][]string)
	tx.shadow.each(func(_ int, fields []string) { shadowByName[fields[0]] = fields })
	gshadowByName := make(map[string][]string)
	tx.gshadow.each(func(_ int, fields []string) { gshadowByName[fields[0]] = fields })

	var users []accounts.User
	tx.passwd.each(func(line int, fields []string) {
		u, err := accounts.UserFromPasswd(fields)
		if err != nil {
			galog.Warnf("Skipping line %d of %s: %v", line, tx.passwd.path, err)
			return
		}
		if sf, ok := shadowByName[u.Name]; ok {
			if err := u.ApplyShadow(sf); err != nil {
				galog.Warnf("Skipping malformed shadow entry of %s", u.Name)
			}
		}
		users = append(users, u)
	})

	var groups []accounts.Group
	tx.group.each(func(line int, fields []string) {
		g, err := accounts.GroupFromGroup(fields)
		if err != nil {
			galog.Warnf("Skipping line %d of %s: %v", line, tx.group.path, err)
			return
		}
		if gf, ok := gshadowByName[g.Name]; ok {
			if err := g.ApplyGShadow(gf); err != nil {
				galog.Warnf("Skipping malformed gshadow entry of %s", g.Name)
			}
		}
		groups = append(groups, g)
	})

	return accounts.NewSnapshot(users, groups)
}

// PutGroup creates or replaces the group entries. The gshadow entry is only
// maintained if the gshadow file exists.
func (tx *Tx) PutGroup(g accounts.Group) {
	tx.group.set(g.GroupFields())
	if !tx.gshadow.exists {
		return
	}
	password := accounts.DefaultGroupShadowPassword
	if cur, ok := tx.gshadow.get(g.Name); ok {
		password = cur[1]
	}
	tx.gshadow.set(g.GShadowFields(password))
}

// DeleteGroup removes the group entries.
func (tx *Tx) DeleteGroup(name string) {
	tx.group.remove(name)
	tx.gshadow.remove(name)
}

// PutUser creates or replaces the user entries and adds the user to the
// existing groups listed in its groups. A nil password keeps the current one,
// or locks a new user.
func (tx *Tx) PutUser(u accounts.User) {
	tx.passwd.set(u.PasswdFields())

	for _, gname := range u.Groups {
		g, ok := tx.Group(gname)
		if !ok || slices.Contains(g.Members, u.Name) {
			continue
		}
		g.Members = accounts.SortedSet(append(g.Members, u.Name))
		tx.PutGroup(g)
	}

	if !tx.shadow.exists {
		return
	}
	password := accounts.LockedPassword
	if cur, ok := tx.shadow.get(u.Name); ok {
		password = cur[1]
	}
	tx.shadow.set(u.ShadowFields(password))
}

// DeleteUser removes the user entries and its group memberships.
func (tx *Tx) DeleteUser(name string) {
	tx.passwd.remove(name)
	tx.shadow.remove(name)

	for _, gname := range tx.memberOf(name) {
		g, _ := tx.Group(gname)
		g.Members = slices.DeleteFunc(g.Members, func(m string) bool { return m == name })
		tx.PutGroup(g)
	}
	// Administrators are only listed in gshadow.
	tx.gshadow.each(func(_ int, fields []string) {
		g, ok := tx.Group(fields[0])
		if !ok || !slices.Contains(g.Admins, name) {
			return
		}
		g.Admins = slices.DeleteFunc(g.Admins, func(m string) bool { return m == name })
		tx.PutGroup(g)
	})
}
