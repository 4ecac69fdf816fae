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
	"context"
	"fmt"
	"os/user"
	"strconv"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/accounts"
)

// LookupUser returns the current state of the user. Returns
// user.UnknownUserError if the user doesn't exist.
func (db *DB) LookupUser(ctx context.Context, name string) (*accounts.User, error) {
	var res *accounts.User
	err := db.transaction(ctx, false, func(tx *Tx) error {
		u, ok := tx.User(name)
		if !ok {
			return user.UnknownUserError(name)
		}
		res = &u
		return nil
	})
	return res, err
}

// LookupGroup returns the current state of the group. Returns
// user.UnknownGroupError if the group doesn't exist.
func (db *DB) LookupGroup(ctx context.Context, name string) (*accounts.Group, error) {
	var res *accounts.Group
	err := db.transaction(ctx, false, func(tx *Tx) error {
		g, ok := tx.Group(name)
		if !ok {
			return user.UnknownGroupError(name)
		}
		res = &g
		return nil
	})
	return res, err
}

// CreateGroup writes a new group. Fails if the name or the gid is taken.
func (db *DB) CreateGroup(ctx context.Context, g accounts.Group) error {
	galog.V(1).Debugf("Creating group %s", g.Name)
	return db.Update(ctx, func(tx *Tx) error {
		if _, ok := tx.Group(g.Name); ok {
			return fmt.Errorf("group %s already exists", g.Name)
		}
		if err := tx.gidTaken(g.GID, g.Name); err != nil {
			return err
		}
		tx.PutGroup(g)
		return nil
	})
}

// ModifyGroup replaces the group with target.
func (db *DB) ModifyGroup(ctx context.Context, current, target accounts.Group) error {
	galog.V(1).Debugf("Modifying group %s", target.Name)
	return db.Update(ctx, func(tx *Tx) error {
		if _, ok := tx.Group(target.Name); !ok {
			return user.UnknownGroupError(target.Name)
		}
		if current.GID != target.GID {
			if err := tx.gidTaken(target.GID, target.Name); err != nil {
				return err
			}
		}
		tx.PutGroup(target)
		return nil
	})
}

// DeleteGroup removes the group. Deleting a missing group is a no-op.
func (db *DB) DeleteGroup(ctx context.Context, name string) error {
	galog.V(1).Debugf("Deleting group %s", name)
	return db.Update(ctx, func(tx *Tx) error {
		tx.DeleteGroup(name)
		return nil
	})
}

// CreateUser writes a new user. A user without a managed password is created
// locked. Fails if the name or the uid is taken.
func (db *DB) CreateUser(ctx context.Context, u accounts.User) error {
	galog.V(1).Debugf("Creating user %s", u.Name)
	return db.Update(ctx, func(tx *Tx) error {
		if _, ok := tx.User(u.Name); ok {
			return fmt.Errorf("user %s already exists", u.Name)
		}
		if err := tx.uidTaken(u.UID, u.Name); err != nil {
			return err
		}
		tx.PutUser(u)
		return nil
	})
}

// ModifyUser replaces the user with target, keeping the current password if
// target's isn't managed.
func (db *DB) ModifyUser(ctx context.Context, current, target accounts.User) error {
	galog.V(1).Debugf("Modifying user %s", target.Name)
	return db.Update(ctx, func(tx *Tx) error {
		if _, ok := tx.User(target.Name); !ok {
			return user.UnknownUserError(target.Name)
		}
		if current.UID != target.UID {
			if err := tx.uidTaken(target.UID, target.Name); err != nil {
				return err
			}
		}
		tx.PutUser(target)
		return nil
	})
}

// DeleteUser removes the user and its group memberships. Deleting a missing
// user is a no-op.
func (db *DB) DeleteUser(ctx context.Context, name string) error {
	galog.V(1).Debugf("Deleting user %s", name)
	return db.Update(ctx, func(tx *Tx) error {
		tx.DeleteUser(name)
		return nil
	})
}

// uidTaken returns an error if another user already uses uid.
func (tx *Tx) uidTaken(uid int, name string) error {
	var owner string
	want := strconv.Itoa(uid)
	tx.passwd.each(func(_ int, fields []string) {
		if owner == "" && fields[2] == want && fields[0] != name {
			owner = fields[0]
		}
	})
	if owner != "" {
		return fmt.Errorf("uid %d is already used by %s", uid, owner)
	}
	return nil
}

// gidTaken returns an error if another group already uses gid.
func (tx *Tx) gidTaken(gid int, name string) error {
	var owner string
	want := strconv.Itoa(gid)
	tx.group.each(func(_ int, fields []string) {
		if owner == "" && fields[2] == want && fields[0] != name {
			owner = fields[0]
		}
	})
	if owner != "" {
		return fmt.Errorf("gid %d is already used by %s", gid, owner)
	}
	return nil
}
