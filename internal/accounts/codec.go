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
	"fmt"
	"strconv"
	"strings"
)

const (
	// PasswdFields is the number of fields of a passwd entry.
	PasswdFields = 7
	// GroupFields is the number of fields of a group entry.
	GroupFields = 4
	// GShadowFields is the number of fields of a gshadow entry.
	GShadowFields = 4
	// ShadowFields is the number of fields of a shadow entry, the last one is
	// reserved and some systems omit it.
	ShadowFields = 9
	// ShadowPlaceholder is the password field of passwd and group entries whose
	// password lives in the shadow databases.
	ShadowPlaceholder = "x"
	// DefaultUserShadowPassword is the shadow password of users without one.
	DefaultUserShadowPassword = "!!"
	// DefaultGroupShadowPassword is the gshadow password of groups without one.
	DefaultGroupShadowPassword = "!"
)

func parseID(field, v string) (int, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", field, v)
	}
	if err := ValidateID(field, int(id)); err != nil {
		return 0, err
	}
	return int(id), nil
}

// parseOptional parses an optional numeric shadow field, empty and negative
// values are unset.
func parseOptional(field, v string) (*int, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", field, v)
	}
	if n < 0 {
		return nil, nil
	}
	return &n, nil
}

func parseOptionalDay(field, v string) (*Day, error) {
	n, err := parseOptional(field, v)
	if n == nil || err != nil {
		return nil, err
	}
	return Ptr(Day(*n)), nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	return SortedSet(strings.Split(v, ","))
}

// UserFromPasswd builds a user from the fields of a passwd entry.
func UserFromPasswd(fields []string) (User, error) {
	if len(fields) != PasswdFields {
		return User{}, fmt.Errorf("passwd entry has %d fields, want %d", len(fields), PasswdFields)
	}
	uid, err := parseID("uid", fields[2])
	if err != nil {
		return User{}, err
	}
	gid, err := parseID("gid", fields[3])
	if err != nil {
		return User{}, err
	}
	return User{
		Name:    fields[0],
		UID:     uid,
		GID:     gid,
		Comment: fields[4],
		HomeDir: fields[5],
		Shell:   fields[6],
	}, nil
}

// PasswdFields returns the fields of the user's passwd entry.
func (u User) PasswdFields() []string {
	return []string{
		u.Name,
		ShadowPlaceholder,
		strconv.Itoa(u.UID),
		strconv.Itoa(u.GID),
		u.Comment,
		u.HomeDir,
		u.Shell,
	}
}

// ApplyShadow sets the user's password and aging policy from the fields of a
// shadow entry.
func (u *User) ApplyShadow(fields []string) error {
	if len(fields) != ShadowFields && len(fields) != ShadowFields-1 {
		return fmt.Errorf("shadow entry has %d fields, want %d", len(fields), ShadowFields)
	}

	var aging Aging
	var err error
	if aging.LastChange, err = parseOptionalDay("last_change", fields[2]); err != nil {
		return err
	}
	if aging.MinDays, err = parseOptional("min_days", fields[3]); err != nil {
		return err
	}
	if aging.MaxDays, err = parseOptional("max_days", fields[4]); err != nil {
		return err
	}
	if aging.WarnDays, err = parseOptional("warn_days", fields[5]); err != nil {
		return err
	}
	if aging.Inactive, err = parseOptional("inactive", fields[6]); err != nil {
		return err
	}
	if aging.Expire, err = parseOptionalDay("expire", fields[7]); err != nil {
		return err
	}

	u.Password = Ptr(fields[1])
	u.Aging = aging
	return nil
}

// ShadowFields returns the fields of the user's shadow entry. current is the
// password kept when the user's password isn't managed.
func (u User) ShadowFields(current string) []string {
	password := current
	if u.Password != nil {
		password = *u.Password
	}
	return []string{
		u.Name,
		password,
		FormatOptional(u.Aging.LastChange),
		FormatOptional(u.Aging.MinDays),
		FormatOptional(u.Aging.MaxDays),
		FormatOptional(u.Aging.WarnDays),
		FormatOptional(u.Aging.Inactive),
		FormatOptional(u.Aging.Expire),
		"",
	}
}

// GroupFromGroup builds a group from the fields of a group entry.
func GroupFromGroup(fields []string) (Group, error) {
	if len(fields) != GroupFields {
		return Group{}, fmt.Errorf("group entry has %d fields, want %d", len(fields), GroupFields)
	}
	gid, err := parseID("gid", fields[2])
	if err != nil {
		return Group{}, err
	}
	return Group{
		Name:    fields[0],
		GID:     gid,
		Members: splitList(fields[3]),
	}, nil
}

// GroupFields returns the fields of the group's group entry.
func (g Group) GroupFields() []string {
	return []string{g.Name, ShadowPlaceholder, strconv.Itoa(g.GID), strings.Join(g.Members, ",")}
}

// ApplyGShadow sets the group's administrators from the fields of a gshadow
// entry.
func (g *Group) ApplyGShadow(fields []string) error {
	if len(fields) != GShadowFields {
		return fmt.Errorf("gshadow entry has %d fields, want %d", len(fields), GShadowFields)
	}
	g.Admins = splitList(fields[2])
	return nil
}

// GShadowFields returns the fields of the group's gshadow entry. current is the
// group password kept as is.
func (g Group) GShadowFields(current string) []string {
	return []string{g.Name, current, strings.Join(g.Admins, ","), strings.Join(g.Members, ",")}
}
