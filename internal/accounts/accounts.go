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

// Package accounts holds the canonical representation of users, groups and
// password aging policies and the account database backend implemented on top
// of the shadow-utils commands.
package accounts

import (
	"errors"
	"fmt"
	"os/user"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	// MaxNameLength is the maximum length of user and group names.
	MaxNameLength = 256
	// MaxCommentLength is the maximum length, in bytes, of the GECOS field.
	MaxCommentLength = 256
	// MaxID is the largest valid uid or gid.
	MaxID = 1<<32 - 1
	// LockedPassword is the password hash assigned to new users whose password
	// is not managed.
	LockedPassword = "!"
)

var (
	namePattern = regexp.MustCompile(`^[a-zA-Z0-9_.][-a-zA-Z0-9_.]*$`)
	// fieldForbidden are the characters that can't appear in any account
	// database field.
	fieldForbidden = ":\n\v\f\x00"
)

// Day is a calendar day counted since the unix epoch, the unit used by the
// shadow password aging fields.
type Day int64

// Time returns the time at midnight UTC of the day.
func (d Day) Time() time.Time {
	return time.Unix(int64(d)*24*60*60, 0).UTC()
}

// String returns the day in the YYYY-MM-DD format.
func (d Day) String() string {
	return d.Time().Format(time.DateOnly)
}

// DayOf returns the day the given time belongs to.
func DayOf(t time.Time) Day {
	return Day(t.UTC().Unix() / (24 * 60 * 60))
}

// ParseDay parses a YYYY-MM-DD date.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return 0, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DayOf(t), nil
}

// Aging is the password aging policy of a user. Nil fields are empty in the
// shadow database.
type Aging struct {
	// LastChange is the date of the last password change.
	LastChange *Day
	// Expire is the date the account expires.
	Expire *Day
	// Inactive is the number of days after password expiration the account is
	// locked.
	Inactive *int
	// MinDays is the minimum number of days between password changes.
	MinDays *int
	// MaxDays is the maximum password age in days.
	MaxDays *int
	// WarnDays is the number of days before expiration the user is warned.
	WarnDays *int
}

// User is the canonical representation of a user.
type User struct {
	// Name is the user name, it's the user's key.
	Name string
	// UID is the user id.
	UID int
	// GID is the primary group id.
	GID int
	// Comment is the GECOS field.
	Comment string
	// HomeDir is the home directory of the user.
	HomeDir string
	// Shell is the login shell of the user.
	Shell string
	// Groups are the sorted names of the user's secondary groups.
	Groups []string
	// Password is the hashed password. Nil means the password is not managed.
	Password *string
	// Aging is the password aging policy.
	Aging Aging
}

// Group is the canonical representation of a group.
type Group struct {
	// Name is the group name, it's the group's key.
	Name string
	// GID is the group id.
	GID int
	// Members are the sorted names of the group members.
	Members []string
	// Admins are the sorted names of the group administrators.
	Admins []string
}

// Clone returns a deep copy of the user.
func (u User) Clone() User {
	res := u
	res.Groups = slices.Clone(u.Groups)
	if u.Password != nil {
		res.Password = Ptr(*u.Password)
	}
	res.Aging = Aging{
		LastChange: clonePtr(u.Aging.LastChange),
		Expire:     clonePtr(u.Aging.Expire),
		Inactive:   clonePtr(u.Aging.Inactive),
		MinDays:    clonePtr(u.Aging.MinDays),
		MaxDays:    clonePtr(u.Aging.MaxDays),
		WarnDays:   clonePtr(u.Aging.WarnDays),
	}
	return res
}

// Clone returns a deep copy of the group.
func (g Group) Clone() Group {
	res := g
	res.Members = slices.Clone(g.Members)
	res.Admins = slices.Clone(g.Admins)
	return res
}

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T {
	return &v
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	return Ptr(*p)
}

// SortedSet returns the sorted, de-duplicated copy of names without empty
// entries.
func SortedSet(names []string) []string {
	var res []string
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			res = append(res, n)
		}
	}
	slices.Sort(res)
	return slices.Compact(res)
}

// ValidateName checks a user or group name.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("empty name")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name longer than %d characters", MaxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name %q contains invalid characters", name)
	}
	return nil
}

// ValidateField checks a free text account database field.
func ValidateField(field, value string) error {
	if strings.ContainsAny(value, fieldForbidden) {
		return fmt.Errorf("%s contains a forbidden character", field)
	}
	return nil
}

// ValidateID checks a uid or gid.
func ValidateID(field string, id int) error {
	if id < 0 || int64(id) > MaxID {
		return fmt.Errorf("%s %d out of range [0, %d]", field, id, MaxID)
	}
	return nil
}

func validatePath(field, p string) error {
	if err := ValidateField(field, p); err != nil {
		return err
	}
	if !filepath.IsAbs(p) {
		return fmt.Errorf("%s %q is not an absolute path", field, p)
	}
	return nil
}

// Validate checks the user fields, it doesn't check references to groups.
func (u User) Validate() error {
	if err := ValidateName(u.Name); err != nil {
		return err
	}
	if err := ValidateID("uid", u.UID); err != nil {
		return err
	}
	if err := ValidateID("gid", u.GID); err != nil {
		return err
	}
	if err := ValidateField("comment", u.Comment); err != nil {
		return err
	}
	if len(u.Comment) > MaxCommentLength {
		return fmt.Errorf("comment longer than %d bytes", MaxCommentLength)
	}
	if err := validatePath("home", u.HomeDir); err != nil {
		return err
	}
	if err := validatePath("shell", u.Shell); err != nil {
		return err
	}
	if u.Password != nil {
		if err := ValidateField("password", *u.Password); err != nil {
			return err
		}
	}
	for _, g := range u.Groups {
		if err := ValidateName(g); err != nil {
			return fmt.Errorf("invalid group %q: %w", g, err)
		}
	}
	for field, v := range map[string]*int{
		"inactive":  u.Aging.Inactive,
		"min_days":  u.Aging.MinDays,
		"max_days":  u.Aging.MaxDays,
		"warn_days": u.Aging.WarnDays,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must not be negative", field)
		}
	}
	return nil
}

// Validate checks the group fields.
func (g Group) Validate() error {
	if err := ValidateName(g.Name); err != nil {
		return err
	}
	if err := ValidateID("gid", g.GID); err != nil {
		return err
	}
	for _, m := range append(slices.Clone(g.Members), g.Admins...) {
		if err := ValidateName(m); err != nil {
			return fmt.Errorf("invalid member %q: %w", m, err)
		}
	}
	return nil
}

// IsNotExist returns true if err reports a missing user or group.
func IsNotExist(err error) bool {
	var uerr user.UnknownUserError
	var gerr user.UnknownGroupError
	return errors.As(err, &uerr) || errors.As(err, &gerr)
}

// FormatOptional formats an optional value the way it's stored in the account
// database, nil values are empty strings.
func FormatOptional[T Day | int](v *T) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(int64(*v), 10)
}
