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
	"maps"
	"slices"
	"strings"
)

// EntityKind tells users and groups apart when they are referred to by name.
type EntityKind string

const (
	// KindUser is the kind of user entities.
	KindUser EntityKind = "user"
	// KindGroup is the kind of group entities.
	KindGroup EntityKind = "group"
)

// Key identifies an entity across the account database.
type Key struct {
	// Kind is the entity kind.
	Kind EntityKind
	// Name is the user or group name.
	Name string
}

// String returns the "kind:name" representation of the key.
func (k Key) String() string {
	return string(k.Kind) + ":" + k.Name
}

// ParseKey parses the "kind:name" representation of a key.
func ParseKey(s string) (Key, error) {
	kind, name, found := strings.Cut(s, ":")
	if !found || name == "" {
		return Key{}, fmt.Errorf("invalid entity key %q", s)
	}
	switch EntityKind(kind) {
	case KindUser, KindGroup:
		return Key{Kind: EntityKind(kind), Name: name}, nil
	default:
		return Key{}, fmt.Errorf("invalid entity kind %q in key %q", kind, s)
	}
}

// Snapshot is an immutable set of users and groups keyed by name. Accessors
// return copies, a Snapshot is never mutated after it's built.
type Snapshot struct {
	users      map[string]User
	groups     map[string]Group
	quarantine map[Key]bool
}

// NewSnapshot builds a snapshot from users and groups, later records with a
// duplicated name replace earlier ones. Membership is normalized: a group's
// members are its own members plus every user listing it as a secondary group,
// and each user's groups are derived back from the groups' members. Groups
// referenced by users but not present in groups are kept in the user's
// groups.
func NewSnapshot(users []User, groups []Group, quarantine ...Key) *Snapshot {
	s := &Snapshot{
		users:      make(map[string]User, len(users)),
		groups:     make(map[string]Group, len(groups)),
		quarantine: make(map[Key]bool, len(quarantine)),
	}

	for _, g := range groups {
		g = g.Clone()
		g.Members = SortedSet(g.Members)
		g.Admins = SortedSet(g.Admins)
		s.groups[g.Name] = g
	}

	dangling := make(map[string][]string)
	for _, u := range users {
		u = u.Clone()
		for _, gname := range u.Groups {
			g, ok := s.groups[gname]
			if !ok {
				dangling[u.Name] = append(dangling[u.Name], gname)
				continue
			}
			g.Members = SortedSet(append(g.Members, u.Name))
			s.groups[gname] = g
		}
		s.users[u.Name] = u
	}

	for name, u := range s.users {
		u.Groups = dangling[name]
		s.users[name] = u
	}
	for _, g := range s.groups {
		for _, m := range g.Members {
			if u, ok := s.users[m]; ok {
				u.Groups = append(u.Groups, g.Name)
				s.users[m] = u
			}
		}
	}
	for name, u := range s.users {
		u.Groups = SortedSet(u.Groups)
		s.users[name] = u
	}

	for _, k := range quarantine {
		s.quarantine[k] = true
	}
	return s
}

// User returns a copy of the named user.
func (s *Snapshot) User(name string) (User, bool) {
	u, ok := s.users[name]
	if !ok {
		return User{}, false
	}
	return u.Clone(), true
}

// Group returns a copy of the named group.
func (s *Snapshot) Group(name string) (Group, bool) {
	g, ok := s.groups[name]
	if !ok {
		return Group{}, false
	}
	return g.Clone(), true
}

// UserNames returns the sorted user names.
func (s *Snapshot) UserNames() []string {
	return slices.Sorted(maps.Keys(s.users))
}

// GroupNames returns the sorted group names.
func (s *Snapshot) GroupNames() []string {
	return slices.Sorted(maps.Keys(s.groups))
}

// Users returns copies of all users sorted by name.
func (s *Snapshot) Users() []User {
	var res []User
	for _, name := range s.UserNames() {
		res = append(res, s.users[name].Clone())
	}
	return res
}

// Groups returns copies of all groups sorted by name.
func (s *Snapshot) Groups() []Group {
	var res []Group
	for _, name := range s.GroupNames() {
		res = append(res, s.groups[name].Clone())
	}
	return res
}

// GroupByGID returns the names of the groups using gid, sorted.
func (s *Snapshot) GroupByGID(gid int) []string {
	var res []string
	for _, name := range s.GroupNames() {
		if s.groups[name].GID == gid {
			res = append(res, name)
		}
	}
	return res
}

// UsersByUID returns the names of the users using uid, sorted.
func (s *Snapshot) UsersByUID(uid int) []string {
	var res []string
	for _, name := range s.UserNames() {
		if s.users[name].UID == uid {
			res = append(res, name)
		}
	}
	return res
}

// PrimaryUsers returns the sorted names of the users whose primary group id is
// gid.
func (s *Snapshot) PrimaryUsers(gid int) []string {
	var res []string
	for _, name := range s.UserNames() {
		if s.users[name].GID == gid {
			res = append(res, name)
		}
	}
	return res
}

// Quarantined returns true if the entity was dropped from the snapshot because
// its record was malformed.
func (s *Snapshot) Quarantined(k Key) bool {
	return s.quarantine[k]
}

// Quarantine returns the quarantined keys sorted by their string form.
func (s *Snapshot) Quarantine() []Key {
	return slices.SortedFunc(maps.Keys(s.quarantine), func(a, b Key) int {
		return strings.Compare(a.String(), b.String())
	})
}

// Len returns the number of users and groups in the snapshot.
func (s *Snapshot) Len() (int, int) {
	return len(s.users), len(s.groups)
}
