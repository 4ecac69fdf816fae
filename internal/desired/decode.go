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

package desired

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/accounts"
	"gopkg.in/yaml.v3"
)

// document is the desired state document. Records are decoded one by one so a
// malformed record doesn't invalidate the others.
type document struct {
	Groups []yaml.Node `yaml:"groups"`
	Users  []yaml.Node `yaml:"users"`
}

type groupRecord struct {
	Name    string   `yaml:"name"`
	GID     *int     `yaml:"gid"`
	Members []string `yaml:"members"`
	Admins  []string `yaml:"admins"`
}

type agingRecord struct {
	LastChange *string `yaml:"last_change"`
	Expire     *string `yaml:"expire"`
	Inactive   *int    `yaml:"inactive"`
	MinDays    *int    `yaml:"min_days"`
	MaxDays    *int    `yaml:"max_days"`
	WarnDays   *int    `yaml:"warn_days"`
}

type userRecord struct {
	Name     string      `yaml:"name"`
	UID      *int        `yaml:"uid"`
	GID      *int        `yaml:"gid"`
	Comment  string      `yaml:"comment"`
	Home     string      `yaml:"home"`
	Shell    string      `yaml:"shell"`
	Groups   []string    `yaml:"groups"`
	Password *string     `yaml:"password"`
	Aging    agingRecord `yaml:"aging"`
}

// Decode parses a desired state document, YAML or JSON. Malformed records are
// returned apart and quarantined in the snapshot. An empty document is an
// error, it would otherwise read as "delete everything".
func Decode(data []byte) (*Result, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty desired state document")
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse desired state document: %w", err)
	}

	res := &Result{}
	var quarantine []accounts.Key
	malformed := func(kind accounts.EntityKind, name string, index int, reason string) {
		key := name
		if key == "" || accounts.ValidateName(name) != nil {
			key = fmt.Sprintf("#%d", index)
		} else {
			quarantine = append(quarantine, accounts.Key{Kind: kind, Name: name})
		}
		merr := &MalformedRecordError{Kind: kind, Key: key, Reason: reason}
		galog.Warnf("Skipping %v", merr)
		res.Malformed = append(res.Malformed, merr)
	}

	var groups []accounts.Group
	seenGroups := make(map[string]bool)
	for i, node := range doc.Groups {
		var rec groupRecord
		if err := node.Decode(&rec); err != nil {
			// Decoding errors may quote field values, passwords included.
			malformed(accounts.KindGroup, nodeName(&node), i, fmt.Sprintf("cannot decode record at line %d", node.Line))
			continue
		}
		g, err := rec.group()
		if err == nil && seenGroups[rec.Name] {
			err = errors.New("duplicated group name")
		}
		if err != nil {
			malformed(accounts.KindGroup, rec.Name, i, err.Error())
			continue
		}
		seenGroups[g.Name] = true
		groups = append(groups, g)
	}

	var users []accounts.User
	seenUsers := make(map[string]bool)
	for i, node := range doc.Users {
		var rec userRecord
		if err := node.Decode(&rec); err != nil {
			malformed(accounts.KindUser, nodeName(&node), i, fmt.Sprintf("cannot decode record at line %d", node.Line))
			continue
		}
		u, err := rec.user()
		if err == nil && seenUsers[rec.Name] {
			err = errors.New("duplicated user name")
		}
		if err == nil {
			for _, g := range u.Groups {
				if !seenGroups[g] {
					err = fmt.Errorf("group %s is not defined", g)
					break
				}
			}
		}
		if err != nil {
			malformed(accounts.KindUser, rec.Name, i, err.Error())
			continue
		}
		seenUsers[u.Name] = true
		users = append(users, u)
	}

	res.Snapshot = accounts.NewSnapshot(users, groups, quarantine...)
	return res, nil
}

// nodeName digs the name of a record that couldn't be decoded.
func nodeName(node *yaml.Node) string {
	var rec struct {
		Name string `yaml:"name"`
	}
	if err := node.Decode(&rec); err != nil {
		return ""
	}
	return rec.Name
}

func (r groupRecord) group() (accounts.Group, error) {
	if r.GID == nil {
		return accounts.Group{}, errors.New("missing gid")
	}
	g := accounts.Group{
		Name:    r.Name,
		GID:     *r.GID,
		Members: accounts.SortedSet(r.Members),
		Admins:  accounts.SortedSet(r.Admins),
	}
	return g, g.Validate()
}

func optionalDay(field string, v *string) (*accounts.Day, error) {
	if v == nil || *v == "" {
		return nil, nil
	}
	d, err := accounts.ParseDay(*v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return &d, nil
}

func (r userRecord) user() (accounts.User, error) {
	switch {
	case r.UID == nil:
		return accounts.User{}, errors.New("missing uid")
	case r.GID == nil:
		return accounts.User{}, errors.New("missing gid")
	case r.Home == "":
		return accounts.User{}, errors.New("missing home")
	case r.Shell == "":
		return accounts.User{}, errors.New("missing shell")
	}

	u := accounts.User{
		Name:     r.Name,
		UID:      *r.UID,
		GID:      *r.GID,
		Comment:  r.Comment,
		HomeDir:  r.Home,
		Shell:    r.Shell,
		Groups:   accounts.SortedSet(r.Groups),
		Password: r.Password,
		Aging: accounts.Aging{
			Inactive: r.Aging.Inactive,
			MinDays:  r.Aging.MinDays,
			MaxDays:  r.Aging.MaxDays,
			WarnDays: r.Aging.WarnDays,
		},
	}

	var err error
	if u.Aging.LastChange, err = optionalDay("last_change", r.Aging.LastChange); err != nil {
		return accounts.User{}, err
	}
	if u.Aging.Expire, err = optionalDay("expire", r.Aging.Expire); err != nil {
		return accounts.User{}, err
	}
	return u, u.Validate()
}
