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

package plan

import (
	"strconv"
	"strings"

	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/accounts"
)

// redacted replaces secret values in deltas.
const redacted = "<redacted>"

// field describes how a managed field of T is compared.
type field[T any] struct {
	// name is the field name reported in deltas.
	name string
	// destructive marks changes that alter the entity identity.
	destructive bool
	// secret fields never show their values in deltas.
	secret bool
	// value returns the comparable form of the field.
	value func(T) string
	// managed returns false if the desired record leaves the field alone.
	managed func(desired T) bool
}

// userFields are the managed user fields. Secondary groups aren't compared,
// membership is carried by the groups' members.
var userFields = []field[accounts.User]{
	{name: "uid", destructive: true, value: func(u accounts.User) string { return strconv.Itoa(u.UID) }},
	{name: "gid", destructive: true, value: func(u accounts.User) string { return strconv.Itoa(u.GID) }},
	{name: "comment", value: func(u accounts.User) string { return u.Comment }},
	{name: "home", value: func(u accounts.User) string { return u.HomeDir }},
	{name: "shell", value: func(u accounts.User) string { return u.Shell }},
	{
		name:   "password",
		secret: true,
		value: func(u accounts.User) string {
			if u.Password == nil {
				return ""
			}
			return *u.Password
		},
		managed: func(u accounts.User) bool { return u.Password != nil },
	},
	{name: "last_change", value: func(u accounts.User) string { return accounts.FormatOptional(u.Aging.LastChange) }},
	{name: "expire", value: func(u accounts.User) string { return accounts.FormatOptional(u.Aging.Expire) }},
	{name: "inactive", value: func(u accounts.User) string { return accounts.FormatOptional(u.Aging.Inactive) }},
	{name: "min_days", value: func(u accounts.User) string { return accounts.FormatOptional(u.Aging.MinDays) }},
	{name: "max_days", value: func(u accounts.User) string { return accounts.FormatOptional(u.Aging.MaxDays) }},
	{name: "warn_days", value: func(u accounts.User) string { return accounts.FormatOptional(u.Aging.WarnDays) }},
}

// groupFields are the managed group fields.
var groupFields = []field[accounts.Group]{
	{name: "gid", destructive: true, value: func(g accounts.Group) string { return strconv.Itoa(g.GID) }},
	{name: "members", value: func(g accounts.Group) string { return strings.Join(g.Members, ",") }},
	{name: "admins", value: func(g accounts.Group) string { return strings.Join(g.Admins, ",") }},
}

func deltas[T any](fields []field[T], current, target T) []Delta {
	var res []Delta
	for _, f := range fields {
		if f.managed != nil && !f.managed(target) {
			continue
		}
		from, to := f.value(current), f.value(target)
		if from == to {
			continue
		}
		if f.secret {
			from, to = redacted, redacted
		}
		res = append(res, Delta{Field: f.name, From: from, To: to, Destructive: f.destructive})
	}
	return res
}

// UserDeltas returns the managed fields that differ between current and
// target. An empty result means current is in the target state.
func UserDeltas(current, target accounts.User) []Delta {
	return deltas(userFields, current, target)
}

// GroupDeltas returns the managed fields that differ between current and
// target. An empty result means current is in the target state.
func GroupDeltas(current, target accounts.Group) []Delta {
	return deltas(groupFields, current, target)
}
