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

// Package safety vetoes the changes that could lock out or disrupt protected
// and active accounts.
package safety

import (
	"context"
	"fmt"
	"os/user"
	"slices"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/accounts"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/cfg"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/plan"
)

// Denial reasons.
const (
	// ReasonProtected denies destructive changes of protected identities.
	ReasonProtected = "protected"
	// ReasonProtectedID denies assigning a protected id to an unprotected name.
	ReasonProtectedID = "protected-id"
	// ReasonPrimaryGroup denies changes leaving a primary group without its
	// last member, or deleting a primary group in use.
	ReasonPrimaryGroup = "primary-group-in-use"
	// ReasonActiveSession denies changes of accounts in use.
	ReasonActiveSession = "active-session"
)

var (
	// currentUser returns the account running the reconciliation, overridden
	// in unit tests.
	currentUser = user.Current
)

// Guard is the plan.Authorizer vetoing unsafe changes.
type Guard struct {
	protected *ProtectedSet
	sessions  SessionChecker
}

// New returns a guard. A nil sessions disables the active session veto.
func New(protected *ProtectedSet, sessions SessionChecker) *Guard {
	return &Guard{protected: protected, sessions: sessions}
}

// FromConfig builds the guard described by the Safety configuration.
func FromConfig(config *cfg.Safety) (*Guard, error) {
	uids, err := ParseRanges(config.ProtectedUIDs)
	if err != nil {
		return nil, fmt.Errorf("invalid protected_uids: %w", err)
	}
	gids, err := ParseRanges(config.ProtectedGIDs)
	if err != nil {
		return nil, fmt.Errorf("invalid protected_gids: %w", err)
	}
	protected := NewProtectedSet(strings.Split(config.ProtectedNames, ","), uids, gids)

	if config.ProtectCurrentUser {
		u, err := currentUser()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve the current user: %w", err)
		}
		protected.AddName(u.Username)
		galog.V(2).Debugf("Protecting current user %s", u.Username)
	}

	var sessions SessionChecker
	if config.SessionCheck {
		sessions = NewSessions()
	}
	return New(protected, sessions), nil
}

// Authorize implements plan.Authorizer.
func (g *Guard) Authorize(ctx context.Context, op plan.ChangeOp, state *plan.State) plan.Decision {
	var d plan.Decision
	if op.Kind.EntityKind() == accounts.KindUser {
		d = g.authorizeUser(ctx, op, state)
	} else {
		d = g.authorizeGroup(op, state)
	}
	if !d.Allowed {
		galog.V(1).Debugf("Denied %s: %s", op, d.Detail)
	}
	return d
}

func (g *Guard) authorizeUser(ctx context.Context, op plan.ChangeOp, state *plan.State) plan.Decision {
	target := *op.User
	current, exists := state.Observed.User(op.Name)

	if op.Destructive() {
		if g.protected.Name(op.Name) {
			return plan.Deny(ReasonProtected, "user %s is protected", op.Name)
		}
		if exists && g.protected.UID(current.UID) {
			return plan.Deny(ReasonProtected, "user %s has protected uid %d", op.Name, current.UID)
		}
	}

	if op.Kind != plan.DeleteUser && !g.protected.Name(op.Name) && g.protected.UID(target.UID) &&
		(!exists || current.UID != target.UID) {
		return plan.Deny(ReasonProtectedID, "uid %d of user %s is protected", target.UID, op.Name)
	}

	if op.Kind == plan.DeleteUser {
		if group, ok := lastMemberOfPrimary(state, op.Name); ok {
			return plan.Deny(ReasonPrimaryGroup, "user %s is the last member of primary group %s", op.Name, group)
		}
	}

	if op.Kind != plan.CreateUser && exists && g.sessions != nil {
		active, detail, err := g.sessions.Active(ctx, current)
		if err != nil {
			galog.Warnf("Could not check the sessions of %s, assuming none: %v", op.Name, err)
		} else if active {
			return plan.Deny(ReasonActiveSession, "%s", detail)
		}
	}
	return plan.Allow
}

func (g *Guard) authorizeGroup(op plan.ChangeOp, state *plan.State) plan.Decision {
	target := *op.Group
	current, exists := state.Observed.Group(op.Name)

	if op.Destructive() {
		if g.protected.Name(op.Name) {
			return plan.Deny(ReasonProtected, "group %s is protected", op.Name)
		}
		if exists && g.protected.GID(current.GID) {
			return plan.Deny(ReasonProtected, "group %s has protected gid %d", op.Name, current.GID)
		}
	}

	if op.Kind != plan.DeleteGroup && !g.protected.Name(op.Name) && g.protected.GID(target.GID) &&
		(!exists || current.GID != target.GID) {
		return plan.Deny(ReasonProtectedID, "gid %d of group %s is protected", target.GID, op.Name)
	}

	switch op.Kind {
	case plan.ModifyGroup:
		if exists && len(current.Members) > 0 && len(target.Members) == 0 {
			if users := primaryUsers(state, current.GID, current.Members...); len(users) > 0 {
				return plan.Deny(ReasonPrimaryGroup, "group %s would lose its last member while primary group of %s",
					op.Name, strings.Join(users, ", "))
			}
		}
	case plan.DeleteGroup:
		// Another desired group may provide the same gid.
		if len(state.Desired.GroupByGID(current.GID)) > 0 {
			break
		}
		if users := primaryUsers(state, current.GID); len(users) > 0 {
			return plan.Deny(ReasonPrimaryGroup, "group %s is the primary group of %s", op.Name, strings.Join(users, ", "))
		}
	}
	return plan.Allow
}

// primaryUsers returns the users, other than except, whose primary gid is gid
// once the plan is applied.
func primaryUsers(state *plan.State, gid int, except ...string) []string {
	var res []string
	seen := make(map[string]bool)
	add := func(name string) {
		if !slices.Contains(except, name) && !seen[name] {
			seen[name] = true
			res = append(res, name)
		}
	}

	for _, name := range state.Observed.PrimaryUsers(gid) {
		k := accounts.Key{Kind: accounts.KindUser, Name: name}
		if !state.Stays(k) {
			continue
		}
		// The desired record takes over once applied.
		if u, ok := state.Desired.User(name); ok && !state.Excluded(k) && u.GID != gid {
			continue
		}
		add(name)
	}
	for _, name := range state.Desired.PrimaryUsers(gid) {
		if !state.Excluded(accounts.Key{Kind: accounts.KindUser, Name: name}) {
			add(name)
		}
	}
	return res
}

// lastMemberOfPrimary returns the group whose only member is name while it's
// the primary group of another user.
func lastMemberOfPrimary(state *plan.State, name string) (string, bool) {
	for _, g := range state.Observed.Groups() {
		if len(g.Members) != 1 || g.Members[0] != name {
			continue
		}
		if len(primaryUsers(state, g.GID, name)) > 0 {
			return g.Name, true
		}
	}
	return "", false
}
