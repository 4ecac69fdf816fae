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

// Package apply applies planned change operations to the account database one
// at a time.
package apply

import (
	"context"
	"fmt"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/accounts"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/plan"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/report"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/utils/file"
)

const (
	// ReasonCancelled is the reason of operations skipped because the run was
	// cancelled.
	ReasonCancelled = "cancelled"
	// ReasonFailed is the reason of operations the backend failed to apply.
	ReasonFailed = "system-call-failed"

	// KindProvisionHome is the report kind of home directories provisioned for
	// users that had no operation planned.
	KindProvisionHome = "ProvisionHome"
)

// Backend is an account database.
type Backend interface {
	// LookupUser returns the live user, user.UnknownUserError if it doesn't
	// exist.
	LookupUser(ctx context.Context, name string) (*accounts.User, error)
	// LookupGroup returns the live group, user.UnknownGroupError if it
	// doesn't exist.
	LookupGroup(ctx context.Context, name string) (*accounts.Group, error)
	CreateGroup(ctx context.Context, g accounts.Group) error
	ModifyGroup(ctx context.Context, current, target accounts.Group) error
	DeleteGroup(ctx context.Context, name string) error
	CreateUser(ctx context.Context, u accounts.User) error
	ModifyUser(ctx context.Context, current, target accounts.User) error
	DeleteUser(ctx context.Context, name string) error
}

// Options configures the executor.
type Options struct {
	// Homes configures home directory provisioning.
	Homes HomeOptions
	// Ledger records the managed entities, it may be nil.
	Ledger *accounts.Ledger
	// Observed is the account state the operations were planned from, its
	// home directories are never removed for another user. It may be nil.
	Observed *accounts.Snapshot
}

// Executor applies change operations in order, isolating failures to the
// entities depending on them.
type Executor struct {
	backend Backend
	opts    Options
	report  *report.Report

	// blockedGroups are group names whose creation or modification didn't
	// apply.
	blockedGroups map[string]bool
	// blockedGIDs are the gids of blockedGroups.
	blockedGIDs map[int]bool
	// keptPrimaryGIDs are the primary gids of users whose deletion didn't
	// apply.
	keptPrimaryGIDs map[int]bool
	// homes maps the users on the host to their home directory.
	homes map[string]string
	// handledUsers are the users whose operation ran, whatever its outcome.
	handledUsers map[string]bool
}

// New returns an executor writing to backend and recording outcomes in r.
func New(backend Backend, r *report.Report, opts Options) *Executor {
	e := &Executor{
		backend:         backend,
		opts:            opts,
		report:          r,
		blockedGroups:   make(map[string]bool),
		blockedGIDs:     make(map[int]bool),
		keptPrimaryGIDs: make(map[int]bool),
		homes:           make(map[string]string),
		handledUsers:    make(map[string]bool),
	}
	if opts.Observed != nil {
		for _, u := range opts.Observed.Users() {
			e.homes[u.Name] = u.HomeDir
		}
	}
	return e
}

// ApplyAll applies the operations in order. The context is checked between
// operations, the remaining ones are reported skipped once it's done.
func (e *Executor) ApplyAll(ctx context.Context, ops []plan.ChangeOp) {
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			galog.Warnf("Run cancelled, skipping %d remaining operation(s)", len(ops)-i)
			for _, rest := range ops[i:] {
				e.report.Add(entry(rest, report.Skipped, report.SystemCallFailure, ReasonCancelled, err.Error()))
			}
			return
		}
		e.Apply(ctx, op)
	}
}

// Apply applies a single operation and records its outcome.
func (e *Executor) Apply(ctx context.Context, op plan.ChangeOp) report.Outcome {
	if op.Kind.EntityKind() == accounts.KindUser {
		e.handledUsers[op.Name] = true
	}
	if dep, ok := e.blockedBy(op); ok {
		e.fail(op)
		e.report.Add(entry(op, report.Skipped, report.DependencyBlocked, plan.ReasonDependency,
			fmt.Sprintf("depends on %s which was not applied", dep)))
		return report.Skipped
	}

	galog.V(1).Debugf("Applying %s", op)
	var err error
	switch op.Kind {
	case plan.CreateGroup, plan.ModifyGroup:
		err = e.upsertGroup(ctx, *op.Group)
	case plan.DeleteGroup:
		err = e.deleteGroup(ctx, op.Name)
	case plan.CreateUser, plan.ModifyUser:
		err = e.upsertUser(ctx, *op.User)
	case plan.DeleteUser:
		err = e.deleteUser(ctx, *op.User)
	default:
		err = fmt.Errorf("unknown operation kind %q", op.Kind)
	}

	if err != nil {
		e.fail(op)
		e.report.Add(entry(op, report.Failed, report.SystemCallFailure, ReasonFailed, err.Error()))
		return report.Failed
	}

	if l := e.opts.Ledger; l != nil {
		if op.Kind.IsDelete() {
			l.Remove(op.Key())
		} else {
			l.Add(op.Key())
		}
	}
	e.report.Add(entry(op, report.Applied, "", "", ""))
	return report.Applied
}

// blockedBy returns the name of the entity the operation depends on that
// didn't apply.
func (e *Executor) blockedBy(op plan.ChangeOp) (string, bool) {
	switch op.Kind {
	case plan.CreateUser, plan.ModifyUser:
		if e.blockedGIDs[op.User.GID] {
			return fmt.Sprintf("primary group %d", op.User.GID), true
		}
		for _, g := range op.User.Groups {
			if e.blockedGroups[g] {
				return "group " + g, true
			}
		}
	case plan.DeleteGroup:
		if e.keptPrimaryGIDs[op.Group.GID] {
			return fmt.Sprintf("users of primary group %d", op.Group.GID), true
		}
	}
	return "", false
}

// fail records the operation as not applied for its dependents.
func (e *Executor) fail(op plan.ChangeOp) {
	switch op.Kind {
	case plan.CreateGroup, plan.ModifyGroup:
		e.blockedGroups[op.Name] = true
		e.blockedGIDs[op.Group.GID] = true
	case plan.DeleteUser:
		e.keptPrimaryGIDs[op.User.GID] = true
	}
}

func entry(op plan.ChangeOp, outcome report.Outcome, failure report.FailureKind, reason, detail string) report.Entry {
	return report.Entry{
		Name:    op.Key().String(),
		Kind:    string(op.Kind),
		Outcome: outcome,
		Failure: failure,
		Reason:  reason,
		Detail:  detail,
	}
}

// upsertGroup re-reads the group and writes whatever differs from target.
func (e *Executor) upsertGroup(ctx context.Context, target accounts.Group) error {
	live, err := e.backend.LookupGroup(ctx, target.Name)
	if err != nil {
		if !accounts.IsNotExist(err) {
			return fmt.Errorf("failed to read group %s: %w", target.Name, err)
		}
		return e.backend.CreateGroup(ctx, target)
	}

	deltas := plan.GroupDeltas(*live, target)
	if len(deltas) == 0 {
		galog.V(1).Debugf("Group %s already in target state", target.Name)
		return nil
	}
	return e.backend.ModifyGroup(ctx, *live, target)
}

func (e *Executor) deleteGroup(ctx context.Context, name string) error {
	if _, err := e.backend.LookupGroup(ctx, name); err != nil {
		if accounts.IsNotExist(err) {
			galog.V(1).Debugf("Group %s already deleted", name)
			return nil
		}
		return fmt.Errorf("failed to read group %s: %w", name, err)
	}
	return e.backend.DeleteGroup(ctx, name)
}

// upsertUser re-reads the user, writes whatever differs from target and makes
// sure its home directory exists.
func (e *Executor) upsertUser(ctx context.Context, target accounts.User) error {
	if err := e.writeUser(ctx, target); err != nil {
		return err
	}
	e.homes[target.Name] = target.HomeDir
	return provisionHome(ctx, e.opts.Homes, target)
}

func (e *Executor) writeUser(ctx context.Context, target accounts.User) error {
	live, err := e.backend.LookupUser(ctx, target.Name)
	if err != nil {
		if !accounts.IsNotExist(err) {
			return fmt.Errorf("failed to read user %s: %w", target.Name, err)
		}
		return e.backend.CreateUser(ctx, target)
	}

	deltas := plan.UserDeltas(*live, target)
	if len(deltas) == 0 && !missingGroups(*live, target) {
		galog.V(1).Debugf("User %s already in target state", target.Name)
		return nil
	}
	return e.backend.ModifyUser(ctx, *live, target)
}

// missingGroups returns true if the live user misses a secondary group of
// target.
func missingGroups(live, target accounts.User) bool {
	have := make(map[string]bool, len(live.Groups))
	for _, g := range live.Groups {
		have[g] = true
	}
	for _, g := range target.Groups {
		if !have[g] {
			return true
		}
	}
	return false
}

func (e *Executor) deleteUser(ctx context.Context, observed accounts.User) error {
	if _, err := e.backend.LookupUser(ctx, observed.Name); err != nil {
		if accounts.IsNotExist(err) {
			galog.V(1).Debugf("User %s already deleted", observed.Name)
			return nil
		}
		return fmt.Errorf("failed to read user %s: %w", observed.Name, err)
	}
	if err := e.backend.DeleteUser(ctx, observed.Name); err != nil {
		return err
	}
	delete(e.homes, observed.Name)
	return deprovisionHome(e.opts.Homes, observed, e.otherHomes(observed.Name))
}

// otherHomes returns the home directories of the users on the host but name.
func (e *Executor) otherHomes(name string) []string {
	var res []string
	for user, home := range e.homes {
		if user != name {
			res = append(res, home)
		}
	}
	return res
}

// EnsureHomes provisions the missing home directories of users already on the
// host. Users whose operation ran are left out, their outcome is reported.
func (e *Executor) EnsureHomes(ctx context.Context, users []accounts.User) {
	if !e.opts.Homes.Create {
		return
	}
	for _, u := range users {
		if ctx.Err() != nil {
			return
		}
		if e.handledUsers[u.Name] || file.Exists(e.opts.Homes.path(u.HomeDir), file.TypeDir) {
			continue
		}
		if _, err := e.backend.LookupUser(ctx, u.Name); err != nil {
			if !accounts.IsNotExist(err) {
				galog.Warnf("Failed to read user %s: %v", u.Name, err)
			}
			continue
		}

		entry := report.Entry{
			Name:    accounts.Key{Kind: accounts.KindUser, Name: u.Name}.String(),
			Kind:    KindProvisionHome,
			Outcome: report.Applied,
		}
		if err := provisionHome(ctx, e.opts.Homes, u); err != nil {
			entry.Outcome, entry.Failure = report.Failed, report.SystemCallFailure
			entry.Reason, entry.Detail = ReasonFailed, err.Error()
		}
		e.report.Add(entry)
	}
}
