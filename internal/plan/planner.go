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
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/accounts"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/report"
)

// Reasons reported for planner exclusions.
const (
	// ReasonCollision is the reason of entities whose id is claimed twice.
	ReasonCollision = "id-collision"
	// ReasonMissingGroup is the reason of users whose primary group doesn't
	// exist.
	ReasonMissingGroup = "missing-primary-group"
	// ReasonDependency is the reason of users depending on an excluded group.
	ReasonDependency = "blocked-by-dependency"
)

// Decision is the verdict of an Authorizer.
type Decision struct {
	// Allowed is true if the operation may be applied.
	Allowed bool
	// Reason is a short reason of a denial, "protected".
	Reason string
	// Detail is the human readable detail of a denial.
	Detail string
}

// Allow allows an operation.
var Allow = Decision{Allowed: true}

// Deny returns a decision denying an operation.
func Deny(reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Authorizer vetoes unsafe operations.
type Authorizer interface {
	// Authorize decides if op may be part of the plan.
	Authorize(ctx context.Context, op ChangeOp, state *State) Decision
}

// State is the view of the run given to an Authorizer.
type State struct {
	// Desired is the desired state.
	Desired *accounts.Snapshot
	// Observed is the observed state.
	Observed *accounts.Snapshot

	deleting map[accounts.Key]bool
	excluded map[accounts.Key]bool
}

// Stays returns true if the entity exists once the plan is applied, as far as
// planning is done.
func (s *State) Stays(k accounts.Key) bool {
	if s.inDesired(k) && !s.excluded[k] {
		return true
	}
	return s.inObserved(k) && !s.deleting[k]
}

// Excluded returns true if the desired entity was left out of the plan.
func (s *State) Excluded(k accounts.Key) bool {
	return s.excluded[k]
}

// Deleting returns true if the entity is planned for deletion.
func (s *State) Deleting(k accounts.Key) bool {
	return s.deleting[k]
}

func (s *State) inDesired(k accounts.Key) bool {
	return has(s.Desired, k)
}

func (s *State) inObserved(k accounts.Key) bool {
	return has(s.Observed, k)
}

func has(snap *accounts.Snapshot, k accounts.Key) bool {
	if k.Kind == accounts.KindUser {
		_, ok := snap.User(k.Name)
		return ok
	}
	_, ok := snap.Group(k.Name)
	return ok
}

// Options configures planning.
type Options struct {
	// Managed returns true for entities this tool owns. Only managed entities
	// are deleted. Nil means nothing is managed.
	Managed func(accounts.Key) bool
	// Guard vetoes unsafe operations. Nil allows everything.
	Guard Authorizer
	// Only restricts the result to the named entities, either "name" or
	// "kind:name". Empty means every entity.
	Only []string
}

type planner struct {
	ctx   context.Context
	opts  Options
	state *State
	res   *Result
	// blockedGroups are the desired groups that won't be applied.
	blockedGroups map[string]bool
	// blockedGIDs maps the ids of blocked groups to their names.
	blockedGIDs map[int]string
}

// Plan computes the operations moving observed to desired. Entities that
// can't be planned are returned as exclusions, planning goes on for every
// other entity.
func Plan(ctx context.Context, desired, observed *accounts.Snapshot, opts Options) *Result {
	p := &planner{
		ctx:  ctx,
		opts: opts,
		state: &State{
			Desired:  desired,
			Observed: observed,
			deleting: make(map[accounts.Key]bool),
			excluded: make(map[accounts.Key]bool),
		},
		res:           &Result{},
		blockedGroups: make(map[string]bool),
		blockedGIDs:   make(map[int]string),
	}

	p.desiredCollisions()
	p.missingPrimaryGroups()
	p.deletionCandidates()
	p.observedCollisions()
	p.planGroups()
	p.planUsers()
	p.pruneMembers()
	p.planDeletes(accounts.KindUser)
	p.planDeletes(accounts.KindGroup)
	p.filter()

	slices.SortStableFunc(p.res.Ops, func(a, b ChangeOp) int {
		return cmp.Or(cmp.Compare(a.Kind.Phase(), b.Kind.Phase()), strings.Compare(a.Name, b.Name))
	})
	slices.SortStableFunc(p.res.Excluded, func(a, b Exclusion) int {
		return cmp.Or(cmp.Compare(a.Kind.Phase(), b.Kind.Phase()), strings.Compare(a.Key.Name, b.Key.Name))
	})

	galog.V(1).Debugf("Planned %d operation(s), excluded %d entity(ies)", len(p.res.Ops), len(p.res.Excluded))
	return p.res
}

func userKey(name string) accounts.Key {
	return accounts.Key{Kind: accounts.KindUser, Name: name}
}

func groupKey(name string) accounts.Key {
	return accounts.Key{Kind: accounts.KindGroup, Name: name}
}

// upsertKind returns the kind of the operation that would bring a desired
// entity to the host.
func (p *planner) upsertKind(k accounts.Key) Kind {
	observed := p.state.inObserved(k)
	switch {
	case k.Kind == accounts.KindUser && observed:
		return ModifyUser
	case k.Kind == accounts.KindUser:
		return CreateUser
	case observed:
		return ModifyGroup
	default:
		return CreateGroup
	}
}

func (p *planner) exclude(k accounts.Key, kind Kind, outcome report.Outcome, failure report.FailureKind, reason, detail string) {
	if p.state.excluded[k] {
		return
	}
	p.state.excluded[k] = true
	p.res.Excluded = append(p.res.Excluded, Exclusion{
		Key:     k,
		Kind:    kind,
		Outcome: outcome,
		Failure: failure,
		Reason:  reason,
		Detail:  detail,
	})
	galog.V(1).Debugf("Excluding %s from the plan: %s", k, detail)
}

// desiredCollisions excludes the desired entities sharing an id.
func (p *planner) desiredCollisions() {
	desired := p.state.Desired
	for _, name := range desired.UserNames() {
		u, _ := desired.User(name)
		if owners := desired.UsersByUID(u.UID); len(owners) > 1 {
			k := userKey(name)
			p.exclude(k, p.upsertKind(k), report.Failed, report.KeyCollision, ReasonCollision,
				fmt.Sprintf("uid %d is claimed by users %s", u.UID, strings.Join(owners, ", ")))
		}
	}
	for _, name := range desired.GroupNames() {
		g, _ := desired.Group(name)
		if owners := desired.GroupByGID(g.GID); len(owners) > 1 {
			k := groupKey(name)
			p.exclude(k, p.upsertKind(k), report.Failed, report.KeyCollision, ReasonCollision,
				fmt.Sprintf("gid %d is claimed by groups %s", g.GID, strings.Join(owners, ", ")))
		}
	}
}

// missingPrimaryGroups excludes the desired users whose primary gid matches
// no group at all.
func (p *planner) missingPrimaryGroups() {
	desired, observed := p.state.Desired, p.state.Observed
	for _, name := range desired.UserNames() {
		u, _ := desired.User(name)
		if len(desired.GroupByGID(u.GID)) > 0 || len(observed.GroupByGID(u.GID)) > 0 {
			continue
		}
		k := userKey(name)
		p.exclude(k, p.upsertKind(k), report.Failed, report.MalformedRecord, ReasonMissingGroup,
			fmt.Sprintf("primary gid %d matches no group", u.GID))
	}
}

// deletionCandidates marks the managed observed-only entities for deletion.
// Quarantined entities are kept, their desired record was malformed.
func (p *planner) deletionCandidates() {
	desired, observed := p.state.Desired, p.state.Observed
	candidates := func(names []string, key func(string) accounts.Key) {
		for _, name := range names {
			k := key(name)
			if p.state.inDesired(k) || desired.Quarantined(k) {
				continue
			}
			if p.opts.Managed == nil || !p.opts.Managed(k) {
				galog.V(2).Debugf("Leaving unmanaged %s alone", k)
				continue
			}
			p.state.deleting[k] = true
		}
	}
	candidates(observed.UserNames(), userKey)
	candidates(observed.GroupNames(), groupKey)
}

// observedCollisions excludes the desired entities whose id is used by a
// different observed entity that stays on the host.
func (p *planner) observedCollisions() {
	desired, observed := p.state.Desired, p.state.Observed
	stays := func(k accounts.Key) bool {
		return (!p.state.inDesired(k) || p.state.excluded[k]) && !p.state.deleting[k]
	}

	for _, name := range desired.UserNames() {
		k := userKey(name)
		if p.state.excluded[k] {
			continue
		}
		u, _ := desired.User(name)
		for _, other := range observed.UsersByUID(u.UID) {
			if other != name && stays(userKey(other)) {
				p.exclude(k, p.upsertKind(k), report.Failed, report.KeyCollision, ReasonCollision,
					fmt.Sprintf("uid %d is used by user %s on the host", u.UID, other))
				break
			}
		}
	}
	for _, name := range desired.GroupNames() {
		k := groupKey(name)
		if p.state.excluded[k] {
			continue
		}
		g, _ := desired.Group(name)
		for _, other := range observed.GroupByGID(g.GID) {
			if other != name && stays(groupKey(other)) {
				p.exclude(k, p.upsertKind(k), report.Failed, report.KeyCollision, ReasonCollision,
					fmt.Sprintf("gid %d is used by group %s on the host", g.GID, other))
				break
			}
		}
	}
}

// authorize asks the guard about op. A denied op is excluded.
func (p *planner) authorize(op ChangeOp) bool {
	if p.opts.Guard == nil {
		return true
	}
	d := p.opts.Guard.Authorize(p.ctx, op, p.state)
	if d.Allowed {
		return true
	}
	p.exclude(op.Key(), op.Kind, report.Skipped, report.PermissionDenied, d.Reason, d.Detail)
	return false
}

// existing keeps the names whose entity exists once the plan is applied.
func (p *planner) existing(names []string, key func(string) accounts.Key) []string {
	var res []string
	for _, name := range names {
		if p.state.Stays(key(name)) {
			res = append(res, name)
		}
	}
	return res
}

func (p *planner) blockGroup(g accounts.Group) {
	p.blockedGroups[g.Name] = true
	p.blockedGIDs[g.GID] = g.Name
}

func (p *planner) planGroups() {
	desired, observed := p.state.Desired, p.state.Observed
	for _, name := range desired.GroupNames() {
		g, _ := desired.Group(name)
		k := groupKey(name)
		if p.state.excluded[k] {
			p.blockGroup(g)
			continue
		}

		target := g.Clone()
		target.Members = p.existing(g.Members, userKey)
		target.Admins = p.existing(g.Admins, userKey)

		op := ChangeOp{Kind: CreateGroup, Name: name, Group: &target}
		if current, ok := observed.Group(name); ok {
			op.Kind = ModifyGroup
			if op.Deltas = GroupDeltas(current, target); len(op.Deltas) == 0 {
				continue
			}
		}
		if !p.authorize(op) {
			p.blockGroup(g)
			continue
		}
		p.res.Ops = append(p.res.Ops, op)
	}
}

// blockedBy returns the name of the blocked group u depends on.
func (p *planner) blockedBy(u accounts.User) (string, bool) {
	if name, ok := p.blockedGIDs[u.GID]; ok {
		return name, true
	}
	for _, g := range u.Groups {
		if p.blockedGroups[g] {
			return g, true
		}
	}
	return "", false
}

func (p *planner) planUsers() {
	desired, observed := p.state.Desired, p.state.Observed
	for _, name := range desired.UserNames() {
		u, _ := desired.User(name)
		k := userKey(name)
		if p.state.excluded[k] {
			continue
		}
		if group, ok := p.blockedBy(u); ok {
			p.exclude(k, p.upsertKind(k), report.Skipped, report.DependencyBlocked, ReasonDependency,
				fmt.Sprintf("group %s is not applied", group))
			continue
		}

		target := u.Clone()
		target.Groups = p.existing(u.Groups, groupKey)

		op := ChangeOp{Kind: CreateUser, Name: name, User: &target}
		if current, ok := observed.User(name); ok {
			op.Kind = ModifyUser
			if op.Deltas = UserDeltas(current, target); len(op.Deltas) == 0 {
				continue
			}
		}
		if p.authorize(op) {
			p.res.Ops = append(p.res.Ops, op)
		}
	}
}

// pruneMembers drops from the planned group targets the users excluded while
// planning users. Their current memberships are left as they are.
func (p *planner) pruneMembers() {
	observed := p.state.Observed
	ops := p.res.Ops[:0]
	for _, op := range p.res.Ops {
		if op.Kind != CreateGroup && op.Kind != ModifyGroup {
			ops = append(ops, op)
			continue
		}
		current, _ := observed.Group(op.Name)
		op.Group.Members = p.withoutExcludedUsers(op.Group.Members, current.Members)
		op.Group.Admins = p.withoutExcludedUsers(op.Group.Admins, current.Admins)
		if op.Kind == ModifyGroup {
			if op.Deltas = GroupDeltas(current, *op.Group); len(op.Deltas) == 0 {
				galog.V(1).Debugf("Dropping %s, nothing left to change", op)
				continue
			}
		}
		ops = append(ops, op)
	}
	p.res.Ops = ops
}

// withoutExcludedUsers removes the excluded users from names unless current
// already lists them.
func (p *planner) withoutExcludedUsers(names, current []string) []string {
	return slices.DeleteFunc(slices.Clone(names), func(name string) bool {
		return p.state.excluded[userKey(name)] && !slices.Contains(current, name)
	})
}

// planDeletes plans the deletion of the candidates of kind. A denied deletion
// leaves the entity on the host, later decisions see it.
func (p *planner) planDeletes(kind accounts.EntityKind) {
	observed := p.state.Observed
	if kind == accounts.KindUser {
		for _, name := range observed.UserNames() {
			k := userKey(name)
			if !p.state.deleting[k] {
				continue
			}
			u, _ := observed.User(name)
			op := ChangeOp{Kind: DeleteUser, Name: name, User: &u}
			if !p.authorize(op) {
				delete(p.state.deleting, k)
				continue
			}
			p.res.Ops = append(p.res.Ops, op)
		}
		return
	}

	for _, name := range observed.GroupNames() {
		k := groupKey(name)
		if !p.state.deleting[k] {
			continue
		}
		g, _ := observed.Group(name)
		op := ChangeOp{Kind: DeleteGroup, Name: name, Group: &g}
		if !p.authorize(op) {
			delete(p.state.deleting, k)
			continue
		}
		p.res.Ops = append(p.res.Ops, op)
	}
}

// filter drops the operations and exclusions not selected by Only.
func (p *planner) filter() {
	if len(p.opts.Only) == 0 {
		return
	}
	selected := func(k accounts.Key) bool {
		return slices.Contains(p.opts.Only, k.Name) || slices.Contains(p.opts.Only, k.String())
	}
	p.res.Ops = slices.DeleteFunc(p.res.Ops, func(op ChangeOp) bool { return !selected(op.Key()) })
	p.res.Excluded = slices.DeleteFunc(p.res.Excluded, func(e Exclusion) bool { return !selected(e.Key) })
}
