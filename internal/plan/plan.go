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

// Package plan computes the ordered change operations that move the observed
// account state to the desired one.
package plan

import (
	"fmt"
	"strings"

	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/accounts"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/report"
)

// Kind is the kind of a change operation.
type Kind string

const (
	// CreateGroup creates a group.
	CreateGroup Kind = "CreateGroup"
	// ModifyGroup changes fields of an existing group.
	ModifyGroup Kind = "ModifyGroup"
	// DeleteGroup deletes a group.
	DeleteGroup Kind = "DeleteGroup"
	// CreateUser creates a user.
	CreateUser Kind = "CreateUser"
	// ModifyUser changes fields of an existing user.
	ModifyUser Kind = "ModifyUser"
	// DeleteUser deletes a user.
	DeleteUser Kind = "DeleteUser"
)

// Phase returns the position of the kind's phase in a plan. Group creations
// and modifications come first, group deletions last.
func (k Kind) Phase() int {
	switch k {
	case CreateGroup, ModifyGroup:
		return 0
	case CreateUser, ModifyUser:
		return 1
	case DeleteUser:
		return 2
	default:
		return 3
	}
}

// EntityKind returns the kind of entity the operation targets.
func (k Kind) EntityKind() accounts.EntityKind {
	switch k {
	case CreateUser, ModifyUser, DeleteUser:
		return accounts.KindUser
	default:
		return accounts.KindGroup
	}
}

// IsDelete returns true for deletions.
func (k Kind) IsDelete() bool {
	return k == DeleteUser || k == DeleteGroup
}

// Delta is the change of a single field.
type Delta struct {
	// Field is the field name, "uid".
	Field string
	// From is the current value.
	From string
	// To is the target value.
	To string
	// Destructive is true for changes that alter the entity identity.
	Destructive bool
}

func (d Delta) String() string {
	return fmt.Sprintf("%s: %q -> %q", d.Field, d.From, d.To)
}

// ChangeOp is a single change to the account database.
type ChangeOp struct {
	// Kind is the operation kind.
	Kind Kind
	// Name is the user or group name.
	Name string
	// User is the target user of user operations. For deletions it's the
	// observed user.
	User *accounts.User
	// Group is the target group of group operations. For deletions it's the
	// observed group.
	Group *accounts.Group
	// Deltas are the changed fields of modifications.
	Deltas []Delta
}

// Key returns the key of the entity the operation targets.
func (op ChangeOp) Key() accounts.Key {
	return accounts.Key{Kind: op.Kind.EntityKind(), Name: op.Name}
}

// Destructive returns true for deletions and modifications with a destructive
// delta.
func (op ChangeOp) Destructive() bool {
	if op.Kind.IsDelete() {
		return true
	}
	for _, d := range op.Deltas {
		if d.Destructive {
			return true
		}
	}
	return false
}

func (op ChangeOp) String() string {
	if len(op.Deltas) == 0 {
		return fmt.Sprintf("%s(%s)", op.Kind, op.Name)
	}
	var fields []string
	for _, d := range op.Deltas {
		fields = append(fields, d.Field)
	}
	return fmt.Sprintf("%s(%s: %s)", op.Kind, op.Name, strings.Join(fields, ","))
}

// Exclusion is an entity left out of the plan.
type Exclusion struct {
	// Key is the excluded entity.
	Key accounts.Key
	// Kind is the operation that would have been planned.
	Kind Kind
	// Outcome is skipped or failed.
	Outcome report.Outcome
	// Failure classifies the exclusion.
	Failure report.FailureKind
	// Reason is a short reason, "active-session".
	Reason string
	// Detail is the human readable detail.
	Detail string
}

// Entry returns the report entry of the exclusion.
func (e Exclusion) Entry() report.Entry {
	return report.Entry{
		Name:    e.Key.String(),
		Kind:    string(e.Kind),
		Outcome: e.Outcome,
		Failure: e.Failure,
		Reason:  e.Reason,
		Detail:  e.Detail,
	}
}

// Result is the outcome of planning.
type Result struct {
	// Ops are the operations to apply, in order.
	Ops []ChangeOp
	// Excluded are the entities left out of the plan.
	Excluded []Exclusion
}

// Empty returns true if there is nothing to apply.
func (r *Result) Empty() bool {
	return len(r.Ops) == 0
}
