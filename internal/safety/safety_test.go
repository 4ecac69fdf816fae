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

package safety

import (
	"context"
	"errors"
	"os/user"
	"testing"

	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/accounts"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/cfg"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/plan"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/ps"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/report"
	"github.com/google/go-cmp/cmp"
	"github.com/shirou/gopsutil/v3/host"
)

func testUser(name string, uid, gid int, groups ...string) accounts.User {
	return accounts.User{Name: name, UID: uid, GID: gid, HomeDir: "/home/" + name, Shell: "/bin/bash", Groups: groups}
}

func testGroup(name string, gid int, members ...string) accounts.Group {
	return accounts.Group{Name: name, GID: gid, Members: members}
}

// fakeSessions reports the listed users as active.
type fakeSessions struct {
	active map[string]bool
	err    error
}

func (f *fakeSessions) Active(_ context.Context, u accounts.User) (bool, string, error) {
	if f.err != nil {
		return false, "", f.err
	}
	if f.active[u.Name] {
		return true, u.Name + " is logged in on pts/0", nil
	}
	return false, "", nil
}

func defaultProtected() *ProtectedSet {
	return NewProtectedSet([]string{"root", "admin"}, []Range{{0, 999}}, []Range{{0, 999}})
}

func managedAll(accounts.Key) bool { return true }

func TestParseRanges(t *testing.T) {
	tests := []struct {
		in      string
		want    []Range
		wantErr bool
	}{
		{in: ""},
		{in: "0-999", want: []Range{{0, 999}}},
		{in: " 0-999 , 65534", want: []Range{{0, 999}, {65534, 65534}}},
		{in: "10-1", wantErr: true},
		{in: "a-b", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "0-4294967296", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseRanges(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseRanges(%q) = %v, want error: %t", tc.in, err, tc.wantErr)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("ParseRanges(%q) returned diff (-want +got):\n%s", tc.in, diff)
			}
		})
	}
}

func TestFromConfig(t *testing.T) {
	orig := currentUser
	currentUser = func() (*user.User, error) { return &user.User{Username: "deployer"}, nil }
	t.Cleanup(func() { currentUser = orig })

	g, err := FromConfig(&cfg.Safety{
		ProtectedNames:     "root, admin",
		ProtectedUIDs:      "0-999",
		ProtectedGIDs:      "0-99,65534",
		ProtectCurrentUser: true,
	})
	if err != nil {
		t.Fatalf("FromConfig() failed unexpectedly: %v", err)
	}

	for _, name := range []string{"root", "admin", "deployer"} {
		if !g.protected.Name(name) {
			t.Errorf("protected.Name(%q) = false, want true", name)
		}
	}
	if g.protected.GID(500) || !g.protected.GID(65534) || !g.protected.UID(500) {
		t.Errorf("FromConfig() built unexpected id ranges: uids %v, gids %v", g.protected.uids, g.protected.gids)
	}
	if g.sessions != nil {
		t.Errorf("FromConfig() enabled the session check, want it disabled")
	}

	if _, err := FromConfig(&cfg.Safety{ProtectedUIDs: "x"}); err == nil {
		t.Errorf("FromConfig() succeeded with invalid protected_uids, want error")
	}
}

func TestAuthorize(t *testing.T) {
	observed := accounts.NewSnapshot(
		[]accounts.User{
			testUser("root", 0, 0),
			testUser("bob", 2002, 3000),
			testUser("svc", 500, 500),
			testUser("carol", 2003, 3100),
		},
		[]accounts.Group{
			testGroup("root", 0),
			testGroup("staff", 3000),
			testGroup("svc", 500),
			testGroup("team", 3100, "dave"),
			testGroup("solo", 3200, "erin"),
		},
	)
	desired := accounts.NewSnapshot(nil, nil)
	state := &plan.State{Desired: desired, Observed: observed}

	tests := []struct {
		name       string
		op         plan.ChangeOp
		wantReason string
	}{
		{
			name:       "delete-protected-name",
			op:         plan.ChangeOp{Kind: plan.DeleteUser, Name: "root", User: &accounts.User{Name: "root"}},
			wantReason: ReasonProtected,
		},
		{
			name:       "delete-protected-uid",
			op:         plan.ChangeOp{Kind: plan.DeleteUser, Name: "svc", User: &accounts.User{Name: "svc", UID: 500}},
			wantReason: ReasonProtected,
		},
		{
			name: "change-protected-gid",
			op: plan.ChangeOp{
				Kind:   plan.ModifyGroup,
				Name:   "svc",
				Group:  &accounts.Group{Name: "svc", GID: 5000},
				Deltas: []plan.Delta{{Field: "gid", From: "500", To: "5000", Destructive: true}},
			},
			wantReason: ReasonProtected,
		},
		{
			name: "modify-protected-non-destructive",
			op: plan.ChangeOp{
				Kind:   plan.ModifyUser,
				Name:   "root",
				User:   &accounts.User{Name: "root", Shell: "/bin/zsh"},
				Deltas: []plan.Delta{{Field: "shell", From: "/bin/bash", To: "/bin/zsh"}},
			},
		},
		{
			name:       "create-protected-uid",
			op:         plan.ChangeOp{Kind: plan.CreateUser, Name: "mallory", User: &accounts.User{Name: "mallory", UID: 0}},
			wantReason: ReasonProtectedID,
		},
		{
			name:       "create-protected-gid",
			op:         plan.ChangeOp{Kind: plan.CreateGroup, Name: "wheel2", Group: &accounts.Group{Name: "wheel2", GID: 10}},
			wantReason: ReasonProtectedID,
		},
		{
			name: "create",
			op:   plan.ChangeOp{Kind: plan.CreateUser, Name: "alice", User: &accounts.User{Name: "alice", UID: 2001, GID: 3000}},
		},
		{
			name:       "delete-active-session",
			op:         plan.ChangeOp{Kind: plan.DeleteUser, Name: "bob", User: &accounts.User{Name: "bob", UID: 2002}},
			wantReason: ReasonActiveSession,
		},
		{
			name:       "delete-primary-group",
			op:         plan.ChangeOp{Kind: plan.DeleteGroup, Name: "staff", Group: &accounts.Group{Name: "staff", GID: 3000}},
			wantReason: ReasonPrimaryGroup,
		},
		{
			name: "empty-primary-group",
			op: plan.ChangeOp{
				Kind:   plan.ModifyGroup,
				Name:   "team",
				Group:  &accounts.Group{Name: "team", GID: 3100},
				Deltas: []plan.Delta{{Field: "members", From: "dave", To: ""}},
			},
			wantReason: ReasonPrimaryGroup,
		},
		{
			name:       "delete-unused-group",
			op:         plan.ChangeOp{Kind: plan.DeleteGroup, Name: "solo", Group: &accounts.Group{Name: "solo", GID: 3200}},
			wantReason: "",
		},
	}

	guard := New(defaultProtected(), &fakeSessions{active: map[string]bool{"bob": true}})
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := guard.Authorize(context.Background(), tc.op, state)
			if got.Allowed != (tc.wantReason == "") || got.Reason != tc.wantReason {
				t.Errorf("Authorize(%s) = %+v, want reason %q", tc.op, got, tc.wantReason)
			}
		})
	}
}

func TestAuthorizeSessionError(t *testing.T) {
	observed := accounts.NewSnapshot([]accounts.User{testUser("bob", 2002, 3000)}, []accounts.Group{testGroup("staff", 3000)})
	state := &plan.State{Desired: accounts.NewSnapshot(nil, nil), Observed: observed}
	guard := New(defaultProtected(), &fakeSessions{err: errors.New("utmp unreadable")})

	op := plan.ChangeOp{Kind: plan.DeleteUser, Name: "bob", User: &accounts.User{Name: "bob", UID: 2002}}
	if got := guard.Authorize(context.Background(), op, state); !got.Allowed {
		t.Errorf("Authorize(%s) = %+v, want allowed when sessions are unknown", op, got)
	}
}

func TestSessions(t *testing.T) {
	tests := []struct {
		name       string
		logins     []host.UserStat
		loginErr   error
		processes  []ps.Process
		procErr    error
		wantActive bool
		wantErr    bool
	}{
		{
			name: "idle",
		},
		{
			name:       "logged-in",
			logins:     []host.UserStat{{User: "root", Terminal: "tty1"}, {User: "bob", Terminal: "pts/0"}},
			wantActive: true,
		},
		{
			name:       "processes",
			processes:  []ps.Process{{PID: 42, UID: 2002}},
			wantActive: true,
		},
		{
			name:       "login-error-with-processes",
			loginErr:   errors.New("no utmp"),
			processes:  []ps.Process{{PID: 42, UID: 2002}},
			wantActive: true,
		},
		{
			name:     "login-error",
			loginErr: errors.New("no utmp"),
			wantErr:  true,
		},
		{
			name:    "process-error",
			procErr: errors.New("no /proc"),
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := &Sessions{
				logins: func(context.Context) ([]host.UserStat, error) { return tc.logins, tc.loginErr },
				processes: func(uid int) ([]ps.Process, error) {
					if uid != 2002 {
						t.Errorf("processes(%d) called, want uid 2002", uid)
					}
					return tc.processes, tc.procErr
				},
			}
			active, _, err := s.Active(context.Background(), testUser("bob", 2002, 3000))
			if (err != nil) != tc.wantErr {
				t.Fatalf("Active(bob) = %v, want error: %t", err, tc.wantErr)
			}
			if active != tc.wantActive {
				t.Errorf("Active(bob) = %t, want %t", active, tc.wantActive)
			}
		})
	}
}

// TestProtectedNeverDestroyed plans against hosts where every protected
// identity is managed and dropped or reassigned, no destructive operation on
// them may come out.
func TestProtectedNeverDestroyed(t *testing.T) {
	observed := accounts.NewSnapshot(
		[]accounts.User{testUser("root", 0, 0), testUser("daemon", 1, 1), testUser("admin", 1500, 1500)},
		[]accounts.Group{testGroup("root", 0), testGroup("daemon", 1), testGroup("admin", 1500)},
	)
	desiredStates := map[string]*accounts.Snapshot{
		"empty": accounts.NewSnapshot(nil, nil),
		"renumbered": accounts.NewSnapshot(
			[]accounts.User{testUser("root", 4000, 4000), testUser("daemon", 4001, 4001), testUser("admin", 4002, 4002)},
			[]accounts.Group{testGroup("root", 4000), testGroup("daemon", 4001), testGroup("admin", 4002)},
		),
	}
	guard := New(defaultProtected(), nil)

	for name, desired := range desiredStates {
		t.Run(name, func(t *testing.T) {
			res := plan.Plan(context.Background(), desired, observed, plan.Options{Managed: managedAll, Guard: guard})
			for _, op := range res.Ops {
				if op.Destructive() {
					t.Errorf("Plan() = %v, want no destructive operation on protected identities", op)
				}
			}
			for _, e := range res.Excluded {
				if e.Failure != report.PermissionDenied && e.Failure != report.DependencyBlocked {
					t.Errorf("Plan() excluded %s with %s, want %s or %s", e.Key, e.Failure, report.PermissionDenied, report.DependencyBlocked)
				}
			}
		})
	}
}

// TestActiveSessionScenario removes a logged in user from the desired state.
func TestActiveSessionScenario(t *testing.T) {
	observed := accounts.NewSnapshot([]accounts.User{testUser("bob", 2002, 3000)}, []accounts.Group{testGroup("staff", 3000)})
	desired := accounts.NewSnapshot(nil, []accounts.Group{testGroup("staff", 3000)})
	guard := New(defaultProtected(), &fakeSessions{active: map[string]bool{"bob": true}})

	res := plan.Plan(context.Background(), desired, observed, plan.Options{Managed: managedAll, Guard: guard})
	if len(res.Ops) != 0 {
		t.Errorf("Plan() = %v, want no operation", res.Ops)
	}
	want := []plan.Exclusion{{
		Key:     accounts.Key{Kind: accounts.KindUser, Name: "bob"},
		Kind:    plan.DeleteUser,
		Outcome: report.Skipped,
		Failure: report.PermissionDenied,
		Reason:  ReasonActiveSession,
		Detail:  "bob is logged in on pts/0",
	}}
	if diff := cmp.Diff(want, res.Excluded); diff != "" {
		t.Errorf("Plan() returned diff exclusions (-want +got):\n%s", diff)
	}
}

// TestProtectedIDNotGrantedMembership plans a remote record claiming uid 0, the
// group it lists must not gain it as a member.
func TestProtectedIDNotGrantedMembership(t *testing.T) {
	desired := accounts.NewSnapshot(
		[]accounts.User{testUser("mallory", 0, 4000, "wheelish")},
		[]accounts.Group{testGroup("wheelish", 4000)},
	)
	observed := accounts.NewSnapshot(nil, nil)
	guard := New(defaultProtected(), nil)

	res := plan.Plan(context.Background(), desired, observed, plan.Options{Managed: managedAll, Guard: guard})

	if len(res.Excluded) != 1 || res.Excluded[0].Reason != ReasonProtectedID {
		t.Fatalf("Plan() excluded %v, want mallory denied with %s", res.Excluded, ReasonProtectedID)
	}
	for _, op := range res.Ops {
		if op.Group == nil {
			t.Errorf("Plan() = %v, want only the group creation", op)
			continue
		}
		if len(op.Group.Members) != 0 || len(op.Group.Admins) != 0 {
			t.Errorf("Plan() %v targets members %v admins %v, want none", op, op.Group.Members, op.Group.Admins)
		}
	}
}
