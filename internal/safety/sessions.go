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
	"fmt"

	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/accounts"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/ps"
	"github.com/shirou/gopsutil/v3/host"
)

// SessionChecker reports accounts in use.
type SessionChecker interface {
	// Active returns true and a description of the session if the user is
	// logged in or runs processes.
	Active(ctx context.Context, u accounts.User) (bool, string, error)
}

// Sessions checks the utmp login records and the running processes.
type Sessions struct {
	// logins lists the login sessions, overridden in unit tests.
	logins func(ctx context.Context) ([]host.UserStat, error)
	// processes lists the processes of a uid, overridden in unit tests.
	processes func(uid int) ([]ps.Process, error)
}

// NewSessions returns a session checker backed by utmp and /proc.
func NewSessions() *Sessions {
	return &Sessions{
		logins:    host.UsersWithContext,
		processes: ps.FindUID,
	}
}

// Active implements SessionChecker. A failing source is reported as an error
// only if no other source found a session.
func (s *Sessions) Active(ctx context.Context, u accounts.User) (bool, string, error) {
	logins, loginErr := s.logins(ctx)
	for _, l := range logins {
		if l.User == u.Name {
			return true, fmt.Sprintf("%s is logged in on %s", u.Name, l.Terminal), nil
		}
	}

	procs, procErr := s.processes(u.UID)
	if len(procs) > 0 {
		return true, fmt.Sprintf("%s runs %d process(es), pid %d first", u.Name, len(procs), procs[0].PID), nil
	}

	if loginErr != nil {
		return false, "", fmt.Errorf("failed to list login sessions: %w", loginErr)
	}
	if procErr != nil {
		return false, "", fmt.Errorf("failed to list processes of uid %d: %w", u.UID, procErr)
	}
	return false, "", nil
}
