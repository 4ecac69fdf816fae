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

//go:build linux

package shadow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/ps"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/retry"
	"golang.org/x/sys/unix"
)

var (
	// ErrLockTimeout is returned when the account database lock could not be
	// acquired within the lock timeout.
	ErrLockTimeout = errors.New("timed out waiting for the account database lock")

	// errBusy reports a lock held by another live process.
	errBusy = errors.New("lock is busy")

	// lockRetryPolicy is the backoff applied while waiting for a lock, the
	// caller's timeout bounds the number of attempts.
	lockRetryPolicy = retry.Policy{
		BackoffFactor:  1.5,
		Jitter:         100 * time.Millisecond,
		MaximumBackoff: 2 * time.Second,
		ShouldRetry:    func(err error) bool { return errors.Is(err, errBusy) },
	}
)

// dbLock holds the whole account database lock: the lckpwdf(3) compatible
// fcntl lock on .pwd.lock plus the per file "<file>.lock" locks used by
// shadow-utils.
type dbLock struct {
	pwdLock *os.File
	held    []string
}

// lockDatabase acquires the database lock and the per file locks of files, in
// order. On failure every lock already taken is released.
func lockDatabase(ctx context.Context, pwdLockPath string, timeout time.Duration, files []string) (*dbLock, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	l := &dbLock{}
	f, err := lckpwdf(ctx, pwdLockPath)
	if err != nil {
		return nil, err
	}
	l.pwdLock = f

	for _, path := range files {
		if err := lockFile(ctx, path); err != nil {
			l.release()
			return nil, err
		}
		l.held = append(l.held, path)
	}
	return l, nil
}

// release drops the locks in reverse acquisition order.
func (l *dbLock) release() {
	for i := len(l.held) - 1; i >= 0; i-- {
		if err := os.Remove(l.held[i] + ".lock"); err != nil && !os.IsNotExist(err) {
			galog.Errorf("Failed to remove lock file %s.lock: %v", l.held[i], err)
		}
	}
	l.held = nil

	if l.pwdLock != nil {
		// Closing the descriptor drops the fcntl lock.
		if err := l.pwdLock.Close(); err != nil {
			galog.Errorf("Failed to close %s: %v", l.pwdLock.Name(), err)
		}
		l.pwdLock = nil
	}
}

func lockError(what string, err error) error {
	if errors.Is(err, errBusy) {
		return fmt.Errorf("%w: %s", ErrLockTimeout, what)
	}
	return fmt.Errorf("failed to lock %s: %w", what, err)
}

// lckpwdf takes the write lock on the password lock file the way lckpwdf(3)
// does.
func lckpwdf(ctx context.Context, path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	err = retry.Run(ctx, lockRetryPolicy, func() error {
		lk := unix.Flock_t{Type: unix.F_WRLCK, Whence: io.SeekStart}
		err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lk)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
			return errBusy
		}
		return err
	})
	if err != nil {
		f.Close()
		return nil, lockError(path, err)
	}
	return f, nil
}

// lockFile creates "<path>.lock" the way shadow-utils does: the pid is written
// to a "<path>.<pid>" file which is then hard linked to the lock file. A lock
// file left by a dead process is removed.
func lockFile(ctx context.Context, path string) error {
	pid := os.Getpid()
	tmp := fmt.Sprintf("%s.%d", path, pid)
	lock := path + ".lock"

	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	err := retry.Run(ctx, lockRetryPolicy, func() error {
		err := os.Link(tmp, lock)
		if err == nil {
			return checkLinked(tmp)
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}
		if removeStaleLock(lock) {
			err = os.Link(tmp, lock)
			if err == nil {
				return checkLinked(tmp)
			}
		}
		return errBusy
	})
	if err != nil {
		return lockError(lock, err)
	}
	return nil
}

// checkLinked verifies the link actually happened, some network file systems
// report success without linking.
func checkLinked(tmp string) error {
	var st unix.Stat_t
	if err := unix.Stat(tmp, &st); err != nil {
		return fmt.Errorf("failed to stat %s: %w", tmp, err)
	}
	if st.Nlink != 2 {
		return fmt.Errorf("%s has %d links after locking, want 2", tmp, st.Nlink)
	}
	return nil
}

// removeStaleLock removes the lock file if the process holding it is gone.
// Returns true if the lock was removed.
func removeStaleLock(lock string) bool {
	data, err := os.ReadFile(lock)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		galog.Warnf("Lock file %s holds an invalid pid, leaving it alone", lock)
		return false
	}
	alive, err := ps.IsProcessAlive(pid)
	if err != nil || alive {
		return false
	}
	galog.Warnf("Removing stale lock file %s left by process %d", lock, pid)
	return os.Remove(lock) == nil
}
