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

package apply

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/accounts"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/cfg"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/utils/file"
)

// homePerm is the mode of provisioned home directories.
const homePerm = 0700

// homeOwner returns the ownership of a user's home directory, it's overridden
// in unit tests.
var homeOwner = func(u accounts.User) *file.GUID {
	return &file.GUID{UID: u.UID, GID: u.GID}
}

// HomeOptions configures home directory provisioning.
type HomeOptions struct {
	// Create enables creating the home directory of created users.
	Create bool
	// SkelDir is copied into new home directories when it exists.
	SkelDir string
	// Remove enables removing the home directory of deleted users.
	Remove bool
	// Root is prefixed to home directory paths.
	Root string
}

// HomeOptionsFromConfig returns the home options of the Accounts section.
func HomeOptionsFromConfig(config *cfg.Accounts) HomeOptions {
	return HomeOptions{
		Create:  config.CreateHome,
		SkelDir: config.SkelDir,
		Remove:  config.DeprovisionRemove,
		Root:    config.RootDir,
	}
}

func (o HomeOptions) path(home string) string {
	return filepath.Join(cmp.Or(o.Root, "/"), home)
}

// provisionHome creates the user's home directory from the skeleton
// directory. Existing directories are left untouched.
func provisionHome(ctx context.Context, opts HomeOptions, u accounts.User) error {
	if !opts.Create {
		return nil
	}

	home := opts.path(u.HomeDir)
	if file.Exists(home, file.TypeDir) {
		galog.V(1).Debugf("Home directory %s of %s already exists", home, u.Name)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(home), 0755); err != nil {
		return fmt.Errorf("failed to create parent of home directory %s: %w", home, err)
	}

	owner := homeOwner(u)
	if opts.SkelDir != "" && file.Exists(opts.SkelDir, file.TypeDir) {
		if err := file.CopyTree(ctx, opts.SkelDir, home, owner); err != nil {
			return fmt.Errorf("failed to copy %s to home directory %s: %w", opts.SkelDir, home, err)
		}
	} else {
		if err := os.Mkdir(home, homePerm); err != nil {
			return fmt.Errorf("failed to create home directory %s: %w", home, err)
		}
		if owner != nil {
			if err := os.Lchown(home, owner.UID, owner.GID); err != nil {
				return fmt.Errorf("failed to set ownership of home directory %s: %w", home, err)
			}
		}
	}

	if err := os.Chmod(home, homePerm); err != nil {
		return fmt.Errorf("failed to set mode of home directory %s: %w", home, err)
	}
	galog.Infof("Created home directory %s for %s", home, u.Name)
	return nil
}

// deprovisionHome removes the home directory of a deleted user. A directory
// not owned by the user, or holding one of otherHomes, is kept.
func deprovisionHome(opts HomeOptions, u accounts.User, otherHomes []string) error {
	if !opts.Remove {
		return nil
	}
	clean := filepath.Clean(u.HomeDir)
	if clean == "/" || !filepath.IsAbs(clean) {
		galog.Warnf("Not removing home directory %q of %s", u.HomeDir, u.Name)
		return nil
	}
	for _, other := range otherHomes {
		if filepath.IsAbs(other) && isWithin(filepath.Clean(other), clean) {
			galog.Warnf("Not removing home directory %s of %s, it holds the home directory %s of another user", clean, u.Name, other)
			return nil
		}
	}

	home := opts.path(clean)
	owner, err := file.Owner(home)
	if err != nil {
		if os.IsNotExist(err) {
			galog.V(1).Debugf("Home directory %s of %s doesn't exist", home, u.Name)
			return nil
		}
		return fmt.Errorf("failed to read ownership of home directory %s: %w", home, err)
	}
	if owner.UID != u.UID {
		galog.Warnf("Not removing home directory %s of %s, it's owned by uid %d", home, u.Name, owner.UID)
		return nil
	}

	if err := os.RemoveAll(home); err != nil {
		return fmt.Errorf("failed to remove home directory %s: %w", home, err)
	}
	galog.Infof("Removed home directory %s of %s", home, u.Name)
	return nil
}

// isWithin returns true if fpath is dir or lives below it.
func isWithin(fpath, dir string) bool {
	rel, err := filepath.Rel(dir, fpath)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, "../")
}
