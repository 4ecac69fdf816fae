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

// Package file implements file related utilities shared by the account
// database writers and the home directory provisioning.
package file

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/GoogleCloudPlatform/galog"
)

// Type is the type of file.
type Type int

// Options contain options for file modification operations behavior.
type Options struct {
	// Perm is the file permissions
	Perm fs.FileMode
	// Owner indicates file ownership options to set.
	Owner *GUID
}

// GUID represents a file's user and group ownership.
type GUID struct {
	// UID is the uid of the file user owner.
	UID int
	// GID is the gid of the file group owner.
	GID int
}

const (
	// TypeDir is the type of directory.
	TypeDir Type = iota
	// TypeFile is the type of file.
	TypeFile

	// dirPerm is the permission used for parent directories created on demand.
	dirPerm = 0755
)

// Exists returns true if the file exists and match ftype.
func Exists(fpath string, ftype Type) bool {
	stat, err := os.Stat(fpath)
	if err != nil {
		return false
	}

	if ftype == TypeDir && stat.IsDir() {
		return true
	}

	if ftype == TypeFile && !stat.IsDir() {
		return true
	}

	return false
}

// SaferWriteFile writes to a temporary file, flushes it to disk and then
// replaces the expected output file. Readers never observe partial content.
func SaferWriteFile(ctx context.Context, content []byte, outputFile string, opts Options) error {
	dir := filepath.Dir(outputFile)
	name := filepath.Base(outputFile)

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("unable to create required directories %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, name+"*")
	if err != nil {
		return fmt.Errorf("unable to create temporary file under %q: %w", dir, err)
	}
	tmpName := tmp.Name()

	cleanup := func(err error) error {
		tmp.Close()
		if rmErr := os.Remove(tmpName); rmErr != nil && !os.IsNotExist(rmErr) {
			galog.Debugf("Failed to remove temporary file %q: %v", tmpName, rmErr)
		}
		return err
	}

	if err := tmp.Chmod(opts.Perm); err != nil {
		return cleanup(fmt.Errorf("unable to set permissions on temporary file %q: %w", tmpName, err))
	}

	if opts.Owner != nil {
		if err := tmp.Chown(opts.Owner.UID, opts.Owner.GID); err != nil {
			return cleanup(fmt.Errorf("error setting ownership of %q: %w", tmpName, err))
		}
	}

	if _, err := tmp.Write(content); err != nil {
		return cleanup(fmt.Errorf("unable to write to a temporary file %q: %w", tmpName, err))
	}

	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("unable to sync temporary file %q: %w", tmpName, err))
	}

	if err := tmp.Close(); err != nil {
		return cleanup(fmt.Errorf("failed to close temporary file: %w", err))
	}

	if err := os.Rename(tmpName, outputFile); err != nil {
		return cleanup(fmt.Errorf("unable to move %q to %q: %w", tmpName, outputFile, err))
	}
	return nil
}

// WriteFile creates parent directories if required and writes content to the
// output file. Wraps OS errors.
func WriteFile(ctx context.Context, content []byte, outputFile string, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(outputFile), dirPerm); err != nil {
		return fmt.Errorf("unable to create required directories for %q: %w", outputFile, err)
	}
	if err := os.WriteFile(outputFile, content, opts.Perm); err != nil {
		return fmt.Errorf("unable to write to file %q: %w", outputFile, err)
	}
	if opts.Owner != nil {
		if err := os.Chown(outputFile, opts.Owner.UID, opts.Owner.GID); err != nil {
			return fmt.Errorf("error setting ownership of %q: %w", outputFile, err)
		}
	}
	return nil
}

// CopyFile copies content from src to dst and sets permissions.
func CopyFile(ctx context.Context, src, dst string, opts Options) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", src, err)
	}

	if err := WriteFile(ctx, b, dst, opts); err != nil {
		return fmt.Errorf("failed to write %q: %w", dst, err)
	}

	if err := os.Chmod(dst, opts.Perm); err != nil {
		return fmt.Errorf("unable to set permissions on destination file %q: %w", dst, err)
	}

	return nil
}

// CopyTree recursively copies the src directory into dst, keeping the source
// permission bits. Every created entry is owned by owner when it's not nil.
// Existing files in dst are left untouched.
func CopyTree(ctx context.Context, src, dst string, owner *GUID) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("failed to compute relative path of %q: %w", path, err)
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %q: %w", path, err)
		}

		switch {
		case d.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()); err != nil {
				return fmt.Errorf("failed to create directory %q: %w", target, err)
			}
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("failed to read symlink %q: %w", path, err)
			}
			if err := os.Symlink(link, target); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %q: %w", target, err)
			}
		case d.Type().IsRegular():
			if Exists(target, TypeFile) {
				return nil
			}
			if err := copyRegular(path, target, info.Mode().Perm()); err != nil {
				return err
			}
		default:
			galog.V(2).Debugf("Skipping special file %q", path)
			return nil
		}

		if owner != nil {
			if err := os.Lchown(target, owner.UID, owner.GID); err != nil {
				return fmt.Errorf("error setting ownership of %q: %w", target, err)
			}
		}
		return nil
	})
}

// copyRegular streams a regular file from src to dst.
func copyRegular(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open file %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("failed to open file %q: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy contents to the file %q: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close file %q: %w", dst, err)
	}
	return nil
}
