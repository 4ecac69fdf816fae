//  Copyright 2024 Google LLC
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

//go:build unix

package file

import (
	"os"

	"golang.org/x/sys/unix"
)

// Owner returns the ownership of fpath, symbolic links are not followed.
func Owner(fpath string) (*GUID, error) {
	var st unix.Stat_t
	if err := unix.Lstat(fpath, &st); err != nil {
		return nil, &os.PathError{Op: "lstat", Path: fpath, Err: err}
	}
	return &GUID{UID: int(st.Uid), GID: int(st.Gid)}, nil
}
