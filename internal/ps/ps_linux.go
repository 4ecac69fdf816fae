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

package ps

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"golang.org/x/sys/unix"
)

// linuxClient is for finding processes on linux distributions.
type linuxClient struct {
	// procDir is the location of proc filesystem mount point in a linux system.
	procDir string
}

const (
	// defaultLinuxProcDir is the default location of proc filesystem mount point
	// in a linux system.
	defaultLinuxProcDir = "/proc/"
)

var procExpression = regexp.MustCompile("^[0-9]+$")

// init creates the Linux process finder.
func init() {
	Client = &linuxClient{
		procDir: defaultLinuxProcDir,
	}
}

// FindUID finds all processes with the real uid matching the provided uid.
// Processes vanishing while the proc dir is being walked are ignored.
func (p linuxClient) FindUID(uid int) ([]Process, error) {
	var result []Process

	files, err := os.ReadDir(p.procDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read linux proc dir: %w", err)
	}

	for _, file := range files {
		if !file.IsDir() || !procExpression.MatchString(file.Name()) {
			continue
		}

		processRootDir := path.Join(p.procDir, file.Name())
		procUID, err := readRealUID(path.Join(processRootDir, "status"))
		if err != nil {
			galog.V(3).Debugf("Skipping process %s: %v", file.Name(), err)
			continue
		}

		if procUID != uid {
			continue
		}

		// Exe and cmdline are best effort, kernel threads and processes of other
		// users may not expose them.
		exePath, _ := os.Readlink(path.Join(processRootDir, "exe"))

		var commandLine []string
		if dat, err := os.ReadFile(path.Join(processRootDir, "cmdline")); err == nil {
			for _, token := range bytes.Split(bytes.TrimSuffix(dat, []byte{0}), []byte{0}) {
				if len(token) > 0 {
					commandLine = append(commandLine, string(token))
				}
			}
		}

		// The procExpression regex guarantees a valid PID.
		pid, _ := strconv.Atoi(file.Name())

		result = append(result, Process{
			PID:         pid,
			UID:         procUID,
			Exe:         exePath,
			CommandLine: commandLine,
		})
	}

	return result, nil
}

// readRealUID parses the real uid out of a /proc/<pid>/status file, the Uid
// line has the format: "Uid:\t<real>\t<effective>\t<saved>\t<fs>".
func readRealUID(statusPath string) (int, error) {
	f, err := os.Open(statusPath)
	if err != nil {
		return -1, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "Uid:"))
		if len(fields) == 0 {
			return -1, fmt.Errorf("malformed Uid line in %s", statusPath)
		}
		return strconv.Atoi(fields[0])
	}

	if err := scanner.Err(); err != nil {
		return -1, fmt.Errorf("failed to read %s: %w", statusPath, err)
	}
	return -1, fmt.Errorf("no Uid line found in %s", statusPath)
}

// IsProcessAlive returns true if the process with the provided PID is alive.
// A process owned by another user (EPERM) is alive.
func (p linuxClient) IsProcessAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}

	err := unix.Kill(pid, 0)
	if err == nil || errors.Is(err, unix.EPERM) {
		return true, nil
	}

	galog.V(2).Debugf("Process with pid %d not running, signal 0 returned error: %v", pid, err)
	return false, nil
}
