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

// Package ps provides a way to inspect processes in linux without using the ps
// CLI tool.
package ps

// Client is the backing (platform specific) implementation of ps operations.
var Client ProcessInterface

// Process describes an OS process.
type Process struct {
	// PID is the process id.
	PID int

	// UID is the real user id the process runs as.
	UID int

	// Exe is the path of the processes executable file.
	Exe string

	// CommandLine contains the processes executable path and its command
	// line arguments (honoring the order they were presented when executed).
	CommandLine []string
}

// ProcessInterface is the minimum required ps interface for the account
// reconciler.
type ProcessInterface interface {
	// IsProcessAlive returns true if the process with the given pid is alive.
	IsProcessAlive(pid int) (bool, error)

	// FindUID finds all processes whose real user id is uid.
	FindUID(uid int) ([]Process, error)
}

// IsProcessAlive returns true if the process with the given pid is alive.
func IsProcessAlive(pid int) (bool, error) {
	return Client.IsProcessAlive(pid)
}

// FindUID finds all processes running as the given uid.
func FindUID(uid int) ([]Process, error) {
	return Client.FindUID(uid)
}
