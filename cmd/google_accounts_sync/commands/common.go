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

// Package commands provides common helper methods for all commands implemented
// by the CLI.
package commands

import (
	"errors"
	"fmt"
)

const (
	// exitOK is the exit code of a successful command.
	exitOK = 0
	// exitFailure is the exit code of commands failing for reasons other than a
	// reconciliation outcome, e.g. invalid flags.
	exitFailure = 1
)

// ExitError is returned by commands whose failure maps to a specific process
// exit code.
type ExitError struct {
	// Code is the process exit code.
	Code int
	// Err is the underlying error.
	Err error
}

// Error returns the underlying error message.
func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps the error returned by a command to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return exitFailure
}
