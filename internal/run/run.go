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

// Package run is a package with utilities for running account management
// commands and handling their results.
package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/GoogleCloudPlatform/galog"
)

var (
	// Client is the Runner running commands.
	Client RunnerInterface = Runner{}
)

// RunnerInterface defines the runner running commands.
type RunnerInterface interface {
	WithContext(ctx context.Context, opts Options) (*Result, error)
}

// Result represents the result of running commands.
type Result struct {
	// OutputType is the output type requested/configured with [Options].
	OutputType OutputType
	// Output is the output of the command, depending on the OutputType it could
	// be either, stdout, stderr, combined or none.
	Output string
}

// Options represents the command options.
type Options struct {
	// OutputType is the output type requested/configured, it could be either:
	// stdout, stderr, combined or none.
	OutputType OutputType
	// Name is the command name.
	Name string
	// Args is the command arguments.
	Args []string
	// Input is written to the process stdin. It is never logged.
	Input string
	// Sensitive marks the arguments as secret, only the command name is logged.
	Sensitive bool
	// Timeout is the timeout of the command. If it's not set (or set to 0) no
	// timeout will be set/assumed.
	Timeout time.Duration
	// Dir specifies the working directory of the command/process.
	Dir string
}

// OutputType represents the output type of the command.
type OutputType int

// Runner implements the RunnerInterface and represents the runner running
// commands.
type Runner struct{}

const (
	// OutputStdout is the output enum for stdout output. The process' stderr is
	// still piped and buffered and is used in case of error (reported in the
	// returned error).
	OutputStdout OutputType = iota
	// OutputStderr is the output enum for stderr output.
	OutputStderr
	// OutputCombined is the output enum for stdout+stderr combined output.
	OutputCombined
	// OutputNone is the output enum for no output/quiet. The process' stderr is
	// still piped and buffered and is used in case of error.
	OutputNone
)

// WithContext runs the command with the given [Options].
func WithContext(ctx context.Context, opts Options) (*Result, error) {
	return Client.WithContext(ctx, opts)
}

// WithContext runs the command with the given [Options]. It blocks until the
// command exits, the timeout expires or ctx is done.
func (rr Runner) WithContext(ctx context.Context, opts Options) (*Result, error) {
	var cancel context.CancelFunc

	mainContext := ctx
	if opts.Timeout != 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if opts.Sensitive {
		galog.Debugf("Running command: %s (arguments redacted)", opts.Name)
	} else {
		galog.Debugf("Running command: %s %v", opts.Name, opts.Args)
	}

	var res *Result
	var err error
	if opts.OutputType == OutputCombined {
		res, err = combinedOutput(ctx, opts)
	} else {
		res, err = splitOutput(ctx, opts)
	}

	if err != nil && mainContext.Err() == nil && ctx.Err() != nil {
		return res, &TimeoutError{err: err}
	}
	return res, err
}

// splitOutput runs the requested command but only reads either stdout or stderr
// output. In case of error the stderr output is merged with the error.
func splitOutput(ctx context.Context, opts Options) (*Result, error) {
	cmd := exec.CommandContext(ctx, opts.Name, opts.Args...)

	var stdout, stderr bytes.Buffer
	var resOutput *bytes.Buffer

	cmd.Stderr = &stderr
	cmd.Dir = opts.Dir

	if err := writeToStdin(cmd, opts.Input); err != nil {
		return nil, fmt.Errorf("failed to write input in splitOutput: %w", err)
	}

	switch opts.OutputType {
	case OutputStderr:
		resOutput = &stderr
	case OutputStdout:
		cmd.Stdout = &stdout
		resOutput = &stdout
	}

	if err := cmd.Run(); err != nil {
		return nil, errorWithOutput(err, stderr.String())
	}

	res := &Result{OutputType: opts.OutputType}
	if resOutput != nil {
		res.Output = resOutput.String()
	}
	return res, nil
}

// combinedOutput runs the requested command and reads the combined output (both
// stdout and stderr).
func combinedOutput(ctx context.Context, opts Options) (*Result, error) {
	cmd := exec.CommandContext(ctx, opts.Name, opts.Args...)
	cmd.Dir = opts.Dir
	if err := writeToStdin(cmd, opts.Input); err != nil {
		return nil, fmt.Errorf("failed to write input in combinedOutput: %w", err)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, errorWithOutput(err, string(output))
	}
	return &Result{OutputType: opts.OutputType, Output: string(output)}, nil
}

func writeToStdin(cmd *exec.Cmd, input string) error {
	if input == "" {
		return nil
	}
	stdinpipe, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to obtain pipe to stdin: %w", err)
	}
	go func() {
		defer stdinpipe.Close()
		if _, err := stdinpipe.Write([]byte(input)); err != nil {
			galog.Debugf("Failed to write to %s stdin: %v", cmd.Path, err)
		}
	}()
	return nil
}

// TimeoutError is the error type returned when a command execution times out.
type TimeoutError struct {
	err error
}

// Error returns the error message.
func (e *TimeoutError) Error() string {
	return e.err.Error()
}

// Unwrap returns the underlying command error.
func (e *TimeoutError) Unwrap() error {
	return e.err
}

// AsTimeoutError returns a TimeoutError if the error is a TimeoutError.
func AsTimeoutError(err error) (*TimeoutError, bool) {
	var ee *TimeoutError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// errorWithOutput merges an error with a command's output.
func errorWithOutput(err error, output string) error {
	if output == "" {
		return err
	}
	return fmt.Errorf("%w; %s", err, output)
}

// AsExitError returns an ExitError if the error is an ExitError.
func AsExitError(err error) (*exec.ExitError, bool) {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
