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

// Package report collects the per entity results of a reconciliation run.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/utils/file"
)

// Outcome is the result of an entity in a run.
type Outcome string

const (
	// Applied means the change was written, or the entity was already in the
	// target state.
	Applied Outcome = "applied"
	// Skipped means the change was not attempted.
	Skipped Outcome = "skipped"
	// Failed means the change was attempted, or planned, and failed.
	Failed Outcome = "failed"
	// Planned is the outcome of every change of a dry run.
	Planned Outcome = "planned"
)

// FailureKind classifies why an entity was not applied.
type FailureKind string

const (
	// SourceUnavailable means the desired state could not be fetched.
	SourceUnavailable FailureKind = "SourceUnavailable"
	// MalformedRecord means the desired record is invalid.
	MalformedRecord FailureKind = "MalformedRecord"
	// KeyCollision means the entity's id is claimed by another entity.
	KeyCollision FailureKind = "KeyCollision"
	// DependencyBlocked means a change this entity depends on didn't apply.
	DependencyBlocked FailureKind = "DependencyBlocked"
	// PermissionDenied means the safety guard vetoed the change.
	PermissionDenied FailureKind = "PermissionDenied"
	// SystemCallFailure means writing the account database failed.
	SystemCallFailure FailureKind = "SystemCallFailure"
)

// Exit codes of a run.
const (
	// ExitConverged means every entity converged.
	ExitConverged = 0
	// ExitFatal means the run aborted before planning.
	ExitFatal = 1
	// ExitIncomplete means one or more entities failed or were skipped.
	ExitIncomplete = 2
)

// Entry is the result of one entity.
type Entry struct {
	// Name is the entity key, "user:alice".
	Name string `json:"name"`
	// Kind is the change operation kind, "CreateUser".
	Kind string `json:"kind"`
	// Outcome is the entity outcome.
	Outcome Outcome `json:"outcome"`
	// Failure classifies skipped and failed outcomes.
	Failure FailureKind `json:"failure,omitempty"`
	// Reason is a short machine friendly reason, "active-session".
	Reason string `json:"reason,omitempty"`
	// Detail is the human readable detail, the underlying error.
	Detail string `json:"detail,omitempty"`
}

// Summary counts the entries by outcome.
type Summary struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Planned int `json:"planned"`
}

// Report is the ordered result of a run. It's safe for concurrent use.
type Report struct {
	mu sync.Mutex
	// Started is when the run started.
	Started time.Time
	// DryRun is true if nothing was applied.
	DryRun  bool
	entries []Entry
	fatal   error
}

// New returns an empty report.
func New(dryRun bool) *Report {
	return &Report{Started: time.Now(), DryRun: dryRun}
}

// Add appends an entry and logs it.
func (r *Report) Add(e Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	switch e.Outcome {
	case Failed:
		galog.Errorf("%s %s failed (%s): %s", e.Kind, e.Name, e.Failure, e.Detail)
	case Skipped:
		galog.Warnf("%s %s skipped (%s): %s", e.Kind, e.Name, reasonOrKind(e), e.Detail)
	case Planned:
		galog.Infof("Would run %s %s", e.Kind, e.Name)
	default:
		galog.Infof("%s %s applied", e.Kind, e.Name)
	}
}

func reasonOrKind(e Entry) string {
	if e.Reason != "" {
		return e.Reason
	}
	return string(e.Failure)
}

// SetFatal records the error that aborted the run.
func (r *Report) SetFatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatal = err
	galog.Errorf("Run aborted: %v", err)
}

// Fatal returns the error that aborted the run, if any.
func (r *Report) Fatal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// Entries returns a copy of the entries in the order they were added.
func (r *Report) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Summary counts the entries by outcome.
func (r *Report) Summary() Summary {
	var s Summary
	for _, e := range r.Entries() {
		switch e.Outcome {
		case Applied:
			s.Applied++
		case Skipped:
			s.Skipped++
		case Failed:
			s.Failed++
		case Planned:
			s.Planned++
		}
	}
	return s
}

// ExitCode returns the process exit code matching the report.
func (r *Report) ExitCode() int {
	if r.Fatal() != nil {
		return ExitFatal
	}
	s := r.Summary()
	if s.Failed > 0 || s.Skipped > 0 {
		return ExitIncomplete
	}
	return ExitConverged
}

// WriteText writes the report as a table.
func (r *Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tCHANGE\tOUTCOME\tREASON")
	for _, e := range r.Entries() {
		reason := reasonOrKind(e)
		if e.Detail != "" && e.Outcome != Applied {
			reason = strings.TrimPrefix(reason+": "+e.Detail, ": ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, e.Kind, e.Outcome, reason)
	}
	s := r.Summary()
	if err := r.Fatal(); err != nil {
		fmt.Fprintf(tw, "\nRun aborted: %v\n", err)
	}
	if r.DryRun {
		fmt.Fprintf(tw, "\n%d planned, %d skipped, %d failed (dry run)\n", s.Planned, s.Skipped, s.Failed)
	} else {
		fmt.Fprintf(tw, "\n%d applied, %d skipped, %d failed\n", s.Applied, s.Skipped, s.Failed)
	}
	return tw.Flush()
}

// jsonReport is the JSON document written by WriteJSON.
type jsonReport struct {
	Started  time.Time `json:"started"`
	DryRun   bool      `json:"dry_run"`
	Fatal    string    `json:"fatal,omitempty"`
	ExitCode int       `json:"exit_code"`
	Summary  Summary   `json:"summary"`
	Entries  []Entry   `json:"entries"`
}

// MarshalJSON encodes the report with its summary and exit code.
func (r *Report) MarshalJSON() ([]byte, error) {
	doc := jsonReport{
		Started:  r.Started,
		DryRun:   r.DryRun,
		ExitCode: r.ExitCode(),
		Summary:  r.Summary(),
		Entries:  r.Entries(),
	}
	if err := r.Fatal(); err != nil {
		doc.Fatal = err.Error()
	}
	return json.Marshal(doc)
}

// WriteJSON writes the report to path, replacing it atomically.
func (r *Report) WriteJSON(ctx context.Context, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := file.SaferWriteFile(ctx, append(data, '\n'), path, file.Options{Perm: 0644}); err != nil {
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return nil
}
