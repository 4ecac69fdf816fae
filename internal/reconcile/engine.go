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

// Package reconcile runs the reconciliation of the host accounts with the
// desired state.
package reconcile

import (
	"context"
	"fmt"
	"slices"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/accounts"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/apply"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/cfg"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/desired"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/plan"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/report"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/runlock"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/safety"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/shadow"
)

const (
	// BackendFiles writes the account database files directly.
	BackendFiles = "files"
	// BackendCommands drives the shadow-utils commands.
	BackendCommands = "commands"

	// reasonMalformed is the reason of malformed desired records.
	reasonMalformed = "malformed-record"
	// recordKind is the report kind of desired records that weren't planned.
	recordKind = "Record"
)

// Backend is the account database the engine reads and writes.
type Backend interface {
	apply.Backend
	// Read returns a snapshot of the whole account database.
	Read(ctx context.Context) (*accounts.Snapshot, error)
}

// Options are the options of a single run.
type Options struct {
	// DryRun plans without applying anything.
	DryRun bool
	// Only restricts the run to the named entities.
	Only []string
	// Source overrides the configured desired state location.
	Source string
}

// Engine runs reconciliations.
type Engine struct {
	provider   *desired.Provider
	backend    Backend
	guard      plan.Authorizer
	ledgerPath string
	lockPath   string
	reportPath string
	homes      apply.HomeOptions
}

// NewEngine returns an engine configured by config.
func NewEngine(config *cfg.Sections) (*Engine, error) {
	backend, err := newBackend(config.Accounts)
	if err != nil {
		return nil, err
	}
	guard, err := safety.FromConfig(config.Safety)
	if err != nil {
		return nil, fmt.Errorf("invalid safety configuration: %w", err)
	}

	return &Engine{
		provider:   desired.NewProvider(config.Source),
		backend:    backend,
		guard:      guard,
		ledgerPath: config.Accounts.ManagedLedger,
		lockPath:   config.RunLock.Path,
		reportPath: config.Report.JSONFile,
		homes:      apply.HomeOptionsFromConfig(config.Accounts),
	}, nil
}

func newBackend(config *cfg.Accounts) (Backend, error) {
	switch config.Backend {
	case "", BackendFiles:
		return shadow.New(config.RootDir, config.LockTimeout), nil
	case BackendCommands:
		return accounts.NewCommands(config), nil
	default:
		return nil, fmt.Errorf("unknown accounts backend %q, want %q or %q", config.Backend, BackendFiles, BackendCommands)
	}
}

// SourceURL returns the configured desired state location.
func (e *Engine) SourceURL() string {
	return e.provider.URL()
}

// Run runs a reconciliation and returns its report. Failures preceding
// planning are recorded as the report's fatal error.
func (e *Engine) Run(ctx context.Context, opts Options) *report.Report {
	r := report.New(opts.DryRun)
	defer e.writeReport(ctx, r)

	provider := e.provider
	if opts.Source != "" {
		provider = provider.WithURL(opts.Source)
	}

	galog.Infof("Starting accounts reconciliation (dry run: %t)", opts.DryRun)
	want, err := provider.Fetch(ctx)
	if err != nil {
		r.SetFatal(err)
		return r
	}
	for _, m := range want.Malformed {
		r.Add(report.Entry{
			Name:    accounts.Key{Kind: m.Kind, Name: m.Key}.String(),
			Kind:    recordKind,
			Outcome: report.Skipped,
			Failure: report.MalformedRecord,
			Reason:  reasonMalformed,
			Detail:  m.Reason,
		})
	}

	ledger, err := accounts.LoadLedger(e.ledgerPath)
	if err != nil {
		r.SetFatal(err)
		return r
	}

	observed, err := e.backend.Read(ctx)
	if err != nil {
		r.SetFatal(err)
		return r
	}

	res := plan.Plan(ctx, want.Snapshot, observed, plan.Options{
		Managed: ledger.Contains,
		Guard:   e.guard,
		Only:    opts.Only,
	})
	for _, x := range res.Excluded {
		r.Add(x.Entry())
	}

	if opts.DryRun {
		for _, op := range res.Ops {
			r.Add(report.Entry{Name: op.Key().String(), Kind: string(op.Kind), Outcome: report.Planned, Detail: op.String()})
		}
		return r
	}

	lock, err := runlock.Acquire(e.lockPath)
	if err != nil {
		r.SetFatal(err)
		return r
	}
	defer lock.Release()

	executor := apply.New(e.backend, r, apply.Options{Homes: e.homes, Ledger: ledger, Observed: observed})
	executor.ApplyAll(ctx, res.Ops)
	executor.EnsureHomes(ctx, homeCandidates(want.Snapshot, res, opts.Only))

	adopt(ledger, want.Snapshot, observed, res)
	if err := ledger.Save(ctx); err != nil {
		galog.Errorf("Failed to save managed ledger: %v", err)
	}

	s := r.Summary()
	galog.Infof("Accounts reconciliation finished: %d applied, %d skipped, %d failed", s.Applied, s.Skipped, s.Failed)
	return r
}

// homeCandidates returns the desired users the run is responsible for, the
// excluded ones and the ones not selected by only are left out.
func homeCandidates(want *accounts.Snapshot, res *plan.Result, only []string) []accounts.User {
	excluded := make(map[accounts.Key]bool)
	for _, x := range res.Excluded {
		excluded[x.Key] = true
	}

	var users []accounts.User
	for _, u := range want.Users() {
		k := accounts.Key{Kind: accounts.KindUser, Name: u.Name}
		if excluded[k] {
			continue
		}
		if len(only) > 0 && !slices.Contains(only, u.Name) && !slices.Contains(only, k.String()) {
			continue
		}
		users = append(users, u)
	}
	return users
}

// adopt records the desired entities already present on the host. Entities
// whose deletion was denied as protected are forgotten, they're never deleted.
func adopt(ledger *accounts.Ledger, want, observed *accounts.Snapshot, res *plan.Result) {
	excluded := make(map[accounts.Key]bool)
	for _, x := range res.Excluded {
		excluded[x.Key] = true
		if x.Kind.IsDelete() && (x.Reason == safety.ReasonProtected || x.Reason == safety.ReasonProtectedID) {
			ledger.Remove(x.Key)
		}
	}

	for _, name := range want.UserNames() {
		k := accounts.Key{Kind: accounts.KindUser, Name: name}
		if _, ok := observed.User(name); ok && !excluded[k] {
			ledger.Add(k)
		}
	}
	for _, name := range want.GroupNames() {
		k := accounts.Key{Kind: accounts.KindGroup, Name: name}
		if _, ok := observed.Group(name); ok && !excluded[k] {
			ledger.Add(k)
		}
	}
}

func (e *Engine) writeReport(ctx context.Context, r *report.Report) {
	if e.reportPath == "" {
		return
	}
	if err := r.WriteJSON(ctx, e.reportPath); err != nil {
		galog.Errorf("Failed to write report: %v", err)
	}
}
