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

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/cfg"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/desired"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/runlock"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/scheduler"
	"github.com/fsnotify/fsnotify"
)

const (
	// JobID is the scheduler id of the periodic reconciliation.
	JobID = "accounts-sync"
	// debounce coalesces bursts of source file events.
	debounce = time.Second
)

// Job is the scheduler job running periodic reconciliations.
type Job struct {
	engine   *Engine
	interval time.Duration
	jitter   time.Duration
}

// NewJob returns the periodic reconciliation job of the Daemon section.
func NewJob(engine *Engine, config *cfg.Daemon) *Job {
	return &Job{engine: engine, interval: config.Interval, jitter: config.Jitter}
}

// ID returns the job id.
func (j *Job) ID() string {
	return JobID
}

// Interval returns the reconciliation period, the first run starts
// immediately.
func (j *Job) Interval() (time.Duration, bool) {
	return j.interval, true
}

// Jitter returns the upper bound of the random delay added to the period.
func (j *Job) Jitter() time.Duration {
	return j.jitter
}

// ShouldEnable always enables the job.
func (j *Job) ShouldEnable(context.Context) bool {
	return true
}

// Run runs one reconciliation. Failed runs, fatal ones included, are retried on
// the next period.
func (j *Job) Run(ctx context.Context) (bool, error) {
	r := j.engine.Run(ctx, Options{})
	if err := r.Fatal(); err != nil {
		if errors.Is(err, runlock.ErrLocked) {
			galog.Infof("Skipping scheduled reconciliation: %v", err)
			return true, nil
		}
		return true, fmt.Errorf("reconciliation aborted: %w", err)
	}
	return true, nil
}

// Watch triggers the job whenever the local source file is written, it
// returns when ctx is done. Remote sources aren't watched.
func Watch(ctx context.Context, sourceURL string) error {
	path, ok := desired.LocalPath(sourceURL)
	if !ok {
		galog.V(1).Debugf("Source %s is not a local file, not watching it", sourceURL)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create source watcher: %w", err)
	}
	defer watcher.Close()

	// The directory is watched so replacing the file by rename is noticed.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	galog.Infof("Watching %s for changes", path)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) {
				continue
			}
			galog.V(2).Debugf("Source file event: %s", ev)
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			galog.Warnf("Source watcher error: %v", err)
		case <-timer.C:
			galog.Infof("Source %s changed, triggering reconciliation", path)
			if !scheduler.Instance().Trigger(JobID) {
				galog.Warnf("Reconciliation job is not scheduled, ignoring source change")
			}
		}
	}
}

// RunDaemon schedules the periodic reconciliation and watches the source until
// ctx is done.
func RunDaemon(ctx context.Context, engine *Engine, config *cfg.Daemon) error {
	job := NewJob(engine, config)
	if err := scheduler.Instance().ScheduleJob(ctx, job); err != nil {
		return fmt.Errorf("failed to schedule reconciliation: %w", err)
	}
	defer scheduler.Instance().UnscheduleJob(JobID)

	if config.WatchSource {
		go func() {
			if err := Watch(ctx, engine.SourceURL()); err != nil {
				galog.Errorf("Failed to watch desired state source: %v", err)
			}
		}()
	}

	<-ctx.Done()
	galog.Infof("Stopping accounts sync daemon")
	return nil
}
