//  Copyright 2023 Google LLC
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

// Package scheduler maintains scheduler utility for scheduling arbitrary jobs.
package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/galog"
)

// Job defines the interface between the schedule manager and the actual job.
type Job interface {
	// ID returns the job id.
	ID() string
	// Interval returns the interval at which job should be rescheduled and
	// a bool determining if job should be scheduled starting now.
	// If false, first run will be at time now+interval.
	Interval() (time.Duration, bool)
	// ShouldEnable specifies if the job should be enabled for scheduling.
	ShouldEnable(context.Context) bool
	// Run triggers the job for single execution. It returns error if any
	// and a bool stating if scheduler should continue or stop scheduling.
	Run(context.Context) (bool, error)
}

// JitteredJob is implemented by jobs that want a random delay, up to the
// returned duration, added to every scheduled period.
type JitteredJob interface {
	Job
	// Jitter returns the upper bound of the random delay.
	Jitter() time.Duration
}

type jobConfig struct {
	// job is the job interface that is executed and managed by scheduler.
	job Job
	// interrupt is closed to signal and interrupt the job.
	interrupt chan struct{}
	// interruptOnce guards the interrupt channel close.
	interruptOnce sync.Once
	// trigger requests an out of schedule execution, it's buffered so pending
	// requests coalesce into a single run.
	trigger chan struct{}
	// markedRemoved is a signal to not process and the job is marked for removal.
	// This signal is marked only if job.Run() returns not to reschedule again.
	markedRemoved atomic.Bool
}

// Scheduler is a task schedule manager and offers a way to schedule/unschedule new jobs.
type Scheduler struct {
	// mu protects tasks map.
	mu sync.Mutex
	// jobs is a map of task id to its task managed by this scheduler.
	jobs map[string]*jobConfig
}

// scheduler is the scheduler instance.
var scheduler *Scheduler

func init() {
	scheduler = &Scheduler{
		jobs: make(map[string]*jobConfig),
		mu:   sync.Mutex{},
	}
}

// Instance returns scheduler instance.
func Instance() *Scheduler {
	return scheduler
}

// add adds to the list of tasks managed by scheduler.
func (s *Scheduler) add(j *jobConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.job.ID()] = j
}

// remove removes the task for list of tasks managed by the scheduler.
func (s *Scheduler) remove(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
}

// IsScheduled returns true if job is already scheduled.
func (s *Scheduler) IsScheduled(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[jobID]
	return ok
}

// run executes the job and returns if scheduler should continue scheduling.
func (s *Scheduler) run(ctx context.Context, job Job) bool {
	galog.Debugf("Executing job %q", job.ID())

	start := time.Now()
	ok, err := job.Run(ctx)
	if err != nil {
		galog.Errorf("Job %q failed with error: %v", job.ID(), err)
	}
	galog.V(2).Debugf("Job %q finished in %v", job.ID(), time.Since(start))
	return ok
}

// period returns the wait before the next scheduled execution of the job.
func period(job Job) time.Duration {
	interval, _ := job.Interval()
	jj, ok := job.(JitteredJob)
	if !ok || jj.Jitter() <= 0 {
		return interval
	}
	return interval + rand.N(jj.Jitter())
}

// ScheduleJob adds a job to schedule at defined interval.
func (s *Scheduler) ScheduleJob(ctx context.Context, job Job) error {
	if s.IsScheduled(job.ID()) {
		galog.Infof("Skipping schedule job request for %q, its already scheduled", job.ID())
		return nil
	}

	if !job.ShouldEnable(ctx) {
		return fmt.Errorf("ShouldEnable() returned false, cannot schedule job %s", job.ID())
	}

	interval, startNow := job.Interval()
	if interval <= 0 {
		return fmt.Errorf("invalid interval %v for job %s", interval, job.ID())
	}
	galog.Debugf("Adding job %q, to run at every %f seconds", job.ID(), interval.Seconds())

	if startNow && !s.run(ctx, job) {
		galog.Debugf("Job %q first execution returned false, won't be scheduled", job.ID())
		return nil
	}

	task := &jobConfig{job: job, interrupt: make(chan struct{}), trigger: make(chan struct{}, 1)}
	s.add(task)

	go s.runOnSchedule(ctx, task)

	return nil
}

// Trigger requests an immediate execution of a scheduled job. Requests made
// while the job is running are coalesced into a single extra run. It returns
// false if the job is not scheduled.
func (s *Scheduler) Trigger(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.jobs[jobID]
	if !ok || task.markedRemoved.Load() {
		return false
	}
	select {
	case task.trigger <- struct{}{}:
	default:
	}
	return true
}

// runOnSchedule runs the job on schedule until it asks to stop, gets
// interrupted or the context is cancelled.
func (s *Scheduler) runOnSchedule(ctx context.Context, j *jobConfig) {
	timer := time.NewTimer(period(j.job))

	defer timer.Stop()

	execute := func() bool {
		if j.markedRemoved.Load() || s.run(ctx, j.job) {
			return true
		}
		galog.Infof("Job %q execution returned false, won't be rescheduled", j.job.ID())
		j.markedRemoved.Store(true)
		s.remove(j.job.ID())
		return false
	}

	for {
		select {
		case <-timer.C:
			if !execute() {
				return
			}
			timer.Reset(period(j.job))
		case <-j.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			if !execute() {
				return
			}
			timer.Reset(period(j.job))
		case <-j.interrupt:
			galog.Infof("Interrupted, returning from job %q", j.job.ID())
			return
		case <-ctx.Done():
			galog.Infof("Context cancelled, returning from job %q", j.job.ID())
			s.remove(j.job.ID())
			return
		}
	}
}

// stop interrupts the job's schedule loop, it's safe to call it more than
// once.
func (j *jobConfig) stop() {
	j.interruptOnce.Do(func() { close(j.interrupt) })
}

// UnscheduleJob removes the job from schedule.
func (s *Scheduler) UnscheduleJob(jobID string) {
	galog.Infof("Unscheduling job %q", jobID)
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.jobs[jobID]
	if !ok {
		return
	}
	task.stop()
	delete(s.jobs, jobID)
}

// Stop stops executing new jobs.
func (s *Scheduler) Stop() {
	galog.Infof("Stopping the scheduler")
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		j.stop()
		delete(s.jobs, id)
	}
}
