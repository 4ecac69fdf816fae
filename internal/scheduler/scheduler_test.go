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

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type testJob struct {
	interval     time.Duration
	shouldEnable bool
	startingNow  bool
	id           string
	mu           sync.RWMutex
	counter      int
	stopAfter    int
	throwErr     bool
	continueRun  bool
}

func (j *testJob) Run(_ context.Context) (bool, error) {
	if j.throwErr {
		return j.continueRun, fmt.Errorf("test error")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.counter++
	if j.counter == j.stopAfter {
		return false, nil
	}
	return true, nil
}

func (j *testJob) ID() string {
	return j.id
}

func (j *testJob) Interval() (time.Duration, bool) {
	return j.interval, j.startingNow
}

func (j *testJob) ShouldEnable(_ context.Context) bool {
	return j.shouldEnable
}

func TestSchedule(t *testing.T) {
	job := &testJob{
		interval:     time.Second / 2,
		id:           "test_job",
		shouldEnable: true,
		startingNow:  true,
		counter:      0,
	}
	s := Instance()
	t.Cleanup(s.Stop)
	ctx := context.Background()
	if err := s.ScheduleJob(ctx, job); err != nil {
		t.Errorf("ScheduleJob(ctx, %+v) failed unexecptedly with error: %v", job, err)
	}

	if !s.IsScheduled(job.ID()) {
		t.Errorf("Failed to schedule %s, expected an entry in scheduled jobs", job.ID())
	}

	// Reschedule of same job should be no-op.
	if err := s.ScheduleJob(ctx, job); err != nil {
		t.Errorf("ScheduleJob(ctx, %+v) failed unexecptedly with error: %v", job, err)
	}
	// Let the scheduler run for 3 seconds, as task interval is half second we should see at-least 4 runs.
	// 3 here is arbitrary number to test number of runs.
	time.Sleep(3 * time.Second)
	s.Stop()
	job.mu.RLock()
	defer job.mu.RUnlock()
	if job.counter < 4 {
		t.Errorf("Scheduler failed to schedule job, counter value found %d, expcted atleast 3", job.counter)
	}
}

func TestMultipleSchedules(t *testing.T) {
	ctx := context.Background()
	job1 := &testJob{
		interval:     time.Second / 2,
		id:           "test_job1",
		shouldEnable: true,
		startingNow:  true,
		counter:      0,
	}

	job2 := &testJob{
		interval:     time.Second / 2,
		id:           "test_job2",
		shouldEnable: true,
		startingNow:  true,
		counter:      0,
	}

	s := Instance()
	t.Cleanup(s.Stop)

	// Schedule multiple jobs.
	if err := s.ScheduleJob(ctx, job1); err != nil {
		t.Errorf("ScheduleJob(ctx, %+v) failed unexecptedly with error: %v", job1, err)
	}
	if err := s.ScheduleJob(ctx, job2); err != nil {
		t.Errorf("ScheduleJob(ctx, %+v) failed unexecptedly with error: %v", job2, err)
	}

	// Let the scheduler run for 2 seconds, 2 here is arbitrary number to test number of runs of all jobs.
	time.Sleep(2 * time.Second)
	s.UnscheduleJob(job2.ID())
	// Unschedule job with unknown ID should be no-op.
	s.UnscheduleJob("random_unknown")

	if !s.IsScheduled(job1.ID()) {
		t.Errorf("Failed to schedule %s, expected an entry in scheduled jobs", job1.ID())
	}
	if s.IsScheduled(job2.ID()) {
		t.Errorf("Failed to unschedule %s, found an entry in scheduled jobs", job2.ID())
	}

	time.Sleep(time.Second)
	job1.mu.RLock()
	defer job1.mu.RUnlock()
	// Verify job1 is still running and job2 is unscheduled.
	if job1.counter < 4 {
		t.Errorf("Scheduler failed to schedule job, counter value found %d, expcted atleast 3", job1.counter)
	}

	job2.mu.RLock()
	defer job2.mu.RUnlock()
	if job2.counter > 5 {
		t.Errorf("Scheduler failed to unschedule job, counter value found %d, expcted less than 5", job2.counter)
	}
}

func TestStopSchedule(t *testing.T) {
	s := Instance()
	t.Cleanup(s.Stop)

	job := &testJob{
		interval:     time.Second / 2,
		id:           "test_job",
		shouldEnable: true,
		startingNow:  true,
		stopAfter:    2,
		counter:      0,
	}

	if err := s.ScheduleJob(context.Background(), job); err != nil {
		t.Errorf("ScheduleJob(ctx, %+v) failed unexecptedly with error: %v", job, err)
	}

	if !s.IsScheduled(job.ID()) {
		t.Errorf("Failed to schedule %s, expected an entry in scheduled jobs", job.ID())
	}

	// Let the scheduler run for 3 seconds, 3 here is arbitrary number to test number of runs of all jobs.
	time.Sleep(3 * time.Second)
	job.mu.RLock()
	defer job.mu.RUnlock()
	if job.counter > 3 {
		t.Errorf("Scheduler failed to stop the job, counter value found %d, should have stopped after max 3", job.counter)
	}
}

func TestScheduleJobError(t *testing.T) {
	job := &testJob{
		interval:     time.Second / 2,
		id:           "test_job",
		shouldEnable: false,
	}
	s := Instance()

	if err := s.ScheduleJob(context.Background(), job); err == nil {
		t.Errorf("ScheduleJob(ctx, %s) succeeded unexpectedly when shouldEnable set to false, want error", job.ID())
	}
}

func TestScheduleJob(t *testing.T) {
	job := &testJob{
		interval:     time.Second / 2,
		id:           "test_job",
		shouldEnable: true,
		counter:      0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := Instance().ScheduleJob(ctx, job); err != nil {
		t.Errorf("ScheduleJob(ctx, %+v) failed unexecptedly with error: %v", job, err)
	}
	// Canceling context should shut down the job.
	cancel()
	job.mu.RLock()
	defer job.mu.RUnlock()
	if job.counter > 1 {
		t.Errorf("Scheduler failed to unschedule job, counter value found %d, did not expct more than 1", job.counter)
	}
	// Make sure the job was unscheduled.
	time.Sleep(job.interval)
	if Instance().IsScheduled(job.ID()) {
		t.Errorf("Scheduler failed to unschedule job, found an entry in scheduled jobs")
	}
}

func TestRun(t *testing.T) {
	s := &Scheduler{jobs: make(map[string]*jobConfig)}
	ctx := context.Background()

	tests := []struct {
		desc string
		job  Job
		want bool
	}{
		{
			desc: "error_should_continue",
			job:  &testJob{continueRun: true, throwErr: true},
			want: true,
		},
		{
			desc: "error_should_not_continue",
			job:  &testJob{continueRun: false, throwErr: true},
			want: false,
		},
		{
			desc: "success",
			job:  &testJob{id: "success_job"},
			want: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			if got := s.run(ctx, tc.job); got != tc.want {
				t.Errorf("run(ctx, %+v) = %t, want: %t", tc.job, got, tc.want)
			}
		})
	}
}

func TestInvalidInterval(t *testing.T) {
	s := &Scheduler{jobs: make(map[string]*jobConfig)}
	job := &testJob{id: "zero_interval", shouldEnable: true}
	if err := s.ScheduleJob(context.Background(), job); err == nil {
		t.Errorf("ScheduleJob(ctx, %s) succeeded with zero interval, want error", job.ID())
	}
}

type jitterJob struct {
	testJob
	jitter time.Duration
}

func (j *jitterJob) Jitter() time.Duration {
	return j.jitter
}

func TestPeriod(t *testing.T) {
	plain := &testJob{interval: time.Minute}
	if got := period(plain); got != time.Minute {
		t.Errorf("period(%+v) = %v, want %v", plain, got, time.Minute)
	}

	noJitter := &jitterJob{testJob: testJob{interval: time.Minute}}
	if got := period(noJitter); got != time.Minute {
		t.Errorf("period(no jitter) = %v, want %v", got, time.Minute)
	}

	jittered := &jitterJob{testJob: testJob{interval: time.Minute}, jitter: 10 * time.Second}
	for i := 0; i < 100; i++ {
		got := period(jittered)
		if got < time.Minute || got >= time.Minute+10*time.Second {
			t.Fatalf("period(jittered) = %v, want in [1m, 1m10s)", got)
		}
	}
}

func TestTrigger(t *testing.T) {
	s := &Scheduler{jobs: make(map[string]*jobConfig)}
	t.Cleanup(s.Stop)

	job := &testJob{
		interval:     time.Hour,
		id:           "triggered_job",
		shouldEnable: true,
	}

	if s.Trigger(job.ID()) {
		t.Errorf("Trigger(%q) = true for unscheduled job, want false", job.ID())
	}

	if err := s.ScheduleJob(context.Background(), job); err != nil {
		t.Fatalf("ScheduleJob(ctx, %+v) failed unexpectedly with error: %v", job, err)
	}

	if !s.Trigger(job.ID()) {
		t.Fatalf("Trigger(%q) = false, want true", job.ID())
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job.mu.RLock()
		counter := job.counter
		job.mu.RUnlock()
		if counter >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("Trigger(%q) did not run the job within 5 seconds", job.ID())
}
