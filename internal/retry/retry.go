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

// Package retry implements retry logic helpers to execute arbitrary functions
// with defined policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/GoogleCloudPlatform/galog"
)

// DefaultMaximumBackoff is the backoff ceiling used when a policy doesn't set
// one.
const DefaultMaximumBackoff = time.Minute * 30

// Policy represents the struct to configure the retry behavior.
type Policy struct {
	// MaxAttempts represents the maximum number of retry attempts. Zero means
	// retry until the function succeeds or the context is done.
	MaxAttempts int
	// BackoffFactor is the multiplier by which retry interval (Jitter) increases
	// after each retry. For constant backoff set Backoff factor to 1.
	BackoffFactor float64
	// Jitter is the interval before the first retry.
	Jitter time.Duration
	// MaximumBackoff is the maximum amount of time to wait between attempts.
	// When zero DefaultMaximumBackoff is used.
	MaximumBackoff time.Duration
	// ShouldRetry is an optional override that decides if an error is worth
	// another attempt. Nil means every error is retried.
	ShouldRetry func(error) bool
}

// backoff computes the wait period before the given attempt (0 based).
func backoff(attempt int, policy Policy) time.Duration {
	ceiling := policy.MaximumBackoff
	if ceiling == 0 {
		ceiling = DefaultMaximumBackoff
	}

	// A negative attempt can only come from an integer wraparound.
	if attempt < 0 {
		return ceiling
	}

	b := float64(policy.Jitter) * math.Pow(policy.BackoffFactor, float64(attempt))
	if math.IsInf(b, 0) || math.IsNaN(b) || b > float64(ceiling) {
		return ceiling
	}
	return time.Duration(b)
}

// isRetriable returns true if the error is retriable under the policy.
func isRetriable(policy Policy, err error) bool {
	if policy.ShouldRetry == nil {
		return true
	}
	return policy.ShouldRetry(err)
}

// RunWithResponse executes and retries the function on failure based on the
// policy defined and returns response on success.
func RunWithResponse[T any](ctx context.Context, policy Policy, fn func() (T, error)) (T, error) {
	var (
		res T
		err error
	)

	if fn == nil {
		return res, errors.New("retry function cannot be nil")
	}

	for attempt := 0; policy.MaxAttempts == 0 || attempt < policy.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return res, fmt.Errorf("context done (%w) after error: %w", ctxErr, err)
			}
			return res, ctxErr
		}

		if res, err = fn(); err == nil {
			return res, nil
		}

		if !isRetriable(policy, err) {
			galog.V(2).Debugf("Error %v is not retriable, giving up after %d attempt(s)", err, attempt+1)
			return res, err
		}

		// Don't sleep after the last attempt.
		if policy.MaxAttempts != 0 && attempt == policy.MaxAttempts-1 {
			break
		}

		wait := backoff(attempt, policy)
		galog.V(2).Debugf("Attempt %d failed with error: %v, retrying in %v", attempt+1, err, wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	return res, fmt.Errorf("exhausted all (%d) retries, last error: %w", policy.MaxAttempts, err)
}

// Run executes and retries the function on failure based on the policy
// defined.
func Run(ctx context.Context, policy Policy, fn func() error) error {
	if fn == nil {
		return errors.New("retry function cannot be nil")
	}

	_, err := RunWithResponse(ctx, policy, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
