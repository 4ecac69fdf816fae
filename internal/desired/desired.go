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

// Package desired fetches and decodes the desired account state.
package desired

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/compute/metadata"
	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/accounts"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/cfg"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/retry"
	"google.golang.org/api/option"
)

// ErrSourceUnavailable is returned when the desired state can't be fetched or
// parsed. It aborts the run.
var ErrSourceUnavailable = errors.New("desired state source unavailable")

// MalformedRecordError describes a record left out of the desired state.
type MalformedRecordError struct {
	// Kind is the record's entity kind.
	Kind accounts.EntityKind
	// Key is the record name, or "#<index>" if it has no usable name.
	Key string
	// Reason describes what's wrong with the record.
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed %s record %s: %s", e.Kind, e.Key, e.Reason)
}

// EntityKey returns the key of the record's entity.
func (e *MalformedRecordError) EntityKey() accounts.Key {
	return accounts.Key{Kind: e.Kind, Name: e.Key}
}

// Result is a fetched desired state.
type Result struct {
	// Snapshot is the desired state, malformed records excluded and
	// quarantined.
	Snapshot *accounts.Snapshot
	// Malformed are the records left out.
	Malformed []*MalformedRecordError
}

// metadataClient is the subset of the metadata server client used to read
// metadata:// sources.
type metadataClient interface {
	InstanceAttributeValueWithContext(ctx context.Context, attr string) (string, error)
	ProjectAttributeValueWithContext(ctx context.Context, attr string) (string, error)
}

// Provider fetches the desired state from the configured source.
type Provider struct {
	url     string
	timeout time.Duration
	policy  retry.Policy
	// storageOpts are passed to the Cloud Storage client.
	storageOpts []option.ClientOption
	httpClient  *http.Client
	mds         metadataClient
}

// NewProvider returns the provider of the Source configuration.
func NewProvider(config *cfg.Source) *Provider {
	p := &Provider{
		url:        config.URL,
		timeout:    config.Timeout,
		policy:     retry.Policy{MaxAttempts: config.RetryAttempts, BackoffFactor: 2, Jitter: time.Second},
		httpClient: http.DefaultClient,
		mds:        metadata.NewClient(nil),
	}
	if p.policy.MaxAttempts <= 0 {
		p.policy.MaxAttempts = 1
	}
	if config.StorageEndpoint != "" {
		p.storageOpts = append(p.storageOpts, option.WithEndpoint(config.StorageEndpoint))
	}
	return p
}

// WithURL returns a copy of the provider reading url instead.
func (p *Provider) WithURL(url string) *Provider {
	res := *p
	res.url = url
	return &res
}

// URL returns the source location.
func (p *Provider) URL() string {
	return p.url
}

// Fetch reads and decodes the desired state. Fetch and parse failures wrap
// ErrSourceUnavailable, malformed records are reported in the result.
func (p *Provider) Fetch(ctx context.Context) (*Result, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	src, err := parseSource(p.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	galog.V(1).Debugf("Fetching desired state from %s", src)
	data, err := src.read(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	res, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	users, groups := res.Snapshot.Len()
	galog.Debugf("Fetched desired state from %s: %d user(s), %d group(s), %d malformed record(s)",
		src, users, groups, len(res.Malformed))
	return res, nil
}
