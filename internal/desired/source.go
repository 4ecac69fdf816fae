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

package desired

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/storage"
	"github.com/GoogleCloudPlatform/galog"
	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/retry"
)

// maxDocumentSize bounds the size of a desired state document.
const maxDocumentSize = 64 << 20

// source is a parsed source location.
type source struct {
	scheme string
	// path is the local file path, the object name or the metadata attribute.
	path string
	// bucket is the Cloud Storage bucket.
	bucket string
	raw    string
}

func (s source) String() string {
	return s.raw
}

// parseSource parses a source location: a plain path, file://, gs://,
// http(s):// or metadata://.
func parseSource(raw string) (source, error) {
	if raw == "" {
		return source{}, errors.New("no source configured")
	}
	if strings.HasPrefix(raw, "/") {
		return source{scheme: "file", path: raw, raw: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return source{}, fmt.Errorf("invalid source %q: %w", raw, err)
	}

	s := source{scheme: u.Scheme, raw: raw}
	switch u.Scheme {
	case "file":
		s.path = u.Path
	case "gs":
		s.bucket = u.Host
		s.path = strings.TrimPrefix(u.Path, "/")
		if s.bucket == "" || s.path == "" {
			return source{}, fmt.Errorf("invalid Cloud Storage source %q, want gs://<bucket>/<object>", raw)
		}
	case "http", "https":
	case "metadata":
		s.path = strings.Trim(u.Host+u.Path, "/")
	default:
		return source{}, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
	if s.path == "" && s.scheme != "http" && s.scheme != "https" {
		return source{}, fmt.Errorf("invalid source %q", raw)
	}
	return s, nil
}

// LocalPath returns the file read by a local source.
func LocalPath(raw string) (string, bool) {
	s, err := parseSource(raw)
	if err != nil || s.scheme != "file" {
		return "", false
	}
	return s.path, true
}

func (s source) read(ctx context.Context, p *Provider) ([]byte, error) {
	switch s.scheme {
	case "file":
		return readFile(s.path)
	case "gs":
		return readGCS(ctx, p, s.bucket, s.path)
	case "metadata":
		return readMetadata(ctx, p, s.path)
	default:
		return readHTTP(ctx, p, s.raw)
	}
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return readAll(f)
}

func readAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("document larger than %d bytes", maxDocumentSize)
	}
	return data, nil
}

// readGCS downloads the object from the Cloud Storage bucket.
func readGCS(ctx context.Context, p *Provider, bucket, object string) ([]byte, error) {
	client, err := storage.NewClient(ctx, p.storageOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create storage client: %w", err)
	}
	defer client.Close()

	return retry.RunWithResponse(ctx, p.policy, func() ([]byte, error) {
		r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read gs://%s/%s: %w", bucket, object, err)
		}
		defer r.Close()
		return readAll(r)
	})
}

// readHTTP downloads the document with a GET request.
func readHTTP(ctx context.Context, p *Provider, url string) ([]byte, error) {
	return retry.RunWithResponse(ctx, p.policy, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		res, err := p.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("GET %q, bad status: %s", url, res.Status)
		}
		return readAll(res.Body)
	})
}

// readMetadata reads the instance attribute, falling back to the project
// attribute of the same name.
func readMetadata(ctx context.Context, p *Provider, attr string) ([]byte, error) {
	value, err := retry.RunWithResponse(ctx, p.policy, func() (string, error) {
		v, err := p.mds.InstanceAttributeValueWithContext(ctx, attr)
		var notDefined metadata.NotDefinedError
		if errors.As(err, &notDefined) {
			galog.V(1).Debugf("Instance attribute %s not defined, reading the project attribute", attr)
			return p.mds.ProjectAttributeValueWithContext(ctx, attr)
		}
		return v, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata attribute %s: %w", attr, err)
	}
	return []byte(value), nil
}
