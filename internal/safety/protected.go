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

package safety

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/GoogleCloudPlatform/google-accounts-sync/internal/accounts"
)

// Range is an inclusive range of ids.
type Range struct {
	Min int
	Max int
}

// Contains returns true if id is in the range.
func (r Range) Contains(id int) bool {
	return id >= r.Min && id <= r.Max
}

func (r Range) String() string {
	if r.Min == r.Max {
		return strconv.Itoa(r.Min)
	}
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// ParseRanges parses a comma separated list of ids and id ranges, "0-999,65534".
func ParseRanges(s string) ([]Range, error) {
	var res []Range
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(item, "-")
		if !isRange {
			hi = lo
		}
		first, err := parseID(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid id range %q: %w", item, err)
		}
		last, err := parseID(hi)
		if err != nil {
			return nil, fmt.Errorf("invalid id range %q: %w", item, err)
		}
		if first > last {
			return nil, fmt.Errorf("invalid id range %q: %d > %d", item, first, last)
		}
		res = append(res, Range{Min: first, Max: last})
	}
	return res, nil
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if err := accounts.ValidateID("id", id); err != nil {
		return 0, err
	}
	return id, nil
}

// ProtectedSet is the set of identities never deleted nor destructively
// modified.
type ProtectedSet struct {
	names map[string]bool
	uids  []Range
	gids  []Range
}

// NewProtectedSet returns the protected set of names, uid and gid ranges.
func NewProtectedSet(names []string, uids, gids []Range) *ProtectedSet {
	p := &ProtectedSet{
		names: make(map[string]bool),
		uids:  uids,
		gids:  gids,
	}
	for _, n := range names {
		p.AddName(n)
	}
	return p
}

// AddName protects the user or group name.
func (p *ProtectedSet) AddName(name string) {
	if name = strings.TrimSpace(name); name != "" {
		p.names[name] = true
	}
}

// Name returns true if the name is protected.
func (p *ProtectedSet) Name(name string) bool {
	return p.names[name]
}

// UID returns true if the uid is protected.
func (p *ProtectedSet) UID(uid int) bool {
	return inRanges(p.uids, uid)
}

// GID returns true if the gid is protected.
func (p *ProtectedSet) GID(gid int) bool {
	return inRanges(p.gids, gid)
}

func inRanges(ranges []Range, id int) bool {
	for _, r := range ranges {
		if r.Contains(id) {
			return true
		}
	}
	return false
}
