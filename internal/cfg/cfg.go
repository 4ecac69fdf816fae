//  Copyright 2023 Google Inc. All Rights Reserved.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package cfg is package responsible to loading and accessing the accounts
// sync configuration.
package cfg

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"gopkg.in/ini.v1"
)

var (
	// instance is the single instance of configuration sections, once loaded this
	// package should always return it.
	instance *Sections

	// dataSource is a pointer to a data source loading/defining function, unit
	// tests will want to change this pointer to whatever makes sense to its
	// implementation.
	dataSources = defaultDataSources
	// configValues holds the defaults values for template.
	defaultConfigValues = map[string]string{
		"desiredStateURL": defaultDesiredStateURL,
		"managedLedger":   defaultManagedLedger,
		"runLockPath":     defaultRunLockPath,
	}

	// panicFc is a reference to panic(), it's overridden in unit tests.
	panicFc = panicWrapper

	// cfgMu protects the initialization and retrieval of config instance.
	cfgMu sync.RWMutex
)

const (
	// defaultConfigTemplate is the default configuration template for the
	// configuration sections.
	defaultConfigTemplate = `
[Core]
cloud_logging_enabled = false
log_level = 3
log_verbosity = 0
log_file =

[Source]
url = {{.desiredStateURL}}
timeout = 30s
retry_attempts = 3
storage_endpoint =

[Accounts]
backend = files
root_dir = /
managed_ledger = {{.managedLedger}}
create_home = true
skel_dir = /etc/skel
deprovision_remove = false
lock_timeout = 15s
chage_cmd = chage -d {last_change} -E {expire} -I {inactive} -m {min_days} -M {max_days} -W {warn_days} {user}
chpasswd_cmd = {user}:{password}|chpasswd -e
gpasswd_add_cmd = gpasswd -a {user} {group}
gpasswd_admins_cmd = gpasswd -A {admins} {group}
gpasswd_members_cmd = gpasswd -M {members} {group}
groupadd_cmd = groupadd -g {gid} {group}
groupdel_cmd = groupdel {group}
groupmod_cmd = groupmod -g {gid} {group}
useradd_cmd = useradd -M -u {uid} -g {gid} -c {comment} -d {home} -s {shell} {user}
userdel_cmd = userdel {user}
usermod_cmd = usermod -u {uid} -g {gid} -c {comment} -d {home} -s {shell} {user}

[Safety]
protected_names = root
protected_uids = 0-999
protected_gids = 0-999
protect_current_user = true
session_check = true

[Daemon]
interval = 1h
jitter = 10m
watch_source = true

[Report]
json_file =

[RunLock]
path = {{.runLockPath}}
`
)

// Sections encapsulates all the configuration sections.
type Sections struct {
	// Core defines the core configuration entries/keys, i.e. logging.
	Core *Core `ini:"Core,omitempty"`

	// Source defines where the desired account state is fetched from.
	Source *Source `ini:"Source,omitempty"`

	// Accounts defines the account database backend, its options and the
	// commands used by the commands backend.
	Accounts *Accounts `ini:"Accounts,omitempty"`

	// Safety defines the protected identities and the active session veto.
	Safety *Safety `ini:"Safety,omitempty"`

	// Daemon defines the periodic reconciliation behavior.
	Daemon *Daemon `ini:"Daemon,omitempty"`

	// Report defines extra report sinks.
	Report *Report `ini:"Report,omitempty"`

	// RunLock defines the cross run exclusive lock.
	RunLock *RunLock `ini:"RunLock,omitempty"`
}

// Core contains the core configuration entries, all configurations not
// tied/specific to a subsystem are defined in here.
type Core struct {
	// CloudLoggingEnabled config toggle controls the cloud logging backend.
	// It's only honored when running on GCE.
	CloudLoggingEnabled bool `ini:"cloud_logging_enabled,omitempty"`
	// LogLevel defines the log level. The CLI's flag takes precedence over this
	// configuration.
	LogLevel int `ini:"log_level,omitempty"`
	// LogVerbosity defines the log verbosity. The CLI's flag takes precedence
	// over this configuration.
	LogVerbosity int `ini:"log_verbosity,omitempty"`
	// LogFile defines the log file. The CLI's flag takes precedence over this
	// configuration.
	LogFile string `ini:"log_file,omitempty"`
	// Version defines the version of the running binary. Its for internal use
	// only. Value is set dynamically when config is loaded in main.
	Version string `ini:"-"`
}

// Source contains the configurations of Source section.
type Source struct {
	// URL is the location of the desired state document. Supported schemes are
	// file://, gs://, http(s):// and metadata://, a plain path is read from the
	// local filesystem.
	URL string `ini:"url,omitempty"`
	// Timeout bounds the whole fetch operation, retries included.
	Timeout time.Duration `ini:"timeout,omitempty"`
	// RetryAttempts is the maximum number of attempts for remote sources.
	RetryAttempts int `ini:"retry_attempts,omitempty"`
	// StorageEndpoint overrides the Cloud Storage API endpoint.
	StorageEndpoint string `ini:"storage_endpoint,omitempty"`
}

// Accounts contains the configurations of Accounts section.
type Accounts struct {
	// Backend is either "files" (direct passwd/group/shadow/gshadow
	// transactions) or "commands" (shadow-utils commands).
	Backend string `ini:"backend,omitempty"`
	// RootDir is prefixed to the account database paths.
	RootDir string `ini:"root_dir,omitempty"`
	// ManagedLedger is the file recording the entities owned by this tool.
	ManagedLedger string `ini:"managed_ledger,omitempty"`
	// CreateHome enables home directory provisioning on user creation.
	CreateHome bool `ini:"create_home,omitempty"`
	// SkelDir is the skeleton directory copied into new home directories.
	SkelDir string `ini:"skel_dir,omitempty"`
	// DeprovisionRemove enables home directory removal on user deletion.
	DeprovisionRemove bool `ini:"deprovision_remove,omitempty"`
	// LockTimeout bounds the wait for the account database lock.
	LockTimeout time.Duration `ini:"lock_timeout,omitempty"`

	ChageCmd          string `ini:"chage_cmd,omitempty"`
	ChpasswdCmd       string `ini:"chpasswd_cmd,omitempty"`
	GPasswdAddCmd     string `ini:"gpasswd_add_cmd,omitempty"`
	GPasswdAdminsCmd  string `ini:"gpasswd_admins_cmd,omitempty"`
	GPasswdMembersCmd string `ini:"gpasswd_members_cmd,omitempty"`
	GroupAddCmd       string `ini:"groupadd_cmd,omitempty"`
	GroupDelCmd       string `ini:"groupdel_cmd,omitempty"`
	GroupModCmd       string `ini:"groupmod_cmd,omitempty"`
	UserAddCmd        string `ini:"useradd_cmd,omitempty"`
	UserDelCmd        string `ini:"userdel_cmd,omitempty"`
	UserModCmd        string `ini:"usermod_cmd,omitempty"`
}

// Safety contains the configurations of Safety section.
type Safety struct {
	// ProtectedNames is a comma separated list of user and group names that are
	// never deleted nor destructively modified.
	ProtectedNames string `ini:"protected_names,omitempty"`
	// ProtectedUIDs is a comma separated list of uids and uid ranges (a-b).
	ProtectedUIDs string `ini:"protected_uids,omitempty"`
	// ProtectedGIDs is a comma separated list of gids and gid ranges (a-b).
	ProtectedGIDs string `ini:"protected_gids,omitempty"`
	// ProtectCurrentUser adds the account running the reconciliation to the
	// protected set.
	ProtectCurrentUser bool `ini:"protect_current_user,omitempty"`
	// SessionCheck enables the active session veto.
	SessionCheck bool `ini:"session_check,omitempty"`
}

// Daemon contains the configurations of Daemon section.
type Daemon struct {
	// Interval is the period between two reconciliation runs.
	Interval time.Duration `ini:"interval,omitempty"`
	// Jitter is the upper bound of the random delay added to every period.
	Jitter time.Duration `ini:"jitter,omitempty"`
	// WatchSource triggers a run whenever a local source file changes.
	WatchSource bool `ini:"watch_source,omitempty"`
}

// Report contains the configurations of Report section.
type Report struct {
	// JSONFile is an optional path the structured report is written to.
	JSONFile string `ini:"json_file,omitempty"`
}

// RunLock contains the configurations of RunLock section.
type RunLock struct {
	// Path is the lock file path.
	Path string `ini:"path,omitempty"`
}

// panicWrapper is a wrapper over panic() to make it testable.
func panicWrapper(args ...any) {
	panic(args)
}

func applyTemplate(templateStr string, data map[string]string, buffer io.Writer) error {
	t, err := template.New("").Parse(templateStr)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}
	err = t.Execute(buffer, data)
	if err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	return nil
}

func defaultDataSources(extraDefaults []byte) []any {
	var res []any

	if len(extraDefaults) > 0 {
		res = append(res, extraDefaults)
	}

	return append(res, []any{
		defaultConfigFile,
		defaultConfigFile + ".distro",
		defaultConfigFile + ".template",
	}...)
}

// Load loads default configuration and the configuration from default config
// files. extraDefaults, when provided, takes precedence over the built in
// defaults but not over the config files.
func Load(extraDefaults []byte) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	opts := ini.LoadOptions{
		Loose:       true,
		Insensitive: true,
	}

	var buffer bytes.Buffer
	err := applyTemplate(defaultConfigTemplate, defaultConfigValues, &buffer)
	if err != nil {
		return fmt.Errorf("unable to apply %v to config template: %w", defaultConfigValues, err)
	}

	sources := dataSources(extraDefaults)
	galog.V(3).Debugf("Loading configuration from sources: %v", sources)
	cfg, err := ini.LoadSources(opts, buffer.Bytes(), sources...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	sections := new(Sections)
	if err := cfg.MapTo(sections); err != nil {
		return fmt.Errorf("failed to map configuration to object: %w", err)
	}

	instance = sections
	return nil
}

// Retrieve returns the configuration's instance previously loaded with Load().
func Retrieve() *Sections {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	if instance == nil {
		panicFc("cfg package was not initialized, Load() should be called in the early initialization code path")
	}
	return instance
}

// ToString returns the configuration's instance previously loaded with Load()
// serialized in the ini format.
func ToString() (string, error) {
	buffer := new(bytes.Buffer)

	cfg := ini.Empty()
	if err := ini.ReflectFrom(cfg, instance); err != nil {
		return "", fmt.Errorf("failed to reflect configuration to object: %w", err)
	}

	if _, err := cfg.WriteTo(buffer); err != nil {
		return "", fmt.Errorf("failed to write configuration to buffer: %w", err)
	}
	return strings.TrimSpace(buffer.String()), nil
}
