//  Copyright 2024 Google Inc. All Rights Reserved.
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

//go:build unix

package cfg

const (
	// defaultConfigFile is the path to the config file on unix based systems.
	defaultConfigFile = `/etc/default/google-accounts-sync.cfg`
	// defaultDesiredStateURL is the default location of the desired state
	// document.
	defaultDesiredStateURL = "file:///etc/google-accounts-sync/accounts.yaml"
	// defaultManagedLedger is the default location of the managed entities
	// ledger.
	defaultManagedLedger = "/var/lib/google-accounts-sync/managed"
	// defaultRunLockPath is the default location of the cross run lock file.
	defaultRunLockPath = "/run/google-accounts-sync.lock"
)
