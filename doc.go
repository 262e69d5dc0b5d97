/*
Copyright 2022 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package simpleshell is the session and transfer engine that backs a
// desktop terminal host: it multiplexes SSH, Telnet, and local shell
// sessions together with their SFTP transfers behind a small set of
// components (connection pool, stream multiplexer, transfer engine,
// latency prober) that own the hard concurrency and resource-bounding
// work. UI concerns (tabs, dialogs, theming) live outside this module.
package simpleshell

import "time"

// GetHomeDirSubsystem is the name of the SSH subsystem used to ask a
// remote host for the home directory of the authenticated user, used to
// expand "~" in remote SFTP paths.
const GetHomeDirSubsystem = "simpleshell-get-home-dir"

// SharedDirMode is the permission mode used when the engine creates
// directories on behalf of a transfer (e.g. a missing destination
// directory for a multi-file upload).
const SharedDirMode = 0o775

// Environment variable names threaded through to local processes.
const (
	EnvTermType = "TERM"
	EnvLang     = "LANG"
)

// Default network timeouts, per spec.md §5.
const (
	AuthTimeout          = 5 * time.Minute
	InitialReadyTimeout  = 60 * time.Second
	ChunkIOTimeout       = 60 * time.Second
	ExternalLookupTimeout = 5 * time.Second
)
