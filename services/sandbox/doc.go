// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox runs untrusted commands (generated tests) in a scoped
// temporary workspace with a wall-clock timeout, bounded output capture,
// and process-group cleanup.
//
// # Isolation
//
// Commands run under the strongest isolation the host offers, detected
// once per process:
//
//	bwrap    - bubblewrap: read-only root, private /tmp, no network.
//	unshare  - user and network namespaces via unshare -rn.
//	none     - a plain child in its own process group.
//
// Every level scrubs credentials from the child environment and runs with
// the workspace as the working directory.
package sandbox

import (
	"errors"
)

var (
	// ErrEmptyCommand indicates Exec was called without a program.
	ErrEmptyCommand = errors.New("command name must not be empty")

	// ErrStartFailed indicates the program could not be started.
	ErrStartFailed = errors.New("command could not be started")

	// ErrUnknownIsolation indicates an unrecognized isolation level.
	ErrUnknownIsolation = errors.New("unknown isolation level")

	// ErrNoInterpreter indicates no Python interpreter was found on PATH.
	ErrNoInterpreter = errors.New("no python interpreter found")

	// ErrWorkspaceClosed indicates use of a workspace after Close.
	ErrWorkspaceClosed = errors.New("workspace is closed")

	// ErrInvalidName indicates a workspace file name escaping the workspace.
	ErrInvalidName = errors.New("invalid workspace file name")
)
