// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Isolation is a sandboxing strategy for executing generated code.
type Isolation string

const (
	// IsolationAuto picks the strongest level available on this host.
	IsolationAuto Isolation = "auto"

	// IsolationBwrap runs under bubblewrap.
	IsolationBwrap Isolation = "bwrap"

	// IsolationUnshare runs in fresh user and network namespaces.
	IsolationUnshare Isolation = "unshare"

	// IsolationNone runs a plain child process.
	IsolationNone Isolation = "none"
)

// ErrIsolationUnavailable indicates an explicitly requested level does not
// work on this host.
var ErrIsolationUnavailable = errors.New("isolation level unavailable")

// probeTimeout bounds each availability probe.
const probeTimeout = 5 * time.Second

// ParseIsolation converts a flag value to an Isolation.
func ParseIsolation(s string) (Isolation, error) {
	switch iso := Isolation(strings.ToLower(strings.TrimSpace(s))); iso {
	case "":
		return IsolationAuto, nil
	case IsolationAuto, IsolationBwrap, IsolationUnshare, IsolationNone:
		return iso, nil
	default:
		return "", fmt.Errorf("%w: %q (valid: auto, bwrap, unshare, none)", ErrUnknownIsolation, s)
	}
}

var (
	probeMu    sync.Mutex
	probeCache = make(map[Isolation]bool)
)

// Available reports whether level works on this host. Results are cached
// for the life of the process.
func Available(ctx context.Context, level Isolation) bool {
	switch level {
	case IsolationNone:
		return true
	case IsolationBwrap, IsolationUnshare:
	default:
		return false
	}

	probeMu.Lock()
	defer probeMu.Unlock()
	if ok, seen := probeCache[level]; seen {
		return ok
	}

	name, args := wrap(level, "/", "true", nil)
	ok := false
	if _, err := exec.LookPath(name); err == nil {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		ok = exec.CommandContext(pctx, name, args...).Run() == nil
		cancel()
	}
	probeCache[level] = ok
	return ok
}

// Detect returns the strongest level that works on this host.
func Detect(ctx context.Context) Isolation {
	for _, level := range []Isolation{IsolationBwrap, IsolationUnshare} {
		if Available(ctx, level) {
			return level
		}
	}
	return IsolationNone
}

// Resolve turns a requested level into the one that will be used.
// IsolationAuto resolves through Detect. An explicit level that does not
// work here is ErrIsolationUnavailable.
func Resolve(ctx context.Context, requested Isolation) (Isolation, error) {
	switch requested {
	case "", IsolationAuto:
		return Detect(ctx), nil
	case IsolationNone:
		return IsolationNone, nil
	case IsolationBwrap, IsolationUnshare:
		if !Available(ctx, requested) {
			return "", fmt.Errorf("%w: %s", ErrIsolationUnavailable, requested)
		}
		return requested, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownIsolation, requested)
	}
}

// wrap prefixes the command with the isolation launcher.
func wrap(level Isolation, dir, name string, args []string) (string, []string) {
	switch level {
	case IsolationBwrap:
		wrapped := []string{
			"--ro-bind", "/", "/",
			"--dev", "/dev",
			"--proc", "/proc",
			"--tmpfs", "/tmp",
		}
		if dir != "" && dir != "/" {
			wrapped = append(wrapped, "--bind", dir, dir, "--chdir", dir)
		}
		wrapped = append(wrapped, "--unshare-net", "--die-with-parent", "--", name)
		return "bwrap", append(wrapped, args...)
	case IsolationUnshare:
		return "unshare", append([]string{"-rn", "--", name}, args...)
	default:
		return name, args
	}
}
