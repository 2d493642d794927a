// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch calls a handler when watched source files change.
//
// Parent directories are watched rather than the files themselves so
// editors that save by rename-and-replace are still seen. Bursts of events
// are debounced into one handler call.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for more events before
// calling the handler.
const DefaultDebounce = 500 * time.Millisecond

var (
	// ErrNoFiles indicates a watcher with nothing to watch.
	ErrNoFiles = errors.New("no files to watch")

	// ErrNilHandler indicates a watcher without a handler.
	ErrNilHandler = errors.New("handler must not be nil")
)

// Handler receives the absolute paths that changed since the last call,
// sorted. It runs on the watcher goroutine; events arriving meanwhile are
// queued for the next call.
type Handler func(ctx context.Context, paths []string)

// Watcher watches a fixed set of files.
//
// Thread Safety: Run must be called once. Ready is safe to call from any
// goroutine.
type Watcher struct {
	targets  map[string]struct{}
	dirs     []string
	handler  Handler
	debounce time.Duration
	logger   *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the debounce window. Values <= 0 use DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// New creates a watcher for files.
//
// Inputs:
//
//	files - Paths to watch. Resolved to absolute paths.
//	handler - Called with debounced changes
//	opts - Optional debounce and logger
//
// Outputs:
//
//	*Watcher - Watcher ready for Run
//	error - ErrNoFiles, ErrNilHandler, or a path resolution error
func New(files []string, handler Handler, opts ...Option) (*Watcher, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	w := &Watcher{
		targets: make(map[string]struct{}, len(files)),
		handler: handler,
		ready:   make(chan struct{}),
	}
	seenDirs := make(map[string]struct{})
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", f, err)
		}
		w.targets[abs] = struct{}{}
		dir := filepath.Dir(abs)
		if _, ok := seenDirs[dir]; !ok {
			seenDirs[dir] = struct{}{}
			w.dirs = append(w.dirs, dir)
		}
	}
	sort.Strings(w.dirs)

	for _, opt := range opts {
		opt(w)
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w, nil
}

// Files returns the watched absolute paths, sorted.
func (w *Watcher) Files() []string {
	files := make([]string, 0, len(w.targets))
	for f := range w.targets {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// Ready is closed once every directory is registered.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches until ctx is cancelled.
//
// Description:
//
//	Registers each parent directory with fsnotify, then collects write
//	and create events for the target files. When no new event arrives
//	for the debounce window, the handler is called with the changed
//	paths. Cancellation drops pending changes and returns nil.
//
// Outputs:
//
//	error - Non-nil if the watcher could not be created or a directory
//	        could not be registered.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	for _, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.readyOnce.Do(func() { close(w.ready) })
	w.logger.Info("Watching for changes",
		slog.Int("files", len(w.targets)),
		slog.Duration("debounce", w.debounce),
	)

	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			path := filepath.Clean(event.Name)
			if _, watched := w.targets[path]; !watched {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.logger.Debug("Change detected",
				slog.String("path", path),
				slog.String("op", event.Op.String()),
			)
			pending[path] = struct{}{}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watch error", slog.String("error", err.Error()))

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			clear(pending)
			w.handler(ctx, paths)
		}
	}
}
