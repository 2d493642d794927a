// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/testpilot/services/watch"
)

func newWatchCmd(a *app) *cobra.Command {
	opts := &generateOptions{}
	debounce := watch.DefaultDebounce
	cmd := &cobra.Command{
		Use:   "watch <file.py>...",
		Short: "Regenerate tests whenever a source file changes",
		Long: `Watch generates tests for each file once, then again every time the file
is saved. Output files are overwritten. Stop with Ctrl-C.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.mergeGenerateConfig(cmd, opts)
			opts.overwrite, opts.appendOut = true, false
			return a.runWatch(cmd.Context(), opts, args, debounce)
		},
	}
	addGenerateFlags(cmd, opts)
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce, "Quiet period before regenerating")
	return cmd
}

func (a *app) runWatch(ctx context.Context, opts *generateOptions, files []string, debounce time.Duration) error {
	if err := checkOutputPaths(opts.outputDir, files); err != nil {
		return err
	}
	p, err := a.newPipeline(opts)
	if err != nil {
		return err
	}
	store, err := a.openCache()
	if err != nil {
		a.logger.Warn("continuing without cache", slog.String("error", err.Error()))
	}
	if store != nil {
		p.store = store
		defer store.Close()
	}

	regenerate := func(ctx context.Context, paths []string) {
		for _, path := range paths {
			if ctx.Err() != nil {
				return
			}
			if _, err := p.generateFile(ctx, path); err != nil {
				p.printer.Error(fmt.Sprintf("%s: %v", path, err))
			}
		}
	}

	w, err := watch.New(files, regenerate, watch.WithDebounce(debounce), watch.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("%w: %v", errConfig, err)
	}

	regenerate(ctx, w.Files())
	if ctx.Err() != nil {
		return nil
	}
	a.printer.Info(fmt.Sprintf("Watching %d file(s); press Ctrl-C to stop", len(w.Files())))
	return w.Run(ctx)
}
