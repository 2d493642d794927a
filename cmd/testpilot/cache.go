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
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the candidate cache",
	}
	var olderThan time.Duration
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete cached candidates",
		Long: `Clear deletes every cached candidate and resets the counters. With
--older-than only entries written before that age are removed, e.g.
"testpilot cache clear --older-than 720h" for 30 days.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.cacheClear(cmd, olderThan)
		},
	}
	clearCmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only remove entries older than this")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show cache entries and hit rate",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.cacheStats(cmd)
			},
		},
		clearCmd,
	)
	return cmd
}

func (a *app) cacheStats(cmd *cobra.Command) error {
	if a.noCache {
		return fmt.Errorf("%w: --no-cache disables the cache commands", errConfig)
	}
	c, err := a.openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	s, err := c.Stats(cmd.Context())
	if err != nil {
		return err
	}
	a.printer.Title("Cache")
	a.printer.KeyValue("dir", c.Dir())
	a.printer.KeyValue("entries", s.Entries)
	a.printer.KeyValue("hits", s.Hits)
	a.printer.KeyValue("misses", s.Misses)
	a.printer.KeyValue("hit rate", fmt.Sprintf("%.1f%%", s.HitRate()*100))
	return nil
}

func (a *app) cacheClear(cmd *cobra.Command, olderThan time.Duration) error {
	if a.noCache {
		return fmt.Errorf("%w: --no-cache disables the cache commands", errConfig)
	}
	if cmd.Flags().Changed("older-than") && olderThan <= 0 {
		return fmt.Errorf("%w: --older-than must be positive", errConfig)
	}
	c, err := a.openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	if olderThan > 0 {
		n, err := c.Prune(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		a.printer.Success(fmt.Sprintf("Removed %d entries older than %s", n, olderThan))
		return nil
	}
	if err := c.Clear(cmd.Context()); err != nil {
		return err
	}
	a.printer.Success("Cache cleared")
	return nil
}
