// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import "fmt"

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds configuration for the generation loop.
type Config struct {
	// MaxAttempts bounds the number of gateway calls per run.
	// Default: 3, minimum 1
	MaxAttempts int

	// AcceptanceThreshold is the minimum score for a valid candidate to be
	// accepted. Values are clamped to [0, 1].
	// Default: 0.8
	AcceptanceThreshold float64
}

// DefaultConfig returns a Config with the default attempt budget and
// threshold.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:         3,
		AcceptanceThreshold: 0.8,
	}
}

// NewConfig returns DefaultConfig with opts applied and validated.
func NewConfig(opts ...Option) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	_ = cfg.Validate()
	return cfg
}

// Validate clamps out-of-range values. It never fails; the error return
// matches the other service configs.
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.AcceptanceThreshold < 0 {
		c.AcceptanceThreshold = 0
	}
	if c.AcceptanceThreshold > 1 {
		c.AcceptanceThreshold = 1
	}
	return nil
}

// String renders the config for logs.
func (c *Config) String() string {
	return fmt.Sprintf("max_attempts=%d threshold=%.2f", c.MaxAttempts, c.AcceptanceThreshold)
}

// =============================================================================
// CONFIGURATION OPTIONS
// =============================================================================

// Option is a function that modifies Config.
type Option func(*Config)

// WithMaxAttempts sets the attempt budget.
func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		c.MaxAttempts = n
	}
}

// WithAcceptanceThreshold sets the minimum accepted score.
func WithAcceptanceThreshold(t float64) Option {
	return func(c *Config) {
		c.AcceptanceThreshold = t
	}
}
