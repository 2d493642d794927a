// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrConfiguration marks every configuration problem: unknown provider,
	// missing credential, invalid option. Raised before any network call.
	ErrConfiguration = errors.New("provider configuration error")

	// ErrGenerationFailed marks every backend failure.
	ErrGenerationFailed = errors.New("generation failed")
)

// =============================================================================
// TYPED ERRORS
// =============================================================================

// ConfigurationError describes a provider that cannot be used as configured.
//
// # Description
//
// Returned by Registry.Gateway for an unknown provider name or a missing
// credential. errors.Is(err, ErrConfiguration) holds.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %q: %s", e.Provider, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// GenerationError describes a failed backend call.
//
// # Description
//
// Cause is the redacted, human-readable backend error. The backend error
// value itself is not kept, so callers cannot depend on backend types.
// errors.Is(err, ErrGenerationFailed) holds.
type GenerationError struct {
	Provider string
	Model    string
	Cause    string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (provider=%s model=%s): %s", e.Provider, e.Model, e.Cause)
}

func (e *GenerationError) Unwrap() error {
	return ErrGenerationFailed
}
