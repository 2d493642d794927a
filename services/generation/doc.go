// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generation runs the prompt, request and verify loop that turns a
// source unit into an accepted pytest candidate.
//
// # State Machine
//
//	Building -> Requesting -> Verifying -> Accepted
//	    ^            |            |
//	    +------------+------------+   (rejected, attempts remain)
//	                 |            |
//	                 +------------+-> ExhaustedRetries
//
// Each pass through Requesting is one attempt. MaxAttempts bounds the
// number of gateway calls. A gateway failure on the last attempt and a
// rejected candidate on the last attempt both end in ExhaustedRetries.
//
// # Retry Feedback
//
// A rejected candidate's unfixed issues are fed back into the next prompt
// so the model can address them.
//
// # Cache
//
// With a cache configured, a stored candidate that is syntax-valid and at
// or above the threshold is returned without calling the gateway. The
// best candidate of every completed run is offered to the cache, which
// keeps only the better of the stored and offered entries.
package generation
