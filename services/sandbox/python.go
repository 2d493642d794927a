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
	"os"
	"os/exec"
)

// PythonEnvVar overrides interpreter discovery.
const PythonEnvVar = "TESTPILOT_PYTHON"

// FindPython returns the interpreter used to run pytest: $TESTPILOT_PYTHON
// if set, otherwise python3 or python from PATH.
func FindPython() (string, error) {
	if p := os.Getenv(PythonEnvVar); p != "" {
		return exec.LookPath(p)
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", ErrNoInterpreter
}

// HasPytest reports whether python can import pytest.
func HasPytest(python string) bool {
	if python == "" {
		return false
	}
	return exec.Command(python, "-c", "import pytest").Run() == nil
}
