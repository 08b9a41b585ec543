// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logging

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestFatalExits(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	code := -1
	exitFunc = func(c int) { code = c }
	defer func() { exitFunc = os.Exit }()

	Fatal("launch failed: %v", "boom")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(buf.String(), "launch failed: boom") {
		t.Errorf("output %q does not contain message", buf.String())
	}
}

func TestDebugRequiresVerbose(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	defer SetVerbose(false)

	Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug logged without verbose: %q", buf.String())
	}
	SetVerbose(true)
	Debug("shown %d", 1)
	if !strings.Contains(buf.String(), "shown 1") {
		t.Errorf("output %q does not contain debug message", buf.String())
	}
}
