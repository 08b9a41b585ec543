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

package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os/exec"
	"strings"

	"gsplat-trainer/pkg/logging"
)

// CommandResult holds the outcome of a finished command.
// ExitCode is -1 when the command could not be started.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Command wraps exec.Cmd with captured output and optional streaming.
type Command struct {
	name   string
	args   []string
	dir    string
	env    []string
	input  string
	stdout io.Writer
	stderr io.Writer
}

// NewCommand prepares a command without running it.
func NewCommand(name string, args ...string) *Command {
	return &Command{name: name, args: args}
}

// SetInput feeds the given string to the command's stdin.
func (c *Command) SetInput(input string) {
	c.input = input
}

// SetDir sets the working directory.
func (c *Command) SetDir(dir string) {
	c.dir = dir
}

// SetEnv appends KEY=VALUE entries to the inherited environment.
func (c *Command) SetEnv(env ...string) {
	c.env = append(c.env, env...)
}

// streamCaptureLimit bounds the output kept in CommandResult for a streamed
// stream. Half is kept from the start and half from the end.
const streamCaptureLimit = 64 << 10

// Stream copies output to the given writers. Only the head and tail of a
// streamed stream are captured in the result.
func (c *Command) Stream(stdout, stderr io.Writer) {
	c.stdout = stdout
	c.stderr = stderr
}

// String returns the command line as it would be typed.
func (c *Command) String() string {
	return strings.Join(append([]string{c.name}, c.args...), " ")
}

// Execute runs the command to completion.
func (c *Command) Execute() CommandResult {
	return c.ExecuteContext(context.Background())
}

// ExecuteContext runs the command, killing it when ctx is done.
func (c *Command) ExecuteContext(ctx context.Context) CommandResult {
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	cmd.Dir = c.dir
	if len(c.env) > 0 {
		cmd.Env = append(cmd.Environ(), c.env...)
	}

	stdout, stderr := capture(c.stdout), capture(c.stderr)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if c.stdout != nil {
		cmd.Stdout = io.MultiWriter(stdout, c.stdout)
	}
	if c.stderr != nil {
		cmd.Stderr = io.MultiWriter(stderr, c.stderr)
	}
	if c.input != "" {
		cmd.Stdin = strings.NewReader(c.input)
	}

	logging.Debug("Executing: %s", c.String())
	err := cmd.Run()
	res := CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Err:    err,
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		if res.Stderr == "" {
			res.Stderr = err.Error()
		}
	}
	return res
}

type outputBuffer interface {
	io.Writer
	String() string
}

func capture(stream io.Writer) outputBuffer {
	if stream == nil {
		return &bytes.Buffer{}
	}
	return &boundedBuffer{limit: streamCaptureLimit / 2}
}

// boundedBuffer keeps the first and last limit bytes written to it.
type boundedBuffer struct {
	limit   int
	head    []byte
	tail    []byte
	dropped int64
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.limit - len(b.head); room > 0 {
		if room > len(p) {
			room = len(p)
		}
		b.head = append(b.head, p[:room]...)
		p = p[room:]
	}
	b.tail = append(b.tail, p...)
	if over := len(b.tail) - b.limit; over > 0 {
		b.dropped += int64(over)
		b.tail = append(b.tail[:0], b.tail[over:]...)
	}
	return n, nil
}

func (b *boundedBuffer) String() string {
	if b.dropped == 0 {
		return string(b.head) + string(b.tail)
	}
	return fmt.Sprintf("%s\n... %d bytes omitted ...\n%s", b.head, b.dropped, b.tail)
}

// ExecuteCommand runs name with args and returns its captured output.
func ExecuteCommand(name string, args ...string) CommandResult {
	return NewCommand(name, args...).Execute()
}

// RandomString returns a lowercase alphanumeric string of the given length,
// suitable for Kubernetes object name suffixes.
func RandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return string(b)
}
