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

package orchestrator

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Endpoint is an externally reachable host and port.
type Endpoint struct {
	Host string
	Port int
}

// Address returns the endpoint in host:port form.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.Address()
}

// ParseEndpoint parses a host:port string.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port in endpoint %q", s)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// VolumeMount attaches a named persistent volume at Path.
type VolumeMount struct {
	Path            string
	Name            string
	CreateIfMissing bool
}

// Function describes a unit of remote work and the resources it runs with.
// This struct is intended to be general enough to support various platforms,
// with specific implementations extracting the fields relevant to them.
type Function struct {
	Name    string
	Image   string
	GPU     string // e.g. "T4" or "A100:2"
	Timeout time.Duration
	Volumes []VolumeMount
	Secrets []string
	// Command is the container entrypoint. Call arguments are appended to it.
	Command []string
	// WorkingDir defaults to the image's working directory when empty.
	WorkingDir string
	// ServiceAccount is the identity the function runs as. Empty means the
	// platform default.
	ServiceAccount string
}

// Call is a handle to a spawned function invocation.
type Call interface {
	ID() string
	// Wait blocks until the invocation finishes. It returns nil on success.
	Wait(ctx context.Context) error
	// Cancel terminates the invocation if it is still running.
	Cancel(ctx context.Context) error
}

// Platform runs functions remotely.
type Platform interface {
	// Spawn starts fn with args and returns without waiting for it.
	Spawn(ctx context.Context, fn Function, args ...string) (Call, error)
	// Remote runs fn with args and waits for it to finish.
	Remote(ctx context.Context, fn Function, args ...string) error
}

// Forwarder exposes a port bound inside the current execution context.
type Forwarder interface {
	// Forward returns the externally reachable endpoint for port and a
	// release function that tears the forwarding down.
	Forward(ctx context.Context, port int) (Endpoint, func(), error)
}
