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

// Package readiness waits for a TCP port to accept connections.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"gsplat-trainer/pkg/logging"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultAddr           = "localhost:22"
	DefaultInterval       = 10 * time.Millisecond
	DefaultAttemptTimeout = time.Second
	DefaultDeadline       = 30 * time.Second
)

// ErrTimeout is returned when the port did not accept a connection in time.
var ErrTimeout = errors.New("waited too long for port to accept connections")

// Dialer matches net.Dialer.DialContext.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Poller probes Addr until it accepts a TCP connection.
//
// Addr defaults to the local sshd, not the forwarded endpoint that is later
// published.
type Poller struct {
	Addr           string
	Interval       time.Duration
	AttemptTimeout time.Duration
	Deadline       time.Duration
	Dialer         Dialer
}

// NewPoller returns a Poller with the default probe address and timings.
func NewPoller() *Poller {
	return &Poller{
		Addr:           DefaultAddr,
		Interval:       DefaultInterval,
		AttemptTimeout: DefaultAttemptTimeout,
		Deadline:       DefaultDeadline,
		Dialer:         &net.Dialer{},
	}
}

// Wait returns nil once a connection to Addr succeeds. It returns an error
// wrapping ErrTimeout when Deadline elapses first, or ctx.Err() if ctx is
// cancelled.
func (p *Poller) Wait(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.Deadline)
	defer cancel()

	var lastErr error
	attempts := 0
	probe := func() error {
		attempts++
		attemptCtx, cancelAttempt := context.WithTimeout(waitCtx, p.AttemptTimeout)
		defer cancelAttempt()
		conn, err := p.Dialer.DialContext(attemptCtx, "tcp", p.Addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	notify := func(err error, _ time.Duration) {
		lastErr = err
	}

	start := time.Now()
	err := backoff.RetryNotify(probe, backoff.WithContext(backoff.NewConstantBackOff(p.Interval), waitCtx), notify)
	if err == nil {
		logging.Debug("%s accepted a connection after %d attempt(s) in %s", p.Addr, attempts, time.Since(start).Round(time.Millisecond))
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if waitCtx.Err() != nil {
		if lastErr == nil {
			lastErr = err
		}
		return fmt.Errorf("%w: %s after %s: %v", ErrTimeout, p.Addr, p.Deadline, lastErr)
	}
	return err
}
