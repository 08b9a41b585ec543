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

// Package coordinator drives a session from the operator's machine. In server
// mode it starts the remote SSH launcher and tunnels to it; in dataset mode it
// runs the training job once.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gsplat-trainer/pkg/logging"
	"gsplat-trainer/pkg/orchestrator"
	"gsplat-trainer/pkg/rendezvous"
)

// Tunnel is an open local port forward.
type Tunnel interface {
	LocalPort() int
	Stop() error
}

// QueueFactory creates the rendezvous queue for one server session.
type QueueFactory func(ctx context.Context) (rendezvous.Queue, error)

// TunnelOpener opens a tunnel to the SSH server at ep.
type TunnelOpener func(ctx context.Context, ep orchestrator.Endpoint) (Tunnel, error)

// cancelTimeout bounds launcher teardown after ctx is already done.
const cancelTimeout = 30 * time.Second

// Mode selects what Run does.
type Mode struct {
	Server  bool
	Dataset string
}

// Coordinator holds the collaborators of a session. LaunchFn is spawned with
// "--queue <name>" appended; RunFn is invoked with "--dataset <name>".
type Coordinator struct {
	Platform   orchestrator.Platform
	NewQueue   QueueFactory
	OpenTunnel TunnelOpener
	LaunchFn   orchestrator.Function
	RunFn      orchestrator.Function

	// ManifestOnly is set when the platform writes manifests instead of
	// submitting them.
	ManifestOnly bool
}

// Run executes mode. Server mode returns nil once ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, mode Mode) error {
	switch {
	case mode.Server:
		if mode.Dataset != "" {
			logging.Warn("Ignoring dataset %q in server mode", mode.Dataset)
		}
		return c.serve(ctx)
	case mode.Dataset != "":
		return c.train(ctx, mode.Dataset)
	default:
		logging.Debug("Neither server mode nor a dataset was requested, nothing to do")
		return nil
	}
}

func (c *Coordinator) train(ctx context.Context, dataset string) error {
	logging.Info("Running %s on dataset %q", c.RunFn.Name, dataset)
	if err := c.Platform.Remote(ctx, c.RunFn, "--dataset", dataset); err != nil {
		return fmt.Errorf("training on dataset %q failed: %w", dataset, err)
	}
	if c.ManifestOnly {
		logging.Info("Manifest for dataset %q written; nothing was submitted", dataset)
		return nil
	}
	logging.Info("Training on dataset %q finished", dataset)
	return nil
}

func (c *Coordinator) serve(ctx context.Context) error {
	q, err := c.NewQueue(ctx)
	if err != nil {
		return fmt.Errorf("failed to create rendezvous queue: %w", err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			logging.Warn("failed to remove rendezvous queue %s: %v", q.Name(), err)
		}
	}()

	call, err := c.Platform.Spawn(ctx, c.LaunchFn, "--queue", q.Name())
	if err != nil {
		return fmt.Errorf("failed to spawn %s: %w", c.LaunchFn.Name, err)
	}
	if call == nil {
		return errors.New("server mode needs a running launcher, but nothing was submitted")
	}
	logging.Debug("Spawned %s as call %s", c.LaunchFn.Name, call.ID())
	defer func() {
		cancelCtx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if err := call.Cancel(cancelCtx); err != nil {
			logging.Warn("failed to stop launcher %s: %v", call.ID(), err)
		}
	}()

	ep, err := c.awaitEndpoint(ctx, q, call)
	if err != nil {
		return err
	}
	logging.Info("SSH server running at %s", ep)

	t, err := c.OpenTunnel(ctx, ep)
	if err != nil {
		return fmt.Errorf("failed to open SSH tunnel to %s: %w", ep, err)
	}
	defer func() {
		if err := t.Stop(); err != nil {
			logging.Warn("failed to stop SSH tunnel: %v", err)
		}
	}()
	logging.Info("SSH tunnel forwarded to localhost:%d", t.LocalPort())

	<-ctx.Done()
	logging.Info("Shutting down SSH tunnel...")
	return nil
}

// awaitEndpoint blocks until the launcher publishes, the launch call ends,
// or ctx is cancelled.
func (c *Coordinator) awaitEndpoint(ctx context.Context, q rendezvous.Queue, call orchestrator.Call) (orchestrator.Endpoint, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		ep  orchestrator.Endpoint
		err error
	}
	got := make(chan result, 1)
	go func() {
		ep, err := q.Get(waitCtx)
		got <- result{ep, err}
	}()
	exited := make(chan error, 1)
	go func() {
		exited <- call.Wait(waitCtx)
	}()

	select {
	case r := <-got:
		if r.err != nil {
			return orchestrator.Endpoint{}, fmt.Errorf("failed to receive SSH endpoint: %w", r.err)
		}
		return r.ep, nil
	case err := <-exited:
		if ctx.Err() != nil {
			return orchestrator.Endpoint{}, ctx.Err()
		}
		// Prefer an endpoint that raced with the exit.
		select {
		case r := <-got:
			if r.err == nil {
				return r.ep, nil
			}
		default:
		}
		if err == nil {
			err = errors.New("exited without publishing an endpoint")
		}
		return orchestrator.Endpoint{}, fmt.Errorf("launcher %s stopped: %w", call.ID(), err)
	}
}
