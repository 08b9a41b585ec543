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

// Package launcher runs inside the remote container: it starts sshd, exposes
// it, and tells the coordinator where to find it.
package launcher

import (
	"context"
	"fmt"
	"io"
	"os"

	"gsplat-trainer/pkg/logging"
	"gsplat-trainer/pkg/orchestrator"
	"gsplat-trainer/pkg/rendezvous"
	"gsplat-trainer/pkg/shell"

	"golang.org/x/sync/errgroup"
)

// Daemon is a foreground process that runs until ctx is done or it exits.
type Daemon interface {
	Run(ctx context.Context) error
}

// Waiter blocks until a service is ready.
type Waiter interface {
	Wait(ctx context.Context) error
}

// SSHDaemon runs sshd in the foreground.
type SSHDaemon struct {
	Path   string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

// NewSSHDaemon returns a daemon running "<path> -D" with output on the
// process's stdout and stderr.
func NewSSHDaemon(path string) *SSHDaemon {
	return &SSHDaemon{Path: path, Args: []string{"-D"}, Stdout: os.Stdout, Stderr: os.Stderr}
}

func (d *SSHDaemon) Run(ctx context.Context) error {
	cmd := shell.NewCommand(d.Path, d.Args...)
	cmd.Stream(d.Stdout, d.Stderr)
	logging.Info("Starting %s", cmd.String())
	res := cmd.ExecuteContext(ctx)
	if res.ExitCode != 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s exited with code %d: %s", cmd.String(), res.ExitCode, res.Stderr)
	}
	return nil
}

// Launcher exposes Port through Forwarder, runs Daemon, and publishes the
// forwarded endpoint to Queue once Ready reports the daemon is accepting
// connections.
type Launcher struct {
	Port      int
	Forwarder orchestrator.Forwarder
	Queue     rendezvous.Queue
	Ready     Waiter
	Daemon    Daemon
}

// Run blocks for as long as the daemon runs. A readiness failure stops the
// daemon and is returned.
func (l *Launcher) Run(ctx context.Context) error {
	ep, release, err := l.Forwarder.Forward(ctx, l.Port)
	if err != nil {
		return fmt.Errorf("failed to forward port %d: %w", l.Port, err)
	}
	defer release()
	logging.Info("Port %d forwarded to %s", l.Port, ep)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := l.Ready.Wait(gctx); err != nil {
			return fmt.Errorf("port %d never became ready: %w", l.Port, err)
		}
		if err := l.Queue.Put(gctx, ep); err != nil {
			return fmt.Errorf("failed to publish endpoint %s: %w", ep, err)
		}
		logging.Info("Published endpoint %s to %s", ep, l.Queue.Name())
		return nil
	})
	g.Go(func() error {
		return l.Daemon.Run(gctx)
	})
	return g.Wait()
}
