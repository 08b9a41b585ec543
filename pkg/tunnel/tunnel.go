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

// Package tunnel forwards a local TCP port through an SSH session.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"gsplat-trainer/pkg/logging"

	"golang.org/x/crypto/ssh"
)

// Options configures a Forwarder.
type Options struct {
	// SSHAddr is the host:port of the SSH server.
	SSHAddr  string
	User     string
	Password string
	// RemoteAddr is dialled from the SSH server for every local connection.
	RemoteAddr string
	// LocalAddr is where the forwarder listens, e.g. 127.0.0.1:9090.
	LocalAddr   string
	DialTimeout time.Duration
}

// Forwarder accepts connections on LocalAddr and bridges each of them to
// RemoteAddr through one SSH client connection.
type Forwarder struct {
	opts Options

	mu       sync.Mutex
	client   *ssh.Client
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// New returns a Forwarder that has not been started.
func New(opts Options) *Forwarder {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 30 * time.Second
	}
	return &Forwarder{opts: opts, conns: make(map[net.Conn]struct{})}
}

// Start connects to the SSH server and begins listening locally.
func (f *Forwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil || f.stopped {
		return errors.New("tunnel already started")
	}

	config := &ssh.ClientConfig{
		User: f.opts.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(f.opts.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = f.opts.Password
				}
				return answers, nil
			}),
		},
		// Containers are ephemeral and generate fresh host keys on every launch.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         f.opts.DialTimeout,
	}

	dialer := &net.Dialer{Timeout: f.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", f.opts.SSHAddr)
	if err != nil {
		return fmt.Errorf("failed to dial SSH server %s: %w", f.opts.SSHAddr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, f.opts.SSHAddr, config)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SSH handshake with %s failed: %w", f.opts.SSHAddr, err)
	}
	client := ssh.NewClient(c, chans, reqs)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", f.opts.LocalAddr)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to listen on %s: %w", f.opts.LocalAddr, err)
	}

	f.client = client
	f.listener = listener
	f.wg.Add(1)
	go f.acceptLoop()
	logging.Debug("Tunnel %s -> %s via %s@%s", listener.Addr(), f.opts.RemoteAddr, f.opts.User, f.opts.SSHAddr)
	return nil
}

// LocalAddr returns the bound listener address, or nil before Start.
func (f *Forwarder) LocalAddr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// LocalPort returns the bound local port, or 0 before Start.
func (f *Forwarder) LocalPort() int {
	if addr, ok := f.LocalAddr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Stop closes the listener, every bridged connection and the SSH client.
// It is safe to call more than once.
func (f *Forwarder) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true

	var errs []error
	if f.listener != nil {
		if err := f.listener.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for c := range f.conns {
		c.Close()
	}
	if f.client != nil {
		if err := f.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	f.mu.Unlock()

	f.wg.Wait()
	return errors.Join(errs...)
}

func (f *Forwarder) acceptLoop() {
	defer f.wg.Done()
	for {
		local, err := f.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logging.Warn("Tunnel accept failed: %v", err)
			}
			return
		}
		if !f.track(local) {
			local.Close()
			return
		}
		f.wg.Add(1)
		go f.bridge(local)
	}
}

func (f *Forwarder) track(c net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return false
	}
	f.conns[c] = struct{}{}
	return true
}

func (f *Forwarder) untrack(c net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, c)
}

func (f *Forwarder) bridge(local net.Conn) {
	defer f.wg.Done()
	defer f.untrack(local)
	defer local.Close()

	remote, err := f.client.Dial("tcp", f.opts.RemoteAddr)
	if err != nil {
		logging.Warn("Tunnel could not reach %s: %v", f.opts.RemoteAddr, err)
		return
	}
	if !f.track(remote) {
		remote.Close()
		return
	}
	defer f.untrack(remote)
	defer remote.Close()

	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn) {
		io.Copy(dst, src)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
		done <- struct{}{}
	}
	go pipe(remote, local)
	go pipe(local, remote)
	<-done
	<-done
}
