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

package coordinator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"gsplat-trainer/pkg/logging"
	"gsplat-trainer/pkg/orchestrator"
	"gsplat-trainer/pkg/rendezvous"

	"github.com/google/go-cmp/cmp"
)

type invocation struct {
	Kind string
	Fn   string
	Args []string
}

type fakeCall struct {
	id        string
	done      chan error
	mu        sync.Mutex
	cancelled int
}

func (c *fakeCall) ID() string { return c.id }

func (c *fakeCall) Cancel(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled++
	return nil
}

func (c *fakeCall) cancels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *fakeCall) Wait(ctx context.Context) error {
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fakePlatform records invocations. onSpawn runs after a Spawn is recorded.
type fakePlatform struct {
	mu      sync.Mutex
	calls   []invocation
	call    *fakeCall
	onSpawn func(args []string)
}

func (p *fakePlatform) record(kind string, fn orchestrator.Function, args []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, invocation{Kind: kind, Fn: fn.Name, Args: args})
}

func (p *fakePlatform) Spawn(_ context.Context, fn orchestrator.Function, args ...string) (orchestrator.Call, error) {
	p.record("spawn", fn, args)
	if p.call == nil {
		p.call = &fakeCall{id: "call-1", done: make(chan error, 1)}
	}
	if p.onSpawn != nil {
		p.onSpawn(args)
	}
	return p.call, nil
}

func (p *fakePlatform) Remote(_ context.Context, fn orchestrator.Function, args ...string) error {
	p.record("remote", fn, args)
	return nil
}

func (p *fakePlatform) invocations() []invocation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]invocation(nil), p.calls...)
}

type fakeTunnel struct {
	port    int
	mu      sync.Mutex
	stopped int
}

func (t *fakeTunnel) LocalPort() int { return t.port }

func (t *fakeTunnel) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped++
	return nil
}

func (t *fakeTunnel) stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type harness struct {
	platform *fakePlatform
	queue    *rendezvous.Ephemeral
	opened   []orchestrator.Endpoint
	isOpen   chan struct{}
	tunnel   *fakeTunnel
	coord    *Coordinator
}

func newHarness() *harness {
	h := &harness{
		platform: &fakePlatform{},
		queue:    rendezvous.NewEphemeral(),
		isOpen:   make(chan struct{}),
		tunnel:   &fakeTunnel{port: 9090},
	}
	h.coord = &Coordinator{
		Platform: h.platform,
		NewQueue: func(context.Context) (rendezvous.Queue, error) { return h.queue, nil },
		OpenTunnel: func(_ context.Context, ep orchestrator.Endpoint) (Tunnel, error) {
			h.opened = append(h.opened, ep)
			close(h.isOpen)
			return h.tunnel, nil
		},
		LaunchFn: orchestrator.Function{Name: "gsplat-trainer-launch-ssh"},
		RunFn:    orchestrator.Function{Name: "gsplat-trainer-run"},
	}
	return h
}

func TestDatasetModeRunsOnceWithoutTunnel(t *testing.T) {
	h := newHarness()
	if err := h.coord.Run(context.Background(), Mode{Dataset: "foo"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []invocation{{Kind: "remote", Fn: "gsplat-trainer-run", Args: []string{"--dataset", "foo"}}}
	if diff := cmp.Diff(want, h.platform.invocations()); diff != "" {
		t.Errorf("invocations mismatch (-want +got):\n%s", diff)
	}
	if len(h.opened) != 0 {
		t.Errorf("dataset mode opened %d tunnels", len(h.opened))
	}
}

func TestDatasetModeManifestOnly(t *testing.T) {
	var buf bytes.Buffer
	logging.SetOutput(&buf)
	defer logging.SetOutput(os.Stderr)

	h := newHarness()
	h.coord.ManifestOnly = true
	if err := h.coord.Run(context.Background(), Mode{Dataset: "foo"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "nothing was submitted") {
		t.Errorf("missing manifest message in %q", out)
	}
	if strings.Contains(out, "finished") {
		t.Errorf("manifest-only run reported training finished: %q", out)
	}
}

func TestNoModeDoesNothing(t *testing.T) {
	h := newHarness()
	if err := h.coord.Run(context.Background(), Mode{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(h.platform.invocations()); n != 0 {
		t.Errorf("expected no remote actions, got %d", n)
	}
	if len(h.opened) != 0 {
		t.Error("tunnel opened with no mode")
	}
}

func TestServerModeTunnelsUntilInterrupt(t *testing.T) {
	h := newHarness()
	published := orchestrator.Endpoint{Host: "34.1.2.3", Port: 31022}
	h.platform.onSpawn = func(args []string) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = h.queue.Put(context.Background(), published)
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx, Mode{Server: true}) }()

	select {
	case <-h.isOpen:
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel never opened")
	}
	time.Sleep(50 * time.Millisecond)
	if h.tunnel.stops() != 0 {
		t.Fatal("tunnel stopped before interrupt")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after interrupt")
	}

	want := []invocation{{Kind: "spawn", Fn: "gsplat-trainer-launch-ssh", Args: []string{"--queue", h.queue.Name()}}}
	if diff := cmp.Diff(want, h.platform.invocations()); diff != "" {
		t.Errorf("invocations mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]orchestrator.Endpoint{published}, h.opened); diff != "" {
		t.Errorf("tunnel endpoints mismatch (-want +got):\n%s", diff)
	}
	if h.tunnel.LocalPort() != 9090 {
		t.Errorf("tunnel bound on %d, want 9090", h.tunnel.LocalPort())
	}
	if n := h.tunnel.stops(); n != 1 {
		t.Errorf("tunnel stopped %d times, want 1", n)
	}
	if n := h.platform.call.cancels(); n != 1 {
		t.Errorf("launcher cancelled %d times, want 1", n)
	}
}

func TestServerModeLaunchFailure(t *testing.T) {
	h := newHarness()
	h.platform.onSpawn = func([]string) {
		h.platform.call.done <- errors.New("sshd never became ready")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.coord.Run(ctx, Mode{Server: true})
	if err == nil {
		t.Fatal("expected launch failure")
	}
	if len(h.opened) != 0 {
		t.Error("tunnel opened after launch failure")
	}
	if n := h.platform.call.cancels(); n != 1 {
		t.Errorf("launcher cancelled %d times, want 1", n)
	}
}

func TestServerModeWithoutSubmission(t *testing.T) {
	h := newHarness()
	h.coord.Platform = nilCallPlatform{}
	if err := h.coord.Run(context.Background(), Mode{Server: true}); err == nil {
		t.Fatal("expected error when nothing was submitted")
	}
}

type nilCallPlatform struct{}

func (nilCallPlatform) Spawn(context.Context, orchestrator.Function, ...string) (orchestrator.Call, error) {
	return nil, nil
}

func (nilCallPlatform) Remote(context.Context, orchestrator.Function, ...string) error { return nil }
