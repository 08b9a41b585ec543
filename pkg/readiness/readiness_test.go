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

package readiness

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func newTestPoller(addr string, deadline time.Duration) *Poller {
	p := NewPoller()
	p.Addr = addr
	p.Deadline = deadline
	p.AttemptTimeout = 100 * time.Millisecond
	return p
}

// freeAddr returns a loopback address with nothing listening on it.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestDefaults(t *testing.T) {
	p := NewPoller()
	if p.Addr != "localhost:22" {
		t.Errorf("Addr = %q, want localhost:22", p.Addr)
	}
	if p.Deadline != 30*time.Second {
		t.Errorf("Deadline = %s, want 30s", p.Deadline)
	}
	if p.Interval != 10*time.Millisecond {
		t.Errorf("Interval = %s, want 10ms", p.Interval)
	}
}

func TestWaitListening(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	start := time.Now()
	if err := newTestPoller(l.Addr().String(), 30*time.Second).Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= 30*time.Second {
		t.Errorf("Wait took %s", elapsed)
	}
}

func TestWaitListenerAppearsLater(t *testing.T) {
	addr := freeAddr(t)
	started := make(chan net.Listener, 1)
	go func() {
		time.Sleep(150 * time.Millisecond)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			t.Errorf("listen %s: %v", addr, err)
			close(started)
			return
		}
		started <- l
	}()

	err := newTestPoller(addr, 10*time.Second).Wait(context.Background())
	if l, ok := <-started; ok {
		defer l.Close()
	}
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestWaitTimeout(t *testing.T) {
	deadline := 200 * time.Millisecond
	start := time.Now()
	err := newTestPoller(freeAddr(t), deadline).Wait(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < deadline {
		t.Errorf("timed out after %s, before the %s deadline", elapsed, deadline)
	}
}

func TestWaitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := newTestPoller(freeAddr(t), 10*time.Second).Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait error = %v, want context.Canceled", err)
	}
}

type countingDialer struct {
	calls   atomic.Int32
	succeed int32
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.calls.Add(1) < d.succeed {
		return nil, syscall.ECONNREFUSED
	}
	client, server := net.Pipe()
	server.Close()
	return client, nil
}

func TestWaitRetriesAtInterval(t *testing.T) {
	d := &countingDialer{succeed: 5}
	p := newTestPoller("localhost:22", 10*time.Second)
	p.Dialer = d

	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := d.calls.Load(); got != 5 {
		t.Errorf("dial attempts = %d, want 5", got)
	}
}
