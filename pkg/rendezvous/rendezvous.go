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

// Package rendezvous hands a single endpoint from a remote launcher to the
// local coordinator.
package rendezvous

import (
	"context"
	"errors"
	"sync"

	"gsplat-trainer/pkg/orchestrator"
	"gsplat-trainer/pkg/shell"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("rendezvous queue closed")

// ErrFull is returned by Put when the slot already holds an endpoint.
var ErrFull = errors.New("rendezvous queue already holds an endpoint")

// Queue is a single-slot blocking hand-off.
type Queue interface {
	// Name identifies the queue to processes that attach to it by name.
	Name() string
	Put(ctx context.Context, ep orchestrator.Endpoint) error
	// Get blocks until an endpoint is available or ctx is done.
	Get(ctx context.Context) (orchestrator.Endpoint, error)
	Close() error
}

// Ephemeral is an in-process Queue.
type Ephemeral struct {
	name string
	slot chan orchestrator.Endpoint

	mu     sync.Mutex
	closed chan struct{}
}

// NewEphemeral creates an empty in-process queue.
func NewEphemeral() *Ephemeral {
	return &Ephemeral{
		name:   "ephemeral-" + shell.RandomString(8),
		slot:   make(chan orchestrator.Endpoint, 1),
		closed: make(chan struct{}),
	}
}

func (q *Ephemeral) Name() string { return q.name }

func (q *Ephemeral) Put(ctx context.Context, ep orchestrator.Endpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.slot <- ep:
		return nil
	default:
		return ErrFull
	}
}

func (q *Ephemeral) Get(ctx context.Context) (orchestrator.Endpoint, error) {
	select {
	case ep := <-q.slot:
		return ep, nil
	case <-q.closed:
		return orchestrator.Endpoint{}, ErrClosed
	case <-ctx.Done():
		return orchestrator.Endpoint{}, ctx.Err()
	}
}

func (q *Ephemeral) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
	return nil
}
