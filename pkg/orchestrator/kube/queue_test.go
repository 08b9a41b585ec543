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

package kube

import (
	"context"
	"errors"
	"testing"
	"time"

	"gsplat-trainer/pkg/orchestrator"
	"gsplat-trainer/pkg/rendezvous"

	"github.com/google/go-cmp/cmp"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestConfigMapQueueHandOff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := fake.NewSimpleClientset()

	owner, err := NewEphemeralQueue(ctx, client, "training")
	if err != nil {
		t.Fatalf("NewEphemeralQueue: %v", err)
	}
	owner.pollInterval = 10 * time.Millisecond

	// The launcher attaches by name from inside the pod.
	remote := OpenQueue(client, "training", owner.Name())
	want := orchestrator.Endpoint{Host: "34.1.2.3", Port: 31022}

	go func() {
		time.Sleep(30 * time.Millisecond)
		if err := remote.Put(ctx, want); err != nil {
			t.Errorf("Put: %v", err)
		}
	}()

	got, err := owner.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}

	// Get consumes the endpoint.
	cm, err := client.CoreV1().ConfigMaps("training").Get(ctx, owner.Name(), metav1.GetOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cm.Data[endpointKey]; ok {
		t.Error("endpoint still stored after Get")
	}

	if err := remote.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := client.CoreV1().ConfigMaps("training").Get(ctx, owner.Name(), metav1.GetOptions{}); err != nil {
		t.Fatalf("attached Close deleted the queue: %v", err)
	}
	if err := owner.Close(); err != nil {
		t.Fatal(err)
	}
	_, err = client.CoreV1().ConfigMaps("training").Get(ctx, owner.Name(), metav1.GetOptions{})
	if !k8serrors.IsNotFound(err) {
		t.Errorf("queue still present after owner Close: %v", err)
	}
}

func TestConfigMapQueueSingleSlot(t *testing.T) {
	ctx := context.Background()
	q, err := NewEphemeralQueue(ctx, fake.NewSimpleClientset(), "default")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Put(ctx, orchestrator.Endpoint{Host: "a", Port: 1}); err != nil {
		t.Fatal(err)
	}
	if err := q.Put(ctx, orchestrator.Endpoint{Host: "b", Port: 2}); !errors.Is(err, rendezvous.ErrFull) {
		t.Errorf("second Put = %v, want ErrFull", err)
	}
}

func TestConfigMapQueueClosed(t *testing.T) {
	ctx := context.Background()
	q := OpenQueue(fake.NewSimpleClientset(), "default", "missing")
	if err := q.Put(ctx, orchestrator.Endpoint{Host: "a", Port: 1}); !errors.Is(err, rendezvous.ErrClosed) {
		t.Errorf("Put = %v, want ErrClosed", err)
	}
	if _, err := q.Get(ctx); !errors.Is(err, rendezvous.ErrClosed) {
		t.Errorf("Get = %v, want ErrClosed", err)
	}
}
