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
	"fmt"
	"time"

	"gsplat-trainer/pkg/logging"
	"gsplat-trainer/pkg/orchestrator"
	"gsplat-trainer/pkg/rendezvous"
	"gsplat-trainer/pkg/shell"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
)

const endpointKey = "endpoint"

// ConfigMapQueue is a rendezvous.Queue stored in a ConfigMap, so that a pod
// and the operator's machine can hand off an endpoint through the API server.
type ConfigMapQueue struct {
	client       kubernetes.Interface
	namespace    string
	name         string
	owned        bool
	pollInterval time.Duration
}

var _ rendezvous.Queue = (*ConfigMapQueue)(nil)

// NewEphemeralQueue creates a fresh ConfigMap that is deleted by Close.
func NewEphemeralQueue(ctx context.Context, client kubernetes.Interface, namespace string) (*ConfigMapQueue, error) {
	name := "gsplat-rendezvous-" + shell.RandomString(8)
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{AppLabel: "gsplat"},
		},
	}
	if _, err := client.CoreV1().ConfigMaps(namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("failed to create rendezvous queue %q: %w", name, err)
	}
	logging.Debug("Created rendezvous queue %s/%s", namespace, name)
	return &ConfigMapQueue{client: client, namespace: namespace, name: name, owned: true, pollInterval: time.Second}, nil
}

// OpenQueue attaches to a queue created elsewhere. Close does not delete it.
func OpenQueue(client kubernetes.Interface, namespace, name string) *ConfigMapQueue {
	return &ConfigMapQueue{client: client, namespace: namespace, name: name, pollInterval: time.Second}
}

func (q *ConfigMapQueue) Name() string { return q.name }

// Put stores ep in the queue. It fails if an endpoint is already stored.
func (q *ConfigMapQueue) Put(ctx context.Context, ep orchestrator.Endpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	api := q.client.CoreV1().ConfigMaps(q.namespace)
	cm, err := api.Get(ctx, q.name, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return rendezvous.ErrClosed
	}
	if err != nil {
		return fmt.Errorf("failed to read rendezvous queue %q: %w", q.name, err)
	}
	if _, ok := cm.Data[endpointKey]; ok {
		return rendezvous.ErrFull
	}
	if cm.Data == nil {
		cm.Data = map[string]string{}
	}
	cm.Data[endpointKey] = ep.Address()
	// Conflicts mean another writer got there first.
	if _, err := api.Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
		if k8serrors.IsConflict(err) {
			return rendezvous.ErrFull
		}
		return fmt.Errorf("failed to write rendezvous queue %q: %w", q.name, err)
	}
	return nil
}

// Get polls until an endpoint is stored, removes it, and returns it.
func (q *ConfigMapQueue) Get(ctx context.Context) (orchestrator.Endpoint, error) {
	api := q.client.CoreV1().ConfigMaps(q.namespace)
	var ep orchestrator.Endpoint
	err := wait.PollUntilContextCancel(ctx, q.pollInterval, true, func(ctx context.Context) (bool, error) {
		cm, err := api.Get(ctx, q.name, metav1.GetOptions{})
		if k8serrors.IsNotFound(err) {
			return false, rendezvous.ErrClosed
		}
		if err != nil {
			logging.Debug("Polling rendezvous queue %q: %v", q.name, err)
			return false, nil
		}
		addr, ok := cm.Data[endpointKey]
		if !ok {
			return false, nil
		}
		if ep, err = orchestrator.ParseEndpoint(addr); err != nil {
			return false, err
		}
		delete(cm.Data, endpointKey)
		if _, err := api.Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
			return false, fmt.Errorf("failed to consume rendezvous queue %q: %w", q.name, err)
		}
		return true, nil
	})
	if err != nil {
		return orchestrator.Endpoint{}, err
	}
	return ep, nil
}

// Close deletes the ConfigMap if this queue created it.
func (q *ConfigMapQueue) Close() error {
	if !q.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := q.client.CoreV1().ConfigMaps(q.namespace).Delete(ctx, q.name, metav1.DeleteOptions{})
	if err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete rendezvous queue %q: %w", q.name, err)
	}
	return nil
}
