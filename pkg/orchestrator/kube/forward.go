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

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
)

// NodePortForwarder exposes a port of the current pod through a NodePort
// Service.
type NodePortForwarder struct {
	client       kubernetes.Interface
	namespace    string
	podName      string
	pollInterval time.Duration
}

var _ orchestrator.Forwarder = (*NodePortForwarder)(nil)

// NewNodePortForwarder returns a forwarder for the named pod, normally read
// from the GSPLAT_POD_NAME environment variable.
func NewNodePortForwarder(client kubernetes.Interface, namespace, podName string) *NodePortForwarder {
	return &NodePortForwarder{client: client, namespace: namespace, podName: podName, pollInterval: time.Second}
}

// Forward creates the Service and returns the node address and node port
// that reach port inside the pod.
func (f *NodePortForwarder) Forward(ctx context.Context, port int) (orchestrator.Endpoint, func(), error) {
	pod, err := f.client.CoreV1().Pods(f.namespace).Get(ctx, f.podName, metav1.GetOptions{})
	if err != nil {
		return orchestrator.Endpoint{}, nil, fmt.Errorf("failed to get pod %q: %w", f.podName, err)
	}
	callID, ok := pod.Labels[CallIDLabel]
	if !ok {
		return orchestrator.Endpoint{}, nil, fmt.Errorf("pod %q has no %s label", f.podName, CallIDLabel)
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("gsplat-%s-%d", callID, port),
			Namespace: f.namespace,
			Labels:    map[string]string{AppLabel: "gsplat", CallIDLabel: callID},
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: map[string]string{CallIDLabel: callID},
			Ports: []corev1.ServicePort{{
				Name:       "forward",
				Protocol:   corev1.ProtocolTCP,
				Port:       int32(port),
				TargetPort: intstr.FromInt32(int32(port)),
			}},
		},
	}
	created, err := f.client.CoreV1().Services(f.namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil {
		return orchestrator.Endpoint{}, nil, fmt.Errorf("failed to create service for port %d: %w", port, err)
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := f.client.CoreV1().Services(f.namespace).Delete(ctx, created.Name, metav1.DeleteOptions{})
		if err != nil && !k8serrors.IsNotFound(err) {
			logging.Warn("Failed to delete service %s: %v", created.Name, err)
		}
	}

	nodePort, err := f.nodePort(ctx, created)
	if err != nil {
		release()
		return orchestrator.Endpoint{}, nil, err
	}
	host, err := f.nodeAddress(ctx, pod.Spec.NodeName)
	if err != nil {
		release()
		return orchestrator.Endpoint{}, nil, err
	}
	return orchestrator.Endpoint{Host: host, Port: nodePort}, release, nil
}

func (f *NodePortForwarder) nodePort(ctx context.Context, svc *corev1.Service) (int, error) {
	if p := svc.Spec.Ports[0].NodePort; p != 0 {
		return int(p), nil
	}
	var port int
	err := wait.PollUntilContextTimeout(ctx, f.pollInterval, 30*time.Second, false, func(ctx context.Context) (bool, error) {
		got, err := f.client.CoreV1().Services(f.namespace).Get(ctx, svc.Name, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		port = int(got.Spec.Ports[0].NodePort)
		return port != 0, nil
	})
	if err != nil {
		return 0, fmt.Errorf("service %q was not assigned a node port: %w", svc.Name, err)
	}
	return port, nil
}

// nodeAddress prefers the node's external IP and falls back to its internal IP.
func (f *NodePortForwarder) nodeAddress(ctx context.Context, nodeName string) (string, error) {
	if nodeName == "" {
		return "", fmt.Errorf("pod %q is not scheduled on a node", f.podName)
	}
	node, err := f.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to get node %q: %w", nodeName, err)
	}
	var internal string
	for _, addr := range node.Status.Addresses {
		switch addr.Type {
		case corev1.NodeExternalIP:
			return addr.Address, nil
		case corev1.NodeInternalIP:
			if internal == "" {
				internal = addr.Address
			}
		}
	}
	if internal == "" {
		return "", fmt.Errorf("node %q has no usable address", nodeName)
	}
	return internal, nil
}
