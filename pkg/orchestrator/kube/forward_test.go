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
	"testing"

	"gsplat-trainer/pkg/orchestrator"

	"github.com/google/go-cmp/cmp"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func forwardFixtures(addresses ...corev1.NodeAddress) []runtime.Object {
	return []runtime.Object{
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "gsplat-trainer-launch-ssh-abc123-xyz",
				Namespace: "training",
				Labels:    map[string]string{CallIDLabel: "abc123"},
			},
			Spec: corev1.PodSpec{NodeName: "gpu-node-1"},
		},
		&corev1.Node{
			ObjectMeta: metav1.ObjectMeta{Name: "gpu-node-1"},
			Status:     corev1.NodeStatus{Addresses: addresses},
		},
	}
}

// assignNodePort emulates the API server allocating a node port.
func assignNodePort(client *fake.Clientset, port int32) {
	client.PrependReactor("create", "services", func(action k8stesting.Action) (bool, runtime.Object, error) {
		svc := action.(k8stesting.CreateAction).GetObject().(*corev1.Service)
		svc.Spec.Ports[0].NodePort = port
		return false, nil, nil
	})
}

func TestForwardPrefersExternalIP(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset(forwardFixtures(
		corev1.NodeAddress{Type: corev1.NodeInternalIP, Address: "10.0.0.5"},
		corev1.NodeAddress{Type: corev1.NodeExternalIP, Address: "34.1.2.3"},
	)...)
	assignNodePort(client, 31022)

	f := NewNodePortForwarder(client, "training", "gsplat-trainer-launch-ssh-abc123-xyz")
	ep, release, err := f.Forward(ctx, 22)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if diff := cmp.Diff(orchestrator.Endpoint{Host: "34.1.2.3", Port: 31022}, ep); diff != "" {
		t.Errorf("endpoint mismatch (-want +got):\n%s", diff)
	}

	svc, err := client.CoreV1().Services("training").Get(ctx, "gsplat-abc123-22", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("service not created: %v", err)
	}
	if svc.Spec.Type != corev1.ServiceTypeNodePort || svc.Spec.Selector[CallIDLabel] != "abc123" {
		t.Errorf("unexpected service spec: %+v", svc.Spec)
	}

	release()
	if _, err := client.CoreV1().Services("training").Get(ctx, "gsplat-abc123-22", metav1.GetOptions{}); !k8serrors.IsNotFound(err) {
		t.Errorf("service still present after release: %v", err)
	}
}

func TestForwardFallsBackToInternalIP(t *testing.T) {
	client := fake.NewSimpleClientset(forwardFixtures(
		corev1.NodeAddress{Type: corev1.NodeHostName, Address: "gpu-node-1"},
		corev1.NodeAddress{Type: corev1.NodeInternalIP, Address: "10.0.0.5"},
	)...)
	assignNodePort(client, 30500)

	ep, release, err := NewNodePortForwarder(client, "training", "gsplat-trainer-launch-ssh-abc123-xyz").Forward(context.Background(), 22)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	defer release()
	if ep.Host != "10.0.0.5" || ep.Port != 30500 {
		t.Errorf("endpoint = %v", ep)
	}
}

func TestForwardNoAddressReleasesService(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset(forwardFixtures()...)
	assignNodePort(client, 30500)

	_, _, err := NewNodePortForwarder(client, "training", "gsplat-trainer-launch-ssh-abc123-xyz").Forward(ctx, 22)
	if err == nil {
		t.Fatal("expected error for node without addresses")
	}
	svcs, _ := client.CoreV1().Services("training").List(ctx, metav1.ListOptions{})
	if len(svcs.Items) != 0 {
		t.Errorf("service leaked after failed Forward")
	}
}
