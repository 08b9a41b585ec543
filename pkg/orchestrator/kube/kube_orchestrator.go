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
	"os"
	"time"

	"gsplat-trainer/pkg/logging"
	"gsplat-trainer/pkg/orchestrator"
	"gsplat-trainer/pkg/shell"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultVolumeSize   = "100Gi"
	cancelTimeout       = 30 * time.Second
)

// Options configures a KubeOrchestrator.
type Options struct {
	Namespace string
	// OutputManifest, when set, makes the orchestrator write job manifests
	// to this path instead of submitting them.
	OutputManifest string
	PollInterval   time.Duration
	VolumeSize     string
}

// KubeOrchestrator implements orchestrator.Platform on a Kubernetes cluster
// with GPU nodes.
type KubeOrchestrator struct {
	client kubernetes.Interface
	opts   Options
}

var _ orchestrator.Platform = (*KubeOrchestrator)(nil)

// NewKubeOrchestrator creates and returns a new KubeOrchestrator instance.
func NewKubeOrchestrator(client kubernetes.Interface, opts Options) *KubeOrchestrator {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.VolumeSize == "" {
		opts.VolumeSize = defaultVolumeSize
	}
	return &KubeOrchestrator{client: client, opts: opts}
}

// Spawn submits fn as a Job and returns without waiting for it.
func (k *KubeOrchestrator) Spawn(ctx context.Context, fn orchestrator.Function, args ...string) (orchestrator.Call, error) {
	callID := shell.RandomString(8)
	job, err := BuildJob(fn, k.opts.Namespace, callID, args)
	if err != nil {
		return nil, err
	}

	if k.opts.OutputManifest != "" {
		return nil, k.writeManifest(job)
	}

	if err := k.ensureVolumes(ctx, fn.Volumes); err != nil {
		return nil, err
	}
	if err := k.checkSecrets(ctx, fn.Secrets); err != nil {
		return nil, err
	}
	if err := k.checkServiceAccount(ctx, fn.ServiceAccount); err != nil {
		return nil, err
	}

	logging.Info("Submitting %s (call %s) to namespace %q...", fn.Name, callID, k.opts.Namespace)
	created, err := k.client.BatchV1().Jobs(k.opts.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create job %q: %w", job.Name, err)
	}
	logging.Info("Job %s created.", created.Name)
	return &jobCall{k: k, id: callID, name: created.Name}, nil
}

// Remote submits fn and waits for its Job to finish. If ctx ends first the
// Job is deleted. Failed Jobs are kept for their logs.
func (k *KubeOrchestrator) Remote(ctx context.Context, fn orchestrator.Function, args ...string) error {
	call, err := k.Spawn(ctx, fn, args...)
	if err != nil {
		return err
	}
	if call == nil {
		return nil
	}
	err = call.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		cancelCtx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if cerr := call.Cancel(cancelCtx); cerr != nil {
			logging.Warn("failed to stop %s: %v", call.ID(), cerr)
		}
	}
	return err
}

func (k *KubeOrchestrator) writeManifest(job *batchv1.Job) error {
	manifest, err := RenderManifest(job)
	if err != nil {
		return err
	}
	logging.Info("Saving job manifest to %s", k.opts.OutputManifest)
	if err := os.WriteFile(k.opts.OutputManifest, []byte(manifest), 0644); err != nil {
		return fmt.Errorf("failed to write job manifest to file %s: %w", k.opts.OutputManifest, err)
	}
	logging.Info("Job manifest saved successfully.")
	return nil
}

// ensureVolumes creates missing claims for volumes marked CreateIfMissing and
// fails for other missing claims.
func (k *KubeOrchestrator) ensureVolumes(ctx context.Context, volumes []orchestrator.VolumeMount) error {
	api := k.client.CoreV1().PersistentVolumeClaims(k.opts.Namespace)
	for _, v := range volumes {
		_, err := api.Get(ctx, v.Name, metav1.GetOptions{})
		if err == nil {
			continue
		}
		if !k8serrors.IsNotFound(err) {
			return fmt.Errorf("failed to look up volume %q: %w", v.Name, err)
		}
		if !v.CreateIfMissing {
			return fmt.Errorf("volume %q not found in namespace %q", v.Name, k.opts.Namespace)
		}

		size, err := resource.ParseQuantity(k.opts.VolumeSize)
		if err != nil {
			return fmt.Errorf("invalid volume size %q: %w", k.opts.VolumeSize, err)
		}
		logging.Info("Creating volume %q (%s)...", v.Name, k.opts.VolumeSize)
		pvc := &corev1.PersistentVolumeClaim{
			ObjectMeta: metav1.ObjectMeta{
				Name:      v.Name,
				Namespace: k.opts.Namespace,
				Labels:    map[string]string{AppLabel: "gsplat"},
			},
			Spec: corev1.PersistentVolumeClaimSpec{
				AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
				Resources: corev1.VolumeResourceRequirements{
					Requests: corev1.ResourceList{corev1.ResourceStorage: size},
				},
			},
		}
		if _, err := api.Create(ctx, pvc, metav1.CreateOptions{}); err != nil && !k8serrors.IsAlreadyExists(err) {
			return fmt.Errorf("failed to create volume %q: %w", v.Name, err)
		}
	}
	return nil
}

func (k *KubeOrchestrator) checkSecrets(ctx context.Context, secrets []string) error {
	for _, s := range secrets {
		_, err := k.client.CoreV1().Secrets(k.opts.Namespace).Get(ctx, s, metav1.GetOptions{})
		if k8serrors.IsNotFound(err) {
			return fmt.Errorf("secret %q not found in namespace %q", s, k.opts.Namespace)
		}
		if err != nil {
			return fmt.Errorf("failed to look up secret %q: %w", s, err)
		}
	}
	return nil
}

// checkServiceAccount fails early for a missing account. The Job controller
// would otherwise retry pod creation until the deadline.
func (k *KubeOrchestrator) checkServiceAccount(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	_, err := k.client.CoreV1().ServiceAccounts(k.opts.Namespace).Get(ctx, name, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return fmt.Errorf("service account %q not found in namespace %q; see 'gsplat launch --help' for the permissions it needs", name, k.opts.Namespace)
	}
	if err != nil {
		return fmt.Errorf("failed to look up service account %q: %w", name, err)
	}
	return nil
}

type jobCall struct {
	k    *KubeOrchestrator
	id   string
	name string
}

func (c *jobCall) ID() string { return c.id }

// Wait polls the Job until it has a succeeded or failed pod. Transient API
// errors are retried; a deleted Job ends the wait.
func (c *jobCall) Wait(ctx context.Context) error {
	var result error
	err := wait.PollUntilContextCancel(ctx, c.k.opts.PollInterval, true, func(ctx context.Context) (bool, error) {
		job, err := c.k.client.BatchV1().Jobs(c.k.opts.Namespace).Get(ctx, c.name, metav1.GetOptions{})
		if k8serrors.IsNotFound(err) {
			return false, fmt.Errorf("job %q was deleted: %w", c.name, err)
		}
		if err != nil {
			logging.Debug("Getting job %s: %v", c.name, err)
			return false, nil
		}
		done, jobErr := jobFinished(job)
		if done {
			result = jobErr
		}
		return done, nil
	})
	if err != nil {
		return err
	}
	if result != nil {
		return result
	}
	logging.Info("Job %s completed.", c.name)
	return nil
}

// Cancel deletes the Job and its pod.
func (c *jobCall) Cancel(ctx context.Context) error {
	propagation := metav1.DeletePropagationBackground
	err := c.k.client.BatchV1().Jobs(c.k.opts.Namespace).Delete(ctx, c.name, metav1.DeleteOptions{PropagationPolicy: &propagation})
	if err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete job %q: %w", c.name, err)
	}
	logging.Info("Job %s cancelled.", c.name)
	return nil
}

func jobFinished(job *batchv1.Job) (bool, error) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return true, nil
		case batchv1.JobFailed:
			return true, fmt.Errorf("job %s failed: %s: %s", job.Name, cond.Reason, cond.Message)
		}
	}
	if job.Status.Succeeded > 0 {
		return true, nil
	}
	if job.Status.Failed > 0 {
		return true, fmt.Errorf("job %s failed", job.Name)
	}
	return false, nil
}
