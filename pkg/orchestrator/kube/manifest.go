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
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gsplat-trainer/pkg/orchestrator"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

const (
	AppLabel      = "gsplat.dev/app"
	FunctionLabel = "gsplat.dev/function"
	CallIDLabel   = "gsplat.dev/call-id"

	AcceleratorNodeLabel = "cloud.google.com/gke-accelerator"
	GPUResource          = corev1.ResourceName("nvidia.com/gpu")

	// Environment injected into every function container.
	EnvPodName   = "GSPLAT_POD_NAME"
	EnvNamespace = "GSPLAT_NAMESPACE"
	EnvCallID    = "GSPLAT_CALL_ID"

	ttlSecondsAfterFinished = 3600
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// jobName derives a DNS-1123 compatible name for a function call.
func jobName(fn orchestrator.Function, callID string) string {
	base := invalidNameChars.ReplaceAllString(strings.ToLower(fn.Name), "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "gsplat"
	}
	// Job names feed pod names, which get another suffix appended.
	if max := 52 - len(callID) - 1; len(base) > max {
		base = strings.TrimRight(base[:max], "-")
	}
	return base + "-" + callID
}

func volumeName(i int) string {
	return "volume-" + strconv.Itoa(i)
}

// BuildJob turns a function invocation into a Job. The job runs a single pod
// that is never restarted, so a failed call fails the Job.
func BuildJob(fn orchestrator.Function, namespace, callID string, args []string) (*batchv1.Job, error) {
	if fn.Image == "" {
		return nil, fmt.Errorf("function %q has no image; set image in the config or build one first", fn.Name)
	}
	if len(fn.Command) == 0 {
		return nil, fmt.Errorf("function %q has no command", fn.Name)
	}
	gpu, err := orchestrator.ParseGPU(fn.GPU)
	if err != nil {
		return nil, fmt.Errorf("function %q: %w", fn.Name, err)
	}

	labels := map[string]string{
		AppLabel:      "gsplat",
		FunctionLabel: invalidNameChars.ReplaceAllString(strings.ToLower(fn.Name), "-"),
		CallIDLabel:   callID,
	}

	container := corev1.Container{
		Name:       "function",
		Image:      fn.Image,
		Command:    append(append([]string(nil), fn.Command...), args...),
		WorkingDir: fn.WorkingDir,
		Env: []corev1.EnvVar{
			{Name: EnvPodName, ValueFrom: &corev1.EnvVarSource{FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.name"}}},
			{Name: EnvNamespace, ValueFrom: &corev1.EnvVarSource{FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.namespace"}}},
			{Name: EnvCallID, Value: callID},
		},
	}
	for _, s := range fn.Secrets {
		container.EnvFrom = append(container.EnvFrom, corev1.EnvFromSource{
			SecretRef: &corev1.SecretEnvSource{LocalObjectReference: corev1.LocalObjectReference{Name: s}},
		})
	}

	podSpec := corev1.PodSpec{
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: fn.ServiceAccount,
	}
	for i, v := range fn.Volumes {
		name := volumeName(i)
		podSpec.Volumes = append(podSpec.Volumes, corev1.Volume{
			Name: name,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: v.Name},
			},
		})
		container.VolumeMounts = append(container.VolumeMounts, corev1.VolumeMount{Name: name, MountPath: v.Path})
	}

	if gpu.Count > 0 {
		qty := resource.MustParse(strconv.Itoa(gpu.Count))
		container.Resources.Limits = corev1.ResourceList{GPUResource: qty}
		podSpec.NodeSelector = map[string]string{AcceleratorNodeLabel: gpu.Class.Label}
		podSpec.Tolerations = []corev1.Toleration{{
			Key:      string(GPUResource),
			Operator: corev1.TolerationOpExists,
			Effect:   corev1.TaintEffectNoSchedule,
		}}
	}
	podSpec.Containers = []corev1.Container{container}

	backoffLimit := int32(0)
	ttl := int32(ttlSecondsAfterFinished)
	job := &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: "Job"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName(fn, callID),
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
	if fn.Timeout > 0 {
		deadline := int64(fn.Timeout.Seconds())
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	return job, nil
}

// RenderManifest returns the Job as YAML.
func RenderManifest(job *batchv1.Job) (string, error) {
	out, err := yaml.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job manifest: %w", err)
	}
	return string(out), nil
}
