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

package orchestrator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/agext/levenshtein"
)

// GPUClass maps a short GPU name to its node accelerator label.
type GPUClass struct {
	Name  string
	Label string
}

var gpuClasses = map[string]string{
	"T4":        "nvidia-tesla-t4",
	"L4":        "nvidia-l4",
	"A10G":      "nvidia-a10g",
	"A100":      "nvidia-tesla-a100",
	"A100-80GB": "nvidia-a100-80gb",
	"H100":      "nvidia-h100-80gb",
}

// GPURequest is a parsed GPU specification such as "T4" or "A100:2".
type GPURequest struct {
	Class GPUClass
	Count int
}

// ParseGPU parses a GPU specification. An empty string requests no GPU.
func ParseGPU(spec string) (GPURequest, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return GPURequest{}, nil
	}

	name, countStr, hasCount := strings.Cut(spec, ":")
	count := 1
	if hasCount {
		n, err := strconv.Atoi(countStr)
		if err != nil || n < 1 {
			return GPURequest{}, fmt.Errorf("invalid GPU count in %q", spec)
		}
		count = n
	}

	name = strings.ToUpper(name)
	label, ok := gpuClasses[name]
	if !ok {
		msg := fmt.Sprintf("unknown GPU class %q", name)
		if s := closestGPUClass(name); s != "" {
			msg += fmt.Sprintf(", did you mean %q?", s)
		}
		return GPURequest{}, fmt.Errorf("%s", msg)
	}
	return GPURequest{Class: GPUClass{Name: name, Label: label}, Count: count}, nil
}

// GPUClassNames lists the supported GPU classes in sorted order.
func GPUClassNames() []string {
	names := make([]string, 0, len(gpuClasses))
	for n := range gpuClasses {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func closestGPUClass(name string) string {
	best, bestDist := "", 3
	for _, n := range GPUClassNames() {
		if d := levenshtein.Distance(name, n, nil); d < bestDist {
			best, bestDist = n, d
		}
	}
	return best
}
