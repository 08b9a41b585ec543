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

package imagebuilder

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"
)

// StepKind identifies what a Step does to the image.
type StepKind string

const (
	StepApt  StepKind = "apt"
	StepRun  StepKind = "run"
	StepFile StepKind = "file"
	StepDir  StepKind = "dir"
	StepEnv  StepKind = "env"
)

// Step is one provisioning instruction. Which fields are set depends on Kind.
type Step struct {
	Kind     StepKind
	Packages []string
	Commands []string
	Source   string
	Target   string
	Env      map[string]string
}

// Recipe is an ordered list of steps applied on top of a base image.
type Recipe struct {
	BaseImage string
	Steps     []Step
	// Ignore holds extra .dockerignore-style patterns for local directories.
	Ignore []string
}

// NewRecipe starts a recipe from base.
func NewRecipe(base string) *Recipe {
	return &Recipe{BaseImage: base}
}

func (r *Recipe) AptInstall(packages ...string) *Recipe {
	r.Steps = append(r.Steps, Step{Kind: StepApt, Packages: packages})
	return r
}

func (r *Recipe) RunCommands(commands ...string) *Recipe {
	r.Steps = append(r.Steps, Step{Kind: StepRun, Commands: commands})
	return r
}

// AddLocalFile copies the local file source to target in the image.
func (r *Recipe) AddLocalFile(source, target string) *Recipe {
	r.Steps = append(r.Steps, Step{Kind: StepFile, Source: source, Target: target})
	return r
}

// AddLocalDir copies the contents of the local directory source into target,
// skipping paths matched by the ignore patterns.
func (r *Recipe) AddLocalDir(source, target string) *Recipe {
	r.Steps = append(r.Steps, Step{Kind: StepDir, Source: source, Target: target})
	return r
}

func (r *Recipe) SetEnv(env map[string]string) *Recipe {
	r.Steps = append(r.Steps, Step{Kind: StepEnv, Env: env})
	return r
}

// Env returns the environment set by all env steps, later steps winning.
func (r *Recipe) Env() map[string]string {
	env := map[string]string{}
	for _, s := range r.Steps {
		if s.Kind != StepEnv {
			continue
		}
		for k, v := range s.Env {
			env[k] = v
		}
	}
	return env
}

// ServiceAccountKey is where the default recipe places the GCS credentials.
const ServiceAccountKey = "/root/gcs-tour-project-service-account-key.json"

// DefaultRecipe provisions the training image: an SSH server with root
// password login, code-server, the gcloud CLI authenticated with a service
// account key, git, and the source tree under /root/.
func DefaultRecipe(base string) *Recipe {
	return NewRecipe(base).
		AptInstall("openssh-server").
		RunCommands(
			"mkdir -p /run/sshd",
			"echo 'PermitRootLogin yes' >> /etc/ssh/sshd_config",
			"echo 'root: ' | chpasswd",
		).
		RunCommands("curl -fsSL https://code-server.dev/install.sh | sh").
		RunCommands("apt-get update && apt-get install -y curl gnupg && " +
			"curl https://packages.cloud.google.com/apt/doc/apt-key.gpg | gpg --dearmor -o /usr/share/keyrings/cloud.google.gpg && " +
			"echo 'deb [signed-by=/usr/share/keyrings/cloud.google.gpg] https://packages.cloud.google.com/apt cloud-sdk main' | tee -a /etc/apt/sources.list.d/google-cloud-sdk.list && " +
			"apt-get update && apt-get install -y google-cloud-cli && rm -rf /var/lib/apt/lists/*").
		AddLocalFile("gcs-tour-project-service-account-key.json", ServiceAccountKey).
		RunCommands(
			"gcloud auth activate-service-account --key-file="+ServiceAccountKey,
			"gcloud config set project tour-project-442218",
			"gcloud storage ls",
		).
		SetEnv(map[string]string{"GOOGLE_APPLICATION_CREDENTIALS": ServiceAccountKey}).
		RunCommands("gcloud storage ls").
		RunCommands("apt-get install -y git").
		AddLocalDir(".", "/root/")
}

var dockerfileTmpl = template.Must(template.New("Dockerfile").Funcs(template.FuncMap{
	"join":   strings.Join,
	"envKVs": envKVs,
}).Parse(`FROM {{ .BaseImage }}
{{- range .Steps }}
{{- if eq .Kind "apt" }}
RUN apt-get update && apt-get install -y {{ join .Packages " " }} && rm -rf /var/lib/apt/lists/*
{{- else if eq .Kind "run" }}
{{- range .Commands }}
RUN {{ . }}
{{- end }}
{{- else if or (eq .Kind "file") (eq .Kind "dir") }}
COPY {{ .Source }} {{ .Target }}
{{- else if eq .Kind "env" }}
ENV {{ join (envKVs .Env) " " }}
{{- end }}
{{- end }}
`))

func envKVs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kvs := make([]string, len(keys))
	for i, k := range keys {
		kvs[i] = fmt.Sprintf("%s=%q", k, env[k])
	}
	return kvs
}

// Dockerfile renders the whole recipe, run steps included.
func (r *Recipe) Dockerfile() (string, error) {
	if r.BaseImage == "" {
		return "", fmt.Errorf("recipe has no base image")
	}
	var buf bytes.Buffer
	if err := dockerfileTmpl.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("failed to render Dockerfile: %w", err)
	}
	return buf.String(), nil
}

// DockerignorePatterns lists the ignore patterns a Dockerfile build needs
// alongside the rendered file.
func (r *Recipe) DockerignorePatterns() []string {
	return append(append([]string(nil), defaultIgnorePatterns...), r.Ignore...)
}
