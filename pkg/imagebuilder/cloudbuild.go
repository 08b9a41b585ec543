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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gsplat-trainer/pkg/logging"
	"gsplat-trainer/pkg/shell"
)

// CloudBuildTemplate is the Go template for generating cloudbuild.yaml
const CloudBuildTemplate = `steps:
- name: 'gcr.io/cloud-builders/docker'
  args: ['build', '-f', '{{.Dockerfile}}', '-t', '{{.Image}}', '.']
images:
- '{{.Image}}'
`

// stagedDockerfile is written into the build context for the duration of a
// Cloud Build submission.
const stagedDockerfile = "Dockerfile.gsplat"

// CloudBuildOptions holds parameters for a Cloud Build submission.
type CloudBuildOptions struct {
	Context string
	// Image is qualified with gcr.io/<Project>/ unless it names a registry.
	Image   string
	Project string
}

// GenerateCloudBuildYaml renders the build config for dockerfile and image.
func GenerateCloudBuildYaml(dockerfile, image string) (string, error) {
	tmpl, err := template.New("cloudbuild").Parse(CloudBuildTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse cloudbuild template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ Dockerfile, Image string }{dockerfile, image}); err != nil {
		return "", fmt.Errorf("failed to execute cloudbuild template: %w", err)
	}
	return buf.String(), nil
}

// QualifyImage prefixes image with gcr.io/<project>/ when it has no registry
// host, and adds the "latest" tag when it has no tag.
func QualifyImage(image, project string) (string, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}
	repo, tag := image, "latest"
	if i := strings.LastIndex(image, ":"); i != -1 && !strings.Contains(image[i+1:], "/") {
		repo, tag = image[:i], image[i+1:]
	}
	if first, _, found := strings.Cut(repo, "/"); found && strings.ContainsAny(first, ".:") {
		return repo + ":" + tag, nil
	}
	if project == "" {
		return "", fmt.Errorf("image %q has no registry and no project is set", image)
	}
	return fmt.Sprintf("gcr.io/%s/%s:%s", project, repo, tag), nil
}

// SubmitCloudBuild builds the whole recipe, run steps included, on Cloud Build
// and returns the pushed image and the build's console URL when gcloud
// reports one.
func SubmitCloudBuild(ctx context.Context, r *Recipe, opts CloudBuildOptions) (image, buildURL string, err error) {
	image, err = QualifyImage(opts.Image, opts.Project)
	if err != nil {
		return "", "", err
	}
	df, err := r.Dockerfile()
	if err != nil {
		return "", "", err
	}
	config, err := GenerateCloudBuildYaml(stagedDockerfile, image)
	if err != nil {
		return "", "", err
	}

	dfPath := filepath.Join(opts.Context, stagedDockerfile)
	if err := os.WriteFile(dfPath, []byte(df), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to stage Dockerfile: %w", err)
	}
	defer os.Remove(dfPath)

	cfgFile, err := os.CreateTemp("", "cloudbuild-*.yaml")
	if err != nil {
		return "", "", fmt.Errorf("failed to create temporary cloudbuild.yaml file: %w", err)
	}
	defer os.Remove(cfgFile.Name())
	if _, err := cfgFile.WriteString(config); err != nil {
		cfgFile.Close()
		return "", "", fmt.Errorf("failed to write cloudbuild.yaml: %w", err)
	}
	cfgFile.Close()

	logging.Info("Submitting Cloud Build for %s with context %s", image, opts.Context)
	logging.Debug("cloudbuild.yaml:\n%s", config)

	cmd := shell.NewCommand("gcloud", "builds", "submit", opts.Context, "--config="+cfgFile.Name(), "--project="+opts.Project)
	cmd.Stream(os.Stdout, os.Stderr)
	res := cmd.ExecuteContext(ctx)
	if res.ExitCode != 0 {
		return "", "", fmt.Errorf("gcloud builds submit failed with exit code %d: %s", res.ExitCode, res.Stderr)
	}

	buildURL = extractBuildURL(res.Stdout + "\n" + res.Stderr)
	if buildURL != "" {
		logging.Info("Cloud Build finished: %s", buildURL)
	}
	return image, buildURL, nil
}

// extractBuildURL finds the Cloud Build console link in gcloud output.
func extractBuildURL(out string) string {
	for _, line := range strings.Split(out, "\n") {
		idx := strings.Index(line, "https://console.cloud.google.com")
		if idx == -1 || !strings.Contains(line[idx:], "builds") {
			continue
		}
		url := strings.TrimSpace(line[idx:])
		return strings.TrimRight(url, "].")
	}
	return ""
}
