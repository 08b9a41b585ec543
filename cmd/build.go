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

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gsplat-trainer/pkg/config"
	"gsplat-trainer/pkg/imagebuilder"
	"gsplat-trainer/pkg/logging"

	"github.com/spf13/cobra"
)

var (
	push           bool
	cloudBuild     bool
	dockerfilePath string
	baseImage      string
	buildPlatform  string
)

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().BoolVar(&push, "push", false, "Push the image to 'build.repository' with a generated tag.")
	buildCmd.Flags().BoolVar(&cloudBuild, "cloud-build", false, "Build the complete recipe on Google Cloud Build in 'build.project' and push it to 'build.repository'.")
	buildCmd.Flags().StringVar(&dockerfilePath, "dockerfile", "", "Write the full recipe as a Dockerfile (and .dockerignore next to it) instead of building with crane.")
	buildCmd.Flags().StringVarP(&baseImage, "base-image", "b", "", "Base image to build on. Overrides 'build.base_image'.")
	buildCmd.Flags().StringVarP(&buildPlatform, "platform", "f", "", "Target platform, e.g. linux/amd64. Overrides 'build.platform'.")
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Builds the training container image.",
	Long: `The 'build' command produces the training image: an SSH server, code-server,
the gcloud CLI with a service account, git, and the local source tree under
/root/.

By default the local files are layered onto the base image with crane, which
cannot execute install commands; those are reported and skipped. Use
--cloud-build to run the complete recipe on Google Cloud Build, or
--dockerfile to render it for a Docker-compatible builder.`,
	Args: cobra.NoArgs,
	Run:  runBuildCmd,
}

// recipeFromConfig extends the default recipe with the files and environment
// from the settings file.
func recipeFromConfig(b config.Build) (*imagebuilder.Recipe, error) {
	r := imagebuilder.DefaultRecipe(b.BaseImage)
	for _, f := range b.Files {
		r.AddLocalFile(f.Source, f.Target)
	}
	if len(b.Env) > 0 {
		env := map[string]string{}
		for _, kv := range b.Env {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return nil, fmt.Errorf("build.env entry %q is not KEY=VALUE", kv)
			}
			env[k] = v
		}
		r.SetEnv(env)
	}
	return r, nil
}

func runBuildCmd(cmd *cobra.Command, args []string) {
	if baseImage != "" {
		cfg.Build.BaseImage = baseImage
	}
	if buildPlatform != "" {
		cfg.Build.Platform = buildPlatform
	}
	if cfg.Build.BaseImage == "" {
		logging.Fatal("A base image is required: set 'build.base_image' in %s or pass --base-image.", config.DefaultPath)
	}

	r, err := recipeFromConfig(cfg.Build)
	if err != nil {
		logging.Fatal("%v", err)
	}

	if dockerfilePath != "" {
		if err := writeDockerfile(r, dockerfilePath); err != nil {
			logging.Fatal("%v", err)
		}
		return
	}

	ctx, stop := interruptContext()
	defer stop()

	if cloudBuild {
		if cfg.Build.Repository == "" {
			logging.Fatal("--cloud-build needs 'build.repository' in %s.", config.DefaultPath)
		}
		image, _, err := imagebuilder.SubmitCloudBuild(ctx, r, imagebuilder.CloudBuildOptions{
			Context: cfg.Build.Context,
			Image:   imagebuilder.ImageTag(cfg.Build.Repository),
			Project: cfg.Build.Project,
		})
		if err != nil {
			logging.Fatal("gsplat build failed: %v", err)
		}
		logging.Info("Set 'image: %s' in %s to use it", image, config.DefaultPath)
		fmt.Println(image)
		return
	}

	target := ""
	if push {
		if cfg.Build.Repository == "" {
			logging.Fatal("--push needs 'build.repository' in %s.", config.DefaultPath)
		}
		target = imagebuilder.ImageTag(cfg.Build.Repository)
	}

	img, err := imagebuilder.Build(ctx, r, imagebuilder.Options{
		Context:  cfg.Build.Context,
		Platform: cfg.Build.Platform,
		Target:   target,
	})
	if err != nil {
		logging.Fatal("gsplat build failed: %v", err)
	}
	digest, err := img.Digest()
	if err != nil {
		logging.Fatal("Failed to compute image digest: %v", err)
	}
	if target == "" {
		logging.Info("Built image %s (not pushed)", digest)
		return
	}
	logging.Info("Set 'image: %s' in %s to use it", target, config.DefaultPath)
	fmt.Println(target)
}

func writeDockerfile(r *imagebuilder.Recipe, path string) error {
	df, err := r.Dockerfile()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(df), 0o644); err != nil {
		return fmt.Errorf("failed to write Dockerfile %q: %w", path, err)
	}
	ignorePath := filepath.Join(filepath.Dir(path), ".dockerignore")
	if _, err := os.Stat(ignorePath); err == nil {
		logging.Info("Keeping existing %s", ignorePath)
	} else {
		ignore := strings.Join(r.DockerignorePatterns(), "\n") + "\n"
		if err := os.WriteFile(ignorePath, []byte(ignore), 0o644); err != nil {
			return fmt.Errorf("failed to write %q: %w", ignorePath, err)
		}
	}
	logging.Info("Dockerfile written to %s", path)
	return nil
}
