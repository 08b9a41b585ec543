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

// Package imagebuilder produces the container image the remote functions run in.
package imagebuilder

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gsplat-trainer/pkg/logging"
	"gsplat-trainer/pkg/shell"

	"github.com/google/go-containerregistry/pkg/compression"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	cp "github.com/otiai10/copy"
)

// DockerPlatform represents the target platform for a Docker image.
type DockerPlatform string

const (
	LinuxAMD64 DockerPlatform = "linux/amd64"
	LinuxARM64 DockerPlatform = "linux/arm64"
)

const (
	RevisionLabel = "org.opencontainers.image.revision"
	CreatedLabel  = "org.opencontainers.image.created"
	RecipeLabel   = "dev.gsplat.recipe.run-steps"
)

var defaultIgnorePatterns = []string{".git", "**/__pycache__", "*.pyc"}

// Options control where a crane build reads from and writes to.
type Options struct {
	// Context is the directory local sources are resolved against.
	Context  string
	Platform string
	// Target is the image reference to push. Empty builds without pushing.
	Target string
}

// ImageTag returns "<repository>:<user>-<random>-<timestamp>".
func ImageTag(repository string) string {
	userName := os.Getenv("USER")
	if userName == "" {
		userName = "unknown"
	}
	return fmt.Sprintf("%s:%s-%s-%s", repository, userName, shell.RandomString(4), time.Now().Format("2006-01-02-15-04-05"))
}

// Build appends the recipe's local files and directories as one layer on top
// of the base image and sets its environment. Crane cannot execute commands,
// so apt and run steps are recorded in a label but not applied; use
// Dockerfile for those.
func Build(ctx context.Context, r *Recipe, opts Options) (v1.Image, error) {
	platform, err := parsePlatform(opts.Platform)
	if err != nil {
		return nil, err
	}
	if skipped := commandSteps(r); skipped > 0 {
		logging.Warn("%d apt/run steps cannot be applied by crane; build from the rendered Dockerfile to include them", skipped)
	}

	logging.Info("Starting image build from %s for %s/%s", r.BaseImage, platform.OS, platform.Architecture)

	stage, err := os.MkdirTemp("", "gsplat-build-stage-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stage)

	if err := stageSources(r, opts.Context, stage); err != nil {
		return nil, err
	}

	tarPath, err := createTar(stage)
	if err != nil {
		return nil, fmt.Errorf("failed to create layer tarball: %w", err)
	}
	defer os.Remove(tarPath)

	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return os.Open(tarPath)
	}, tarball.WithCompression(compression.GZip))
	if err != nil {
		return nil, fmt.Errorf("failed to create layer from tarball: %w", err)
	}

	baseRef, err := name.ParseReference(r.BaseImage)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base image reference %q: %w", r.BaseImage, err)
	}
	base, err := crane.Pull(baseRef.String(), crane.WithContext(ctx), crane.WithPlatform(&platform))
	if err != nil {
		return nil, fmt.Errorf("failed to pull base image %q: %w", r.BaseImage, err)
	}

	img, err := mutate.AppendLayers(base, layer)
	if err != nil {
		return nil, fmt.Errorf("failed to append layer: %w", err)
	}

	img, err = configure(img, r, opts.Context)
	if err != nil {
		return nil, err
	}

	if opts.Target == "" {
		return img, nil
	}
	logging.Info("Uploading container image to %s", opts.Target)
	if err := crane.Push(img, opts.Target, crane.WithContext(ctx), crane.WithPlatform(&platform)); err != nil {
		return nil, fmt.Errorf("failed to push image %q: %w", opts.Target, err)
	}
	logging.Info("Image %s built and uploaded successfully", opts.Target)
	return img, nil
}

func commandSteps(r *Recipe) int {
	n := 0
	for _, s := range r.Steps {
		switch s.Kind {
		case StepApt:
			n++
		case StepRun:
			n += len(s.Commands)
		}
	}
	return n
}

// configure sets the recipe's environment and OCI labels on img.
func configure(img v1.Image, r *Recipe, contextDir string) (v1.Image, error) {
	cfgFile, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("failed to read image config: %w", err)
	}
	cfg := cfgFile.Config.DeepCopy()

	env := r.Env()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cfg.Env = setEnv(cfg.Env, k, env[k])
	}

	if cfg.Labels == nil {
		cfg.Labels = map[string]string{}
	}
	cfg.Labels[CreatedLabel] = time.Now().UTC().Format(time.RFC3339)
	cfg.Labels[RecipeLabel] = fmt.Sprint(commandSteps(r))
	rev, err := GitRevision(contextDir)
	if err != nil {
		logging.Warn("Could not determine git revision of %s: %v", contextDir, err)
	} else if rev != "" {
		cfg.Labels[RevisionLabel] = rev
	}

	img, err = mutate.Config(img, *cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to update image config: %w", err)
	}
	return img, nil
}

func setEnv(env []string, key, value string) []string {
	kv := key + "=" + value
	for i, e := range env {
		if strings.HasPrefix(e, key+"=") {
			env[i] = kv
			return env
		}
	}
	return append(env, kv)
}

// parsePlatform converts a platform string (e.g., "linux/amd64") into a v1.Platform struct.
func parsePlatform(platformStr string) (v1.Platform, error) {
	if platformStr == "" {
		platformStr = string(LinuxAMD64)
	}
	parts := strings.Split(platformStr, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return v1.Platform{}, fmt.Errorf("invalid platform format: %q, expected \"os/arch\"", platformStr)
	}
	return v1.Platform{
		OS:           parts[0],
		Architecture: parts[1],
	}, nil
}

// ReadDockerignorePatterns returns a matcher for defaultPatterns plus the
// patterns in dir/.dockerignore, if that file exists.
func ReadDockerignorePatterns(dir string, defaultPatterns []string) (*patternmatcher.PatternMatcher, error) {
	dockerignorePath := filepath.Join(dir, ".dockerignore")

	patterns := append([]string(nil), defaultPatterns...)

	file, err := os.Open(dockerignorePath)
	switch {
	case err == nil:
		defer file.Close()
		filePatterns, err := ignorefile.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read .dockerignore file %q: %w", dockerignorePath, err)
		}
		patterns = append(patterns, filePatterns...)
		logging.Debug("Found %d patterns in .dockerignore at %q", len(filePatterns), dockerignorePath)
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to open .dockerignore file %q: %w", dockerignorePath, err)
	}

	matcher, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern matcher: %w", err)
	}
	return matcher, nil
}

// stageSources lays out the recipe's file and dir steps under stage as they
// will appear in the image root.
func stageSources(r *Recipe, contextDir, stage string) error {
	for _, s := range r.Steps {
		if s.Kind != StepFile && s.Kind != StepDir {
			continue
		}
		src := s.Source
		if !filepath.IsAbs(src) {
			src = filepath.Join(contextDir, src)
		}
		dest := filepath.Join(stage, filepath.FromSlash(s.Target))

		opts := cp.Options{PreserveTimes: true}
		if s.Kind == StepDir {
			matcher, err := ReadDockerignorePatterns(src, r.DockerignorePatterns())
			if err != nil {
				return err
			}
			opts.Skip = func(info os.FileInfo, path, _ string) (bool, error) {
				return ignored(matcher, src, path, info.IsDir())
			}
		}
		logging.Debug("Staging %s -> %s", src, s.Target)
		if err := cp.Copy(src, dest, opts); err != nil {
			return fmt.Errorf("failed to stage %q: %w", s.Source, err)
		}
	}
	return nil
}

// ignored reports whether path under root matches the ignore patterns.
// Directories are matched with a trailing slash so "dir/" patterns apply.
func ignored(matcher *patternmatcher.PatternMatcher, root, path string, isDir bool) (bool, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false, fmt.Errorf("failed to get relative path for %q: %w", path, err)
	}
	if rel == "." {
		return false, nil
	}
	relSlash := filepath.ToSlash(rel)
	if isDir && !strings.HasSuffix(relSlash, "/") {
		relSlash += "/"
	}
	ok, err := matcher.MatchesOrParentMatches(relSlash)
	if err != nil {
		return false, fmt.Errorf("failed to check ignore patterns for %q: %w", path, err)
	}
	if ok {
		logging.Debug("Ignoring %q", rel)
	}
	return ok, nil
}

// writeTarEntry writes path, relative to root, into tw.
func writeTarEntry(tw *tar.Writer, root, path string, info fs.FileInfo) error {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return fmt.Errorf("failed to get relative path for %q: %w", path, err)
	}
	if rel == "." {
		return nil
	}

	link := ""
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return fmt.Errorf("failed to read link %q: %w", path, err)
		}
	}
	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("failed to create tar header for %q: %w", path, err)
	}
	header.Name = filepath.ToSlash(rel)
	if info.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file %q: %w", path, err)
	}
	defer file.Close()
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("failed to write file content for %q: %w", path, err)
	}
	return nil
}

// createTar writes a gzipped tarball of root to a temporary file and returns
// its path.
func createTar(root string) (path string, err error) {
	tmpFile, err := os.CreateTemp("", "gsplat-build-layer-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file for tarball: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmpFile.Name())
		}
	}()
	defer tmpFile.Close()

	gzipWriter := gzip.NewWriter(tmpFile)
	tarWriter := tar.NewWriter(gzipWriter)

	err = filepath.Walk(root, func(path string, info fs.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		return writeTarEntry(tarWriter, root, path, info)
	})
	if err != nil {
		return "", err
	}
	if err := tarWriter.Close(); err != nil {
		return "", fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return "", fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return tmpFile.Name(), nil
}
