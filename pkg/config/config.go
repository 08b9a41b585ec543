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

// Package config loads the gsplat deployment settings.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gsplat-trainer/pkg/orchestrator"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given. Its absence is not an error.
const DefaultPath = "gsplat.yaml"

// Config holds the settings shared by the local coordinator and the
// in-container commands.
type Config struct {
	App            string        `yaml:"app"`
	Namespace      string        `yaml:"namespace"`
	Kubeconfig     string        `yaml:"kubeconfig"`
	// ServiceAccount runs the function pods. The launcher needs it to read
	// pods and nodes and to manage services and config maps.
	ServiceAccount string        `yaml:"service_account"`
	Image          string        `yaml:"image"`
	GPU            string        `yaml:"gpu"`
	Timeout        time.Duration `yaml:"timeout"`
	Volumes        []Volume      `yaml:"volumes"`
	Secrets        []string      `yaml:"secrets"`
	Build          Build         `yaml:"build"`
	Tunnel         Tunnel        `yaml:"tunnel"`
	Launcher       Launcher      `yaml:"launcher"`
	Run            Run           `yaml:"run"`
}

// Volume is a named persistent volume mounted into every function.
type Volume struct {
	Name            string `yaml:"name"`
	MountPath       string `yaml:"mount_path"`
	CreateIfMissing bool   `yaml:"create_if_missing"`
}

// Build controls how the container image is produced.
type Build struct {
	BaseImage  string   `yaml:"base_image"`
	Context    string   `yaml:"context"`
	Repository string   `yaml:"repository"`
	// Project is the Google Cloud project used for Cloud Build.
	Project    string   `yaml:"project"`
	Platform   string   `yaml:"platform"`
	Files      []File   `yaml:"files"`
	Env        []string `yaml:"env"`
}

// File is a local file copied into the image.
type File struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// Tunnel configures the local side of the SSH tunnel.
type Tunnel struct {
	LocalPort  int    `yaml:"local_port"`
	RemotePort int    `yaml:"remote_port"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
}

// Launcher configures the in-container SSH launcher.
type Launcher struct {
	Sshd         string        `yaml:"sshd"`
	ProbeAddr    string        `yaml:"probe_addr"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// Run configures the training job.
type Run struct {
	Script  string `yaml:"script"`
	WorkDir string `yaml:"workdir"`
}

// Default returns the settings used when no config file overrides them.
func Default() *Config {
	return &Config{
		App:            "gsplat-trainer",
		Namespace:      "default",
		ServiceAccount: "gsplat-launcher",
		GPU:            "T4",
		Timeout:        24 * time.Hour,
		Volumes: []Volume{
			{Name: "data", MountPath: "/root/data", CreateIfMissing: true},
		},
		Secrets: []string{"wandb-secret"},
		Build: Build{
			Context:  ".",
			Platform: "linux/amd64",
		},
		Tunnel: Tunnel{
			LocalPort:  9090,
			RemotePort: 22,
			User:       "root",
			Password:   " ",
		},
		Launcher: Launcher{
			Sshd:         "/usr/sbin/sshd",
			ProbeAddr:    "localhost:22",
			ReadyTimeout: 30 * time.Second,
		},
		Run: Run{
			Script:  "run.sh",
			WorkDir: "/root",
		},
	}
}

// Load reads path from fs on top of the defaults. A missing file at
// DefaultPath yields the defaults; any other missing file is an error.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}

	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", path)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "failed to parse config file %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config file %q", path)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late on the cluster.
func (c *Config) Validate() error {
	if c.App == "" {
		return errors.New("app must not be empty")
	}
	if c.Namespace == "" {
		return errors.New("namespace must not be empty")
	}
	if _, err := orchestrator.ParseGPU(c.GPU); err != nil {
		return err
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	for _, p := range []struct {
		name string
		port int
	}{
		{"tunnel.local_port", c.Tunnel.LocalPort},
		{"tunnel.remote_port", c.Tunnel.RemotePort},
	} {
		if p.port <= 0 || p.port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", p.name, p.port)
		}
	}
	seen := map[string]bool{}
	for _, v := range c.Volumes {
		if v.Name == "" || v.MountPath == "" {
			return fmt.Errorf("volume %+v needs both name and mount_path", v)
		}
		if seen[v.MountPath] {
			return fmt.Errorf("mount path %q used by more than one volume", v.MountPath)
		}
		seen[v.MountPath] = true
	}
	if c.Launcher.ReadyTimeout <= 0 {
		return fmt.Errorf("launcher.ready_timeout must be positive, got %s", c.Launcher.ReadyTimeout)
	}
	return nil
}

// Function builds the platform function description for command.
func (c *Config) Function(name string, command ...string) orchestrator.Function {
	fn := orchestrator.Function{
		Name:           c.App + "-" + name,
		Image:          c.Image,
		GPU:            c.GPU,
		Timeout:        c.Timeout,
		Secrets:        append([]string(nil), c.Secrets...),
		Command:        command,
		WorkingDir:     c.Run.WorkDir,
		ServiceAccount: c.ServiceAccount,
	}
	for _, v := range c.Volumes {
		fn.Volumes = append(fn.Volumes, orchestrator.VolumeMount{
			Path:            v.MountPath,
			Name:            v.Name,
			CreateIfMissing: v.CreateIfMissing,
		})
	}
	return fn
}
