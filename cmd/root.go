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

// Package cmd defines the gsplat command line.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"gsplat-trainer/pkg/config"
	"gsplat-trainer/pkg/logging"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	configPath     string
	kubeconfigPath string
	namespace      string
	verbose        bool

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "gsplat",
	Short: "Train Gaussian splats on remote GPU containers.",
	Long: `gsplat runs the training image on a Kubernetes cluster with GPU nodes.

'gsplat launch --server' starts an SSH server in a GPU container and tunnels
it to localhost:9090. 'gsplat launch --dataset NAME' runs the training script
on NAME and waits for it to finish.`,
	PersistentPreRun: loadConfig,
	SilenceUsage:     true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the settings file (default "+config.DefaultPath+" if present).")
	rootCmd.PersistentFlags().StringVar(&kubeconfigPath, "kubeconfig", "", "Path to the kubeconfig file. Defaults to KUBECONFIG or ~/.kube/config, or in-cluster config inside a pod.")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "Kubernetes namespace for jobs, volumes and secrets.")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print debug messages.")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig(cmd *cobra.Command, args []string) {
	logging.SetOutput(os.Stderr)
	logging.SetVerbose(verbose)

	c, err := config.Load(afero.NewOsFs(), configPath)
	if err != nil {
		logging.Fatal("%v", err)
	}
	applyGlobalFlags(cmd.Flags(), c)
	cfg = c
	logging.Debug("Using namespace %s, image %q, GPU %s", cfg.Namespace, cfg.Image, cfg.GPU)
}

// applyGlobalFlags overrides settings with the global flags the user set.
func applyGlobalFlags(flags *pflag.FlagSet, c *config.Config) {
	if flags.Changed("kubeconfig") {
		c.Kubeconfig = kubeconfigPath
	}
	if flags.Changed("namespace") {
		c.Namespace = namespace
	}
}

// interruptContext is cancelled on SIGINT or SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
