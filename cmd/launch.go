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
	"context"
	"errors"
	"fmt"

	"gsplat-trainer/pkg/config"
	"gsplat-trainer/pkg/coordinator"
	"gsplat-trainer/pkg/logging"
	"gsplat-trainer/pkg/orchestrator"
	"gsplat-trainer/pkg/orchestrator/kube"
	"gsplat-trainer/pkg/rendezvous"
	"gsplat-trainer/pkg/tunnel"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
)

var (
	server         bool
	dataset        string
	outputManifest string
	launchImage    string
)

func init() {
	rootCmd.AddCommand(launchCmd)

	launchCmd.Flags().BoolVar(&server, "server", false, "Start an SSH server in a GPU container and tunnel it to localhost.")
	launchCmd.Flags().StringVarP(&dataset, "dataset", "d", "", "Run the training script on this dataset and wait for it.")
	launchCmd.Flags().StringVarP(&outputManifest, "output-manifest", "o", "", "Write the Kubernetes Job manifest to this path instead of submitting it. Only with --dataset.")
	launchCmd.Flags().StringVarP(&launchImage, "image", "i", "", "Container image to run. Overrides 'image' in the settings file.")
}

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Starts an SSH session or a training run on a GPU container.",
	Long: `The 'launch' command either starts an SSH server on a GPU container and
forwards it to localhost (--server), or runs 'sh run.sh DATASET' on a GPU
container and waits for it to finish (--dataset). Without either flag it does
nothing.

Jobs run as the 'service_account' from the settings file (default
gsplat-launcher), which must exist in the namespace. In server mode the
launcher inside the pod needs:

  Role in the namespace:
    pods             get
    services         get, create, delete
    configmaps       get, update
  ClusterRole:
    nodes            get`,
	Args: cobra.NoArgs,
	Run:  runLaunchCmd,
}

func runLaunchCmd(cmd *cobra.Command, args []string) {
	if outputManifest != "" && server {
		logging.Fatal("--output-manifest cannot be used with --server: the tunnel needs a running launcher.")
	}
	if launchImage != "" {
		cfg.Image = launchImage
	}
	if (server || dataset != "") && cfg.Image == "" {
		logging.Fatal("No container image configured. Build one with 'gsplat build --push' and set 'image' in %s or pass --image.", config.DefaultPath)
	}

	var client kubernetes.Interface
	if outputManifest == "" && (server || dataset != "") {
		c, err := kube.NewClientset(cfg.Kubeconfig)
		if err != nil {
			logging.Fatal("Failed to create Kubernetes client: %v", err)
		}
		client = c
	}

	platform := kube.NewKubeOrchestrator(client, kube.Options{
		Namespace:      cfg.Namespace,
		OutputManifest: outputManifest,
	})
	coord := newCoordinator(cfg, platform, client)
	coord.ManifestOnly = outputManifest != ""

	ctx, stop := interruptContext()
	defer stop()

	err := coord.Run(ctx, coordinator.Mode{Server: server, Dataset: dataset})
	if errors.Is(err, context.Canceled) {
		logging.Info("Interrupted")
		return
	}
	if err != nil {
		logging.Fatal("gsplat launch failed: %v", err)
	}
}

// newCoordinator wires the Kubernetes platform and the SSH tunnel into a
// coordinator.
func newCoordinator(c *config.Config, platform orchestrator.Platform, client kubernetes.Interface) *coordinator.Coordinator {
	return &coordinator.Coordinator{
		Platform: platform,
		NewQueue: func(ctx context.Context) (rendezvous.Queue, error) {
			q, err := kube.NewEphemeralQueue(ctx, client, c.Namespace)
			if err != nil {
				return nil, err
			}
			return q, nil
		},
		OpenTunnel: func(ctx context.Context, ep orchestrator.Endpoint) (coordinator.Tunnel, error) {
			t := tunnel.New(tunnel.Options{
				SSHAddr:    ep.Address(),
				User:       c.Tunnel.User,
				Password:   c.Tunnel.Password,
				RemoteAddr: fmt.Sprintf("127.0.0.1:%d", c.Tunnel.RemotePort),
				LocalAddr:  fmt.Sprintf("127.0.0.1:%d", c.Tunnel.LocalPort),
			})
			if err := t.Start(ctx); err != nil {
				return nil, err
			}
			return t, nil
		},
		LaunchFn: c.Function("launch-ssh", "gsplat", "remote", "ssh"),
		RunFn:    c.Function("run", "gsplat", "remote", "run"),
	}
}
