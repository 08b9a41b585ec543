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
	"os"

	"gsplat-trainer/pkg/launcher"
	"gsplat-trainer/pkg/logging"
	"gsplat-trainer/pkg/orchestrator/kube"
	"gsplat-trainer/pkg/readiness"

	"github.com/spf13/cobra"
)

var queueName string

func init() {
	rootCmd.AddCommand(remoteCmd)
	remoteCmd.AddCommand(remoteSSHCmd)

	remoteSSHCmd.Flags().StringVar(&queueName, "queue", "", "Rendezvous queue to publish the SSH endpoint to. Required.")
	_ = remoteSSHCmd.MarkFlagRequired("queue")
}

// remoteCmd groups the commands that run inside the function containers.
var remoteCmd = &cobra.Command{
	Use:    "remote",
	Short:  "Commands run inside the GPU container.",
	Hidden: true,
}

var remoteSSHCmd = &cobra.Command{
	Use:   "ssh",
	Short: "Runs sshd and publishes its forwarded endpoint.",
	Args:  cobra.NoArgs,
	Run:   runRemoteSSHCmd,
}

func runRemoteSSHCmd(cmd *cobra.Command, args []string) {
	podName := os.Getenv(kube.EnvPodName)
	if podName == "" {
		logging.Fatal("%s is not set; 'gsplat remote ssh' must run inside a launched container.", kube.EnvPodName)
	}
	ns := os.Getenv(kube.EnvNamespace)
	if ns == "" {
		ns = cfg.Namespace
	}

	client, err := kube.NewClientset(cfg.Kubeconfig)
	if err != nil {
		logging.Fatal("Failed to create Kubernetes client: %v", err)
	}

	poller := readiness.NewPoller()
	poller.Addr = cfg.Launcher.ProbeAddr
	poller.Deadline = cfg.Launcher.ReadyTimeout

	l := &launcher.Launcher{
		Port:      cfg.Tunnel.RemotePort,
		Forwarder: kube.NewNodePortForwarder(client, ns, podName),
		Queue:     kube.OpenQueue(client, ns, queueName),
		Ready:     poller,
		Daemon:    launcher.NewSSHDaemon(cfg.Launcher.Sshd),
	}

	ctx, stop := interruptContext()
	defer stop()
	if err := l.Run(ctx); err != nil && ctx.Err() == nil {
		logging.Fatal("SSH launcher failed: %v", err)
	}
}
