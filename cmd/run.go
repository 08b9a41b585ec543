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
	"os"

	"gsplat-trainer/pkg/logging"
	"gsplat-trainer/pkg/shell"

	"github.com/spf13/cobra"
)

var runDataset string

func init() {
	remoteCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runDataset, "dataset", "d", "", "Dataset passed to the training script. Required.")
	_ = runCmd.MarkFlagRequired("dataset")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Runs the training script on a dataset.",
	Long: `The 'run' command executes 'sh <script> <dataset>' in the configured working
directory, streaming its output, and exits with the script's exit code.`,
	Args: cobra.NoArgs,
	Run:  runRunCmd,
}

func runRunCmd(cmd *cobra.Command, args []string) {
	ctx, stop := interruptContext()
	code := runScript(ctx, cfg.Run.Script, cfg.Run.WorkDir, runDataset)
	stop()
	if code != 0 {
		os.Exit(code)
	}
}

// runScript returns the script's exit code, or 1 if it could not start.
func runScript(ctx context.Context, script, dir, dataset string) int {
	c := shell.NewCommand("sh", script, dataset)
	c.SetDir(dir)
	c.Stream(os.Stdout, os.Stderr)
	logging.Info("Executing %s in %s", c.String(), dir)

	res := c.ExecuteContext(ctx)
	switch {
	case res.ExitCode < 0:
		logging.Error("Failed to start %s: %v", c.String(), res.Err)
		return 1
	case res.ExitCode != 0:
		logging.Error("%s exited with code %d", c.String(), res.ExitCode)
	}
	return res.ExitCode
}
