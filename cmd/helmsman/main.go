// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tombee/helmsman/internal/cli"
	runcmd "github.com/tombee/helmsman/internal/commands/run"
	"github.com/tombee/helmsman/internal/commands/runs"
	"github.com/tombee/helmsman/internal/commands/validate"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Set version information from build-time ldflags
	cli.SetVersion(version, commit, buildDate)

	// Create root command and add subcommands
	rootCmd := cli.NewRootCommand()

	// Flow commands
	rootCmd.AddCommand(validate.NewCommand())
	rootCmd.AddCommand(runcmd.NewCommand())

	// Run lifecycle commands
	rootCmd.AddCommand(runs.NewResumeCommand())
	rootCmd.AddCommand(runs.NewCancelCommand())
	rootCmd.AddCommand(runs.NewStatusCommand())
	rootCmd.AddCommand(runs.NewTraceCommand())

	// Version command
	rootCmd.AddCommand(newVersionCommand())

	// Execute root command
	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			v, c, b := cli.GetVersion()
			fmt.Fprintf(cmd.OutOrStdout(), "helmsman %s (commit %s, built %s)\n", v, c, b)
		},
	}
}
