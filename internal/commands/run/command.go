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

package run

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tombee/helmsman/internal/commands/shared"
	"github.com/tombee/helmsman/pkg/flow"
)

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var (
		product string
		inputs  []string
	)

	cmd := &cobra.Command{
		Use:   "run <flow>",
		Short: "Execute a flow until it completes, fails, or pauses",
		Long: `Run loads a flow document and executes it step by step under the
configured governance policy. The command returns when the run reaches a
terminal state or pauses on a human_approval or user_input step; paused
runs print the run id and the pending request so they can be resumed with
'helmsman resume'.`,
		Example: `  # Run a flow with inputs
  helmsman run deploy.yaml --input branch=main --input env=staging

  # Run for a specific product (policy overrides apply)
  helmsman run deploy.yaml --product billing`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(cmd, args[0], product, inputs)
		},
	}

	cmd.Flags().StringVar(&product, "product", "default", "Product the run executes under")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "Input value as key=value (repeatable)")

	return cmd
}

func runFlow(cmd *cobra.Command, path, product string, inputs []string) error {
	def, err := flow.LoadFile(path)
	if err != nil {
		return shared.NewInvalidFlowError(fmt.Sprintf("invalid flow %s", path), err)
	}

	payload, err := parseInputs(inputs)
	if err != nil {
		return err
	}

	rt, err := shared.BuildRuntime(def)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := rt.Engine.RunFlow(cmd.Context(), product, def.ID, payload)
	if err != nil {
		return err
	}
	return shared.PrintRunResult(cmd.OutOrStdout(), result, shared.GetJSON(), shared.GetQuiet())
}

// parseInputs converts repeated key=value flags into the run payload.
func parseInputs(inputs []string) (map[string]any, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	payload := make(map[string]any, len(inputs))
	for _, in := range inputs {
		key, value, ok := strings.Cut(in, "=")
		if !ok || key == "" {
			return nil, shared.NewInvalidFlowError(fmt.Sprintf("invalid --input %q, expected key=value", in), nil)
		}
		payload[key] = value
	}
	return payload, nil
}
