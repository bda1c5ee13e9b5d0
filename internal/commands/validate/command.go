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

package validate

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tombee/helmsman/internal/commands/shared"
	"github.com/tombee/helmsman/pkg/flow"
)

// NewCommand creates the validate command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <flow>",
		Short: "Validate flow document syntax and structure",
		Long: `Validate checks that a flow file parses and satisfies the structural
rules: unique step ids, known step types, retry policy bounds, and the
type-specific required fields. Nothing is executed or persisted.

See also: helmsman run`,
		Example: `  # Basic validation
  helmsman validate flow.yaml

  # Validation with JSON output for parsing
  helmsman validate flow.yaml --json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args[0])
		},
	}
	return cmd
}

func runValidate(cmd *cobra.Command, path string) error {
	def, err := flow.LoadFile(path)
	if err != nil {
		if shared.GetJSON() {
			shared.PrintJSON(cmd.OutOrStdout(), map[string]any{
				"valid": false,
				"error": err.Error(),
			})
		}
		return shared.NewInvalidFlowError(fmt.Sprintf("invalid flow %s", path), err)
	}

	if shared.GetJSON() {
		return shared.PrintJSON(cmd.OutOrStdout(), map[string]any{
			"valid": true,
			"flow": map[string]any{
				"id":       def.ID,
				"autonomy": string(def.AutonomyLevel),
				"steps":    len(def.Steps),
			},
		})
	}

	if !shared.GetQuiet() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (%d steps, autonomy %s)\n",
			path, len(def.Steps), def.AutonomyLevel)
	}
	return nil
}
