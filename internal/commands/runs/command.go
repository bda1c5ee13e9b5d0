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

// Package runs implements the commands that operate on existing runs:
// resume, cancel, status, and trace.
package runs

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tombee/helmsman/internal/commands/shared"
)

// NewResumeCommand creates the resume command
func NewResumeCommand() *cobra.Command {
	var (
		approve   bool
		reject    bool
		comment   string
		inputFile string
	)

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a paused run",
		Long: `Resume resolves the pending approval or input request of a paused run
and continues execution from the next step.

For runs paused on human_approval, pass --approve or --reject. For runs
paused on user_input, pass --input with a JSON file containing the
response values. An invalid response leaves the run paused.`,
		Example: `  # Approve a pending approval
  helmsman resume run_1234 --approve --comment "lgtm"

  # Reject it instead
  helmsman resume run_1234 --reject

  # Answer a pending input request
  helmsman resume run_1234 --input response.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := resumePayload(approve, reject, comment, inputFile)
			if err != nil {
				return err
			}

			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.Engine.Resume(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			return shared.PrintRunResult(cmd.OutOrStdout(), result, shared.GetJSON(), shared.GetQuiet())
		},
	}

	cmd.Flags().BoolVar(&approve, "approve", false, "Approve the pending approval")
	cmd.Flags().BoolVar(&reject, "reject", false, "Reject the pending approval")
	cmd.Flags().StringVar(&comment, "comment", "", "Comment recorded with the decision")
	cmd.Flags().StringVar(&inputFile, "input", "", "JSON file with the user-input response")

	return cmd
}

// resumePayload maps the flags onto the engine's resume payload shape.
func resumePayload(approve, reject bool, comment, inputFile string) (map[string]any, error) {
	switch {
	case approve && reject:
		return nil, shared.NewInvalidFlowError("--approve and --reject are mutually exclusive", nil)
	case inputFile != "" && (approve || reject):
		return nil, shared.NewInvalidFlowError("--input cannot be combined with --approve/--reject", nil)
	case inputFile != "":
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", inputFile, err)
		}
		var values map[string]any
		if err := json.Unmarshal(data, &values); err != nil {
			return nil, shared.NewInvalidFlowError(fmt.Sprintf("invalid JSON in %s", inputFile), err)
		}
		return map[string]any{"user_input_response": values}, nil
	case approve || reject:
		payload := map[string]any{"approved": approve}
		if comment != "" {
			payload["comment"] = comment
		}
		return payload, nil
	}
	return nil, shared.NewInvalidFlowError("pass --approve, --reject, or --input", nil)
}

// NewCancelCommand creates the cancel command
func NewCancelCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:           "cancel <run-id>",
		Short:         "Cancel a running or paused run",
		Long:          `Cancel moves a non-terminal run to CANCELLED and voids any pending approval or input request. Completed, failed, and already-cancelled runs cannot be cancelled.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.Engine.Cancel(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return shared.PrintRunResult(cmd.OutOrStdout(), result, shared.GetJSON(), shared.GetQuiet())
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the cancellation")

	return cmd
}

// NewStatusCommand creates the status command
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "status <run-id>",
		Short:         "Show a run's current state",
		Long:          `Status reports the run's lifecycle state and, for paused runs, the pending approval or input request the caller must resolve.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.Engine.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return shared.PrintRunResult(cmd.OutOrStdout(), result, shared.GetJSON(), shared.GetQuiet())
		},
	}
	return cmd
}

// NewTraceCommand creates the trace command
func NewTraceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "trace <run-id>",
		Short:         "Print a run's audit trail",
		Long:          `Trace prints the run's append-only trace events in order. Payloads were redacted before persistence, so the output is safe to share.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := shared.BuildRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			events, err := rt.Engine.Trace(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.PrintJSON(cmd.OutOrStdout(), events)
			}
			for _, ev := range events {
				stepID := ev.StepID
				if stepID == "" {
					stepID = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-22s %s\n",
					ev.TS.Format("2006-01-02T15:04:05.000Z07:00"), ev.Kind, stepID)
			}
			return nil
		},
	}
	return cmd
}
