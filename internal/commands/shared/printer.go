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

package shared

import (
	"fmt"
	"io"

	"github.com/tombee/helmsman/pkg/engine"
	"github.com/tombee/helmsman/pkg/run"
)

// PrintRunResult renders the engine's status envelope, shared by the run,
// resume, cancel, and status commands.
func PrintRunResult(w io.Writer, result *engine.Result, jsonMode, quiet bool) error {
	if jsonMode {
		return PrintJSON(w, result)
	}
	if quiet {
		fmt.Fprintln(w, result.RunID)
		return nil
	}

	fmt.Fprintf(w, "run %s: %s\n", result.RunID, result.Status)

	switch result.Status {
	case run.StatusPendingHuman:
		if result.Approval != nil {
			fmt.Fprintf(w, "approval %s pending for step %s:\n  %s\n",
				result.Approval.ApprovalID, result.Approval.StepID, result.Approval.Message)
			fmt.Fprintf(w, "resolve with: helmsman resume %s --approve (or --reject)\n", result.RunID)
		}
	case run.StatusPendingUserInput:
		if result.InputRequest != nil {
			fmt.Fprintf(w, "input %s pending for step %s:\n  %s\n",
				result.InputRequest.RequestID, result.InputRequest.StepID, result.InputRequest.Prompt)
			if len(result.InputRequest.Required) > 0 {
				fmt.Fprintf(w, "required fields: %v\n", result.InputRequest.Required)
			}
			fmt.Fprintf(w, "resolve with: helmsman resume %s --input response.json\n", result.RunID)
		}
	case run.StatusFailed:
		if result.Error != nil {
			fmt.Fprintf(w, "failed at step %s: %s (%s)\n",
				result.FailedStepID, result.Error.Message, result.Error.Code)
		}
	case run.StatusCompleted:
		if len(result.Output) > 0 {
			fmt.Fprintln(w, "output:")
			if err := PrintJSON(w, result.Output); err != nil {
				return err
			}
		}
	}
	return nil
}
