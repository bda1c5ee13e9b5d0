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

package runs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResumePayloadApprove(t *testing.T) {
	payload, err := resumePayload(true, false, "lgtm", "")
	if err != nil {
		t.Fatalf("resumePayload() error: %v", err)
	}
	if payload["approved"] != true || payload["comment"] != "lgtm" {
		t.Errorf("payload = %v", payload)
	}
}

func TestResumePayloadReject(t *testing.T) {
	payload, err := resumePayload(false, true, "", "")
	if err != nil {
		t.Fatalf("resumePayload() error: %v", err)
	}
	if payload["approved"] != false {
		t.Errorf("payload = %v", payload)
	}
	if _, ok := payload["comment"]; ok {
		t.Errorf("empty comment must be omitted, got %v", payload)
	}
}

func TestResumePayloadInputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "response.json")
	if err := os.WriteFile(path, []byte(`{"environment": "production"}`), 0600); err != nil {
		t.Fatal(err)
	}

	payload, err := resumePayload(false, false, "", path)
	if err != nil {
		t.Fatalf("resumePayload() error: %v", err)
	}
	values, ok := payload["user_input_response"].(map[string]any)
	if !ok || values["environment"] != "production" {
		t.Errorf("payload = %v", payload)
	}
}

func TestResumePayloadConflictingFlags(t *testing.T) {
	if _, err := resumePayload(true, true, "", ""); err == nil {
		t.Error("expected error for --approve with --reject")
	}
	if _, err := resumePayload(true, false, "", "file.json"); err == nil {
		t.Error("expected error for --approve with --input")
	}
	if _, err := resumePayload(false, false, "", ""); err == nil {
		t.Error("expected error when no resolution flag is given")
	}
}

func TestResumePayloadBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{nope"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := resumePayload(false, false, "", path); err == nil {
		t.Error("expected error for malformed JSON")
	}
}
