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

package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got %q", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected default format 'json', got %q", cfg.Format)
	}
	if cfg.Output != os.Stderr {
		t.Errorf("expected default output to be os.Stderr")
	}
	if cfg.AddSource {
		t.Errorf("expected default AddSource to be false")
	}
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		expected *Config
	}{
		{
			name:    "defaults when no env vars",
			envVars: map[string]string{},
			expected: &Config{
				Level:  "info",
				Format: FormatJSON,
			},
		},
		{
			name: "LOG_LEVEL=debug",
			envVars: map[string]string{
				"LOG_LEVEL": "debug",
			},
			expected: &Config{
				Level:  "debug",
				Format: FormatJSON,
			},
		},
		{
			name: "LOG_LEVEL=DEBUG (case insensitive)",
			envVars: map[string]string{
				"LOG_LEVEL": "DEBUG",
			},
			expected: &Config{
				Level:  "debug",
				Format: FormatJSON,
			},
		},
		{
			name: "HELMSMAN_LOG_LEVEL takes precedence over LOG_LEVEL",
			envVars: map[string]string{
				"HELMSMAN_LOG_LEVEL": "trace",
				"LOG_LEVEL":          "error",
			},
			expected: &Config{
				Level:  "trace",
				Format: FormatJSON,
			},
		},
		{
			name: "HELMSMAN_DEBUG enables debug and source",
			envVars: map[string]string{
				"HELMSMAN_DEBUG":     "1",
				"HELMSMAN_LOG_LEVEL": "error",
			},
			expected: &Config{
				Level:     "debug",
				Format:    FormatJSON,
				AddSource: true,
			},
		},
		{
			name: "LOG_FORMAT=text",
			envVars: map[string]string{
				"LOG_FORMAT": "text",
			},
			expected: &Config{
				Level:  "info",
				Format: FormatText,
			},
		},
		{
			name: "LOG_SOURCE=1",
			envVars: map[string]string{
				"LOG_SOURCE": "1",
			},
			expected: &Config{
				Level:     "info",
				Format:    FormatJSON,
				AddSource: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := FromEnv()

			if cfg.Level != tt.expected.Level {
				t.Errorf("expected level %q, got %q", tt.expected.Level, cfg.Level)
			}
			if cfg.Format != tt.expected.Format {
				t.Errorf("expected format %q, got %q", tt.expected.Format, cfg.Format)
			}
			if cfg.AddSource != tt.expected.AddSource {
				t.Errorf("expected AddSource %v, got %v", tt.expected.AddSource, cfg.AddSource)
			}
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})
	logger.Info("test message", "key", "value")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("expected valid JSON output, got error: %v", err)
	}
	if logEntry["msg"] != "test message" {
		t.Errorf("expected msg field to be 'test message', got: %v", logEntry["msg"])
	}
	if logEntry["key"] != "value" {
		t.Errorf("expected key field to be 'value', got: %v", logEntry["key"])
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&Config{Level: "info", Format: FormatText, Output: &buf})
	logger.Info("text message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "text message") {
		t.Errorf("expected output to contain 'text message', got: %s", output)
	}
	if strings.HasPrefix(strings.TrimSpace(output), "{") {
		t.Errorf("expected non-JSON output, got: %s", output)
	}
}

func TestNew_NilConfig(t *testing.T) {
	logger := New(nil)
	if logger == nil {
		t.Fatal("expected logger with nil config")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&Config{Level: "warn", Format: FormatJSON, Output: &buf})
	logger.Debug("hidden")
	logger.Info("also hidden")
	logger.Warn("visible")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Errorf("expected debug/info to be filtered, got: %s", output)
	}
	if !strings.Contains(output, "visible") {
		t.Errorf("expected warn to pass, got: %s", output)
	}
}

func TestWithRunContext(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	WithRunContext(logger, "run_123", "deploy").Info("step done")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if logEntry[RunIDKey] != "run_123" {
		t.Errorf("expected %s field, got: %v", RunIDKey, logEntry)
	}
	if logEntry[FlowKey] != "deploy" {
		t.Errorf("expected %s field, got: %v", FlowKey, logEntry)
	}
}

func TestWithStepContext(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	WithStepContext(logger, "run_123", "build").Info("attempt")

	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if logEntry[StepIDKey] != "build" {
		t.Errorf("expected %s field, got: %v", StepIDKey, logEntry)
	}
}

func TestTrace(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&Config{Level: "trace", Format: FormatJSON, Output: &buf})
	Trace(logger, "very detailed", slog.String("k", "v"))

	if !strings.Contains(buf.String(), "very detailed") {
		t.Errorf("expected trace output, got: %s", buf.String())
	}

	buf.Reset()
	quiet := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})
	Trace(quiet, "should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected trace to be filtered at info level, got: %s", buf.String())
	}
}
