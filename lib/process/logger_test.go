// Copyright 2026 The Compymac Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerJSON(t *testing.T) {
	var buffer bytes.Buffer
	logger, err := NewLogger(&buffer, slog.LevelInfo, FormatJSON)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("opened", "trace_id", "trace-1")

	var record map[string]any
	if err := json.Unmarshal(buffer.Bytes(), &record); err != nil {
		t.Fatalf("output is not one JSON record: %v: %q", err, buffer.String())
	}
	if record["msg"] != "opened" || record["trace_id"] != "trace-1" {
		t.Errorf("record = %v", record)
	}
}

func TestNewLoggerAutoUsesJSONForPipes(t *testing.T) {
	var buffer bytes.Buffer
	logger, err := NewLogger(&buffer, slog.LevelWarn, FormatAuto)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Warn("degraded")
	if !strings.HasPrefix(buffer.String(), "{") {
		t.Errorf("auto format on a buffer wrote %q, want JSON", buffer.String())
	}
}

func TestNewLoggerText(t *testing.T) {
	var buffer bytes.Buffer
	logger, err := NewLogger(&buffer, slog.LevelInfo, FormatText)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("opened")
	if !strings.Contains(buffer.String(), "msg=opened") {
		t.Errorf("text output = %q", buffer.String())
	}
}

func TestNewLoggerRejectsUnknownFormat(t *testing.T) {
	if _, err := NewLogger(&bytes.Buffer{}, slog.LevelInfo, "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
