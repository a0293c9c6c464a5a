// Copyright 2025 QueryGate
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

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture redirects the standard logger while fn runs and returns what it
// wrote.
func capture(fn func()) string {
	var buf bytes.Buffer
	out := log.Writer()
	flags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(out)
		log.SetFlags(flags)
	}()
	fn()
	return buf.String()
}

func parseEntry(t *testing.T, raw string) LogEntry {
	t.Helper()
	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(raw)), &entry))
	return entry
}

func TestNew(t *testing.T) {
	t.Setenv("INSTANCE_ID", "instance-123")
	l := New("executor")
	assert.Equal(t, "executor", l.Component)
	assert.Equal(t, "instance-123", l.InstanceID)
	assert.NotEmpty(t, l.Container)
}

func TestNewWithoutInstanceID(t *testing.T) {
	t.Setenv("INSTANCE_ID", "")
	l := New("router")
	assert.Equal(t, "unknown", l.InstanceID)
}

func TestLogLevels(t *testing.T) {
	l := &Logger{Component: "test", InstanceID: "i-1", Container: "c-1"}

	tests := []struct {
		name  string
		log   func(user, qid, msg string, fields map[string]interface{})
		level LogLevel
	}{
		{"info", l.Info, INFO},
		{"warn", l.Warn, WARN},
		{"error", l.Error, ERROR},
		{"debug", l.Debug, DEBUG},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := capture(func() {
				tt.log("alice", "qid-42", "something happened", map[string]interface{}{"k": "v"})
			})
			entry := parseEntry(t, raw)
			assert.Equal(t, tt.level, entry.Level)
			assert.Equal(t, "test", entry.Component)
			assert.Equal(t, "alice", entry.User)
			assert.Equal(t, "qid-42", entry.QueryID)
			assert.Equal(t, "something happened", entry.Message)
			assert.Equal(t, "v", entry.Fields["k"])
		})
	}
}

func TestOmitsEmptyCorrelation(t *testing.T) {
	l := &Logger{Component: "test"}
	raw := capture(func() {
		l.Info("", "", "no request context", nil)
	})
	assert.NotContains(t, raw, `"user"`)
	assert.NotContains(t, raw, `"query_id"`)
}

func TestInfoWithDuration(t *testing.T) {
	l := &Logger{Component: "test"}
	raw := capture(func() {
		l.InfoWithDuration("bob", "qid-7", "query completed", 12.5, nil)
	})
	entry := parseEntry(t, raw)
	assert.Equal(t, 12.5, entry.Fields["duration_ms"])
}

func TestErrorWithErr(t *testing.T) {
	l := &Logger{Component: "test"}
	raw := capture(func() {
		l.ErrorWithErr("bob", "qid-7", "query failed", errors.New("connection refused"), map[string]interface{}{
			"server": "a",
		})
	})
	entry := parseEntry(t, raw)
	assert.Equal(t, ERROR, entry.Level)
	assert.Equal(t, "connection refused", entry.Fields["error"])
	assert.Equal(t, "a", entry.Fields["server"])
}

func TestSingleLineOutput(t *testing.T) {
	l := &Logger{Component: "test"}
	raw := capture(func() {
		l.Info("alice", "qid-1", "multi\nline\nmessage", nil)
	})
	// One JSON document per line, newlines escaped inside the payload.
	assert.Equal(t, 1, strings.Count(strings.TrimRight(raw, "\n"), "\n")+1)
}
