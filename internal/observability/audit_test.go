package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLoggerRecord(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditLogger(&buf)

	a.Record(context.Background(), AuditEvent{
		Type:     "command",
		Actor:    "cli",
		Action:   "command_failed",
		Status:   "failure",
		Metadata: map[string]interface{}{"kind": "measure"},
	})

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "command", out["type"])
	assert.Equal(t, "command_failed", out["action"])
	assert.Equal(t, "failure", out["status"])
	assert.Equal(t, map[string]any{"kind": "measure"}, out["metadata"])
}

func TestRecordCommandAuditUsesGlobal(t *testing.T) {
	var buf bytes.Buffer
	SetAuditLogger(NewAuditLogger(&buf))
	t.Cleanup(func() { SetAuditLogger(nil) })

	RecordCommandAudit(context.Background(), "command_failed", "dispatcher", "failure", nil)
	assert.Contains(t, buf.String(), `"action":"command_failed"`)
}

func TestInitAuditLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, InitAuditLogger(path))
	t.Cleanup(func() {
		_ = GetAuditLogger().Close()
		SetAuditLogger(nil)
	})

	RecordLifecycleAudit(context.Background(), "dispatcher_started", "d-1", nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "dispatcher_started")
}
