package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newFileLogger(t *testing.T) (Logger, string) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": logPath},
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger, logPath
}

func TestFileLoggerWritesJSONL(t *testing.T) {
	logger, logPath := newFileLogger(t)

	if err := logger.Log("key_generate", true, map[string]interface{}{
		"record_id": "rec-1",
		"user_id":   "alice",
	}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := logger.Log("backup_create", false, map[string]interface{}{
		"backup_id": "bak-1",
		"error":     "boom",
	}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"record_id":"rec-1"`) {
		t.Errorf("record ID not promoted into event: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"error":"boom"`) {
		t.Errorf("error not promoted into event: %s", lines[1])
	}
}

func TestFileLoggerQueryFilters(t *testing.T) {
	logger, _ := newFileLogger(t)

	actions := []struct {
		action  string
		success bool
		meta    map[string]interface{}
	}{
		{"key_generate", true, map[string]interface{}{"record_id": "rec-1"}},
		{"key_generate", true, map[string]interface{}{"record_id": "rec-2"}},
		{"backup_create", false, map[string]interface{}{"drive_id": "drive-1"}},
		{"backup_restore", true, map[string]interface{}{"backup_id": "bak-1"}},
	}
	for _, a := range actions {
		if err := logger.Log(a.action, a.success, a.meta); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	byAction, err := logger.Query(QueryOptions{Action: "key_generate"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if byAction.Filtered != 2 {
		t.Errorf("action filter returned %d events, want 2", byAction.Filtered)
	}

	failed := false
	failures, err := logger.Query(QueryOptions{Success: &failed})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if failures.Filtered != 1 || failures.Events[0].Action != "backup_create" {
		t.Errorf("failure filter returned wrong events: %+v", failures.Events)
	}

	byRecord, err := logger.Query(QueryOptions{RecordID: "rec-2"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if byRecord.Filtered != 1 {
		t.Errorf("record filter returned %d events, want 1", byRecord.Filtered)
	}

	future := time.Now().Add(time.Hour)
	none, err := logger.Query(QueryOptions{Since: &future})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if none.Filtered != 0 {
		t.Errorf("future since returned %d events, want 0", none.Filtered)
	}
}

func TestFileLoggerQueryLimit(t *testing.T) {
	logger, _ := newFileLogger(t)

	for i := 0; i < 5; i++ {
		if err := logger.Log("key_generate", true, nil); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	result, err := logger.Query(QueryOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 2 {
		t.Errorf("limit not applied, got %d events", len(result.Events))
	}
	if !result.HasMore {
		t.Error("expected HasMore with a limit below the match count")
	}
}

func TestDisabledLoggerIsNoOp(t *testing.T) {
	logger, err := NewLogger(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if err := logger.Log("anything", true, nil); err != nil {
		t.Errorf("disabled logger returned error: %v", err)
	}
}
