package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecord_WritesEntries(t *testing.T) {
	ResetForTest()
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer ResetForTest()

	Record(DecisionDeny, ActionTaskAdmit, "cwd outside allowed roots", "t1")
	Record(DecisionAllow, ActionMemoryWrite, "", "item-9")
	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if first["decision"] != "deny" || first["action"] != "task.admit" || first["subject"] != "t1" {
		t.Fatalf("entry = %v", first)
	}

	if DenyCount() != 1 {
		t.Fatalf("denyCount = %d, want 1", DenyCount())
	}
}

func TestRecord_NoopWithoutInit(t *testing.T) {
	ResetForTest()
	Record(DecisionDeny, ActionTaskAdmit, "reason", "t1") // must not panic
	if DenyCount() != 1 {
		t.Fatal("deny counter should still count")
	}
	ResetForTest()
}

func TestRecord_RedactsSecrets(t *testing.T) {
	ResetForTest()
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer ResetForTest()

	Record(DecisionDeny, ActionMemoryAction, "auth_token=abcdef1234567890abcdef rejected", "r1")
	Close()

	data, _ := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if strings.Contains(string(data), "abcdef1234567890abcdef") {
		t.Fatal("secret leaked into audit log")
	}
}
