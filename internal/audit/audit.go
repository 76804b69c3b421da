// Package audit appends security-relevant gateway decisions (task
// admission, memory writes) to logs/audit.jsonl under the home dir.
// Uninitialized, Record writes nothing; the deny counter still counts.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-gateway/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	Subject   string `json:"subject,omitempty"`
}

// Decisions.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Actions.
const (
	ActionTaskAdmit    = "task.admit"
	ActionMemoryWrite  = "memory.write"
	ActionMemoryAction = "memory.action"
)

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

// Init opens the audit log. Safe to call more than once.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close flushes and closes the log.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Record appends one decision. Subject is the task id, item id, or path
// the decision concerns; secrets are redacted before writing.
func Record(decision, action, reason, subject string) {
	if decision == DecisionDeny {
		denyCount.Add(1)
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Decision:  decision,
		Action:    action,
		Reason:    shared.Redact(reason),
		Subject:   shared.Redact(subject),
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = file.Write(append(data, '\n'))
}

// DenyCount returns the number of deny decisions since process start.
func DenyCount() int64 {
	return denyCount.Load()
}

// ResetForTest clears package state between tests.
func ResetForTest() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		_ = file.Close()
		file = nil
	}
	denyCount.Store(0)
}
