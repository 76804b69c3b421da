package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-gateway/internal/memory"
	"github.com/basket/go-gateway/internal/protocol"
	"github.com/basket/go-gateway/internal/runner"
)

// fakeChild scripts a child runner for lifecycle tests.
type fakeChild struct {
	mu         sync.Mutex
	startErr   error
	sessionID  string
	sessionErr error
	promptErr  error
	running    bool
	started    bool
	stopped    bool
	aborted    bool
	prompts    []string
	events     chan runner.Event
	messages   []runner.Message
}

func newFakeChild() *fakeChild {
	return &fakeChild{
		sessionID: "sess-1",
		events:    make(chan runner.Event, 64),
	}
}

func (f *fakeChild) Start(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = true
	f.running = true
	return "http://127.0.0.1:1", nil
}

func (f *fakeChild) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stopped = true
}

func (f *fakeChild) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeChild) CreateSession(context.Context, string) (string, error) {
	return f.sessionID, f.sessionErr
}

func (f *fakeChild) PromptAsync(_ context.Context, _ string, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promptErr != nil {
		return f.promptErr
	}
	f.prompts = append(f.prompts, text)
	return nil
}

func (f *fakeChild) ListMessages(context.Context, string) ([]runner.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages, nil
}

func (f *fakeChild) AbortSession(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	return nil
}

func (f *fakeChild) SubscribeEvents(context.Context) (<-chan runner.Event, error) {
	return f.events, nil
}

func (f *fakeChild) sendPartText(text string) {
	f.events <- runner.Event{
		Type:       "message.part.updated",
		Properties: json.RawMessage(fmt.Sprintf(`{"part":{"sessionID":"sess-1","type":"text","text":%q}}`, text)),
	}
}

func (f *fakeChild) sendIdle() {
	f.events <- runner.Event{Type: "session.idle", Properties: json.RawMessage(`{"sessionID":"sess-1"}`)}
}

// collector gathers sink events for assertions.
type collector struct {
	mu     sync.Mutex
	events []protocol.AgentEvent
	ids    []string
}

func (c *collector) sink(taskID string, ev protocol.AgentEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	c.ids = append(c.ids, taskID)
}

func (c *collector) byType(eventType string) []protocol.AgentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.AgentEvent
	for _, ev := range c.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func newTestExecutor(child *fakeChild, sink EventSink, opts Options) *Executor {
	opts.NewChild = func(cwd string, env map[string]string, s runner.EventSink) Child { return child }
	opts.Sink = sink
	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = 2
	}
	return New(opts)
}

func TestExecute_HappyPath(t *testing.T) {
	child := newFakeChild()
	col := &collector{}
	e := newTestExecutor(child, col.sink, Options{})

	go func() {
		time.Sleep(20 * time.Millisecond)
		child.sendPartText("hi")
		child.sendIdle()
	}()

	outcome := e.Execute(context.Background(), protocol.TaskRequest{
		TaskID: "t1", Prompt: "echo hi", CWD: "/tmp", AgentType: "opencode",
	})

	if outcome.Failed() {
		t.Fatalf("outcome = %+v, want success", outcome)
	}
	if !outcome.Result.Success {
		t.Fatal("result.success should be true")
	}
	if outcome.Result.DurationMs < 0 {
		t.Fatalf("duration = %d", outcome.Result.DurationMs)
	}
	if !strings.Contains(outcome.Result.Output, "hi") {
		t.Fatalf("output = %q", outcome.Result.Output)
	}

	messages := col.byType(protocol.EventMessage)
	if len(messages) != 1 || messages[0].Content != "hi" {
		t.Fatalf("message events = %v", messages)
	}
	for _, id := range col.ids {
		if id != "t1" {
			t.Fatalf("event tagged %q, want t1", id)
		}
	}
	if e.ActiveTaskCount() != 0 {
		t.Fatal("record should be released")
	}
	if !child.stopped {
		t.Fatal("per-task child should be stopped on teardown")
	}
}

func TestExecute_EventTimestampsMonotone(t *testing.T) {
	child := newFakeChild()
	col := &collector{}
	e := newTestExecutor(child, col.sink, Options{})

	go func() {
		for i := 0; i < 5; i++ {
			child.sendPartText(fmt.Sprintf("chunk %d", i))
		}
		child.sendIdle()
	}()

	e.Execute(context.Background(), protocol.TaskRequest{TaskID: "t1", CWD: "/tmp"})

	col.mu.Lock()
	defer col.mu.Unlock()
	for i := 1; i < len(col.events); i++ {
		if col.events[i].Timestamp <= col.events[i-1].Timestamp {
			t.Fatalf("timestamps not monotone: %d then %d",
				col.events[i-1].Timestamp, col.events[i].Timestamp)
		}
	}
}

func TestExecute_CWDBlocked(t *testing.T) {
	child := newFakeChild()
	col := &collector{}
	root := t.TempDir()
	e := newTestExecutor(child, col.sink, Options{AllowedRoots: []string{root}})

	outcome := e.Execute(context.Background(), protocol.TaskRequest{
		TaskID: "t1", CWD: "/tmp/evil",
	})

	if !outcome.Failed() {
		t.Fatal("outcome should fail")
	}
	if outcome.Details["code"] != "CWD_NOT_ALLOWED" {
		t.Fatalf("details = %v", outcome.Details)
	}
	if outcome.Details["cwd"] != "/tmp/evil" {
		t.Fatalf("details = %v", outcome.Details)
	}
	if child.started {
		t.Fatal("no child may be spawned for a blocked cwd")
	}
}

func TestExecute_CWDInsideRootAllowed(t *testing.T) {
	child := newFakeChild()
	col := &collector{}
	root := t.TempDir()
	e := newTestExecutor(child, col.sink, Options{AllowedRoots: []string{root}})

	go func() {
		time.Sleep(10 * time.Millisecond)
		child.sendIdle()
	}()
	outcome := e.Execute(context.Background(), protocol.TaskRequest{TaskID: "t1", CWD: root})
	if outcome.Failed() {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestExecute_CapacityExceeded(t *testing.T) {
	first := newFakeChild()
	col := &collector{}
	e := newTestExecutor(first, col.sink, Options{MaxConcurrent: 1})

	release := make(chan struct{})
	done := make(chan Outcome, 1)
	go func() {
		done <- e.Execute(context.Background(), protocol.TaskRequest{TaskID: "t1", CWD: "/tmp"})
	}()
	// Wait for t1 to hold its record.
	for i := 0; e.ActiveTaskCount() == 0 && i < 100; i++ {
		time.Sleep(5 * time.Millisecond)
	}

	outcome := e.Execute(context.Background(), protocol.TaskRequest{TaskID: "t2", CWD: "/tmp"})
	if outcome.Err != "capacity exceeded" {
		t.Fatalf("err = %q, want capacity exceeded", outcome.Err)
	}

	close(release)
	first.sendIdle()
	<-done
}

func TestExecute_DuplicateTaskID(t *testing.T) {
	child := newFakeChild()
	col := &collector{}
	e := newTestExecutor(child, col.sink, Options{MaxConcurrent: 4})

	done := make(chan Outcome, 1)
	go func() {
		done <- e.Execute(context.Background(), protocol.TaskRequest{TaskID: "t1", CWD: "/tmp"})
	}()
	for i := 0; e.ActiveTaskCount() == 0 && i < 100; i++ {
		time.Sleep(5 * time.Millisecond)
	}

	outcome := e.Execute(context.Background(), protocol.TaskRequest{TaskID: "t1", CWD: "/tmp"})
	if !outcome.Failed() || !strings.Contains(outcome.Err, "already active") {
		t.Fatalf("outcome = %+v", outcome)
	}

	child.sendIdle()
	<-done
}

func TestExecute_Abort(t *testing.T) {
	child := newFakeChild()
	col := &collector{}
	e := newTestExecutor(child, col.sink, Options{})

	done := make(chan Outcome, 1)
	go func() {
		done <- e.Execute(context.Background(), protocol.TaskRequest{TaskID: "t1", CWD: "/tmp"})
	}()
	for i := 0; e.ActiveTaskCount() == 0 && i < 100; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	// Give the stream a moment to be live before aborting.
	time.Sleep(20 * time.Millisecond)

	if !e.Abort("t1") {
		t.Fatal("abort should find the task")
	}

	outcome := <-done
	if outcome.Err != "aborted" {
		t.Fatalf("err = %q, want aborted", outcome.Err)
	}
	logs := col.byType(protocol.EventLog)
	found := false
	for _, ev := range logs {
		if ev.Content == "Task aborted" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no 'Task aborted' log event in %v", logs)
	}
	if !child.aborted {
		t.Fatal("child session should be aborted")
	}
	if e.ActiveTaskCount() != 0 {
		t.Fatal("record should be released after abort")
	}
	if e.Abort("t1") {
		t.Fatal("abort of a finished task should return false")
	}
}

func TestExecute_Timeout(t *testing.T) {
	child := newFakeChild()
	col := &collector{}
	e := newTestExecutor(child, col.sink, Options{})

	outcome := e.Execute(context.Background(), protocol.TaskRequest{
		TaskID: "t1", CWD: "/tmp", TimeoutMs: 50,
	})
	if outcome.Err != "timeout" {
		t.Fatalf("err = %q, want timeout", outcome.Err)
	}
	if !child.aborted {
		t.Fatal("child session should be aborted on timeout")
	}
	if len(col.byType(protocol.EventError)) == 0 {
		t.Fatal("timeout should emit an error event")
	}
}

func TestExecute_SessionCreateFails(t *testing.T) {
	child := newFakeChild()
	child.sessionID = ""
	col := &collector{}
	e := newTestExecutor(child, col.sink, Options{})

	outcome := e.Execute(context.Background(), protocol.TaskRequest{TaskID: "t1", CWD: "/tmp"})
	if outcome.Err != "Failed to create session" {
		t.Fatalf("err = %q", outcome.Err)
	}
	if outcome.Result.Output != "Failed to create session" {
		t.Fatalf("output = %q", outcome.Result.Output)
	}
	if len(col.byType(protocol.EventError)) == 0 {
		t.Fatal("expected an error event")
	}
}

func TestExecute_ChildStartFails(t *testing.T) {
	child := newFakeChild()
	child.startErr = errors.New("spawn failed: no binary")
	col := &collector{}
	e := newTestExecutor(child, col.sink, Options{})

	outcome := e.Execute(context.Background(), protocol.TaskRequest{TaskID: "t1", CWD: "/tmp"})
	if !outcome.Failed() || !strings.Contains(outcome.Err, "spawn failed") {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestExecute_FileChangeEvents(t *testing.T) {
	child := newFakeChild()
	col := &collector{}
	e := newTestExecutor(child, col.sink, Options{})

	go func() {
		child.events <- runner.Event{Type: "file.edited", Properties: json.RawMessage(`{"file":"main.go"}`)}
		child.events <- runner.Event{Type: "file.edited", Properties: json.RawMessage(`{"file":"main.go"}`)}
		child.sendIdle()
	}()

	outcome := e.Execute(context.Background(), protocol.TaskRequest{TaskID: "t1", CWD: "/tmp"})
	if len(outcome.Result.FilesChanged) != 1 || outcome.Result.FilesChanged[0] != "main.go" {
		t.Fatalf("filesChanged = %v", outcome.Result.FilesChanged)
	}
	if len(col.byType(protocol.EventFileChange)) != 2 {
		t.Fatal("each edit should emit a file_change event")
	}
}

func TestSendInput(t *testing.T) {
	child := newFakeChild()
	col := &collector{}
	e := newTestExecutor(child, col.sink, Options{})

	if e.SendInput("missing", "hello") {
		t.Fatal("sendInput for unknown task should be false")
	}

	done := make(chan Outcome, 1)
	go func() {
		done <- e.Execute(context.Background(), protocol.TaskRequest{TaskID: "t1", CWD: "/tmp", Prompt: "base"})
	}()
	// Wait until the session is live (the initial prompt landed).
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		child.mu.Lock()
		n := len(child.prompts)
		child.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !e.SendInput("t1", "extra input") {
		t.Fatal("sendInput should succeed for a live session")
	}
	child.mu.Lock()
	got := len(child.prompts)
	child.mu.Unlock()
	if got != 2 {
		t.Fatalf("prompts = %d, want initial + forwarded", got)
	}

	child.sendIdle()
	<-done
}

func TestShutdown_AbortsEverything(t *testing.T) {
	child := newFakeChild()
	col := &collector{}
	e := newTestExecutor(child, col.sink, Options{})

	done := make(chan Outcome, 1)
	go func() {
		done <- e.Execute(context.Background(), protocol.TaskRequest{TaskID: "t1", CWD: "/tmp"})
	}()
	for i := 0; e.ActiveTaskCount() == 0 && i < 100; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	e.Shutdown()
	outcome := <-done
	if outcome.Err != "aborted" {
		t.Fatalf("err = %q, want aborted", outcome.Err)
	}
	if e.ActiveTaskCount() != 0 {
		t.Fatal("no records may survive shutdown")
	}

	after := e.Execute(context.Background(), protocol.TaskRequest{TaskID: "t2", CWD: "/tmp"})
	if !after.Failed() || !strings.Contains(after.Err, "shutting down") {
		t.Fatalf("post-shutdown outcome = %+v", after)
	}
}

func TestExecute_PromptAugmentation(t *testing.T) {
	child := newFakeChild()
	col := &collector{}

	mem := &fakeMemory{
		prepared: memory.PreparedPrompt{
			Prompt:        "Relevant memory context:\n- [host/preference] tabs\n\nTask instruction:\nbase",
			InjectedCount: 1,
		},
	}
	e := newTestExecutor(child, col.sink, Options{Memory: mem})

	go func() {
		time.Sleep(10 * time.Millisecond)
		child.sendIdle()
	}()
	e.Execute(context.Background(), protocol.TaskRequest{TaskID: "t1", CWD: "/tmp", Prompt: "base", ProjectID: "p1"})

	child.mu.Lock()
	prompts := append([]string(nil), child.prompts...)
	child.mu.Unlock()
	if len(prompts) != 1 || !strings.HasPrefix(prompts[0], "Relevant memory context:") {
		t.Fatalf("prompts = %v", prompts)
	}

	mem.mu.Lock()
	defer mem.mu.Unlock()
	if !mem.persisted {
		t.Fatal("post-run persist must be invoked")
	}
	if mem.persistedPrompt != prompts[0] {
		t.Fatal("persist must receive the final resolved prompt")
	}
}

type fakeMemory struct {
	mu              sync.Mutex
	prepared        memory.PreparedPrompt
	persisted       bool
	persistedPrompt string
}

func (f *fakeMemory) PreparePrompt(_ context.Context, _ memory.TaskContext, base string) (memory.PreparedPrompt, error) {
	if f.prepared.Prompt == "" {
		return memory.PreparedPrompt{Prompt: base}, nil
	}
	return f.prepared, nil
}

func (f *fakeMemory) PostRunPersist(_ context.Context, run memory.PostRunContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = true
	f.persistedPrompt = run.Prompt
}
