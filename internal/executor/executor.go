// Package executor owns the per-task lifecycle: admission against the
// project-root allow-list, child acquisition, prompt augmentation, session
// dispatch, event streaming, abort/timeout handling, post-run memory
// persistence, and teardown.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-gateway/internal/audit"
	"github.com/basket/go-gateway/internal/bus"
	"github.com/basket/go-gateway/internal/memory"
	"github.com/basket/go-gateway/internal/protocol"
	"github.com/basket/go-gateway/internal/runner"
	"github.com/basket/go-gateway/internal/shared"
)

const (
	// maxOutputBytes bounds the per-task accumulation buffer.
	maxOutputBytes = 256 * 1024
	// maxResultOutput bounds the output echoed in the terminal result.
	maxResultOutput = 16 * 1024
)

// Child is the slice of the runner client the executor drives. One child
// per task; never shared.
type Child interface {
	Start(ctx context.Context) (string, error)
	Stop()
	IsRunning() bool
	CreateSession(ctx context.Context, title string) (string, error)
	PromptAsync(ctx context.Context, sessionID, model, text string) error
	ListMessages(ctx context.Context, sessionID string) ([]runner.Message, error)
	AbortSession(ctx context.Context, sessionID string) error
	SubscribeEvents(ctx context.Context) (<-chan runner.Event, error)
}

// ChildFactory builds a child bound to a task's working directory and
// environment, with stdio forwarded to sink.
type ChildFactory func(cwd string, env map[string]string, sink runner.EventSink) Child

// PromptMemory is the slice of the memory manager the executor calls.
type PromptMemory interface {
	PreparePrompt(ctx context.Context, task memory.TaskContext, basePrompt string) (memory.PreparedPrompt, error)
	PostRunPersist(ctx context.Context, run memory.PostRunContext)
}

// EventSink receives every agent event, in order, tagged with its task id.
type EventSink func(taskID string, ev protocol.AgentEvent)

// Outcome is the terminal state of one task execution.
type Outcome struct {
	Result  protocol.TaskResult
	Err     string         // empty means completed
	Details map[string]any // structured failure context
}

// Failed reports whether the outcome is a task:failed terminal.
func (o Outcome) Failed() bool { return o.Err != "" || !o.Result.Success }

// Options configures an Executor.
type Options struct {
	AllowedRoots  []string
	MaxConcurrent int
	NewChild      ChildFactory
	Memory        PromptMemory // may be nil
	Sink          EventSink
	Bus           *bus.Bus // may be nil
	Logger        *slog.Logger
}

// Executor runs tasks concurrently up to MaxConcurrent.
type Executor struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*taskRecord
	done  bool
}

type taskRecord struct {
	taskID    string
	cancel    context.CancelCauseFunc
	child     Child
	started   time.Time
	agentType string

	sessMu    sync.Mutex
	sessionID string

	outMu  sync.Mutex
	output strings.Builder

	tsMu   sync.Mutex
	lastTS int64
}

// Cancellation causes mark an operator abort or a shutdown; the task timeout
// runs on its own timer, not through a cause.
var (
	errAborted  = fmt.Errorf("aborted")
	errShutdown = fmt.Errorf("shutting down")
)

func New(opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Executor{
		opts:   opts,
		logger: logger,
		tasks:  make(map[string]*taskRecord),
	}
}

// ActiveTaskIDs lists tasks that currently hold a runtime record.
func (e *Executor) ActiveTaskIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	return ids
}

// ActiveTaskCount returns the number of live runtime records.
func (e *Executor) ActiveTaskCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// Execute runs one task to its terminal outcome. It blocks; the caller
// dispatches it on its own goroutine and has already emitted task:started.
func (e *Executor) Execute(ctx context.Context, task protocol.TaskRequest) Outcome {
	start := time.Now()

	// Admission: concurrency cap and unique task id, checked while
	// inserting the record so the cap can never be raced past.
	rec, admitErr := e.admit(task)
	if admitErr != nil {
		audit.Record(audit.DecisionDeny, audit.ActionTaskAdmit, admitErr.Error(), task.TaskID)
		return Outcome{
			Err:    admitErr.Error(),
			Result: protocol.TaskResult{Success: false, Output: admitErr.Error()},
		}
	}
	defer e.release(task.TaskID)

	// Admission: working directory containment.
	if outcome, ok := e.checkCWD(task); !ok {
		audit.Record(audit.DecisionDeny, audit.ActionTaskAdmit, outcome.Err, task.TaskID)
		return outcome
	}
	audit.Record(audit.DecisionAllow, audit.ActionTaskAdmit, "", task.TaskID)

	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	e.mu.Lock()
	rec.cancel = cancel
	e.mu.Unlock()

	var timedOut <-chan time.Time
	if task.TimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(task.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
		timedOut = timer.C
	}

	trace := shared.NewTraceID()
	taskCtx = shared.WithTraceID(taskCtx, trace)
	logger := e.logger.With("task_id", task.TaskID, "trace_id", trace)

	if e.opts.Bus != nil {
		e.opts.Bus.Publish(bus.TopicTaskStarted, bus.TaskLifecycleEvent{
			TaskID: task.TaskID, AgentType: task.AgentType,
		})
	}

	outcome := e.run(taskCtx, logger, rec, task, timedOut)
	outcome.Result.DurationMs = time.Since(start).Milliseconds()

	if e.opts.Bus != nil {
		topic := bus.TopicTaskCompleted
		if outcome.Failed() {
			topic = bus.TopicTaskFailed
		}
		e.opts.Bus.Publish(topic, bus.TaskLifecycleEvent{
			TaskID: task.TaskID, AgentType: task.AgentType,
			Success: !outcome.Failed(), Duration: outcome.Result.DurationMs,
		})
	}
	return outcome
}

func (e *Executor) admit(task protocol.TaskRequest) (*taskRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil, fmt.Errorf("gateway shutting down")
	}
	if _, exists := e.tasks[task.TaskID]; exists {
		return nil, fmt.Errorf("task %s already active", task.TaskID)
	}
	if len(e.tasks) >= e.opts.MaxConcurrent {
		return nil, fmt.Errorf("capacity exceeded")
	}
	rec := &taskRecord{
		taskID:    task.TaskID,
		started:   time.Now(),
		agentType: task.AgentType,
	}
	e.tasks[task.TaskID] = rec
	return rec, nil
}

func (e *Executor) release(taskID string) {
	e.mu.Lock()
	var child Child
	if rec := e.tasks[taskID]; rec != nil {
		child = rec.child
	}
	delete(e.tasks, taskID)
	e.mu.Unlock()
	if child != nil {
		child.Stop()
	}
}

func (e *Executor) checkCWD(task protocol.TaskRequest) (Outcome, bool) {
	if len(e.opts.AllowedRoots) == 0 {
		return Outcome{}, true
	}
	if filepath.IsAbs(task.CWD) {
		for _, root := range e.opts.AllowedRoots {
			ok, err := shared.WithinRoot(root, task.CWD)
			if err != nil {
				continue
			}
			if ok {
				return Outcome{}, true
			}
		}
	}
	reason := fmt.Sprintf("cwd %s is outside allowed project roots", task.CWD)
	return Outcome{
		Err: reason,
		Result: protocol.TaskResult{
			Success: false,
			Output:  reason,
		},
		Details: map[string]any{"code": "CWD_NOT_ALLOWED", "cwd": task.CWD},
	}, false
}

// run is the supervised middle of the lifecycle: child, session, stream.
func (e *Executor) run(ctx context.Context, logger *slog.Logger, rec *taskRecord, task protocol.TaskRequest, timedOut <-chan time.Time) Outcome {
	child := e.opts.NewChild(task.CWD, task.Env, func(ev protocol.AgentEvent) {
		e.emit(rec, ev)
		if ev.Type == protocol.EventOutput || ev.Type == protocol.EventStdout {
			rec.appendOutput(ev.Content)
		}
	})
	e.mu.Lock()
	rec.child = child
	e.mu.Unlock()

	if _, err := child.Start(ctx); err != nil {
		logger.Error("child start failed", "error", err)
		e.emit(rec, protocol.AgentEvent{Type: protocol.EventError, Content: err.Error()})
		return Outcome{Err: err.Error(), Result: protocol.TaskResult{Success: false, Output: err.Error()}}
	}

	// Prompt augmentation happens before the session exists so a memory
	// failure cannot leak a running child session.
	prompt := task.Prompt
	if e.opts.Memory != nil {
		prep, err := e.opts.Memory.PreparePrompt(ctx, memoryTaskContext(task), task.Prompt)
		if err != nil {
			logger.Warn("prompt augmentation failed, using base prompt", "error", err)
		} else {
			prompt = prep.Prompt
			if prep.InjectedCount > 0 {
				e.emit(rec, protocol.AgentEvent{
					Type:    protocol.EventLog,
					Content: fmt.Sprintf("Injected %d memory items (~%d tokens)", prep.InjectedCount, prep.EstimatedTokens),
				})
			}
		}
	}

	sessionID, err := child.CreateSession(ctx, task.TaskTitle)
	if err != nil || sessionID == "" {
		logger.Error("session create failed", "error", err)
		e.emit(rec, protocol.AgentEvent{Type: protocol.EventError, Content: "Failed to create session"})
		return Outcome{Err: "Failed to create session", Result: protocol.TaskResult{Success: false, Output: "Failed to create session"}}
	}
	rec.setSessionID(sessionID)

	events, err := child.SubscribeEvents(ctx)
	if err != nil {
		logger.Error("event subscribe failed", "error", err)
		e.emit(rec, protocol.AgentEvent{Type: protocol.EventError, Content: err.Error()})
		return Outcome{Err: err.Error(), Result: protocol.TaskResult{Success: false}}
	}

	if err := child.PromptAsync(ctx, sessionID, task.Model, prompt); err != nil {
		logger.Error("prompt dispatch failed", "error", err)
		e.emit(rec, protocol.AgentEvent{Type: protocol.EventError, Content: err.Error()})
		return Outcome{Err: err.Error(), Result: protocol.TaskResult{Success: false}}
	}

	outcome := e.stream(ctx, logger, rec, sessionID, events, timedOut)

	// Post-run persistence: never fails the task.
	if e.opts.Memory != nil {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
		defer cancel()
		e.opts.Memory.PostRunPersist(persistCtx, memory.PostRunContext{
			Task:   memoryTaskContext(task),
			Prompt: prompt,
			Output: rec.outputSnapshot(),
		})
	}
	return outcome
}

// stream consumes child events until completion, abort, or timeout.
func (e *Executor) stream(ctx context.Context, logger *slog.Logger, rec *taskRecord, sessionID string, events <-chan runner.Event, timedOut <-chan time.Time) Outcome {
	var filesChanged []string
	abortSession := func() {
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := rec.child.AbortSession(abortCtx, sessionID); err != nil {
			logger.Debug("session abort failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			abortSession()
			if context.Cause(ctx) == errAborted || context.Cause(ctx) == errShutdown {
				e.emit(rec, protocol.AgentEvent{Type: protocol.EventLog, Content: "Task aborted"})
				return Outcome{Err: "aborted", Result: protocol.TaskResult{Success: false}}
			}
			e.emit(rec, protocol.AgentEvent{Type: protocol.EventError, Content: "Task cancelled"})
			return Outcome{Err: "cancelled", Result: protocol.TaskResult{Success: false}}

		case <-timedOut:
			e.emit(rec, protocol.AgentEvent{Type: protocol.EventError, Content: "Task timed out"})
			abortSession()
			return Outcome{Err: "timeout", Result: protocol.TaskResult{Success: false, Output: rec.resultOutput()}}

		case ev, ok := <-events:
			if !ok {
				// Stream ended without an idle marker: treat whatever we
				// accumulated as the result.
				return e.finish(ctx, rec, sessionID, filesChanged)
			}
			if done := e.translate(rec, sessionID, ev, &filesChanged); done {
				return e.finish(ctx, rec, sessionID, filesChanged)
			}
		}
	}
}

// finish resolves the final assistant message and builds the success outcome.
func (e *Executor) finish(ctx context.Context, rec *taskRecord, sessionID string, filesChanged []string) Outcome {
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if messages, err := rec.child.ListMessages(finishCtx, sessionID); err == nil {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == "assistant" && strings.TrimSpace(messages[i].Text) != "" {
				rec.appendOutput(messages[i].Text)
				break
			}
		}
	}
	return Outcome{
		Result: protocol.TaskResult{
			Success:      true,
			Output:       rec.resultOutput(),
			FilesChanged: filesChanged,
		},
	}
}

// translate maps one child event into the gateway taxonomy. Returns true
// when the event marks session completion.
func (e *Executor) translate(rec *taskRecord, sessionID string, ev runner.Event, filesChanged *[]string) bool {
	switch ev.Type {
	case "message.part.updated":
		part := decodePart(ev.Properties)
		if part.SessionID != "" && part.SessionID != sessionID {
			return false
		}
		switch part.Type {
		case "text":
			if part.Text != "" {
				e.emit(rec, protocol.AgentEvent{Type: protocol.EventMessage, Content: part.Text})
				rec.appendOutput(part.Text)
			}
		case "reasoning":
			e.emit(rec, protocol.AgentEvent{Type: protocol.EventThinking, Content: part.Text})
		case "tool":
			eventType := protocol.EventToolCall
			if part.Status == "completed" || part.Status == "error" {
				eventType = protocol.EventToolResult
			}
			e.emit(rec, protocol.AgentEvent{
				Type:    eventType,
				Content: part.Tool,
				Data:    map[string]any{"status": part.Status},
			})
		}
	case "file.edited":
		var props struct {
			File string `json:"file"`
		}
		decodeProps(ev.Properties, &props)
		if props.File != "" {
			*filesChanged = appendUnique(*filesChanged, props.File)
			e.emit(rec, protocol.AgentEvent{Type: protocol.EventFileChange, Content: props.File})
		}
	case "session.error":
		var props struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		decodeProps(ev.Properties, &props)
		e.emit(rec, protocol.AgentEvent{Type: protocol.EventError, Content: props.Error.Message})
	case "session.idle":
		var props struct {
			SessionID string `json:"sessionID"`
		}
		decodeProps(ev.Properties, &props)
		return props.SessionID == "" || props.SessionID == sessionID
	}
	return false
}

// emit stamps a monotone timestamp and forwards the event to the sink.
func (e *Executor) emit(rec *taskRecord, ev protocol.AgentEvent) {
	rec.tsMu.Lock()
	ts := time.Now().UnixMilli()
	if ts <= rec.lastTS {
		ts = rec.lastTS + 1
	}
	rec.lastTS = ts
	rec.tsMu.Unlock()

	ev.Timestamp = ts
	if e.opts.Sink != nil {
		e.opts.Sink(rec.taskID, ev)
	}
}

// Abort cancels a running task. Returns false when no such task is active.
func (e *Executor) Abort(taskID string) bool {
	e.mu.Lock()
	rec, ok := e.tasks[taskID]
	var cancel context.CancelCauseFunc
	if ok {
		cancel = rec.cancel
	}
	e.mu.Unlock()
	if !ok || cancel == nil {
		return false
	}
	cancel(errAborted)
	if e.opts.Bus != nil {
		e.opts.Bus.Publish(bus.TopicTaskAborted, bus.TaskLifecycleEvent{TaskID: taskID})
	}
	return true
}

// SendInput forwards user input to a running task's session. Returns false
// when the task is unknown or its session is not ready.
func (e *Executor) SendInput(taskID, content string) bool {
	e.mu.Lock()
	rec, ok := e.tasks[taskID]
	var child Child
	if ok {
		child = rec.child
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	sessionID := rec.getSessionID()
	if sessionID == "" || child == nil || !child.IsRunning() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := child.PromptAsync(ctx, sessionID, "", content); err != nil {
		e.logger.Warn("input forward failed", "task_id", taskID, "error", err)
		return false
	}
	return true
}

// Shutdown aborts every active task and refuses new admissions.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	e.done = true
	cancels := make([]context.CancelCauseFunc, 0, len(e.tasks))
	for _, rec := range e.tasks {
		if rec.cancel != nil {
			cancels = append(cancels, rec.cancel)
		}
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel(errShutdown)
	}
	// Children are stopped by each task's release path; give stragglers a
	// bounded wait, then force-stop whatever is left.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if e.ActiveTaskCount() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	e.mu.Lock()
	leftover := make([]Child, 0, len(e.tasks))
	for _, rec := range e.tasks {
		if rec.child != nil {
			leftover = append(leftover, rec.child)
		}
	}
	e.mu.Unlock()
	for _, child := range leftover {
		child.Stop()
	}
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}

func memoryTaskContext(task protocol.TaskRequest) memory.TaskContext {
	return memory.TaskContext{
		TaskID:           task.TaskID,
		ProjectID:        task.ProjectID,
		CWD:              task.CWD,
		TaskTitle:        task.TaskTitle,
		TaskDescription:  task.TaskDescription,
		SettingsSnapshot: task.MemorySettingsSnapshot,
	}
}

func (r *taskRecord) setSessionID(id string) {
	r.sessMu.Lock()
	r.sessionID = id
	r.sessMu.Unlock()
}

func (r *taskRecord) getSessionID() string {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	return r.sessionID
}

func (r *taskRecord) appendOutput(s string) {
	if s == "" {
		return
	}
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if r.output.Len() >= maxOutputBytes {
		return
	}
	remaining := maxOutputBytes - r.output.Len()
	if len(s) > remaining {
		s = s[:remaining]
	}
	r.output.WriteString(s)
}

func (r *taskRecord) outputSnapshot() string {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	return r.output.String()
}

func (r *taskRecord) resultOutput() string {
	out := r.outputSnapshot()
	if len(out) > maxResultOutput {
		out = out[len(out)-maxResultOutput:]
	}
	return out
}

type partProps struct {
	SessionID string
	Type      string
	Text      string
	Tool      string
	Status    string
}

func decodePart(raw []byte) partProps {
	var props struct {
		Part struct {
			SessionID string `json:"sessionID"`
			Type      string `json:"type"`
			Text      string `json:"text"`
			Tool      string `json:"tool"`
			State     struct {
				Status string `json:"status"`
			} `json:"state"`
		} `json:"part"`
	}
	decodeProps(raw, &props)
	return partProps{
		SessionID: props.Part.SessionID,
		Type:      props.Part.Type,
		Text:      props.Part.Text,
		Tool:      props.Part.Tool,
		Status:    props.Part.State.Status,
	}
}

func decodeProps(raw []byte, out any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, out)
}
