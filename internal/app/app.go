// Package app wires the orchestrator link to the task executor, the memory
// manager, and the child-runner client: inbound messages are routed by
// type, executor events stream back out as task:event, and every accepted
// task gets exactly one terminal message.
package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-gateway/internal/executor"
	"github.com/basket/go-gateway/internal/memory"
	"github.com/basket/go-gateway/internal/otel"
	"github.com/basket/go-gateway/internal/protocol"
)

// Sender is the outbound half of the link.
type Sender interface {
	Send(v any) error
}

// ModelsChild is the slice of the runner client used to answer
// models:request with a disposable child.
type ModelsChild interface {
	Start(ctx context.Context) (string, error)
	Stop()
	ListProviders(ctx context.Context) ([]protocol.ProviderInfo, error)
}

// ModelsChildFactory builds a disposable child used only to enumerate
// providers for models:request.
type ModelsChildFactory func() ModelsChild

// Options wires an App.
type Options struct {
	Sender      Sender
	Executor    *executor.Executor
	Memory      *memory.Manager // may be nil
	ModelsChild ModelsChildFactory
	Metrics     *otel.Metrics // may be nil
	Logger      *slog.Logger
}

// App is the gateway's message routing loop.
type App struct {
	opts   Options
	logger *slog.Logger

	wg sync.WaitGroup
}

func New(opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{opts: opts, logger: logger}
	if opts.Memory != nil {
		opts.Memory.SetSyncFunc(a.syncMemory)
	}
	return a
}

// EventSink returns the executor sink that forwards agent events as
// task:event messages.
func (a *App) EventSink() executor.EventSink {
	return func(taskID string, ev protocol.AgentEvent) {
		if a.opts.Metrics != nil {
			a.opts.Metrics.EventsForwarded.Add(context.Background(), 1)
		}
		if err := a.opts.Sender.Send(protocol.TaskEventMsg{
			Type:   protocol.TypeTaskEvent,
			TaskID: taskID,
			Event:  ev,
		}); err != nil {
			a.logger.Debug("task event send failed", "task_id", taskID, "error", err)
		}
	}
}

// HandleMessage routes one inbound message. Unknown types are ignored.
func (a *App) HandleMessage(msgType string, raw json.RawMessage) {
	switch msgType {
	case protocol.TypeTaskExecute:
		var msg protocol.TaskExecute
		if err := json.Unmarshal(raw, &msg); err != nil {
			a.logger.Warn("invalid task:execute payload", "error", err)
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.runTask(msg.Task)
		}()

	case protocol.TypeTaskAbort:
		var msg protocol.TaskAbort
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		if !a.opts.Executor.Abort(msg.TaskID) {
			a.logger.Debug("abort for unknown task", "task_id", msg.TaskID)
		}

	case protocol.TypeTaskInput:
		var msg protocol.TaskInput
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		if !a.opts.Executor.SendInput(msg.TaskID, msg.Content) {
			a.logger.Debug("input for task without live session", "task_id", msg.TaskID)
		}

	case protocol.TypeModelsRequest:
		var msg protocol.ModelsRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.answerModels(msg.RequestID)
		}()

	case protocol.TypeMemoryRequest:
		var msg protocol.MemoryRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		a.answerMemory(msg)

	default:
		a.logger.Debug("ignoring message", "type", msgType)
	}
}

// runTask drives one task end to end: started, events, exactly one
// terminal.
func (a *App) runTask(task protocol.TaskRequest) {
	if err := a.opts.Sender.Send(protocol.TaskStarted{
		Type:      protocol.TypeTaskStarted,
		TaskID:    task.TaskID,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		a.logger.Warn("task:started send failed", "task_id", task.TaskID, "error", err)
	}

	if a.opts.Metrics != nil {
		a.opts.Metrics.ActiveTasks.Add(context.Background(), 1)
		defer a.opts.Metrics.ActiveTasks.Add(context.Background(), -1)
	}

	outcome := a.opts.Executor.Execute(context.Background(), task)

	if a.opts.Metrics != nil {
		a.opts.Metrics.TaskDuration.Record(context.Background(),
			float64(outcome.Result.DurationMs)/1000.0)
	}

	var terminal any
	if outcome.Failed() {
		errText := outcome.Err
		if errText == "" {
			errText = "task failed"
		}
		terminal = protocol.TaskFailed{
			Type:    protocol.TypeTaskFailed,
			TaskID:  task.TaskID,
			Error:   errText,
			Details: outcome.Details,
			Result:  &outcome.Result,
		}
	} else {
		terminal = protocol.TaskCompleted{
			Type:   protocol.TypeTaskCompleted,
			TaskID: task.TaskID,
			Result: outcome.Result,
		}
	}
	if err := a.opts.Sender.Send(terminal); err != nil {
		a.logger.Error("terminal send failed", "task_id", task.TaskID, "error", err)
	}
}

// answerModels starts a disposable child, lists its providers, and always
// answers — an empty list on any failure.
func (a *App) answerModels(requestID string) {
	providers := []protocol.ProviderInfo{}
	if a.opts.ModelsChild != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		child := a.opts.ModelsChild()
		if _, err := child.Start(ctx); err != nil {
			a.logger.Warn("models child start failed", "error", err)
		} else {
			defer child.Stop()
			if list, err := child.ListProviders(ctx); err != nil {
				a.logger.Warn("provider list failed", "error", err)
			} else {
				providers = list
			}
		}
	}
	if err := a.opts.Sender.Send(protocol.ModelsResponse{
		Type:      protocol.TypeModelsResponse,
		RequestID: requestID,
		Providers: providers,
	}); err != nil {
		a.logger.Warn("models response send failed", "error", err)
	}
}

func (a *App) answerMemory(msg protocol.MemoryRequest) {
	resp := protocol.MemoryResponse{
		Type:      protocol.TypeMemoryResponse,
		RequestID: msg.RequestID,
	}
	if a.opts.Memory == nil {
		resp.Error = "memory subsystem disabled"
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		data, err := a.opts.Memory.HandleRequest(ctx, msg.Action, msg.Payload)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.OK = true
			resp.Data = data
		}
	}
	if err := a.opts.Sender.Send(resp); err != nil {
		a.logger.Warn("memory response send failed", "request_id", msg.RequestID, "error", err)
	}
}

// syncMemory mirrors persisted items to the orchestrator-side store.
func (a *App) syncMemory(op string, items []*memory.Item) {
	if a.opts.Metrics != nil {
		a.opts.Metrics.MemoryWrites.Add(context.Background(), int64(len(items)))
	}
	if err := a.opts.Sender.Send(protocol.MemorySync{
		Type:  protocol.TypeMemorySync,
		Op:    op,
		Items: items,
	}); err != nil {
		a.logger.Warn("memory sync send failed", "error", err)
	}
}

// Drain waits for in-flight task goroutines to finish.
func (a *App) Drain() {
	a.wg.Wait()
}
