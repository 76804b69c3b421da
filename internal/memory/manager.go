package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/go-gateway/internal/audit"
	"github.com/basket/go-gateway/internal/bus"
	"github.com/basket/go-gateway/internal/config"
)

// TaskContext carries the memory-relevant slice of a task request.
type TaskContext struct {
	TaskID           string
	ProjectID        string
	CWD              string
	TaskTitle        string
	TaskDescription  string
	SettingsSnapshot json.RawMessage
}

// PostRunContext is the input for post-run persistence.
type PostRunContext struct {
	Task   TaskContext
	Prompt string
	Output string
}

// PreparedPrompt is the result of prompt augmentation.
type PreparedPrompt struct {
	Prompt          string `json:"prompt"`
	InjectedCount   int    `json:"injectedCount"`
	EstimatedTokens int    `json:"estimatedTokens"`
}

// SyncFunc mirrors items to the external store. Called after persist;
// delivery is at-least-once with item ids for consumer-side dedup.
type SyncFunc func(op string, items []*Item)

// Manager is the memory facade: it owns the store, composes the extractors
// and the retriever, guards live settings, and speaks the memory:request
// action protocol.
type Manager struct {
	hostID    string
	store     Store
	retriever *Retriever
	journal   *Journal
	llm       *LLMExtractor // nil when no session client is wired
	bus       *bus.Bus
	logger    *slog.Logger

	mu       sync.RWMutex
	settings Settings

	syncMu sync.Mutex
	onSync SyncFunc
}

// ManagerOptions bundles Manager construction inputs.
type ManagerOptions struct {
	HostID   string
	Store    Store
	Journal  *Journal
	LLM      *LLMExtractor
	Bus      *bus.Bus
	Logger   *slog.Logger
	Settings Settings
}

func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		hostID:    opts.HostID,
		store:     opts.Store,
		retriever: NewRetriever(opts.Store),
		journal:   opts.Journal,
		llm:       opts.LLM,
		bus:       opts.Bus,
		logger:    logger,
		settings:  clampSettings(opts.Settings),
	}
}

// SetSyncFunc registers the memory:sync emitter. Passing nil disables
// mirroring.
func (m *Manager) SetSyncFunc(fn SyncFunc) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	m.onSync = fn
}

// Store exposes the underlying store to maintenance jobs.
func (m *Manager) Store() Store { return m.store }

// HostID returns the host this manager writes for.
func (m *Manager) HostID() string { return m.hostID }

// Journal exposes the markdown mirror to maintenance jobs.
func (m *Manager) Journal() *Journal { return m.journal }

// Settings returns a copy of the live settings.
func (m *Manager) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// UpdateSettings merges a patch over the live settings and clamps bounds.
func (m *Manager) UpdateSettings(patch SettingsPatch) Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = clampSettings(mergeSettings(m.settings, patch))
	return m.settings
}

func mergeSettings(s Settings, p SettingsPatch) Settings {
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	if p.GatewayStoreEnabled != nil {
		s.GatewayStoreEnabled = *p.GatewayStoreEnabled
	}
	if p.RustStoreEnabled != nil {
		s.RustStoreEnabled = *p.RustStoreEnabled
	}
	if p.AutoWrite != nil {
		s.AutoWrite = *p.AutoWrite
	}
	if p.PromptInjection != nil {
		s.PromptInjection = *p.PromptInjection
	}
	if p.TokenBudget != nil {
		s.TokenBudget = *p.TokenBudget
	}
	if p.RetrievalTopK != nil {
		s.RetrievalTopK = *p.RetrievalTopK
	}
	if p.LLMExtractEnabled != nil {
		s.LLMExtractEnabled = *p.LLMExtractEnabled
	}
	return s
}

func clampSettings(s Settings) Settings {
	s.TokenBudget = config.ClampTokenBudget(s.TokenBudget)
	s.RetrievalTopK = config.ClampTopK(s.RetrievalTopK)
	return s
}

// effectiveSettings merges a per-task snapshot (if any) over the live
// settings, then clamps.
func (m *Manager) effectiveSettings(snapshot json.RawMessage) Settings {
	settings := m.Settings()
	if len(snapshot) == 0 {
		return settings
	}
	var patch SettingsPatch
	if err := json.Unmarshal(snapshot, &patch); err != nil {
		m.logger.Debug("memory: invalid settings snapshot, using live settings", "error", err)
		return settings
	}
	return clampSettings(mergeSettings(settings, patch))
}

// PreparePrompt augments basePrompt with retrieved memory context. When the
// effective settings disable injection the base prompt passes through
// unchanged.
func (m *Manager) PreparePrompt(ctx context.Context, task TaskContext, basePrompt string) (PreparedPrompt, error) {
	settings := m.effectiveSettings(task.SettingsSnapshot)
	passthrough := PreparedPrompt{Prompt: basePrompt}
	if !settings.Enabled || !settings.PromptInjection || !settings.GatewayStoreEnabled {
		return passthrough, nil
	}

	search := strings.TrimSpace(strings.Join([]string{task.TaskTitle, task.TaskDescription, basePrompt}, " "))
	result, err := m.retriever.Retrieve(ctx, m.hostID, task.ProjectID, search,
		settings.RetrievalTopK, settings.TokenBudget)
	if err != nil {
		return passthrough, fmt.Errorf("memory: prepare prompt: %w", err)
	}
	if len(result.Items) == 0 {
		return passthrough, nil
	}

	return PreparedPrompt{
		Prompt:          result.Context + "\n\nTask instruction:\n" + basePrompt,
		InjectedCount:   len(result.Items),
		EstimatedTokens: result.EstimatedTokens,
	}, nil
}

// PostRunPersist extracts candidates from a finished run and writes them
// through the store, the markdown mirror, and (when enabled) the external
// sync. Every failure is logged, never propagated to the executor.
func (m *Manager) PostRunPersist(ctx context.Context, run PostRunContext) {
	settings := m.effectiveSettings(run.Task.SettingsSnapshot)
	if !settings.Enabled || !settings.AutoWrite || !settings.GatewayStoreEnabled {
		return
	}

	candidates := ExtractRules(ExtractInput{
		TaskTitle:       run.Task.TaskTitle,
		TaskDescription: run.Task.TaskDescription,
		TaskPrompt:      run.Prompt,
		TaskOutput:      run.Output,
	})
	if settings.LLMExtractEnabled && m.llm != nil &&
		(len(candidates) < 3 || MeanConfidence(candidates) < 0.65) {
		candidates = append(candidates, m.llm.Extract(ctx, run.Prompt, run.Output)...)
		if len(candidates) > maxCandidates {
			candidates = candidates[:maxCandidates]
		}
	}
	if len(candidates) == 0 {
		return
	}

	items, err := m.store.UpsertAuto(ctx, m.hostID, run.Task.ProjectID, candidates)
	if err != nil {
		m.logger.Error("memory: post-run upsert failed", "task_id", run.Task.TaskID, "error", err)
		return
	}
	if len(items) == 0 {
		return
	}
	for _, item := range items {
		if item.SourceTaskID == "" {
			item.SourceTaskID = run.Task.TaskID
		}
	}

	audit.Record(audit.DecisionAllow, audit.ActionMemoryWrite,
		fmt.Sprintf("%d items", len(items)), run.Task.TaskID)

	m.mirrorToJournal(run.Task, items)

	if m.bus != nil {
		m.bus.Publish(bus.TopicMemoryPersisted, bus.MemoryPersistedEvent{
			TaskID:    run.Task.TaskID,
			ProjectID: run.Task.ProjectID,
			Count:     len(items),
		})
	}

	if settings.RustStoreEnabled {
		m.syncMu.Lock()
		fn := m.onSync
		m.syncMu.Unlock()
		if fn != nil {
			fn("upsert", items)
		}
	}
}

func (m *Manager) mirrorToJournal(task TaskContext, items []*Item) {
	if m.journal == nil {
		return
	}
	var hostItems, projectItems []*Item
	for _, item := range items {
		if item.Scope == ScopeProject {
			projectItems = append(projectItems, item)
		} else {
			hostItems = append(hostItems, item)
		}
	}
	write := func(cwd string, batch []*Item) {
		if len(batch) == 0 {
			return
		}
		if err := m.journal.Append(cwd, batch); err != nil {
			m.logger.Warn("memory: daily log append failed", "error", err)
		}
		if err := m.journal.UpdateSummary(cwd, batch); err != nil {
			m.logger.Warn("memory: summary update failed", "error", err)
		}
	}
	write("", hostItems)
	write(task.CWD, projectItems)
}
