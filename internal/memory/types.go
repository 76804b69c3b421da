// Package memory implements the gateway's durable memory subsystem: a typed
// persistent store with full-text search, rule and LLM extraction of new
// items from task runs, budget-aware retrieval for prompt injection, and a
// markdown mirror of everything written.
package memory

import (
	"strings"
	"time"

	"github.com/basket/go-gateway/internal/tokenutil"
)

// Scope says where an item applies.
type Scope string

const (
	ScopeProject Scope = "project"
	ScopeHost    Scope = "host"
)

// Kind is the semantic role of an item.
type Kind string

const (
	KindPreference Kind = "preference"
	KindConstraint Kind = "constraint"
	KindFact       Kind = "fact"
	KindWorkflow   Kind = "workflow"
)

// Source records how an item entered the store.
type Source string

const (
	SourceAutoRule Source = "auto_rule"
	SourceAutoLLM  Source = "auto_llm"
	SourceManual   Source = "manual"
)

// Item is one stored piece of durable guidance.
type Item struct {
	ID           string     `json:"id"`
	HostID       string     `json:"hostId"`
	ProjectID    string     `json:"projectId,omitempty"`
	Scope        Scope      `json:"scope"`
	Kind         Kind       `json:"kind"`
	Content      string     `json:"content"`
	Tags         []string   `json:"tags,omitempty"`
	Confidence   float64    `json:"confidence"`
	Pinned       bool       `json:"pinned"`
	Enabled      bool       `json:"enabled"`
	Source       Source     `json:"source"`
	SourceTaskID string     `json:"sourceTaskId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
	HitCount     int        `json:"hitCount"`
}

// Mutation is the input for Store.Create.
type Mutation struct {
	HostID       string   `json:"hostId"`
	ProjectID    string   `json:"projectId"`
	Scope        Scope    `json:"scope"`
	Kind         Kind     `json:"kind"`
	Content      string   `json:"content"`
	Tags         []string `json:"tags"`
	Confidence   float64  `json:"confidence"`
	Pinned       bool     `json:"pinned"`
	Enabled      *bool    `json:"enabled"`
	Source       Source   `json:"source"`
	SourceTaskID string   `json:"sourceTaskId"`
}

// Patch lists the fields Store.Update may change. Nil pointers leave the
// field alone; CreatedAt and HitCount are never writable.
type Patch struct {
	Content    *string   `json:"content"`
	Tags       *[]string `json:"tags"`
	Confidence *float64  `json:"confidence"`
	Pinned     *bool     `json:"pinned"`
	Enabled    *bool     `json:"enabled"`
	Kind       *Kind     `json:"kind"`
	Scope      *Scope    `json:"scope"`
	ProjectID  *string   `json:"projectId"`
}

// Query filters Store.List. HostID is required. A set ProjectID includes
// host-scope items plus project-scope items for that project.
type Query struct {
	HostID      string `json:"hostId"`
	ProjectID   string `json:"projectId"`
	Scope       Scope  `json:"scope"`
	Kind        Kind   `json:"kind"`
	EnabledOnly bool   `json:"enabledOnly"`
	Search      string `json:"search"`
	Offset      int    `json:"offset"`
	Limit       int    `json:"limit"`
}

// maxListLimit caps a single page of results.
const maxListLimit = 500

// Candidate is a proposed memory item from an extractor. Persistence and
// dedup happen in the store's UpsertAuto.
type Candidate struct {
	Scope      Scope    `json:"scope"`
	Kind       Kind     `json:"kind"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags,omitempty"`
	Confidence float64  `json:"confidence"`
	Source     Source   `json:"source"`
}

// Settings is the live memory configuration.
type Settings struct {
	Enabled             bool `json:"enabled"`
	GatewayStoreEnabled bool `json:"gatewayStoreEnabled"`
	RustStoreEnabled    bool `json:"rustStoreEnabled"`
	AutoWrite           bool `json:"autoWrite"`
	PromptInjection     bool `json:"promptInjection"`
	TokenBudget         int  `json:"tokenBudget"`
	RetrievalTopK       int  `json:"retrievalTopK"`
	LLMExtractEnabled   bool `json:"llmExtractEnabled"`
}

// SettingsPatch merges over Settings; nil leaves a field unchanged.
type SettingsPatch struct {
	Enabled             *bool `json:"enabled"`
	GatewayStoreEnabled *bool `json:"gatewayStoreEnabled"`
	RustStoreEnabled    *bool `json:"rustStoreEnabled"`
	AutoWrite           *bool `json:"autoWrite"`
	PromptInjection     *bool `json:"promptInjection"`
	TokenBudget         *int  `json:"tokenBudget"`
	RetrievalTopK       *int  `json:"retrievalTopK"`
	LLMExtractEnabled   *bool `json:"llmExtractEnabled"`
}

// NormalizeContent lowercases and collapses runs of whitespace so that
// trivially restated candidates dedup against existing auto items.
func NormalizeContent(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// EstimateTokens approximates the token cost of a string (len/4, rounded up).
func EstimateTokens(s string) int {
	return tokenutil.EstimateTokens(s)
}
