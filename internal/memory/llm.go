package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SessionClient is the slice of the agent-process client the LLM extractor
// needs. Any implementation satisfying it works, including test fakes.
type SessionClient interface {
	CreateSession(ctx context.Context, title string) (string, error)
	PromptAsync(ctx context.Context, sessionID, model, text string) error
	ListMessages(ctx context.Context, sessionID string) ([]SessionMessage, error)
	AbortSession(ctx context.Context, sessionID string) error
}

// SessionMessage is one message in a child-runner session transcript.
type SessionMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

const llmExtractInstruction = `Review the task below and extract durable guidance worth remembering for future tasks on this host or project.

Reply with ONLY a JSON array (possibly empty). Each element:
{"scope": "project"|"host", "kind": "preference"|"constraint"|"fact"|"workflow", "content": "<one sentence>", "tags": ["..."], "confidence": 0.0-1.0}

Rules: content must be a standalone sentence; skip anything task-specific or temporary; at most 8 elements.

TASK PROMPT:
%s

TASK OUTPUT:
%s`

const candidateSchemaJSON = `{
	"type": "array",
	"maxItems": 32,
	"items": {
		"type": "object",
		"required": ["scope", "kind", "content"],
		"properties": {
			"scope": {"enum": ["project", "host"]},
			"kind": {"enum": ["preference", "constraint", "fact", "workflow"]},
			"content": {"type": "string", "minLength": 1},
			"tags": {"type": "array", "items": {"type": "string"}},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1}
		}
	}
}`

const (
	llmPollInterval = time.Second
	llmPollTimeout  = 25 * time.Second
	llmPromptClip   = 4000
)

// LLMExtractor asks a child runner session to propose memory candidates and
// validates the reply against a JSON schema before accepting anything.
type LLMExtractor struct {
	client SessionClient
	model  string
	logger *slog.Logger

	schema *jsonschema.Schema

	// pollInterval/pollTimeout are overridable for tests.
	pollInterval time.Duration
	pollTimeout  time.Duration
}

// NewLLMExtractor builds an extractor bound to a session client. The model
// string may be empty to use the child's default.
func NewLLMExtractor(client SessionClient, model string, logger *slog.Logger) (*LLMExtractor, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(candidateSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("memory: unmarshal candidate schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("candidates.json", doc); err != nil {
		return nil, fmt.Errorf("memory: add schema resource: %w", err)
	}
	schema, err := c.Compile("candidates.json")
	if err != nil {
		return nil, fmt.Errorf("memory: compile candidate schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMExtractor{
		client:       client,
		model:        model,
		logger:       logger,
		schema:       schema,
		pollInterval: llmPollInterval,
		pollTimeout:  llmPollTimeout,
	}, nil
}

// Extract runs one extraction round. Failures are swallowed: the result is
// simply an empty candidate list. Whatever parsed by the deadline is
// returned, so a slow child can still yield a partial extraction.
func (e *LLMExtractor) Extract(ctx context.Context, prompt, output string) []Candidate {
	sessionID, err := e.client.CreateSession(ctx, "memory-extract")
	if err != nil || sessionID == "" {
		e.logger.Debug("memory: llm extract session failed", "error", err)
		return nil
	}
	defer func() {
		// Best-effort: the session is disposable.
		_ = e.client.AbortSession(context.WithoutCancel(ctx), sessionID)
	}()

	instruction := fmt.Sprintf(llmExtractInstruction, clip(prompt, llmPromptClip), clip(output, llmPromptClip))
	if err := e.client.PromptAsync(ctx, sessionID, e.model, instruction); err != nil {
		e.logger.Debug("memory: llm extract prompt failed", "error", err)
		return nil
	}

	deadline := time.Now().Add(e.pollTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.pollInterval):
		}
		messages, err := e.client.ListMessages(ctx, sessionID)
		if err != nil {
			continue
		}
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role != "assistant" || strings.TrimSpace(messages[i].Text) == "" {
				continue
			}
			if cands := e.parseCandidates(messages[i].Text); cands != nil {
				return cands
			}
			// An assistant reply that doesn't parse yet may still be
			// streaming; keep polling until the deadline.
			break
		}
	}
	return nil
}

// parseCandidates unwraps and validates one reply. Invalid elements are
// dropped; a reply with no valid elements returns nil.
func (e *LLMExtractor) parseCandidates(text string) []Candidate {
	raw := extractJSONArray(text)
	if raw == "" {
		return nil
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil
	}
	if err := e.schema.Validate(parsed); err != nil {
		// Schema failure on the whole array: retry element by element so a
		// single bad entry doesn't discard the rest.
		return e.salvageElements(raw)
	}

	var cands []Candidate
	if err := json.Unmarshal([]byte(raw), &cands); err != nil {
		return nil
	}
	return finalizeLLMCandidates(cands)
}

func (e *LLMExtractor) salvageElements(raw string) []Candidate {
	var elements []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &elements); err != nil {
		return nil
	}
	var cands []Candidate
	for _, el := range elements {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(`[` + string(el) + `]`))
		if err != nil {
			continue
		}
		if err := e.schema.Validate(parsed); err != nil {
			continue
		}
		var c Candidate
		if err := json.Unmarshal(el, &c); err != nil {
			continue
		}
		cands = append(cands, c)
	}
	return finalizeLLMCandidates(cands)
}

func finalizeLLMCandidates(cands []Candidate) []Candidate {
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		c.Content = strings.TrimSpace(c.Content)
		if c.Content == "" {
			continue
		}
		c.Source = SourceAutoLLM
		c.Confidence = clampConfidence(c.Confidence)
		out = append(out, c)
		if len(out) >= maxCandidates {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// extractJSONArray unwraps a fenced json block if present, otherwise slices
// from the first '[' to the last ']'.
func extractJSONArray(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}
	first := strings.Index(text, "[")
	last := strings.LastIndex(text, "]")
	if first < 0 || last <= first {
		return ""
	}
	return strings.TrimSpace(text[first : last+1])
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
