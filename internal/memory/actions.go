package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// HandleRequest dispatches one memory:request action. The payload shape
// depends on the action; coercion is defensive (trimmed strings, clamped
// numbers) and missing ids degrade to null-ish results rather than errors.
func (m *Manager) HandleRequest(ctx context.Context, action string, payload json.RawMessage) (any, error) {
	switch action {
	case "settings.get":
		return m.Settings(), nil

	case "settings.update":
		var patch SettingsPatch
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &patch); err != nil {
				return nil, fmt.Errorf("memory: invalid settings payload: %w", err)
			}
		}
		return m.UpdateSettings(patch), nil

	case "items.list":
		var q Query
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &q); err != nil {
				return nil, fmt.Errorf("memory: invalid list payload: %w", err)
			}
		}
		if q.HostID == "" {
			q.HostID = m.hostID
		}
		items, err := m.store.List(ctx, q)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []*Item{}
		}
		return map[string]any{"items": items, "count": len(items)}, nil

	case "items.create":
		var mut Mutation
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &mut); err != nil {
				return nil, fmt.Errorf("memory: invalid create payload: %w", err)
			}
		}
		if strings.TrimSpace(mut.Content) == "" {
			return nil, ErrEmptyContent
		}
		if mut.HostID == "" {
			mut.HostID = m.hostID
		}
		if mut.Source == "" {
			mut.Source = SourceManual
		}
		return m.store.Create(ctx, mut)

	case "items.update":
		var req struct {
			ID string `json:"id"`
			Patch
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("memory: invalid update payload: %w", err)
			}
		}
		if strings.TrimSpace(req.ID) == "" {
			return nil, nil
		}
		return m.store.Update(ctx, strings.TrimSpace(req.ID), req.Patch)

	case "items.delete":
		var req struct {
			ID string `json:"id"`
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("memory: invalid delete payload: %w", err)
			}
		}
		if strings.TrimSpace(req.ID) == "" {
			return map[string]any{"deleted": false}, nil
		}
		deleted, err := m.store.Delete(ctx, strings.TrimSpace(req.ID))
		if err != nil {
			return nil, err
		}
		return map[string]any{"deleted": deleted}, nil

	default:
		return nil, fmt.Errorf("memory: unknown action %q", action)
	}
}
