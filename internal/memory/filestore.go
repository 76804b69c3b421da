package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore is the JSON-file fallback used when the embedded engine cannot
// start. Every mutation rewrites the file atomically (temp + rename).
type FileStore struct {
	path  string
	mu    sync.Mutex
	items map[string]*Item
}

// OpenFileStore loads (or creates) the item file at path.
func OpenFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("memory: create store directory: %w", err)
	}
	fs := &FileStore{path: path, items: make(map[string]*Item)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fs, nil
		}
		return nil, fmt.Errorf("memory: read item file: %w", err)
	}
	var items []*Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("memory: parse item file: %w", err)
	}
	for _, item := range items {
		fs.items[item.ID] = item
	}
	return fs, nil
}

func (s *FileStore) Close() error { return nil }

// flush writes the whole item set atomically. Callers hold the write lock.
func (s *FileStore) flush() error {
	items := make([]*Item, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: marshal items: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("memory: write item file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("memory: replace item file: %w", err)
	}
	return nil
}

func (s *FileStore) Create(_ context.Context, mut Mutation) (*Item, error) {
	item, err := itemFromMutation(mut)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	if err := s.flush(); err != nil {
		delete(s.items, item.ID)
		return nil, err
	}
	return cloneItem(item), nil
}

func (s *FileStore) Update(_ context.Context, id string, patch Patch) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	item := cloneItem(existing)
	if patch.Content != nil {
		content := strings.TrimSpace(*patch.Content)
		if content == "" {
			return nil, ErrEmptyContent
		}
		item.Content = content
	}
	if patch.Tags != nil {
		item.Tags = normalizeTags(*patch.Tags)
	}
	if patch.Confidence != nil {
		item.Confidence = clampConfidence(*patch.Confidence)
	}
	if patch.Pinned != nil {
		item.Pinned = *patch.Pinned
	}
	if patch.Enabled != nil {
		item.Enabled = *patch.Enabled
	}
	if patch.Kind != nil {
		item.Kind = *patch.Kind
	}
	if patch.Scope != nil {
		item.Scope = *patch.Scope
	}
	if patch.ProjectID != nil {
		item.ProjectID = *patch.ProjectID
	}
	item.UpdatedAt = time.Now().UTC()

	s.items[id] = item
	if err := s.flush(); err != nil {
		s.items[id] = existing
		return nil, err
	}
	return cloneItem(item), nil
}

func (s *FileStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[id]
	if !ok {
		return false, nil
	}
	delete(s.items, id)
	if err := s.flush(); err != nil {
		s.items[id] = existing
		return false, err
	}
	return true, nil
}

func (s *FileStore) Get(_ context.Context, id string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[id]; ok {
		return cloneItem(item), nil
	}
	return nil, nil
}

func (s *FileStore) List(_ context.Context, q Query) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Item
	for _, item := range s.items {
		if !matchesQuery(item, q) {
			continue
		}
		matched = append(matched, item)
	}

	terms := strings.Fields(strings.ToLower(q.Search))
	if len(terms) > 0 {
		type scored struct {
			item *Item
			rank int
		}
		var withRank []scored
		for _, item := range matched {
			rank := searchRank(item, terms)
			if rank > 0 {
				withRank = append(withRank, scored{item, rank})
			}
		}
		sort.SliceStable(withRank, func(i, j int) bool {
			if withRank[i].rank != withRank[j].rank {
				return withRank[i].rank > withRank[j].rank
			}
			return lessByPinnedUpdated(withRank[i].item, withRank[j].item)
		})
		matched = matched[:0]
		for _, s := range withRank {
			matched = append(matched, s.item)
		}
	} else {
		sort.SliceStable(matched, func(i, j int) bool {
			return lessByPinnedUpdated(matched[i], matched[j])
		})
	}

	limit := q.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]*Item, 0, end-offset)
	for _, item := range matched[offset:end] {
		out = append(out, cloneItem(item))
	}
	return out, nil
}

func matchesQuery(item *Item, q Query) bool {
	if item.HostID != q.HostID {
		return false
	}
	if q.ProjectID != "" {
		if item.Scope == ScopeProject && item.ProjectID != q.ProjectID {
			return false
		}
	}
	if q.Scope != "" && item.Scope != q.Scope {
		return false
	}
	if q.Kind != "" && item.Kind != q.Kind {
		return false
	}
	if q.EnabledOnly && !item.Enabled {
		return false
	}
	return true
}

// searchRank counts matched terms across content and tags; crude next to
// bm25 but preserves the same contract: more matching terms rank higher.
func searchRank(item *Item, terms []string) int {
	haystack := strings.ToLower(item.Content + " " + strings.Join(item.Tags, " "))
	rank := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			rank++
		}
	}
	return rank
}

func lessByPinnedUpdated(a, b *Item) bool {
	if a.Pinned != b.Pinned {
		return a.Pinned
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

func (s *FileStore) UpsertAuto(_ context.Context, hostID, projectID string, candidates []Candidate) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected []*Item
	for _, cand := range candidates {
		content := strings.TrimSpace(cand.Content)
		if content == "" {
			continue
		}
		scope := cand.Scope
		if scope == "" {
			scope = ScopeHost
		}
		if scope == ScopeProject && projectID == "" {
			continue
		}
		itemProject := ""
		if scope == ScopeProject {
			itemProject = projectID
		}
		normalized := NormalizeContent(content)

		now := time.Now().UTC()
		var match *Item
		for _, item := range s.items {
			if item.HostID == hostID && item.ProjectID == itemProject &&
				item.Scope == scope && item.Kind == cand.Kind &&
				(item.Source == SourceAutoRule || item.Source == SourceAutoLLM) &&
				NormalizeContent(item.Content) == normalized {
				match = item
				break
			}
		}
		if match != nil {
			match.Tags = unionTags(match.Tags, cand.Tags)
			if cand.Confidence > match.Confidence {
				match.Confidence = clampConfidence(cand.Confidence)
			}
			match.Enabled = true
			match.UpdatedAt = now
			affected = append(affected, cloneItem(match))
			continue
		}

		source := cand.Source
		if source == "" {
			source = SourceAutoRule
		}
		item := &Item{
			ID:         uuid.NewString(),
			HostID:     hostID,
			ProjectID:  itemProject,
			Scope:      scope,
			Kind:       cand.Kind,
			Content:    content,
			Tags:       normalizeTags(cand.Tags),
			Confidence: clampConfidence(cand.Confidence),
			Enabled:    true,
			Source:     source,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		s.items[item.ID] = item
		affected = append(affected, cloneItem(item))
	}

	if len(affected) > 0 {
		if err := s.flush(); err != nil {
			return nil, err
		}
	}
	return affected, nil
}

func (s *FileStore) TouchHits(_ context.Context, items []*Item) error {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	touched := false
	for _, given := range items {
		item, ok := s.items[given.ID]
		if !ok {
			continue
		}
		item.HitCount++
		item.LastUsedAt = &now
		item.UpdatedAt = now
		given.HitCount = item.HitCount
		given.LastUsedAt = &now
		given.UpdatedAt = now
		touched = true
	}
	if !touched {
		return nil
	}
	return s.flush()
}

func cloneItem(item *Item) *Item {
	clone := *item
	clone.Tags = append([]string(nil), item.Tags...)
	if item.LastUsedAt != nil {
		t := *item.LastUsedAt
		clone.LastUsedAt = &t
	}
	return &clone
}
