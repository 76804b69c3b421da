package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// perItemOverhead covers the bullet formatting around each injected item.
const perItemOverhead = 8

const (
	contextHeader = "Relevant memory context:"
	contextFooter = "(Project-scoped entries take precedence over host-scoped ones.)"
)

// RetrieveResult is a budgeted selection plus its rendered injection block.
type RetrieveResult struct {
	Items           []*Item
	Context         string
	EstimatedTokens int
}

// Retriever selects items for prompt injection within a token budget.
type Retriever struct {
	store Store
}

func NewRetriever(store Store) *Retriever {
	return &Retriever{store: store}
}

// Retrieve pulls candidate items, orders them by injection priority, and
// greedily admits them while the running token estimate stays within
// budget. The first item is always admitted. Selected items get their hit
// counters touched.
func (r *Retriever) Retrieve(ctx context.Context, hostID, projectID, search string, topK, tokenBudget int) (*RetrieveResult, error) {
	fetch := topK * 3
	if fetch < topK {
		fetch = topK
	}
	items, err := r.store.List(ctx, Query{
		HostID:      hostID,
		ProjectID:   projectID,
		EnabledOnly: true,
		Search:      search,
		Limit:       fetch,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve: %w", err)
	}
	if len(items) == 0 {
		return &RetrieveResult{}, nil
	}

	sortByInjectionPriority(items)

	var selected []*Item
	used := 0
	for _, item := range items {
		if len(selected) >= topK {
			break
		}
		cost := EstimateTokens(item.Content) + perItemOverhead
		if len(selected) > 0 && used+cost > tokenBudget {
			continue
		}
		selected = append(selected, item)
		used += cost
	}

	if err := r.store.TouchHits(ctx, selected); err != nil {
		return nil, fmt.Errorf("memory: touch hits: %w", err)
	}

	return &RetrieveResult{
		Items:           selected,
		Context:         renderContext(selected),
		EstimatedTokens: used,
	}, nil
}

// Injection priority buckets, highest first:
//  1. project-scope pinned
//  2. project-scope
//  3. host-scope preferences
//  4. everything else
//
// Within a bucket: pinned first, then most recently updated.
func sortByInjectionPriority(items []*Item) {
	sort.SliceStable(items, func(i, j int) bool {
		bi, bj := priorityBucket(items[i]), priorityBucket(items[j])
		if bi != bj {
			return bi < bj
		}
		return lessByPinnedUpdated(items[i], items[j])
	})
}

func priorityBucket(item *Item) int {
	switch {
	case item.Scope == ScopeProject && item.Pinned:
		return 0
	case item.Scope == ScopeProject:
		return 1
	case item.Scope == ScopeHost && item.Kind == KindPreference:
		return 2
	default:
		return 3
	}
}

func renderContext(items []*Item) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(contextHeader)
	b.WriteString("\n")
	for _, item := range items {
		fmt.Fprintf(&b, "- [%s/%s] %s\n", item.Scope, item.Kind, item.Content)
	}
	b.WriteString(contextFooter)
	return b.String()
}
