package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newRetrieverStore(t *testing.T) Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRetrieve_PriorityBuckets(t *testing.T) {
	ctx := context.Background()
	s := newRetrieverStore(t)

	// Insert in reverse priority order so sorting has to do the work.
	mustCreate(t, s, Mutation{HostID: "h1", Scope: ScopeHost, Kind: KindFact, Content: "host fact lowest bucket"})
	time.Sleep(time.Millisecond)
	mustCreate(t, s, Mutation{HostID: "h1", Scope: ScopeHost, Kind: KindPreference, Content: "host preference third bucket"})
	time.Sleep(time.Millisecond)
	mustCreate(t, s, Mutation{HostID: "h1", ProjectID: "p1", Scope: ScopeProject, Kind: KindFact, Content: "project item second bucket"})
	time.Sleep(time.Millisecond)
	mustCreate(t, s, Mutation{HostID: "h1", ProjectID: "p1", Scope: ScopeProject, Kind: KindConstraint, Content: "pinned project item first bucket", Pinned: true})

	r := NewRetriever(s)
	res, err := r.Retrieve(ctx, "h1", "p1", "", 10, 6000)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(res.Items) != 4 {
		t.Fatalf("items = %d, want 4", len(res.Items))
	}
	wantOrder := []string{
		"pinned project item first bucket",
		"project item second bucket",
		"host preference third bucket",
		"host fact lowest bucket",
	}
	for i, want := range wantOrder {
		if res.Items[i].Content != want {
			t.Fatalf("position %d = %q, want %q", i, res.Items[i].Content, want)
		}
	}
}

func TestRetrieve_BudgetAdmission(t *testing.T) {
	ctx := context.Background()
	s := newRetrieverStore(t)

	long := strings.Repeat("word ", 200) // ~250 tokens + overhead
	mustCreate(t, s, Mutation{HostID: "h1", ProjectID: "p1", Scope: ScopeProject, Content: long, Pinned: true})
	mustCreate(t, s, Mutation{HostID: "h1", ProjectID: "p1", Scope: ScopeProject, Content: strings.Repeat("more ", 200)})
	mustCreate(t, s, Mutation{HostID: "h1", Scope: ScopeHost, Kind: KindPreference, Content: "tiny preference"})

	r := NewRetriever(s)
	// Budget fits the first (always admitted) item and the tiny one, but
	// not the second long item.
	res, err := r.Retrieve(ctx, "h1", "p1", "", 10, 300)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("items = %d, want 2 (first long + tiny)", len(res.Items))
	}
	if !strings.HasPrefix(res.Items[0].Content, "word") {
		t.Fatalf("first admitted = %q", res.Items[0].Content)
	}
	if res.Items[1].Content != "tiny preference" {
		t.Fatalf("second admitted = %q", res.Items[1].Content)
	}
	if res.EstimatedTokens > 300+EstimateTokens(res.Items[0].Content)+perItemOverhead {
		t.Fatalf("estimate = %d looks wrong", res.EstimatedTokens)
	}
}

func TestRetrieve_FirstItemAlwaysAdmitted(t *testing.T) {
	ctx := context.Background()
	s := newRetrieverStore(t)
	mustCreate(t, s, Mutation{HostID: "h1", Content: strings.Repeat("big ", 500)})

	res, err := NewRetriever(s).Retrieve(ctx, "h1", "", "", 5, 200)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("items = %d, want the oversized first item admitted", len(res.Items))
	}
}

func TestRetrieve_SkipsDisabledAndTouchesHits(t *testing.T) {
	ctx := context.Background()
	s := newRetrieverStore(t)
	disabled := false
	mustCreate(t, s, Mutation{HostID: "h1", Content: "disabled item", Enabled: &disabled})
	item := mustCreate(t, s, Mutation{HostID: "h1", Content: "enabled item"})

	res, err := NewRetriever(s).Retrieve(ctx, "h1", "", "", 5, 1000)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].ID != item.ID {
		t.Fatalf("items = %v", res.Items)
	}

	stored, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.HitCount != 1 || stored.LastUsedAt == nil {
		t.Fatalf("selection should touch hits: %+v", stored)
	}
}

func TestRetrieve_RenderedContext(t *testing.T) {
	ctx := context.Background()
	s := newRetrieverStore(t)
	mustCreate(t, s, Mutation{HostID: "h1", ProjectID: "p1", Scope: ScopeProject, Kind: KindConstraint, Content: "Always run tests"})

	res, err := NewRetriever(s).Retrieve(ctx, "h1", "p1", "", 5, 1000)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !strings.HasPrefix(res.Context, contextHeader) {
		t.Fatalf("context = %q", res.Context)
	}
	if !strings.Contains(res.Context, "- [project/constraint] Always run tests") {
		t.Fatalf("bullet missing from context:\n%s", res.Context)
	}
	if !strings.HasSuffix(res.Context, contextFooter) {
		t.Fatalf("footer missing from context:\n%s", res.Context)
	}
}

func TestRetrieve_EmptyStore(t *testing.T) {
	s := newRetrieverStore(t)
	res, err := NewRetriever(s).Retrieve(context.Background(), "h1", "", "anything", 5, 1000)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(res.Items) != 0 || res.Context != "" {
		t.Fatalf("res = %+v, want empty", res)
	}
}
