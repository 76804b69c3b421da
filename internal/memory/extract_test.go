package memory

import (
	"strings"
	"testing"
)

func TestExtractRules_Classification(t *testing.T) {
	in := ExtractInput{
		TaskTitle:       "Fix the flaky integration suite",
		TaskDescription: "You must never commit directly to main. I prefer small focused commits.",
		TaskPrompt:      "Before committing, run the linter and then the full test suite.",
		TaskOutput:      "The project uses PostgreSQL 15 for storage. Done.",
	}
	candidates := ExtractRules(in)

	byKind := map[Kind]*Candidate{}
	for i := range candidates {
		byKind[candidates[i].Kind] = &candidates[i]
	}

	constraint, ok := byKind[KindConstraint]
	if !ok {
		t.Fatalf("no constraint extracted from %v", candidates)
	}
	if constraint.Scope != ScopeProject || constraint.Confidence != confConstraint {
		t.Fatalf("constraint = %+v", constraint)
	}

	pref, ok := byKind[KindPreference]
	if !ok {
		t.Fatalf("no preference extracted from %v", candidates)
	}
	if pref.Scope != ScopeHost || pref.Confidence != confPreference {
		t.Fatalf("preference = %+v", pref)
	}

	workflow, ok := byKind[KindWorkflow]
	if !ok {
		t.Fatalf("no workflow extracted from %v", candidates)
	}
	if workflow.Scope != ScopeProject || workflow.Confidence != confWorkflow {
		t.Fatalf("workflow = %+v", workflow)
	}

	fact, ok := byKind[KindFact]
	if !ok {
		t.Fatalf("no fact extracted from %v", candidates)
	}
	if fact.Scope != ScopeProject || fact.Confidence != confFact {
		t.Fatalf("fact = %+v", fact)
	}
	if !strings.Contains(fact.Content, "PostgreSQL") {
		t.Fatalf("fact content = %q", fact.Content)
	}

	for _, c := range candidates {
		if c.Source != SourceAutoRule {
			t.Fatalf("source = %q, want auto_rule", c.Source)
		}
	}
}

func TestExtractRules_FactsOnlyFromOutput(t *testing.T) {
	in := ExtractInput{
		TaskPrompt: "The project uses PostgreSQL 15 for storage.",
	}
	for _, c := range ExtractRules(in) {
		if c.Kind == KindFact {
			t.Fatalf("fact extracted from prompt side: %+v", c)
		}
	}
}

func TestExtractRules_FactWindowLimit(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("Some filler sentence without any signal words here. ")
	}
	// Signal lands after the 24-sentence window.
	b.WriteString("The service depends on Redis for caching. ")
	candidates := ExtractRules(ExtractInput{TaskOutput: b.String()})
	for _, c := range candidates {
		if c.Kind == KindFact {
			t.Fatalf("fact outside the window extracted: %+v", c)
		}
	}
}

func TestExtractRules_DedupAndCap(t *testing.T) {
	sentence := "You must never push secrets"
	in := ExtractInput{
		TaskPrompt:      sentence + ". " + strings.ToUpper(sentence) + ".",
		TaskDescription: sentence + ".",
	}
	candidates := ExtractRules(in)
	count := 0
	for _, c := range candidates {
		if c.Kind == KindConstraint {
			count++
		}
	}
	if count != 1 {
		// Dedup is case-insensitive on content, so all three copies
		// collapse into one candidate.
		t.Fatalf("constraints = %d, want 1 unique", count)
	}

	var many strings.Builder
	for i := 0; i < 20; i++ {
		many.WriteString("You must never delete branch number ")
		many.WriteString(strings.Repeat("x", i+1))
		many.WriteString(". ")
	}
	if got := len(ExtractRules(ExtractInput{TaskPrompt: many.String()})); got > maxCandidates {
		t.Fatalf("candidates = %d, cap is %d", got, maxCandidates)
	}
}

func TestExtractRules_IgnoresShortFragments(t *testing.T) {
	candidates := ExtractRules(ExtractInput{TaskPrompt: "must not. ok. do not"})
	if len(candidates) != 0 {
		t.Fatalf("fragments should be skipped, got %v", candidates)
	}
}

func TestMeanConfidence(t *testing.T) {
	if MeanConfidence(nil) != 0 {
		t.Fatal("empty mean should be 0")
	}
	cands := []Candidate{{Confidence: 0.5}, {Confidence: 1.0}}
	if got := MeanConfidence(cands); got != 0.75 {
		t.Fatalf("mean = %v, want 0.75", got)
	}
}
