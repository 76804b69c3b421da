package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// journalRelDir is where the markdown mirror lives, relative to either the
// gateway home dir (host scope) or a project working directory.
const journalRelDir = ".opencode/memory"

// Journal mirrors persisted items to human-readable markdown: an
// append-only per-day log plus a deduplicated MEMORY.md summary.
type Journal struct {
	homeDir string
}

func NewJournal(homeDir string) *Journal {
	return &Journal{homeDir: homeDir}
}

// rootFor picks the mirror root: the project tree for project-scoped
// writes, the gateway home dir otherwise.
func (j *Journal) rootFor(projectCwd string) string {
	if projectCwd != "" {
		return filepath.Join(projectCwd, journalRelDir)
	}
	return filepath.Join(j.homeDir, journalRelDir, "global")
}

// Append writes one bullet per item to today's daily log.
func (j *Journal) Append(projectCwd string, items []*Item) error {
	if len(items) == 0 {
		return nil
	}
	dir := filepath.Join(j.rootFor(projectCwd), "daily")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("memory: create journal dir: %w", err)
	}
	path := filepath.Join(dir, time.Now().UTC().Format("2006-01-02")+".md")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open daily log: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, item := range items {
		b.WriteString(bulletLine(item))
		b.WriteString("\n")
	}
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("memory: append daily log: %w", err)
	}
	return nil
}

// UpdateSummary rewrites MEMORY.md with one bullet per item, deduplicated
// by normalized content (latest wins) and grouped by kind.
func (j *Journal) UpdateSummary(projectCwd string, items []*Item) error {
	root := j.rootFor(projectCwd)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("memory: create journal dir: %w", err)
	}
	path := filepath.Join(root, "MEMORY.md")

	existing := readSummaryBullets(path)
	for _, item := range items {
		existing[NormalizeContent(item.Content)] = bulletLine(item)
	}

	lines := make([]string, 0, len(existing))
	for _, line := range existing {
		lines = append(lines, line)
	}
	sort.Strings(lines)

	var b strings.Builder
	b.WriteString("# Memory\n\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("memory: write summary: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("memory: replace summary: %w", err)
	}
	return nil
}

// RebuildSummary replaces MEMORY.md wholesale from the given item set.
func (j *Journal) RebuildSummary(projectCwd string, items []*Item) error {
	root := j.rootFor(projectCwd)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("memory: create journal dir: %w", err)
	}
	path := filepath.Join(root, "MEMORY.md")

	dedup := make(map[string]string, len(items))
	for _, item := range items {
		dedup[NormalizeContent(item.Content)] = bulletLine(item)
	}
	lines := make([]string, 0, len(dedup))
	for _, line := range dedup {
		lines = append(lines, line)
	}
	sort.Strings(lines)

	var b strings.Builder
	b.WriteString("# Memory\n\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("memory: write summary: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("memory: replace summary: %w", err)
	}
	return nil
}

// bulletLine renders the canonical mirror line:
//
//	- [kind] content (confidence=0.84, source=auto_rule, tags=a,b)
func bulletLine(item *Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- [%s] %s (confidence=%.2f, source=%s", item.Kind, item.Content, item.Confidence, item.Source)
	if len(item.Tags) > 0 {
		fmt.Fprintf(&b, ", tags=%s", strings.Join(item.Tags, ","))
	}
	b.WriteString(")")
	return b.String()
}

// readSummaryBullets loads existing bullets keyed by the normalized content
// inside them, tolerating hand edits that aren't bullets at all.
func readSummaryBullets(path string) map[string]string {
	out := make(map[string]string)
	data, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "- [") {
			continue
		}
		content := summaryBulletContent(trimmed)
		if content == "" {
			continue
		}
		out[NormalizeContent(content)] = trimmed
	}
	return out
}

// summaryBulletContent extracts the content between "- [kind] " and the
// trailing " (confidence=...)" annotation.
func summaryBulletContent(line string) string {
	end := strings.Index(line, "] ")
	if end < 0 {
		return ""
	}
	rest := line[end+2:]
	if idx := strings.LastIndex(rest, " (confidence="); idx >= 0 {
		rest = rest[:idx]
	}
	return strings.TrimSpace(rest)
}
