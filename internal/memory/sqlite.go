package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const timeLayout = time.RFC3339Nano

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS memory_items (
	id TEXT PRIMARY KEY,
	host_id TEXT NOT NULL,
	project_id TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL,
	kind TEXT NOT NULL,
	content TEXT NOT NULL,
	normalized_content TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '[]',
	confidence REAL NOT NULL DEFAULT 0,
	pinned INTEGER NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 1,
	source TEXT NOT NULL,
	source_task_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	last_used_at TEXT,
	hit_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_memory_lookup
	ON memory_items(host_id, project_id, scope, kind, normalized_content);
CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
	content, tags, content='memory_items', content_rowid='rowid');
CREATE TRIGGER IF NOT EXISTS memory_fts_ai AFTER INSERT ON memory_items BEGIN
	INSERT INTO memory_fts(rowid, content, tags) VALUES (new.rowid, new.content, new.tags);
END;
CREATE TRIGGER IF NOT EXISTS memory_fts_ad AFTER DELETE ON memory_items BEGIN
	INSERT INTO memory_fts(memory_fts, rowid, content, tags) VALUES ('delete', old.rowid, old.content, old.tags);
END;
CREATE TRIGGER IF NOT EXISTS memory_fts_au AFTER UPDATE ON memory_items BEGIN
	INSERT INTO memory_fts(memory_fts, rowid, content, tags) VALUES ('delete', old.rowid, old.content, old.tags);
	INSERT INTO memory_fts(rowid, content, tags) VALUES (new.rowid, new.content, new.tags);
END;
`

// SQLiteStore is the primary Store backend: an embedded database with an
// FTS5 index over content and tags.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // single writer
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("memory: create db directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("memory: init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const itemColumns = `id, host_id, project_id, scope, kind, content, tags,
	confidence, pinned, enabled, source, source_task_id,
	created_at, updated_at, last_used_at, hit_count`

func (s *SQLiteStore) Create(ctx context.Context, mut Mutation) (*Item, error) {
	item, err := itemFromMutation(mut)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insert(ctx, s.db, item); err != nil {
		return nil, err
	}
	return item, nil
}

func itemFromMutation(mut Mutation) (*Item, error) {
	content := strings.TrimSpace(mut.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	now := time.Now().UTC()
	enabled := true
	if mut.Enabled != nil {
		enabled = *mut.Enabled
	}
	scope := mut.Scope
	if scope == "" {
		scope = ScopeHost
	}
	kind := mut.Kind
	if kind == "" {
		kind = KindFact
	}
	source := mut.Source
	if source == "" {
		source = SourceManual
	}
	return &Item{
		ID:           uuid.NewString(),
		HostID:       mut.HostID,
		ProjectID:    mut.ProjectID,
		Scope:        scope,
		Kind:         kind,
		Content:      content,
		Tags:         normalizeTags(mut.Tags),
		Confidence:   clampConfidence(mut.Confidence),
		Pinned:       mut.Pinned,
		Enabled:      enabled,
		Source:       source,
		SourceTaskID: mut.SourceTaskID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insert(ctx context.Context, db execer, item *Item) error {
	tags, _ := json.Marshal(item.Tags)
	_, err := db.ExecContext(ctx, `
		INSERT INTO memory_items (`+itemColumns+`, normalized_content)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.HostID, item.ProjectID, string(item.Scope), string(item.Kind),
		item.Content, string(tags), item.Confidence, boolInt(item.Pinned),
		boolInt(item.Enabled), string(item.Source), item.SourceTaskID,
		item.CreatedAt.Format(timeLayout), item.UpdatedAt.Format(timeLayout),
		nullableTime(item.LastUsedAt), item.HitCount,
		NormalizeContent(item.Content),
	)
	if err != nil {
		return fmt.Errorf("memory: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, patch Patch) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.get(ctx, id)
	if err != nil || item == nil {
		return nil, err
	}
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

	tags, _ := json.Marshal(item.Tags)
	_, err = s.db.ExecContext(ctx, `
		UPDATE memory_items SET
			project_id = ?, scope = ?, kind = ?, content = ?, normalized_content = ?,
			tags = ?, confidence = ?, pinned = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		item.ProjectID, string(item.Scope), string(item.Kind), item.Content,
		NormalizeContent(item.Content), string(tags), item.Confidence,
		boolInt(item.Pinned), boolInt(item.Enabled),
		item.UpdatedAt.Format(timeLayout), id,
	)
	if err != nil {
		return nil, fmt.Errorf("memory: update: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_items WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("memory: delete: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Item, error) {
	return s.get(ctx, id)
}

func (s *SQLiteStore) get(ctx context.Context, id string) (*Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM memory_items WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("memory: get: %w", err)
	}
	defer rows.Close()
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

func (s *SQLiteStore) List(ctx context.Context, q Query) ([]*Item, error) {
	where, args := buildFilter(q)
	limit := q.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	var query string
	if terms := ftsQuery(q.Search); terms != "" {
		query = `SELECT ` + qualifyColumns("m") + `
			FROM memory_items m JOIN memory_fts f ON f.rowid = m.rowid
			WHERE f.memory_fts MATCH ? AND ` + strings.ReplaceAll(where, "WHERE ", "") + `
			ORDER BY bm25(f.memory_fts), m.pinned DESC, m.updated_at DESC
			LIMIT ? OFFSET ?`
		args = append([]any{terms}, args...)
	} else {
		query = `SELECT ` + itemColumns + ` FROM memory_items ` + where + `
			ORDER BY pinned DESC, updated_at DESC
			LIMIT ? OFFSET ?`
	}
	args = append(args, limit, max(0, q.Offset))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// buildFilter renders the shared WHERE clause. Filters reference unqualified
// column names, valid both standalone and with the single-table alias "m"
// because the FTS join only adds f.* columns with distinct names.
func buildFilter(q Query) (string, []any) {
	clauses := []string{"host_id = ?"}
	args := []any{q.HostID}

	if q.ProjectID != "" {
		clauses = append(clauses, "(scope = 'host' OR (scope = 'project' AND project_id = ?))")
		args = append(args, q.ProjectID)
	}
	if q.Scope != "" {
		clauses = append(clauses, "scope = ?")
		args = append(args, string(q.Scope))
	}
	if q.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.EnabledOnly {
		clauses = append(clauses, "enabled = 1")
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func qualifyColumns(alias string) string {
	cols := strings.Split(itemColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// ftsQuery turns free text into a defensive FTS5 match expression: each
// term quoted, joined with OR. Empty input disables the FTS path.
func ftsQuery(search string) string {
	fields := strings.Fields(search)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	if len(terms) == 0 {
		return ""
	}
	return strings.Join(terms, " OR ")
}

func (s *SQLiteStore) UpsertAuto(ctx context.Context, hostID, projectID string, candidates []Candidate) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: begin upsert: %w", err)
	}
	defer tx.Rollback()

	var affected []*Item
	for _, cand := range candidates {
		item, err := s.upsertOne(ctx, tx, hostID, projectID, cand)
		if err != nil {
			return nil, err
		}
		if item != nil {
			affected = append(affected, item)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("memory: commit upsert: %w", err)
	}
	return affected, nil
}

func (s *SQLiteStore) upsertOne(ctx context.Context, tx *sql.Tx, hostID, projectID string, cand Candidate) (*Item, error) {
	content := strings.TrimSpace(cand.Content)
	if content == "" {
		return nil, nil
	}
	scope := cand.Scope
	if scope == "" {
		scope = ScopeHost
	}
	// A project-scoped item must carry a project id.
	if scope == ScopeProject && projectID == "" {
		return nil, nil
	}
	itemProject := ""
	if scope == ScopeProject {
		itemProject = projectID
	}
	normalized := NormalizeContent(content)

	rows, err := tx.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM memory_items
		WHERE host_id = ? AND project_id = ? AND scope = ? AND kind = ?
			AND normalized_content = ? AND source IN ('auto_rule', 'auto_llm')
		LIMIT 1`,
		hostID, itemProject, string(scope), string(cand.Kind), normalized)
	if err != nil {
		return nil, fmt.Errorf("memory: upsert lookup: %w", err)
	}
	existing, err := scanItems(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if len(existing) > 0 {
		item := existing[0]
		item.Tags = unionTags(item.Tags, cand.Tags)
		if cand.Confidence > item.Confidence {
			item.Confidence = clampConfidence(cand.Confidence)
		}
		item.Enabled = true
		item.UpdatedAt = now
		tags, _ := json.Marshal(item.Tags)
		if _, err := tx.ExecContext(ctx, `
			UPDATE memory_items SET tags = ?, confidence = ?, enabled = 1, updated_at = ?
			WHERE id = ?`,
			string(tags), item.Confidence, now.Format(timeLayout), item.ID); err != nil {
			return nil, fmt.Errorf("memory: upsert merge: %w", err)
		}
		return item, nil
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
	if err := s.insert(ctx, tx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *SQLiteStore) TouchHits(ctx context.Context, items []*Item) error {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin touch: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	stamp := now.Format(timeLayout)
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			UPDATE memory_items
			SET hit_count = hit_count + 1, last_used_at = ?, updated_at = ?
			WHERE id = ?`, stamp, stamp, item.ID); err != nil {
			return fmt.Errorf("memory: touch: %w", err)
		}
		item.HitCount++
		item.LastUsedAt = &now
		item.UpdatedAt = now
	}
	return tx.Commit()
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanItems(rows rowScanner) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		var (
			item                 Item
			scope, kind, source  string
			tagsJSON             string
			pinned, enabled      int
			createdStr, updStr   string
			lastUsed             sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.HostID, &item.ProjectID, &scope, &kind,
			&item.Content, &tagsJSON, &item.Confidence, &pinned, &enabled,
			&source, &item.SourceTaskID, &createdStr, &updStr, &lastUsed,
			&item.HitCount); err != nil {
			return nil, fmt.Errorf("memory: scan: %w", err)
		}
		item.Scope = Scope(scope)
		item.Kind = Kind(kind)
		item.Source = Source(source)
		item.Pinned = pinned != 0
		item.Enabled = enabled != 0
		_ = json.Unmarshal([]byte(tagsJSON), &item.Tags)
		item.CreatedAt, _ = time.Parse(timeLayout, createdStr)
		item.UpdatedAt, _ = time.Parse(timeLayout, updStr)
		if lastUsed.Valid && lastUsed.String != "" {
			if t, err := time.Parse(timeLayout, lastUsed.String); err == nil {
				item.LastUsedAt = &t
			}
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(timeLayout)
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func unionTags(a, b []string) []string {
	return normalizeTags(append(append([]string{}, a...), b...))
}
