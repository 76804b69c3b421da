package memory

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
)

// ErrEmptyContent rejects create/update calls whose content trims to "".
var ErrEmptyContent = errors.New("memory: content must not be empty")

// Store is the persistence contract for memory items. All mutations are
// atomic; implementations serialize writes behind a single-writer lock.
type Store interface {
	// Create validates and persists a new item.
	Create(ctx context.Context, mut Mutation) (*Item, error)

	// Update applies a patch. Returns (nil, nil) when no such id exists.
	Update(ctx context.Context, id string, patch Patch) (*Item, error)

	// Delete removes an item, reporting whether anything was deleted.
	Delete(ctx context.Context, id string) (bool, error)

	// Get returns an item by id, or (nil, nil) when absent.
	Get(ctx context.Context, id string) (*Item, error)

	// List filters and orders items per Query. With a search string results
	// rank by full-text relevance; otherwise pinned DESC, updatedAt DESC.
	List(ctx context.Context, q Query) ([]*Item, error)

	// UpsertAuto merges extractor candidates into the store: an existing
	// auto item with the same (hostId, projectId, scope, kind,
	// normalizedContent) absorbs the candidate (tag union, max confidence,
	// re-enabled); otherwise the candidate is inserted. Returns the
	// affected items.
	UpsertAuto(ctx context.Context, hostID, projectID string, candidates []Candidate) ([]*Item, error)

	// TouchHits bumps hitCount and stamps lastUsedAt/updatedAt on the
	// given items.
	TouchHits(ctx context.Context, items []*Item) error

	Close() error
}

// Open returns the SQLite-backed store, or the JSON-file fallback when the
// engine cannot be initialized. The downgrade is transparent to callers;
// an error means neither backend could start.
func Open(dataDir string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := OpenSQLite(filepath.Join(dataDir, "memory.db"))
	if err == nil {
		return store, nil
	}
	logger.Warn("memory: sqlite unavailable, falling back to file store", "error", err)
	return OpenFileStore(filepath.Join(dataDir, "memory-items.json"))
}
