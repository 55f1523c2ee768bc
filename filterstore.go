package agentdesk

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"
)

// FilterStore persists the active filter per workspace. Implementations
// never store the transient search text.
type FilterStore interface {
	LoadFilter(ctx context.Context, workspaceID string) (*Filter, error)
	SaveFilter(ctx context.Context, workspaceID string, filter Filter) error
	DeleteFilter(ctx context.Context, workspaceID string) error
}

// ============================================================================
// MemoryFilterStore
// ============================================================================

// MemoryFilterStore keeps filters for the lifetime of the process.
type MemoryFilterStore struct {
	mu      sync.RWMutex
	filters map[string][]byte
}

// NewMemoryFilterStore creates an empty in-process filter store.
func NewMemoryFilterStore() *MemoryFilterStore {
	return &MemoryFilterStore{filters: make(map[string][]byte)}
}

// LoadFilter returns nil, nil when nothing was saved for workspaceID.
func (s *MemoryFilterStore) LoadFilter(_ context.Context, workspaceID string) (*Filter, error) {
	s.mu.RLock()
	data, ok := s.filters[workspaceID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var f Filter
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "decode filter")
	}
	return &f, nil
}

func (s *MemoryFilterStore) SaveFilter(_ context.Context, workspaceID string, filter Filter) error {
	data, err := json.Marshal(filter.Persistable())
	if err != nil {
		return errors.Wrap(err, "encode filter")
	}
	s.mu.Lock()
	s.filters[workspaceID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryFilterStore) DeleteFilter(_ context.Context, workspaceID string) error {
	s.mu.Lock()
	delete(s.filters, workspaceID)
	s.mu.Unlock()
	return nil
}

// ============================================================================
// SQLiteFilterStore
// ============================================================================

// SQLiteFilterStore keeps one JSON row per workspace in a local SQLite file.
type SQLiteFilterStore struct {
	db *sql.DB
}

// OpenSQLiteFilterStore opens (creating if needed) the database at path.
func OpenSQLiteFilterStore(ctx context.Context, path string) (*SQLiteFilterStore, error) {
	if path == "" {
		return nil, errors.New("dsn required")
	}

	// With modernc.org/sqlite each pragma is passed as _pragma=.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open filter store at %s", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteFilterStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteFilterStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS workspace_filter (
		workspace_id TEXT PRIMARY KEY,
		filter       TEXT NOT NULL,
		updated_ts   BIGINT NOT NULL
	)`)
	return errors.Wrap(err, "failed to create workspace_filter table")
}

// LoadFilter returns nil, nil when nothing was saved for workspaceID.
func (s *SQLiteFilterStore) LoadFilter(ctx context.Context, workspaceID string) (*Filter, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT filter FROM workspace_filter WHERE workspace_id = ?", workspaceID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load filter for workspace %s", workspaceID)
	}
	var f Filter
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, errors.Wrap(err, "decode filter")
	}
	return &f, nil
}

func (s *SQLiteFilterStore) SaveFilter(ctx context.Context, workspaceID string, filter Filter) error {
	data, err := json.Marshal(filter.Persistable())
	if err != nil {
		return errors.Wrap(err, "encode filter")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO workspace_filter (workspace_id, filter, updated_ts)
		VALUES (?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET filter = excluded.filter, updated_ts = excluded.updated_ts`,
		workspaceID, string(data), time.Now().Unix())
	return errors.Wrapf(err, "failed to save filter for workspace %s", workspaceID)
}

func (s *SQLiteFilterStore) DeleteFilter(ctx context.Context, workspaceID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM workspace_filter WHERE workspace_id = ?", workspaceID)
	return errors.Wrapf(err, "failed to delete filter for workspace %s", workspaceID)
}

// Workspaces lists every workspace with a saved filter.
func (s *SQLiteFilterStore) Workspaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT workspace_id FROM workspace_filter ORDER BY workspace_id")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workspaces")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan workspace")
		}
		out = append(out, id)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate workspaces")
}

// Close closes the underlying database.
func (s *SQLiteFilterStore) Close() error {
	return s.db.Close()
}
