package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/assocmem/core/internal/encoding"
	"github.com/assocmem/core/pkg/assocerr"
	"github.com/assocmem/core/pkg/corelog"
	"github.com/assocmem/core/pkg/scope"

	_ "modernc.org/sqlite"
)

// Store is the MetadataStore: a durable, SQLite-backed record of every
// memory, its tags, and its access statistics.
type Store struct {
	db  *sql.DB
	log corelog.Logger
}

// Open opens (creating if necessary) a SQLite-backed MetadataStore at
// path, tuned the way the teacher tunes its SQLiteStore: WAL mode,
// NORMAL synchronous, a 5s busy timeout, and a negative cache_size
// (interpreted by SQLite as KB rather than pages).
func Open(ctx context.Context, path string, log corelog.Logger) (*Store, error) {
	if log == nil {
		log = corelog.Nop()
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=cache_size(-2000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, assocerr.Wrap("metadata.open", assocerr.KindStoreUnavailable, err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	s := &Store{db: db, log: log}
	if err := s.createTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenDB wraps an already-open *sql.DB (used by the engine when the
// vector index and association graph snapshot share one database file).
func OpenDB(ctx context.Context, db *sql.DB, log corelog.Logger) (*Store, error) {
	if log == nil {
		log = corelog.Nop()
	}
	s := &Store{db: db, log: log}
	if err := s.createTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			scope TEXT NOT NULL,
			category TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			accessed_at TIMESTAMP NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope);
		CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at);

		CREATE TABLE IF NOT EXISTS memory_tags (
			memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
			tag TEXT NOT NULL,
			PRIMARY KEY (memory_id, tag)
		);
		CREATE INDEX IF NOT EXISTS idx_memory_tags_tag ON memory_tags(tag);
	`)
	if err != nil {
		return assocerr.Wrap("metadata.create_tables", assocerr.KindStoreUnavailable, err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Put inserts or replaces a memory record and its tags.
func (s *Store) Put(ctx context.Context, m *Memory) error {
	metaJSON, err := encoding.EncodeMetadata(m.Metadata)
	if err != nil {
		return assocerr.Wrap("metadata.put", assocerr.KindValidation, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return assocerr.Wrap("metadata.put", assocerr.KindStoreUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories (id, content, scope, category, metadata, created_at, updated_at, accessed_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content=excluded.content, scope=excluded.scope, category=excluded.category,
			metadata=excluded.metadata, created_at=excluded.created_at, updated_at=excluded.updated_at,
			accessed_at=excluded.accessed_at, access_count=excluded.access_count
	`, m.ID, m.Content, m.Scope, m.Category, metaJSON, m.CreatedAt, m.UpdatedAt, m.AccessedAt, m.AccessCount); err != nil {
		return assocerr.Wrap("metadata.put", assocerr.KindStoreUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_tags WHERE memory_id = ?`, m.ID); err != nil {
		return assocerr.Wrap("metadata.put", assocerr.KindStoreUnavailable, err)
	}
	for _, tag := range NormalizeTags(m.Tags) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO memory_tags (memory_id, tag) VALUES (?, ?)`, m.ID, tag); err != nil {
			return assocerr.Wrap("metadata.put", assocerr.KindStoreUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return assocerr.Wrap("metadata.put", assocerr.KindStoreUnavailable, err)
	}
	return nil
}

// Get returns the memory with id, or a NotFound error if absent.
func (s *Store) Get(ctx context.Context, id string) (*Memory, error) {
	m, err := s.scanOne(ctx, id)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) scanOne(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, scope, category, metadata, created_at, updated_at, accessed_at, access_count
		FROM memories WHERE id = ?
	`, id)

	m := &Memory{}
	var category sql.NullString
	var metaJSON sql.NullString
	if err := row.Scan(&m.ID, &m.Content, &m.Scope, &category, &metaJSON, &m.CreatedAt, &m.UpdatedAt, &m.AccessedAt, &m.AccessCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, assocerr.New("metadata.get", assocerr.KindNotFound, "memory not found: "+id)
		}
		return nil, assocerr.Wrap("metadata.get", assocerr.KindStoreUnavailable, err)
	}
	m.Category = category.String
	meta, err := encoding.DecodeMetadata(metaJSON.String)
	if err != nil {
		return nil, assocerr.Wrap("metadata.get", assocerr.KindInternal, err)
	}
	m.Metadata = meta

	tags, err := s.tagsOf(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Tags = tags
	return m, nil
}

func (s *Store) tagsOf(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag FROM memory_tags WHERE memory_id = ? ORDER BY tag`, id)
	if err != nil {
		return nil, assocerr.Wrap("metadata.tags", assocerr.KindStoreUnavailable, err)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, assocerr.Wrap("metadata.tags", assocerr.KindInternal, err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// Update replaces the record for m.ID with m. Returns NotFound if absent.
func (s *Store) Update(ctx context.Context, m *Memory) error {
	if _, err := s.scanOne(ctx, m.ID); err != nil {
		return err
	}
	return s.Put(ctx, m)
}

// Delete removes the memory and its tags. Returns NotFound if absent.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return assocerr.Wrap("metadata.delete", assocerr.KindStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return assocerr.New("metadata.delete", assocerr.KindNotFound, "memory not found: "+id)
	}
	return nil
}

// RecordAccess increments access_count and bumps accessed_at to now.
func (s *Store) RecordAccess(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET access_count = access_count + 1, accessed_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return assocerr.Wrap("metadata.record_access", assocerr.KindStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return assocerr.New("metadata.record_access", assocerr.KindNotFound, "memory not found: "+id)
	}
	return nil
}

// List returns memories matching filter, ordered by created_at desc,
// id asc, paginated by limit/offset.
func (s *Store) List(ctx context.Context, filter scope.Filter, limit, offset int) ([]*Memory, error) {
	where, args := scopeWhereClauseOnly(filter, "")
	query := fmt.Sprintf(`
		SELECT id FROM memories %s
		ORDER BY created_at DESC, id ASC
		LIMIT ? OFFSET ?
	`, where)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, assocerr.Wrap("metadata.list", assocerr.KindStoreUnavailable, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, assocerr.Wrap("metadata.list", assocerr.KindInternal, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, assocerr.Wrap("metadata.list", assocerr.KindStoreUnavailable, err)
	}

	return s.hydrate(ctx, ids)
}

func (s *Store) hydrate(ctx context.Context, ids []string) ([]*Memory, error) {
	out := make([]*Memory, 0, len(ids))
	for _, id := range ids {
		m, err := s.scanOne(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Count returns the number of memories matching filter.
func (s *Store) Count(ctx context.Context, filter scope.Filter) (int, error) {
	where, args := scopeWhereClauseOnly(filter, "")
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM memories %s`, where), args...).Scan(&n)
	if err != nil {
		return 0, assocerr.Wrap("metadata.count", assocerr.KindStoreUnavailable, err)
	}
	return n, nil
}

// ListScopes returns the distinct scopes currently in use.
func (s *Store) ListScopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT scope FROM memories ORDER BY scope`)
	if err != nil {
		return nil, assocerr.Wrap("metadata.list_scopes", assocerr.KindStoreUnavailable, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var sc string
		if err := rows.Scan(&sc); err != nil {
			return nil, assocerr.Wrap("metadata.list_scopes", assocerr.KindInternal, err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// SearchByTags returns memories matching tags: all of them if matchAll,
// else any of them, optionally scope-filtered.
func (s *Store) SearchByTags(ctx context.Context, tags []string, filter scope.Filter, matchAll bool, limit int) ([]*Memory, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(tags))
	args := make([]any, len(tags))
	for i, t := range tags {
		placeholders[i] = "?"
		args[i] = t
	}
	having := "HAVING COUNT(DISTINCT tag) >= 1"
	if matchAll {
		having = fmt.Sprintf("HAVING COUNT(DISTINCT tag) = %d", len(tags))
	}

	scopeClause, scopeArgs := scopeWhereClauseOnly(filter, "m")
	if scopeClause != "" {
		scopeClause = "AND " + strings.TrimPrefix(scopeClause, "WHERE ")
	}
	query := fmt.Sprintf(`
		SELECT m.id FROM memories m
		JOIN memory_tags t ON t.memory_id = m.id
		WHERE t.tag IN (%s) %s
		GROUP BY m.id
		%s
		ORDER BY m.created_at DESC, m.id ASC
		LIMIT ?
	`, strings.Join(placeholders, ","), scopeClause, having)

	args = append(args, scopeArgs...)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, assocerr.Wrap("metadata.search_by_tags", assocerr.KindStoreUnavailable, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, assocerr.Wrap("metadata.search_by_tags", assocerr.KindInternal, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	return s.hydrate(ctx, ids)
}

// SearchByTimerange returns memories created within [start, end].
func (s *Store) SearchByTimerange(ctx context.Context, start, end time.Time, filter scope.Filter, limit int) ([]*Memory, error) {
	scopeClause, scopeArgs := scopeWhereClauseOnly(filter, "")
	var where string
	if scopeClause == "" {
		where = "WHERE created_at BETWEEN ? AND ?"
	} else {
		where = scopeClause + " AND created_at BETWEEN ? AND ?"
	}
	args := append(scopeArgs, start, end, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id FROM memories %s
		ORDER BY created_at DESC, id ASC
		LIMIT ?
	`, where), args...)
	if err != nil {
		return nil, assocerr.Wrap("metadata.search_by_timerange", assocerr.KindStoreUnavailable, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, assocerr.Wrap("metadata.search_by_timerange", assocerr.KindInternal, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	return s.hydrate(ctx, ids)
}

// FullTextSearch is the best-effort fallback used by SearchEngine when
// the Embedder is unavailable: a simple LIKE match over content.
func (s *Store) FullTextSearch(ctx context.Context, text string, filter scope.Filter, limit int) ([]*Memory, error) {
	scopeClause, scopeArgs := scopeWhereClauseOnly(filter, "")
	var where string
	if scopeClause == "" {
		where = "WHERE content LIKE ?"
	} else {
		where = scopeClause + " AND content LIKE ?"
	}
	args := append(scopeArgs, "%"+text+"%", limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id FROM memories %s
		ORDER BY created_at DESC, id ASC
		LIMIT ?
	`, where), args...)
	if err != nil {
		return nil, assocerr.Wrap("metadata.full_text_search", assocerr.KindStoreUnavailable, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, assocerr.Wrap("metadata.full_text_search", assocerr.KindInternal, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	return s.hydrate(ctx, ids)
}

// AllIDs returns every memory id, for Reconcile.
func (s *Store) AllIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM memories`)
	if err != nil {
		return nil, assocerr.Wrap("metadata.all_ids", assocerr.KindStoreUnavailable, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, assocerr.Wrap("metadata.all_ids", assocerr.KindInternal, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scopeWhereClauseOnly(filter scope.Filter, table string) (string, []any) {
	col := "scope"
	if table != "" {
		col = table + ".scope"
	}
	switch filter.Kind {
	case scope.FilterExact:
		return "WHERE " + col + " = ?", []any{filter.Path}
	case scope.FilterSubtree:
		return "WHERE (" + col + " = ? OR " + col + " LIKE ?)", []any{filter.Path, filter.Path + "/%"}
	default:
		return "", nil
	}
}
