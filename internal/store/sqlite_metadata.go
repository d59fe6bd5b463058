package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteStore implements MetadataStore over a single-file SQLite
// database, following the three-table layout from SPEC_FULL.md §6:
// chunks, chunks_fts (FTS5 full-text index), and deps (dependency edges).
// It mirrors SQLiteBM25Index's connection handling (single writer, WAL mode,
// busy timeout) since both are the same kind of store over the same driver.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ MetadataStore = (*SQLiteStore)(nil)

// StoreConfig tunes the metadata store's SQLite page cache (DEBT-011).
type StoreConfig struct {
	// CacheSizeMB sets SQLite's page cache size in megabytes. Zero uses
	// DefaultStoreConfig's size.
	CacheSizeMB int
}

const defaultCacheSizeMB = 64

// DefaultStoreConfig returns the store's default cache size (64MB).
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{CacheSizeMB: defaultCacheSizeMB}
}

// NewSQLiteStore opens (creating if needed) a metadata store at
// path. An empty path opens an in-memory store, used by tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(path, DefaultStoreConfig())
}

// NewSQLiteStoreWithConfig opens a metadata store with an explicit cache
// size, used by callers that need to bound SQLite's memory footprint.
func NewSQLiteStoreWithConfig(path string, cfg StoreConfig) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	cacheSizeMB := cfg.CacheSizeMB
	if cacheSizeMB <= 0 {
		cacheSizeMB = defaultCacheSizeMB
	}
	// Negative cache_size value is interpreted by SQLite as kibibytes.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA cache_size = -%d", cacheSizeMB*1024),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT,
		root_path TEXT,
		project_type TEXT,
		chunk_count INTEGER DEFAULT 0,
		file_count INTEGER DEFAULT 0,
		indexed_at INTEGER,
		version TEXT
	);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		project_id TEXT,
		path TEXT,
		size INTEGER,
		mod_time INTEGER,
		content_hash TEXT,
		language TEXT,
		content_type TEXT,
		indexed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_files_project_path ON files(project_id, path);

	-- chunks table: SPEC_FULL.md §6 store layout.
	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id TEXT PRIMARY KEY,
		file_id TEXT,
		file_path TEXT,
		content TEXT,
		raw_content TEXT,
		context TEXT,
		content_type TEXT,
		language TEXT,
		line_start INTEGER,
		line_end INTEGER,
		symbol_name TEXT,
		symbol_type TEXT,
		last_modified INTEGER,
		content_hash TEXT,
		metadata_json TEXT,
		created_at INTEGER,
		updated_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_file_id ON chunks(file_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_file_path ON chunks(file_path);
	CREATE INDEX IF NOT EXISTS idx_chunks_last_modified ON chunks(last_modified);
	CREATE INDEX IF NOT EXISTS idx_chunks_symbol_name ON chunks(symbol_name);

	-- chunks_fts: FTS index over identifier-split, case-folded tokens (C3).
	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		chunk_id UNINDEXED,
		tokens,
		tokenize='unicode61'
	);

	-- deps: dependency graph edges (C8 dependency retriever).
	CREATE TABLE IF NOT EXISTS deps (
		src_chunk_id TEXT,
		dst_symbol_name TEXT,
		kind TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_deps_src ON deps(src_chunk_id);
	CREATE INDEX IF NOT EXISTS idx_deps_dst ON deps(dst_symbol_name);

	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT
	);

	CREATE TABLE IF NOT EXISTS embeddings (
		chunk_id TEXT PRIMARY KEY,
		model TEXT,
		vector BLOB
	);

	CREATE TABLE IF NOT EXISTS checkpoint (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		stage TEXT,
		total INTEGER,
		embedded_count INTEGER,
		timestamp INTEGER,
		embedder_model TEXT
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Project operations ---

func (s *SQLiteStore) SaveProject(ctx context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects(id, name, root_path, project_type, chunk_count, file_count, indexed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, root_path=excluded.root_path,
			project_type=excluded.project_type, chunk_count=excluded.chunk_count,
			file_count=excluded.file_count, indexed_at=excluded.indexed_at, version=excluded.version`,
		p.ID, p.Name, p.RootPath, p.ProjectType, p.ChunkCount, p.FileCount, p.IndexedAt.UnixMilli(), p.Version)
	return err
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT id, name, root_path, project_type, chunk_count, file_count, indexed_at, version FROM projects WHERE id = ?`, id)
	var p Project
	var indexedAt int64
	if err := row.Scan(&p.ID, &p.Name, &p.RootPath, &p.ProjectType, &p.ChunkCount, &p.FileCount, &indexedAt, &p.Version); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	p.IndexedAt = time.UnixMilli(indexedAt)
	return &p, nil
}

func (s *SQLiteStore) UpdateProjectStats(ctx context.Context, id string, fileCount, chunkCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET file_count = ?, chunk_count = ?, indexed_at = ? WHERE id = ?`,
		fileCount, chunkCount, time.Now().UnixMilli(), id)
	return err
}

func (s *SQLiteStore) RefreshProjectStats(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fileCount, chunkCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE project_id = ?`, id).Scan(&fileCount); err != nil {
		return err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks c JOIN files f ON c.file_id = f.id WHERE f.project_id = ?`, id).Scan(&chunkCount); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET file_count = ?, chunk_count = ?, indexed_at = ? WHERE id = ?`,
		fileCount, chunkCount, time.Now().UnixMilli(), id)
	return err
}

// --- File operations ---

func (s *SQLiteStore) SaveFiles(ctx context.Context, files []*File) error {
	if len(files) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files(id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET path=excluded.path, size=excluded.size, mod_time=excluded.mod_time,
			content_hash=excluded.content_hash, language=excluded.language, content_type=excluded.content_type,
			indexed_at=excluded.indexed_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, f.ID, f.ProjectID, f.Path, f.Size, f.ModTime.UnixMilli(),
			f.ContentHash, f.Language, f.ContentType, f.IndexedAt.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) scanFile(row *sql.Row) (*File, error) {
	var f File
	var modTime, indexedAt int64
	if err := row.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Size, &modTime, &f.ContentHash, &f.Language, &f.ContentType, &indexedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	f.ModTime = time.UnixMilli(modTime)
	f.IndexedAt = time.UnixMilli(indexedAt)
	return &f, nil
}

func (s *SQLiteStore) GetFileByPath(ctx context.Context, projectID, path string) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ? AND path = ?`, projectID, path)
	return s.scanFile(row)
}

func (s *SQLiteStore) GetChangedFiles(ctx context.Context, projectID string, since time.Time) ([]*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ? AND mod_time >= ? ORDER BY mod_time DESC`, projectID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*File
	for rows.Next() {
		var f File
		var modTime, indexedAt int64
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Size, &modTime, &f.ContentHash, &f.Language, &f.ContentType, &indexedAt); err != nil {
			return nil, err
		}
		f.ModTime = time.UnixMilli(modTime)
		f.IndexedAt = time.UnixMilli(indexedAt)
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListFiles(ctx context.Context, projectID string, cursor string, limit int) ([]*File, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	offset := 0
	if cursor != "" {
		raw, err := base64.StdEncoding.DecodeString(cursor)
		if err == nil {
			_, err = fmt.Sscanf(string(raw), "offset:%d", &offset)
		}
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		if offset < 0 {
			return nil, "", fmt.Errorf("invalid cursor: offset must be non-negative, got %d", offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ? ORDER BY id LIMIT ? OFFSET ?`, projectID, limit, offset)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var out []*File
	var next string
	for rows.Next() {
		var f File
		var modTime, indexedAt int64
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Size, &modTime, &f.ContentHash, &f.Language, &f.ContentType, &indexedAt); err != nil {
			return nil, "", err
		}
		f.ModTime = time.UnixMilli(modTime)
		f.IndexedAt = time.UnixMilli(indexedAt)
		out = append(out, &f)
	}
	if len(out) == limit {
		next = base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("offset:%d", offset+len(out))))
	}
	return out, next, rows.Err()
}

func (s *SQLiteStore) GetFilePathsByProject(ctx context.Context, projectID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetFilesForReconciliation(ctx context.Context, projectID string) (map[string]*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]*File)
	for rows.Next() {
		var f File
		var modTime, indexedAt int64
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Size, &modTime, &f.ContentHash, &f.Language, &f.ContentType, &indexedAt); err != nil {
			return nil, err
		}
		f.ModTime = time.UnixMilli(modTime)
		f.IndexedAt = time.UnixMilli(indexedAt)
		out[f.Path] = &f
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListFilePathsUnder(ctx context.Context, projectID, dirPrefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM files WHERE project_id = ? AND path LIKE ?`,
		projectID, dirPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.deleteChunksByFileTx(ctx, tx, fileID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteFilesByProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	rows, err := tx.QueryContext(ctx, `SELECT id FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return err
	}
	var fileIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		fileIDs = append(fileIDs, id)
	}
	rows.Close()
	for _, id := range fileIDs {
		if err := s.deleteChunksByFileTx(ctx, tx, id); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE project_id = ?`, projectID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Chunk operations ---

func chunkToRow(c *Chunk) (metaJSON string, err error) {
	if len(c.Metadata) == 0 {
		return "", nil
	}
	b, err := json.Marshal(c.Metadata)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks(chunk_id, file_id, file_path, content, raw_content, context, content_type, language,
			line_start, line_end, symbol_name, symbol_type, last_modified, content_hash, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET file_id=excluded.file_id, file_path=excluded.file_path,
			content=excluded.content, raw_content=excluded.raw_content, context=excluded.context,
			content_type=excluded.content_type, language=excluded.language, line_start=excluded.line_start,
			line_end=excluded.line_end, symbol_name=excluded.symbol_name, symbol_type=excluded.symbol_type,
			last_modified=excluded.last_modified, content_hash=excluded.content_hash,
			metadata_json=excluded.metadata_json, updated_at=excluded.updated_at`)
	if err != nil {
		return err
	}
	defer upsert.Close()

	ftsDelete, err := tx.PrepareContext(ctx, `DELETE FROM chunks_fts WHERE chunk_id = ?`)
	if err != nil {
		return err
	}
	defer ftsDelete.Close()
	ftsInsert, err := tx.PrepareContext(ctx, `INSERT INTO chunks_fts(chunk_id, tokens) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer ftsInsert.Close()

	for _, c := range chunks {
		metaJSON, err := chunkToRow(c)
		if err != nil {
			return err
		}
		var symbolName, symbolType string
		if len(c.Symbols) > 0 {
			symbolName = c.Symbols[0].Name
			symbolType = string(c.Symbols[0].Type)
		}
		now := time.Now().UnixMilli()
		createdAt := c.CreatedAt.UnixMilli()
		if c.CreatedAt.IsZero() {
			createdAt = now
		}
		updatedAt := c.UpdatedAt.UnixMilli()
		if c.UpdatedAt.IsZero() {
			updatedAt = now
		}
		if _, err := upsert.ExecContext(ctx, c.ID, c.FileID, c.FilePath, c.Content, c.RawContent, c.Context,
			string(c.ContentType), c.Language, c.StartLine, c.EndLine, symbolName, symbolType,
			updatedAt, contentHashOf(c), metaJSON, createdAt, updatedAt); err != nil {
			return err
		}
		if _, err := ftsDelete.ExecContext(ctx, c.ID); err != nil {
			return err
		}
		tokens := TokenizeCode(c.Content)
		if _, err := ftsInsert.ExecContext(ctx, c.ID, strings.Join(tokens, " ")); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// contentHashOf is a placeholder that chunking callers are expected to have
// already populated into Chunk.Metadata["content_hash"]; kept here so the
// metadata store never needs its own hashing policy (that lives with C5).
func contentHashOf(c *Chunk) string {
	if c.Metadata != nil {
		if h, ok := c.Metadata["content_hash"]; ok {
			return h
		}
	}
	return ""
}

func (s *SQLiteStore) scanChunk(rows interface {
	Scan(dest ...any) error
}) (*Chunk, error) {
	var c Chunk
	var contentType, symbolName, symbolType, contentHash, metaJSON string
	var lastModified, createdAt, updatedAt int64
	if err := rows.Scan(&c.ID, &c.FileID, &c.FilePath, &c.Content, &c.RawContent, &c.Context, &contentType,
		&c.Language, &c.StartLine, &c.EndLine, &symbolName, &symbolType, &lastModified, &contentHash,
		&metaJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.ContentType = ContentType(contentType)
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)
	if symbolName != "" {
		c.Symbols = []*Symbol{{Name: symbolName, Type: SymbolType(symbolType), StartLine: c.StartLine, EndLine: c.EndLine}}
	}
	c.Metadata = map[string]string{"content_hash": contentHash}
	if metaJSON != "" {
		var extra map[string]string
		if err := json.Unmarshal([]byte(metaJSON), &extra); err == nil {
			for k, v := range extra {
				c.Metadata[k] = v
			}
		}
	}
	return &c, nil
}

const chunkColumns = `chunk_id, file_id, file_path, content, raw_content, context, content_type, language,
	line_start, line_end, symbol_name, symbol_type, last_modified, content_hash, metadata_json, created_at, updated_at`

func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE chunk_id = ?`, id)
	c, err := s.scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT %s FROM chunks WHERE chunk_id IN (%s)`, chunkColumns, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Chunk
	for rows.Next() {
		c, err := s.scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetChunksByFile(ctx context.Context, fileID string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE file_id = ? ORDER BY line_start`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Chunk
	for rows.Next() {
		c, err := s.scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) deleteChunksTx(ctx context.Context, tx *sql.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	in := strings.Join(placeholders, ",")
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM chunks WHERE chunk_id IN (%s)`, in), args...); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM chunks_fts WHERE chunk_id IN (%s)`, in), args...); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM deps WHERE src_chunk_id IN (%s)`, in), args...); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) deleteChunksByFileTx(ctx context.Context, tx *sql.Tx, fileID string) error {
	rows, err := tx.QueryContext(ctx, `SELECT chunk_id FROM chunks WHERE file_id = ?`, fileID)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	return s.deleteChunksTx(ctx, tx, ids)
}

func (s *SQLiteStore) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.deleteChunksTx(ctx, tx, ids); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteChunksByFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.deleteChunksByFileTx(ctx, tx, fileID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Symbol operations ---

func (s *SQLiteStore) SearchSymbols(ctx context.Context, name string, limit int) ([]*Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT symbol_name, symbol_type, line_start, line_end FROM chunks
		WHERE symbol_name LIKE ? AND symbol_name != '' LIMIT ?`, "%"+name+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Symbol
	for rows.Next() {
		var sym Symbol
		var symType string
		if err := rows.Scan(&sym.Name, &symType, &sym.StartLine, &sym.EndLine); err != nil {
			return nil, err
		}
		sym.Type = SymbolType(symType)
		out = append(out, &sym)
	}
	return out, rows.Err()
}

// Recent implements C3's `recent(before, k)`: chunks with LastModified at or
// after "before" (ms since epoch), newest first.
func (s *SQLiteStore) Recent(ctx context.Context, before int64, limit int) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks
		WHERE last_modified >= ? ORDER BY last_modified DESC LIMIT ?`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Chunk
	for rows.Next() {
		c, err := s.scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// BySymbol implements C3's exact symbol lookup used to seed dependency walks.
func (s *SQLiteStore) BySymbol(ctx context.Context, name string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE symbol_name = ?`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Chunk
	for rows.Next() {
		c, err := s.scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveDeps(ctx context.Context, srcChunkID string, edges []DepEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM deps WHERE src_chunk_id = ?`, srcChunkID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO deps(src_chunk_id, dst_symbol_name, kind) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range edges {
		if _, err := stmt.ExecContext(ctx, srcChunkID, e.DstSymbol, e.Kind); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DepsFrom(ctx context.Context, srcChunkID string) ([]DepEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT src_chunk_id, dst_symbol_name, kind FROM deps WHERE src_chunk_id = ?`, srcChunkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DepEdge
	for rows.Next() {
		var e DepEdge
		if err := rows.Scan(&e.SrcChunkID, &e.DstSymbol, &e.Kind); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DepsTo(ctx context.Context, dstSymbolName string) ([]DepEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT src_chunk_id, dst_symbol_name, kind FROM deps WHERE dst_symbol_name = ?`, dstSymbolName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DepEdge
	for rows.Next() {
		var e DepEdge
		if err := rows.Scan(&e.SrcChunkID, &e.DstSymbol, &e.Kind); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- State operations ---

func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO state(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// --- Embedding operations ---

func (s *SQLiteStore) SaveChunkEmbeddings(ctx context.Context, chunkIDs []string, embeddings [][]float32, model string) error {
	if len(chunkIDs) != len(embeddings) {
		return fmt.Errorf("chunkIDs and embeddings length mismatch: %d vs %d", len(chunkIDs), len(embeddings))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO embeddings(chunk_id, model, vector) VALUES (?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET model = excluded.model, vector = excluded.vector`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, id := range chunkIDs {
		blob := encodeFloat32Blob(embeddings[i])
		if _, err := stmt.ExecContext(ctx, id, model, blob); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetAllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, vector FROM embeddings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		out[id] = decodeFloat32Blob(blob)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetEmbeddingStats(ctx context.Context) (withEmbedding, withoutEmbedding int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&withEmbedding); err != nil {
		return 0, 0, err
	}
	var total int
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&total); err != nil {
		return 0, 0, err
	}
	withoutEmbedding = total - withEmbedding
	if withoutEmbedding < 0 {
		withoutEmbedding = 0
	}
	return withEmbedding, withoutEmbedding, nil
}

func encodeFloat32Blob(v []float32) []byte {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		b[i*4] = byte(bits)
		b[i*4+1] = byte(bits >> 8)
		b[i*4+2] = byte(bits >> 16)
		b[i*4+3] = byte(bits >> 24)
	}
	return b
}

func decodeFloat32Blob(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// --- Checkpoint operations ---

func (s *SQLiteStore) SaveIndexCheckpoint(ctx context.Context, stage string, total, embeddedCount int, embedderModel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO checkpoint(id, stage, total, embedded_count, timestamp, embedder_model)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET stage=excluded.stage, total=excluded.total,
			embedded_count=excluded.embedded_count, timestamp=excluded.timestamp, embedder_model=excluded.embedder_model`,
		stage, total, embeddedCount, time.Now().UnixMilli(), embedderModel)
	return err
}

func (s *SQLiteStore) LoadIndexCheckpoint(ctx context.Context) (*IndexCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c IndexCheckpoint
	var ts int64
	err := s.db.QueryRowContext(ctx, `SELECT stage, total, embedded_count, timestamp, embedder_model FROM checkpoint WHERE id = 1`).
		Scan(&c.Stage, &c.Total, &c.EmbeddedCount, &ts, &c.EmbedderModel)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.Stage == "complete" {
		return nil, nil
	}
	c.Timestamp = time.UnixMilli(ts)
	return &c, nil
}

func (s *SQLiteStore) ClearIndexCheckpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoint WHERE id = 1`)
	return err
}

// DB returns the underlying database handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}
