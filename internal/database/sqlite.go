package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"sitesnap/internal/database/migrations"
	"sitesnap/internal/model"
	"sitesnap/internal/snap"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteIndex is the snapshot index of the local cache: snapshot metadata,
// manifests and push records. Block payloads live outside it.
type SQLiteIndex struct {
	db   *sql.DB
	path string
}

// NewSQLiteIndex opens the index at path and migrates it to the latest schema.
// path can be a file path or ":memory:".
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteIndex{db: db, path: path}, nil
}

// OpenConnection opens a SQLite connection with foreign keys enabled.
// A single connection is used so ":memory:" databases are shared and writes serialize.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

// CheckMigrations verifies the schema is at the latest version.
func (s *SQLiteIndex) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteIndex) Path() string { return s.path }

// Close closes the connection.
func (s *SQLiteIndex) Close() error { return s.db.Close() }

// Snapshot operations

// SaveSnapshot writes the snapshot and its manifest in one transaction.
// An existing entry with the same content hash is left untouched and reported
// with created=false; different content fails with snap.ErrCacheConflict.
func (s *SQLiteIndex) SaveSnapshot(snapshot *model.Snapshot) (created bool, err error) {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	contentHash := snapshot.ContentHash()
	var existing string
	err = tx.QueryRowContext(ctx, `SELECT content_hash FROM snapshots WHERE id = ?`, snapshot.ID).Scan(&existing)
	switch {
	case err == nil && existing == contentHash:
		return false, nil
	case err == nil:
		return false, fmt.Errorf("%w: %s", snap.ErrCacheConflict, snapshot.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("checking for existing snapshot: %w", err)
	}

	var dbHash sql.NullString
	var dbSize sql.NullInt64
	if snapshot.Database != nil {
		dbHash = sql.NullString{String: snapshot.Database.Hash, Valid: true}
		dbSize = sql.NullInt64{Int64: snapshot.Database.Size, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (id, project, description, author, created_at, repository,
			scrubbed, small, size, database_hash, database_size, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snapshot.ID, snapshot.Project, snapshot.Description, snapshot.Author, snapshot.CreatedAt.UTC(),
		snapshot.Repository, snapshot.Scrubbed, snapshot.Small, snapshot.Size, dbHash, dbSize, contentHash)
	if err != nil {
		return false, fmt.Errorf("inserting snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO manifest_entries (snapshot_id, path, hash, size, mode, link_target)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return false, fmt.Errorf("preparing manifest insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range snapshot.Manifest.Entries {
		if _, err := stmt.ExecContext(ctx, snapshot.ID, e.Path, e.Hash, e.Size, int64(e.Mode), e.LinkTarget); err != nil {
			return false, fmt.Errorf("inserting manifest entry %s: %w", e.Path, err)
		}
	}

	for _, repo := range snapshot.PushedTo {
		if err := markPushed(ctx, tx, snapshot.ID, repo, time.Now().UTC()); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}
	return true, nil
}

const snapshotColumns = `id, project, description, author, created_at, repository,
	scrubbed, small, size, database_hash, database_size`

// FindSnapshot returns the snapshot with the given id, or nil if it is not indexed.
func (s *SQLiteIndex) FindSnapshot(id string) (*model.Snapshot, error) {
	ctx := context.Background()
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id)
	snapshot, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding snapshot: %w", err)
	}
	if err := s.loadDetails(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// ListSnapshots returns every indexed snapshot, newest first.
func (s *SQLiteIndex) ListSnapshots() ([]*model.Snapshot, error) {
	ctx := context.Background()
	rows, err := s.db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	var result []*model.Snapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("reading snapshot row: %w", err)
		}
		result = append(result, snapshot)
	}
	// Close before loading details: the index uses a single connection.
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	for _, snapshot := range result {
		if err := s.loadDetails(ctx, snapshot); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// MarkPushed records that id was registered with repository.
func (s *SQLiteIndex) MarkPushed(id, repository string, at time.Time) error {
	ctx := context.Background()
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM snapshots WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", snap.ErrSnapshotNotFoundLocally, id)
	}
	if err != nil {
		return fmt.Errorf("finding snapshot: %w", err)
	}
	return markPushed(ctx, s.db, id, repository, at)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func markPushed(ctx context.Context, db execer, id, repository string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO snapshot_pushes (snapshot_id, repository, pushed_at) VALUES (?, ?, ?)
		ON CONFLICT (snapshot_id, repository) DO NOTHING`, id, repository, at)
	if err != nil {
		return fmt.Errorf("recording push: %w", err)
	}
	return nil
}

// ReferencedBlocks returns the hash of every block an indexed snapshot references.
func (s *SQLiteIndex) ReferencedBlocks() (map[string]bool, error) {
	rows, err := s.db.Query(`
		SELECT hash FROM manifest_entries WHERE hash != ''
		UNION
		SELECT database_hash FROM snapshots WHERE database_hash IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("listing referenced blocks: %w", err)
	}
	defer rows.Close()

	refs := make(map[string]bool)
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("reading block hash: %w", err)
		}
		refs[hash] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing referenced blocks: %w", err)
	}
	return refs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*model.Snapshot, error) {
	var s model.Snapshot
	var dbHash sql.NullString
	var dbSize sql.NullInt64
	err := row.Scan(&s.ID, &s.Project, &s.Description, &s.Author, &s.CreatedAt, &s.Repository,
		&s.Scrubbed, &s.Small, &s.Size, &dbHash, &dbSize)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	if dbHash.Valid {
		s.Database = &model.BlockRef{Hash: dbHash.String, Size: dbSize.Int64}
	}
	return &s, nil
}

// loadDetails fills in the manifest and push records.
func (s *SQLiteIndex) loadDetails(ctx context.Context, snapshot *model.Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, hash, size, mode, link_target FROM manifest_entries
		WHERE snapshot_id = ? ORDER BY path`, snapshot.ID)
	if err != nil {
		return fmt.Errorf("loading manifest: %w", err)
	}
	for rows.Next() {
		var e model.ManifestEntry
		var mode int64
		if err := rows.Scan(&e.Path, &e.Hash, &e.Size, &mode, &e.LinkTarget); err != nil {
			rows.Close()
			return fmt.Errorf("reading manifest entry: %w", err)
		}
		e.Mode = fs.FileMode(mode)
		snapshot.Manifest.Entries = append(snapshot.Manifest.Entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("loading manifest: %w", err)
	}

	pushes, err := s.db.QueryContext(ctx, `
		SELECT repository FROM snapshot_pushes WHERE snapshot_id = ? ORDER BY pushed_at, repository`, snapshot.ID)
	if err != nil {
		return fmt.Errorf("loading pushes: %w", err)
	}
	defer pushes.Close()
	for pushes.Next() {
		var repo string
		if err := pushes.Scan(&repo); err != nil {
			return fmt.Errorf("reading push: %w", err)
		}
		snapshot.PushedTo = append(snapshot.PushedTo, repo)
	}
	return pushes.Err()
}

// Operation tracking

// Operation is one recorded CLI run.
type Operation struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Operation  string
	Parameters string
	Status     string
}

// CreateOperation records the start of an operation and returns its id.
func (s *SQLiteIndex) CreateOperation(operation, parameters string, at time.Time) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO operations (started_at, operation, parameters) VALUES (?, ?, ?)`,
		at.UTC(), operation, parameters)
	if err != nil {
		return 0, fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading operation id: %w", err)
	}
	return id, nil
}

// FinishOperation records the outcome of an operation.
func (s *SQLiteIndex) FinishOperation(id int64, status string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE operations SET finished_at = ?, status = ? WHERE id = ?`, at.UTC(), status, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

// ListOperations returns the most recent operations, newest first.
func (s *SQLiteIndex) ListOperations(limit int) ([]*Operation, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, operation, parameters, status
		FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		var op Operation
		if err := rows.Scan(&op.ID, &op.StartedAt, &op.FinishedAt, &op.Operation, &op.Parameters, &op.Status); err != nil {
			return nil, fmt.Errorf("reading operation: %w", err)
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}
