package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SessionRecord is the metadata archived when a session is destroyed.
type SessionRecord struct {
	ID          string
	Provider    string
	Environment string
	SandboxID   string
	Flagged     bool // destroy retries exhausted; resource needs manual reconciliation
	CreatedAt   time.Time
	DestroyedAt time.Time
}

// ArtifactRecord is one file captured from a sandbox during a session.
type ArtifactRecord struct {
	SessionID   string
	Path        string
	ContentType string
	Data        []byte
	CapturedAt  time.Time
}

// ArtifactSink receives a destroyed session's metadata and artifacts
// for durable persistence.
type ArtifactSink interface {
	ArchiveSession(ctx context.Context, rec SessionRecord, artifacts []ArtifactRecord) error
}

// Store implements ArtifactSink on SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps archive writes from blocking introspection reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_archives (
			id           TEXT PRIMARY KEY,
			provider     TEXT NOT NULL,
			environment  TEXT NOT NULL,
			sandbox_id   TEXT NOT NULL DEFAULT '',
			flagged      INTEGER NOT NULL DEFAULT 0,
			created_at   DATETIME NOT NULL,
			destroyed_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS artifacts (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id   TEXT NOT NULL,
			path         TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			data         BLOB NOT NULL,
			captured_at  DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES session_archives(id)
		);

		CREATE INDEX IF NOT EXISTS idx_artifacts_session_id
			ON artifacts(session_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ArchiveSession stores the session record and its artifacts in one
// transaction. Archiving the same session id again replaces the
// previous record; destroy is idempotent and archive follows suit.
func (s *Store) ArchiveSession(ctx context.Context, rec SessionRecord, artifacts []ArtifactRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO session_archives
			(id, provider, environment, sandbox_id, flagged, created_at, destroyed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Provider, rec.Environment, rec.SandboxID, rec.Flagged,
		rec.CreatedAt, rec.DestroyedAt,
	)
	if err != nil {
		return fmt.Errorf("archiving session %s: %w", rec.ID, err)
	}

	for _, a := range artifacts {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO artifacts (session_id, path, content_type, data, captured_at)
			 VALUES (?, ?, ?, ?, ?)`,
			a.SessionID, a.Path, a.ContentType, a.Data, a.CapturedAt,
		)
		if err != nil {
			return fmt.Errorf("archiving artifact %s for session %s: %w", a.Path, rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing archive for session %s: %w", rec.ID, err)
	}
	return nil
}

// GetArchivedSession retrieves an archived session record by id.
func (s *Store) GetArchivedSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, provider, environment, sandbox_id, flagged, created_at, destroyed_at
		 FROM session_archives WHERE id = ?`, id,
	)

	var rec SessionRecord
	err := row.Scan(&rec.ID, &rec.Provider, &rec.Environment, &rec.SandboxID,
		&rec.Flagged, &rec.CreatedAt, &rec.DestroyedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListArtifacts returns all artifacts captured for a session.
func (s *Store) ListArtifacts(ctx context.Context, sessionID string) ([]ArtifactRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, path, content_type, data, captured_at
		 FROM artifacts WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []ArtifactRecord
	for rows.Next() {
		var a ArtifactRecord
		if err := rows.Scan(&a.SessionID, &a.Path, &a.ContentType, &a.Data, &a.CapturedAt); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// ListFlagged returns archived sessions whose provider resources may
// still exist and need out-of-band cleanup.
func (s *Store) ListFlagged(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, environment, sandbox_id, flagged, created_at, destroyed_at
		 FROM session_archives WHERE flagged = 1 ORDER BY destroyed_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.Provider, &rec.Environment, &rec.SandboxID,
			&rec.Flagged, &rec.CreatedAt, &rec.DestroyedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
