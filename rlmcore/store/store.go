// Package store persists canonical documents, executions, and span refs in
// SQLite. It doubles as a CanonicalReader backed by durable storage.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/0xfauzi/rlm-core/rlmcore/artifact"
	"github.com/0xfauzi/rlm-core/rlmcore/citation"
	"github.com/0xfauzi/rlm-core/rlmcore/observability"
)

// Store wraps a SQLite database for document and execution persistence.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewFromDB creates a Store from an existing *sql.DB and runs migrations.
// This is useful for testing with an in-memory database.
func NewFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			body BLOB NOT NULL,
			length INTEGER NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			terminated INTEGER NOT NULL DEFAULT 0,
			terminal_outcome TEXT NOT NULL DEFAULT '',
			answer TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
		CREATE TABLE IF NOT EXISTS span_refs (
			execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			document_id TEXT NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			sha256 TEXT NOT NULL,
			preview TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (execution_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id);
	`)
	return err
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// PutDocument stores the canonical text for docID. Canonical text is
// immutable: overwriting an existing document is an error.
func (s *Store) PutDocument(ctx context.Context, docID string, body []byte) error {
	if docID == "" {
		return fmt.Errorf("document id is required")
	}
	if exists, err := s.Exists(ctx, docID); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("document already ingested: %s", docID)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, body, length) VALUES (?, ?, ?)`,
		docID, body, len(body))
	if err != nil {
		return artifact.NewTransportError("put_document", err)
	}
	return nil
}

// Read implements artifact.CanonicalReader.
func (s *Store) Read(ctx context.Context, docID string, start, end uint64) ([]byte, error) {
	observability.RecordRangeRead("sqlite")

	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE id = ?`, docID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, artifact.NewNotFoundError(docID)
	}
	if err != nil {
		return nil, artifact.NewTransportError("read", err)
	}

	if err := artifact.CheckRange(docID, start, end, uint64(len(body))); err != nil {
		return nil, err
	}

	out := make([]byte, end-start)
	copy(out, body[start:end])
	return out, nil
}

// Length implements artifact.CanonicalReader.
func (s *Store) Length(ctx context.Context, docID string) (uint64, error) {
	var length uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT length FROM documents WHERE id = ?`, docID).Scan(&length)
	if err == sql.ErrNoRows {
		return 0, artifact.NewNotFoundError(docID)
	}
	if err != nil {
		return 0, artifact.NewTransportError("length", err)
	}
	return length, nil
}

// Exists implements artifact.CanonicalReader.
func (s *Store) Exists(ctx context.Context, docID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM documents WHERE id = ?`, docID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, artifact.NewTransportError("exists", err)
	}
	return true, nil
}

// Ensure Store implements artifact.CanonicalReader
var _ artifact.CanonicalReader = (*Store)(nil)

// =============================================================================
// EXECUTIONS
// =============================================================================

// ExecutionRow is the persisted shape of an execution's terminal state.
type ExecutionRow struct {
	ID              string
	SessionID       string
	Terminated      bool
	TerminalOutcome string
	Answer          string
	CreatedAt       time.Time
}

// SaveExecution upserts the execution row and replaces its span refs.
func (s *Store) SaveExecution(ctx context.Context, row ExecutionRow, refs []citation.SpanRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return artifact.NewTransportError("save_execution", err)
	}
	defer tx.Rollback()

	terminated := 0
	if row.Terminated {
		terminated = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO executions (id, session_id, terminated, terminal_outcome, answer)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			terminated = excluded.terminated,
			terminal_outcome = excluded.terminal_outcome,
			answer = excluded.answer
	`, row.ID, row.SessionID, terminated, row.TerminalOutcome, row.Answer); err != nil {
		return artifact.NewTransportError("save_execution", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM span_refs WHERE execution_id = ?`, row.ID); err != nil {
		return artifact.NewTransportError("save_execution", err)
	}
	for i, ref := range refs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO span_refs (execution_id, seq, document_id, start_offset, end_offset, sha256, preview)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, row.ID, i, ref.DocumentID, ref.Start, ref.End, ref.SHA256, ref.Preview); err != nil {
			return artifact.NewTransportError("save_execution", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return artifact.NewTransportError("save_execution", err)
	}
	return nil
}

// LoadSpanRefs returns the persisted span refs of an execution in order.
func (s *Store) LoadSpanRefs(ctx context.Context, executionID string) ([]citation.SpanRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, start_offset, end_offset, sha256, preview
		FROM span_refs WHERE execution_id = ? ORDER BY seq
	`, executionID)
	if err != nil {
		return nil, artifact.NewTransportError("load_span_refs", err)
	}
	defer rows.Close()

	var refs []citation.SpanRef
	for rows.Next() {
		var ref citation.SpanRef
		if err := rows.Scan(&ref.DocumentID, &ref.Start, &ref.End, &ref.SHA256, &ref.Preview); err != nil {
			return nil, artifact.NewTransportError("load_span_refs", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, artifact.NewTransportError("load_span_refs", err)
	}
	return refs, nil
}
