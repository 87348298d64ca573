package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/spice-go/message"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed CheckpointStore.
//
// It keeps checkpoints in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments requiring durability
//   - Prototyping before migrating to Redis or MySQL
//
// The store auto-migrates its schema on first use and enables WAL mode
// so readers are not blocked by the writer.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. Use
// ":memory:" for an in-memory database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite supports a single writer; keep one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			graph_id TEXT NOT NULL,
			current_node_id TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create checkpoints table: %w", err)
	}
	index := `CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, created_at)`
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("create run index: %w", err)
	}
	return nil
}

// Save implements CheckpointStore.
func (s *SQLiteStore) Save(ctx context.Context, cp Checkpoint) error {
	raw, err := json.Marshal(cp.Message)
	if err != nil {
		return fmt.Errorf("marshal message for checkpoint %s: %w", cp.ID, err)
	}
	var expires sql.NullInt64
	if !cp.ExpiresAt.IsZero() {
		expires = sql.NullInt64{Int64: cp.ExpiresAt.UnixNano(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, run_id, graph_id, current_node_id, message, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			run_id = excluded.run_id,
			graph_id = excluded.graph_id,
			current_node_id = excluded.current_node_id,
			message = excluded.message,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, cp.ID, cp.RunID, cp.GraphID, cp.CurrentNodeID, string(raw), cp.Timestamp.UnixNano(), expires)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Load implements CheckpointStore.
func (s *SQLiteStore) Load(ctx context.Context, id string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, graph_id, current_node_id, message, created_at, expires_at
		FROM checkpoints WHERE id = ?
	`, id)
	return scanCheckpoint(row)
}

// ListByRun implements CheckpointStore.
func (s *SQLiteStore) ListByRun(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, graph_id, current_node_id, message, created_at, expires_at
		FROM checkpoints WHERE run_id = ? ORDER BY created_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Delete implements CheckpointStore.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// rowScanner abstracts sql.Row and sql.Rows for scanCheckpoint.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (Checkpoint, error) {
	var (
		cp        Checkpoint
		rawMsg    string
		createdAt int64
		expiresAt sql.NullInt64
	)
	err := row.Scan(&cp.ID, &cp.RunID, &cp.GraphID, &cp.CurrentNodeID, &rawMsg, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("scan checkpoint: %w", err)
	}
	var msg message.Message
	if err := json.Unmarshal([]byte(rawMsg), &msg); err != nil {
		return Checkpoint{}, fmt.Errorf("unmarshal checkpoint message: %w", err)
	}
	cp.Message = msg
	cp.Timestamp = time.Unix(0, createdAt).UTC()
	if expiresAt.Valid {
		cp.ExpiresAt = time.Unix(0, expiresAt.Int64).UTC()
	}
	return cp, nil
}
