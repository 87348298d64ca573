package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL-backed CheckpointStore for multi-process
// deployments sharing one database.
//
// DSN format follows the go-sql-driver convention, e.g.
// "user:pass@tcp(localhost:3306)/spice?parseTime=true".
// The schema auto-migrates on first use.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a connection pool against the given DSN.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id VARCHAR(255) PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			graph_id VARCHAR(255) NOT NULL,
			current_node_id VARCHAR(255) NOT NULL,
			message JSON NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NULL,
			INDEX idx_checkpoints_run (run_id, created_at)
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create checkpoints table: %w", err)
	}
	return nil
}

// Save implements CheckpointStore.
func (s *MySQLStore) Save(ctx context.Context, cp Checkpoint) error {
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
		ON DUPLICATE KEY UPDATE
			run_id = VALUES(run_id),
			graph_id = VALUES(graph_id),
			current_node_id = VALUES(current_node_id),
			message = VALUES(message),
			created_at = VALUES(created_at),
			expires_at = VALUES(expires_at)
	`, cp.ID, cp.RunID, cp.GraphID, cp.CurrentNodeID, string(raw), cp.Timestamp.UnixNano(), expires)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Load implements CheckpointStore.
func (s *MySQLStore) Load(ctx context.Context, id string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, graph_id, current_node_id, message, created_at, expires_at
		FROM checkpoints WHERE id = ?
	`, id)
	return scanCheckpoint(row)
}

// ListByRun implements CheckpointStore.
func (s *MySQLStore) ListByRun(ctx context.Context, runID string) ([]Checkpoint, error) {
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
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
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

// Close releases the connection pool.
func (s *MySQLStore) Close() error { return s.db.Close() }
