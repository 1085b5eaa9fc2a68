package mpps

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// SQLiteBridge keeps a local ledger of study performed statuses for
// standalone deployments without the order database. Unknown studies are
// inserted.
type SQLiteBridge struct {
	db *sql.DB
}

// OpenSQLiteBridge opens (creating if needed) the ledger at path.
func OpenSQLiteBridge(ctx context.Context, path string) (*SQLiteBridge, error) {
	if path == "" {
		path = "radiology.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS radiology_study (
		study_instance_uid TEXT PRIMARY KEY,
		performed_status TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create radiology_study table: %w", err)
	}
	return &SQLiteBridge{db: db}, nil
}

func (b *SQLiteBridge) Notify(ctx context.Context, studyInstanceUID string, status Status) error {
	if studyInstanceUID == "" {
		return fmt.Errorf("%w: empty study instance UID", ErrStudyNotFound)
	}
	_, err := b.db.ExecContext(ctx, `INSERT INTO radiology_study (study_instance_uid, performed_status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(study_instance_uid) DO UPDATE SET
			performed_status = excluded.performed_status,
			updated_at = excluded.updated_at`,
		studyInstanceUID, status.Downstream(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert study performed status: %w", err)
	}
	return nil
}

// PerformedStatus returns the recorded downstream status of a study.
func (b *SQLiteBridge) PerformedStatus(ctx context.Context, studyInstanceUID string) (string, error) {
	var status string
	err := b.db.QueryRowContext(ctx,
		`SELECT performed_status FROM radiology_study WHERE study_instance_uid = ?`, studyInstanceUID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrStudyNotFound, studyInstanceUID)
	}
	if err != nil {
		return "", fmt.Errorf("select study performed status: %w", err)
	}
	return status, nil
}

// Ping checks the database handle.
func (b *SQLiteBridge) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *SQLiteBridge) Close() error {
	return b.db.Close()
}
