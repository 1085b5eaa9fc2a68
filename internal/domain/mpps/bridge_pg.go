package mpps

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// execer is satisfied by *pgxpool.Pool, pgx.Conn and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGBridge records performed status on the radiology_study table.
type PGBridge struct {
	db execer
}

func NewPGBridge(db execer) *PGBridge {
	return &PGBridge{db: db}
}

func (b *PGBridge) Notify(ctx context.Context, studyInstanceUID string, status Status) error {
	tag, err := b.db.Exec(ctx,
		`UPDATE radiology_study SET performed_status = $1, updated_at = now() WHERE study_instance_uid = $2`,
		status.Downstream(), studyInstanceUID)
	if err != nil {
		return fmt.Errorf("update study performed status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrStudyNotFound, studyInstanceUID)
	}
	return nil
}
