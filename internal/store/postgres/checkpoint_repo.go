package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/apibara/dna/internal/cursor"
)

// CheckpointRepo persists the last cursor successfully delivered to a
// durable client (sink_id), so a reconnecting StreamEngine client can
// resume historical catch-up from BlockStore rather than from genesis.
// Writes use an upsert-on-conflict keyed by sink.
type CheckpointRepo struct {
	db *DB
}

func NewCheckpointRepo(db *DB) *CheckpointRepo {
	return &CheckpointRepo{db: db}
}

// Get returns the last checkpointed cursor for sinkID, or (zero, false) if
// none is recorded yet.
func (r *CheckpointRepo) Get(ctx context.Context, sinkID string) (cursor.Cursor, bool, error) {
	var number uint64
	var hash []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT block_number, block_hash
		FROM stream_checkpoints
		WHERE sink_id = $1
	`, sinkID).Scan(&number, &hash)
	if err == sql.ErrNoRows {
		return cursor.Cursor{}, false, nil
	}
	if err != nil {
		return cursor.Cursor{}, false, fmt.Errorf("get checkpoint: %w", err)
	}
	return cursor.New(number, hash), true, nil
}

// Upsert records cur as the latest checkpoint for sinkID.
func (r *CheckpointRepo) Upsert(ctx context.Context, sinkID string, cur cursor.Cursor) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stream_checkpoints (sink_id, block_number, block_hash, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (sink_id) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			block_hash = EXCLUDED.block_hash,
			updated_at = now()
	`, sinkID, cur.Number, cur.Hash)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// Delete removes sinkID's checkpoint, e.g. when a client unsubscribes for
// good.
func (r *CheckpointRepo) Delete(ctx context.Context, sinkID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM stream_checkpoints WHERE sink_id = $1`, sinkID)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
