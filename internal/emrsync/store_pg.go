package emrsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGConflictStore is the Postgres-backed ConflictStore.
type PGConflictStore struct {
	pool *pgxpool.Pool
}

// NewPGConflictStore creates a conflict store on the given pool.
func NewPGConflictStore(pool *pgxpool.Pool) *PGConflictStore {
	return &PGConflictStore{pool: pool}
}

const conflictCols = `id, record_id, entity_type, external_id, local_version, remote_version,
	local_modified, remote_modified, detected_at, status, resolution, resolved_at`

func scanConflict(row pgx.Row) (*Conflict, error) {
	c := &Conflict{}
	var resolution *string
	err := row.Scan(&c.ID, &c.RecordID, &c.EntityType, &c.ExternalID, &c.LocalVersion,
		&c.RemoteVersion, &c.LocalModified, &c.RemoteModified, &c.DetectedAt,
		&c.Status, &resolution, &c.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, err
	}
	if resolution != nil {
		c.Resolution = *resolution
	}
	return c, nil
}

func (s *PGConflictStore) Put(ctx context.Context, c *Conflict) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_conflict (id, record_id, entity_type, external_id, local_version,
			remote_version, local_modified, remote_modified, detected_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			local_version = EXCLUDED.local_version,
			remote_version = EXCLUDED.remote_version,
			local_modified = EXCLUDED.local_modified,
			remote_modified = EXCLUDED.remote_modified,
			detected_at = EXCLUDED.detected_at,
			status = EXCLUDED.status`,
		c.ID, c.RecordID, c.EntityType, c.ExternalID, c.LocalVersion, c.RemoteVersion,
		c.LocalModified, c.RemoteModified, c.DetectedAt, c.Status)
	if err != nil {
		return fmt.Errorf("put conflict: %w", err)
	}
	return nil
}

func (s *PGConflictStore) Get(ctx context.Context, id uuid.UUID) (*Conflict, error) {
	return scanConflict(s.pool.QueryRow(ctx,
		`SELECT `+conflictCols+` FROM sync_conflict WHERE id = $1`, id))
}

func (s *PGConflictStore) ListOpen(ctx context.Context, limit, offset int) ([]*Conflict, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM sync_conflict WHERE status = $1`, ConflictOpen).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conflicts: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+conflictCols+` FROM sync_conflict
		WHERE status = $1 ORDER BY detected_at, id LIMIT $2 OFFSET $3`,
		ConflictOpen, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (s *PGConflictStore) MarkResolved(ctx context.Context, id uuid.UUID, resolution string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_conflict SET status = $1, resolution = $2, resolved_at = $3
		WHERE id = $4 AND status = $5`,
		ConflictResolved, resolution, at, id, ConflictOpen)
	if err != nil {
		return fmt.Errorf("mark conflict resolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflictNotFound
	}
	return nil
}

// PGRetryStore is the Postgres-backed RetryStore. Operations replay in
// enqueue order.
type PGRetryStore struct {
	pool *pgxpool.Pool
}

// NewPGRetryStore creates a retry queue on the given pool.
func NewPGRetryStore(pool *pgxpool.Pool) *PGRetryStore {
	return &PGRetryStore{pool: pool}
}

const failedOpCols = `id, kind, entity_type, local_id, payload, error, queued_at, retry_count`

func scanFailedOp(row pgx.Row) (*FailedOperation, error) {
	op := &FailedOperation{}
	err := row.Scan(&op.ID, &op.Kind, &op.EntityType, &op.LocalID, &op.Payload,
		&op.Error, &op.Timestamp, &op.RetryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (s *PGRetryStore) Enqueue(ctx context.Context, op *FailedOperation) error {
	if op.ID == uuid.Nil {
		op.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO failed_operation (id, kind, entity_type, local_id, payload, error, queued_at, retry_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING`,
		op.ID, op.Kind, op.EntityType, op.LocalID, op.Payload, op.Error, op.Timestamp, op.RetryCount)
	if err != nil {
		return fmt.Errorf("enqueue failed operation: %w", err)
	}
	return nil
}

func (s *PGRetryStore) List(ctx context.Context) ([]*FailedOperation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+failedOpCols+` FROM failed_operation ORDER BY queued_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list failed operations: %w", err)
	}
	defer rows.Close()

	var out []*FailedOperation
	for rows.Next() {
		op, err := scanFailedOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *PGRetryStore) Update(ctx context.Context, op *FailedOperation) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE failed_operation SET error = $1, retry_count = $2 WHERE id = $3`,
		op.Error, op.RetryCount, op.ID)
	if err != nil {
		return fmt.Errorf("update failed operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOperationNotFound
	}
	return nil
}

func (s *PGRetryStore) Remove(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM failed_operation WHERE id = $1`, id); err != nil {
		return fmt.Errorf("remove failed operation: %w", err)
	}
	return nil
}
