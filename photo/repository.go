package photo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the photo does not exist.
	ErrNotFound = errors.New("photo: not found")
	// ErrNoDelivery signals the request has no photo attempts at all.
	ErrNoDelivery = errors.New("photo: no delivery for request")
)

const photoColumns = `id, request_id, agent_id, storage_path, taken_lat, taken_lng, status::text, view_started_at, view_expires_at, view_revoked_at, created_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, p Photo) (Photo, error) {
	const insertSQL = `
		INSERT INTO photos (id, request_id, agent_id, storage_path, taken_lat, taken_lng, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		RETURNING ` + photoColumns
	rec, err := scanPhoto(tx.QueryRow(ctx, insertSQL, p.ID, p.RequestID, p.AgentID, p.StoragePath, p.TakenLat, p.TakenLng))
	if err != nil {
		return Photo{}, fmt.Errorf("photo: insert: %w", err)
	}
	return rec, nil
}

func (r *Repository) Get(ctx context.Context, photoID string) (Photo, error) {
	rec, err := scanPhoto(r.pool.QueryRow(ctx, `SELECT `+photoColumns+` FROM photos WHERE id = $1`, photoID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Photo{}, ErrNotFound
		}
		return Photo{}, fmt.Errorf("photo: get: %w", err)
	}
	return rec, nil
}

// ActiveForRequest returns the photo to display for a request: the latest
// non-rejected attempt by capture order, falling back to the latest rejected
// one so reviewers still have a reference after a lost dispute. Ordering is
// by created_at, not insertion order, so re-synced rows cannot surface a
// stale attempt.
func (r *Repository) ActiveForRequest(ctx context.Context, requestID string) (Photo, error) {
	const activeSQL = `
		SELECT ` + photoColumns + `
		FROM photos
		WHERE request_id = $1
		ORDER BY (status = 'rejected'), created_at DESC
		LIMIT 1
	`
	rec, err := scanPhoto(r.pool.QueryRow(ctx, activeSQL, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Photo{}, ErrNoDelivery
		}
		return Photo{}, fmt.Errorf("photo: active for request: %w", err)
	}
	return rec, nil
}

// activeForRequestTx is the same lookup inside a transaction, used by the
// idempotent submit path.
func activeForRequestTx(ctx context.Context, tx pgx.Tx, requestID string) (Photo, error) {
	const activeSQL = `
		SELECT ` + photoColumns + `
		FROM photos
		WHERE request_id = $1 AND status <> 'rejected'
		ORDER BY created_at DESC
		LIMIT 1
	`
	rec, err := scanPhoto(tx.QueryRow(ctx, activeSQL, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Photo{}, ErrNoDelivery
		}
		return Photo{}, fmt.Errorf("photo: active for request: %w", err)
	}
	return rec, nil
}

// MarkRejected is called by the dispute arbiter inside its transaction when
// a dispute resolves for the creator.
func (r *Repository) MarkRejected(ctx context.Context, tx pgx.Tx, photoID string) error {
	tag, err := tx.Exec(ctx, `UPDATE photos SET status = 'rejected' WHERE id = $1 AND status <> 'rejected'`, photoID)
	if err != nil {
		return fmt.Errorf("photo: mark rejected: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPhoto(row pgx.Row) (Photo, error) {
	var rec Photo
	err := row.Scan(
		&rec.ID,
		&rec.RequestID,
		&rec.AgentID,
		&rec.StoragePath,
		&rec.TakenLat,
		&rec.TakenLng,
		&rec.Status,
		&rec.ViewStartedAt,
		&rec.ViewExpiresAt,
		&rec.ViewRevokedAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return Photo{}, err
	}
	return rec, nil
}
